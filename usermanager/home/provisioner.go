// Package home is the Home Provisioner (spec.md §4.B): recursive copy
// of a skeleton tree into a home directory with ownership and mode
// fix-up, recursive deletion, and execution of ordered hook scripts.
package home

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

const (
	// SkelDir is the template tree copied into every new home.
	SkelDir = "/etc/skel"
	// HomeMode is the mode every provisioned home is chmod'd to.
	HomeMode = 0700
)

// Provisioner implements spec.md §4.B against the local filesystem.
type Provisioner struct {
	Log logger.Logger

	// Skel overrides SkelDir; used by tests.
	Skel string
}

func New(log logger.Logger) *Provisioner {
	if log == nil {
		log = logger.Nop()
	}
	return &Provisioner{Log: log, Skel: SkelDir}
}

func (p *Provisioner) skel() string {
	if p.Skel != "" {
		return p.Skel
	}
	return SkelDir
}

// CopyTree recursively copies src into dst, chowning every entry
// (including dst itself) to uid:gid. Directories that already exist
// are accepted, matching the idempotent behaviour spec.md requires so
// a partially-provisioned home can be retried.
func (p *Provisioner) CopyTree(src, dst string, uid, gid ids.UID) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("home: stat %s: %w", src, err)
	}

	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
			return fmt.Errorf("home: mkdir %s: %w", dst, err)
		}
	} else if err != nil {
		return fmt.Errorf("home: stat %s: %w", dst, err)
	}

	if err := os.Chown(dst, int(uid), int(gid)); err != nil {
		return fmt.Errorf("home: chown %s: %w", dst, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("home: read %s: %w", src, err)
	}

	for _, e := range entries {
		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())

		if e.IsDir() {
			if err := p.CopyTree(srcPath, dstPath, uid, gid); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(srcPath, dstPath); err != nil {
			return fmt.Errorf("home: copy %s: %w", srcPath, err)
		}
		if err := os.Chown(dstPath, int(uid), int(gid)); err != nil {
			return fmt.Errorf("home: chown %s: %w", dstPath, err)
		}
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Close()
}

// MakeHome copies the skeleton tree into home, owned uid:gid, then
// chmods the root to HomeMode.
func (p *Provisioner) MakeHome(home string, uid, gid ids.UID) error {
	if err := p.CopyTree(p.skel(), home, uid, gid); err != nil {
		return err
	}
	if err := os.Chmod(home, HomeMode); err != nil {
		return fmt.Errorf("home: chmod %s: %w", home, err)
	}
	return nil
}

// RemoveTree recursively deletes path.
func (p *Provisioner) RemoveTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("home: remove %s: %w", path, err)
	}
	return nil
}

var naturalChunk = regexp.MustCompile(`\d+|\D+`)

// ExecuteHooks runs every executable *.sh file directly inside dir,
// in natural-number-aware order (so 10.sh follows 9.sh rather than
// 1.sh), passing uid as the sole argument. Non-zero exits are logged
// and do not stop the remaining hooks.
func (p *Provisioner) ExecuteHooks(ctx context.Context, uid ids.UID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("home: list hooks in %s: %w", dir, err)
	}

	var scripts []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sh") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		scripts = append(scripts, e.Name())
	}
	sort.Slice(scripts, func(i, j int) bool { return naturalLess(scripts[i], scripts[j]) })

	var errs *multierror.Error
	for _, name := range scripts {
		path := filepath.Join(dir, name)
		cmd := exec.CommandContext(ctx, path, strconv.Itoa(int(uid)))
		if err := cmd.Run(); err != nil {
			p.Log.Warn("hook script exited non-zero", "script", path, "uid", uid, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs.ErrorOrNil()
}

func naturalLess(a, b string) bool {
	ac := naturalChunk.FindAllString(a, -1)
	bc := naturalChunk.FindAllString(b, -1)
	for i := 0; i < len(ac) && i < len(bc); i++ {
		an, aerr := strconv.Atoi(ac[i])
		bn, berr := strconv.Atoi(bc[i])
		if aerr == nil && berr == nil {
			if an != bn {
				return an < bn
			}
			continue
		}
		if ac[i] != bc[i] {
			return ac[i] < bc[i]
		}
	}
	return len(ac) < len(bc)
}
