// Package envfile is the Environment-File Editor (spec.md §4.D): an
// in-place, non-atomic rewrite of a single KEY=value line in a
// colon-free text file, preserving every surrounding line.
package envfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

const (
	// Path is the file the daemon patches after a successful switch.
	Path = "/etc/environment"

	key = "LAST_LOGIN_UID="
)

// Editor rewrites the LAST_LOGIN_UID= line of Path. It is used only by
// the coordinator, best-effort: any I/O error is logged and swallowed,
// per spec.md §4.D and §7 ("best-effort steps... log and proceed").
type Editor struct {
	Log  logger.Logger
	Path string
}

func New(log logger.Logger) *Editor {
	if log == nil {
		log = logger.Nop()
	}
	return &Editor{Log: log, Path: Path}
}

// PatchLastLoginUID rewrites (or appends) the LAST_LOGIN_UID= line.
// Errors are logged and discarded; the file is left untouched as far
// as possible on failure.
func (e *Editor) PatchLastLoginUID(uid ids.UID) {
	if err := e.patch(uid); err != nil {
		e.Log.Warn("envfile: patching LAST_LOGIN_UID failed", "path", e.Path, "error", err)
	}
}

func (e *Editor) patch(uid ids.UID) error {
	f, err := os.OpenFile(e.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer f.Close()

	offset, remainder, err := findKeyLine(f)
	if err != nil {
		return err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", e.Path, err)
	}

	newLine := key + strconv.Itoa(int(uid)) + "\n"
	if _, err := f.Write([]byte(newLine)); err != nil {
		return fmt.Errorf("write %s: %w", e.Path, err)
	}
	if _, err := f.Write(remainder); err != nil {
		return fmt.Errorf("write %s: %w", e.Path, err)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("seek %s: %w", e.Path, err)
	}
	if err := f.Truncate(pos); err != nil {
		return fmt.Errorf("truncate %s: %w", e.Path, err)
	}
	return nil
}

// findKeyLine scans f for the first line beginning with the
// LAST_LOGIN_UID= key. It returns the byte offset that line starts at
// (or the current end of file if the key is absent) and everything
// that follows that line, unread and untouched.
func findKeyLine(f *os.File) (offset int64, remainder []byte, err error) {
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return 0, nil, err
	}

	r := bufio.NewReader(f)
	var pos int64

	for {
		line, readErr := r.ReadString('\n')
		if strings.HasPrefix(line, key) {
			rest, err := io.ReadAll(r)
			if err != nil {
				return 0, nil, err
			}
			return pos, rest, nil
		}
		pos += int64(len(line))
		if readErr != nil {
			break
		}
	}

	// Key not found: append after the current end of file.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, nil, err
	}
	return end, nil, nil
}
