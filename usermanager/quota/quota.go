//go:build linux

// Package quota is the Quota Controller (spec.md §4.C): computes and
// installs per-uid block quotas on a home filesystem, tolerating a
// kernel or filesystem that lacks quota support. Quota installation is
// always best-effort and never fails user creation.
package quota

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

const (
	// MaxQuotaBytes caps the soft quota regardless of filesystem size.
	MaxQuotaBytes = 2_000_000_000

	softPercent = 20
	hardPercent = 120

	// quotaBlockSize is the kernel quota API's fixed block unit: the
	// Dqblk limit fields are always expressed in 1024-byte blocks
	// regardless of the filesystem's native block size.
	quotaBlockSize = 1024
)

// Controller installs block quotas via the kernel quotactl interface.
type Controller struct {
	Log logger.Logger

	// quotactl is overridden in tests to avoid requiring an actual
	// quota-enabled filesystem.
	quotactl func(path string, uid ids.UID, dqb *unix.Dqblk) error
}

func New(log logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	c := &Controller{Log: log}
	c.quotactl = c.defaultQuotactl
	return c
}

// SetLimits computes and installs a block quota for uid on the
// filesystem backing home. Kernel errors ENOSYS (no quota support) and
// ESRCH (quotas not enabled on this filesystem) are logged and treated
// as success; every other error is also logged and swallowed, since
// quotas are best-effort per spec.md §4.C.
func (c *Controller) SetLimits(home string, uid ids.UID) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(home, &stat); err != nil {
		c.Log.Warn("quota: statfs failed, skipping", "home", home, "error", err)
		return nil
	}

	blockSize := uint64(stat.Bsize)
	totalBlocks := stat.Blocks

	soft := totalBlocks * softPercent / 100
	if capBlocks := uint64(MaxQuotaBytes) / blockSize; soft > capBlocks {
		soft = capBlocks
	}
	hard := soft * hardPercent / 100

	// Limits above are in the filesystem's native block size; the
	// kernel quota API always wants them in fixed 1024-byte quota
	// blocks, so convert before handing them to quotactl.
	softQuotaBlocks := soft * blockSize / quotaBlockSize
	hardQuotaBlocks := hard * blockSize / quotaBlockSize

	dqb := unix.Dqblk{
		Bhardlimit: hardQuotaBlocks,
		Bsoftlimit: softQuotaBlocks,
		Valid:      unix.QIF_LIMITS,
	}

	err := c.quotactl(home, uid, &dqb)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, unix.ENOSYS):
		c.Log.Info("quota: kernel has no quota support, skipping", "home", home)
	case errors.Is(err, unix.ESRCH):
		c.Log.Info("quota: not enabled on filesystem, skipping", "home", home)
	default:
		c.Log.Warn("quota: installing limits failed, skipping", "home", home, "uid", uid, "error", err)
	}
	return nil
}

func (c *Controller) defaultQuotactl(path string, uid ids.UID, dqb *unix.Dqblk) error {
	special, err := mountSourceFor(path)
	if err != nil {
		return err
	}
	cmd := unix.QCMD(unix.Q_SETQUOTA, unix.USRQUOTA)
	return unix.Quotactl(cmd, special, int(uid), uintptr(unsafe.Pointer(dqb)))
}
