// Package authz is the Authorization Gate (spec.md §4.E): resolves the
// caller's uid from the transport and enforces privileged-group
// membership plus the per-operation policy every mutating RPC method
// runs before touching any other component.
package authz

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/identity"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

var (
	// ErrInvalidArgs maps to the transport's standard InvalidArgs reply.
	ErrInvalidArgs = errors.New("authz: invalid arguments")
	// ErrAccessDenied maps to the transport's standard AccessDenied reply.
	ErrAccessDenied = errors.New("authz: access denied")
)

// PeerResolver abstracts the remote-procedure transport's notion of
// "who is calling right now". A nil/false result means the call is a
// local, in-process invocation (e.g. from the CLI), which is always
// root per spec.md §4.E.
type PeerResolver interface {
	PeerPID(ctx context.Context) (pid int, ok bool)
}

// Gate implements spec.md §4.E against /proc for uid resolution and
// getent/id for group membership, reusing identity.Runner so it shells
// out the same way the Identity Store Adapter does.
type Gate struct {
	Peer   PeerResolver
	Runner identity.Runner
	Log    logger.Logger

	// ProcOwnerUID reads the owner uid of /proc/<pid>; overridden in
	// tests to avoid depending on the real process table.
	ProcOwnerUID func(pid int) (ids.UID, error)
}

func New(peer PeerResolver, log logger.Logger) *Gate {
	if log == nil {
		log = logger.Nop()
	}
	return &Gate{Peer: peer, Runner: identity.ExecRunner{}, Log: log, ProcOwnerUID: procOwnerUID}
}

// CallerUID resolves the uid of the peer of the current incoming call.
// A local invocation (no call context) is always uid 0. A remote caller
// must belong to the "privileged" group or CallerUID returns
// ids.UndefinedUID and ErrAccessDenied.
func (g *Gate) CallerUID(ctx context.Context) (ids.UID, error) {
	pid, ok := g.Peer.PeerPID(ctx)
	if !ok {
		return 0, nil
	}

	resolve := g.ProcOwnerUID
	if resolve == nil {
		resolve = procOwnerUID
	}
	uid, err := resolve(pid)
	if err != nil {
		g.Log.Warn("authz: resolving peer uid failed", "pid", pid, "error", err)
		return ids.UndefinedUID, ErrAccessDenied
	}
	if uid == 0 {
		return 0, nil
	}

	member, err := g.isMember(uid, ids.PrivilegedGroup)
	if err != nil {
		g.Log.Warn("authz: group lookup failed", "uid", uid, "error", err)
		return ids.UndefinedUID, ErrAccessDenied
	}
	if !member {
		return ids.UndefinedUID, ErrAccessDenied
	}
	return uid, nil
}

// CheckAccess implements spec.md §4.E's check_access: uidToModify may
// be ids.UndefinedUID for operations with no single target user.
func (g *Gate) CheckAccess(ctx context.Context, uidToModify ids.UID) (ids.UID, error) {
	if ids.IsReserved(uidToModify) {
		return ids.UndefinedUID, ErrInvalidArgs
	}

	caller, err := g.CallerUID(ctx)
	if err != nil {
		return ids.UndefinedUID, err
	}
	if caller == ids.UndefinedUID {
		return ids.UndefinedUID, ErrAccessDenied
	}

	if caller != 0 {
		isSystem, err := g.isMember(caller, ids.SystemGroup)
		if err != nil {
			g.Log.Warn("authz: group lookup failed", "uid", caller, "error", err)
			return ids.UndefinedUID, ErrAccessDenied
		}
		if !isSystem && caller != uidToModify {
			return ids.UndefinedUID, ErrAccessDenied
		}
	}

	return caller, nil
}

func (g *Gate) isMember(uid ids.UID, group string) (bool, error) {
	name, err := g.usernameFor(uid)
	if err != nil {
		return false, nil
	}

	out, err := g.Runner.Run(context.Background(), "id", "-Gn", name)
	if err != nil {
		return false, err
	}
	for _, g := range strings.Fields(out) {
		if g == group {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) usernameFor(uid ids.UID) (string, error) {
	out, err := g.Runner.Run(context.Background(), "getent", "passwd", strconv.Itoa(int(uid)))
	if err != nil {
		return "", err
	}
	fields := strings.Split(strings.TrimSpace(out), ":")
	if len(fields) == 0 || fields[0] == "" {
		return "", errors.New("authz: no passwd record")
	}
	return fields[0], nil
}

// procOwnerUID reads the owner uid of /proc/<pid>, which on Linux is
// the effective uid of the process — matching how the original daemon
// reads caller identity.
func procOwnerUID(pid int) (ids.UID, error) {
	info, err := os.Stat("/proc/" + strconv.Itoa(pid))
	if err != nil {
		return 0, err
	}
	st, ok := statUID(info)
	if !ok {
		return 0, errors.New("authz: unsupported platform stat_t")
	}
	return ids.UID(st), nil
}
