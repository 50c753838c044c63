// Package rpcserver is the RPC Surface & Lifecycle (spec.md §4.H): it
// registers the daemon's object and service on the system bus, marshals
// the public operations of spec.md §6 onto the coordinator, turns the
// coordinator's Signals callbacks into D-Bus signals, and runs the
// self-exit idle timer that must never fire while a switch is in
// progress.
package rpcserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/authz"
	"github.com/sailfishos/user-managerd/usermanager/coordinator"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

const (
	// ServiceName, ObjectPath, and IfaceName are fixed by spec.md §6.
	ServiceName = "org.sailfishos.usermanager"
	ObjectPath  = dbus.ObjectPath("/")
	IfaceName   = "org.sailfishos.usermanager"

	// DefaultIdleTimeout is the self-exit idle timer of spec.md §4.H.
	DefaultIdleTimeout = 60 * time.Second

	// queryTimeout bounds the read-only methods that talk to logind or
	// the identity store over the bus, none of which the spec places
	// behind the authorization gate.
	queryTimeout = 5 * time.Second
)

// Error reply names, verbatim from spec.md §6.
const (
	errBusy                  = IfaceName + ".Error.Busy"
	errHomeCreateFailed      = IfaceName + ".Error.HomeCreateFailed"
	errHomeRemoveFailed      = IfaceName + ".Error.HomeRemoveFailed"
	errGroupCreateFailed     = IfaceName + ".Error.GroupCreateFailed"
	errUserAddFailed         = IfaceName + ".Error.UserAddFailed"
	errMaxUsersReached       = IfaceName + ".Error.MaxUsersReached"
	errUserModifyFailed      = IfaceName + ".Error.UserModifyFailed"
	errUserRemoveFailed      = IfaceName + ".Error.UserRemoveFailed"
	errGetUidFailed          = IfaceName + ".Error.GetUidFailed"
	errGetUuidFailed         = IfaceName + ".Error.GetUuidFailed"
	errUserNotFound          = IfaceName + ".Error.UserNotFound"
	errAddToGroupFailed      = IfaceName + ".Error.AddToGroupFailed"
	errRemoveFromGroupFailed = IfaceName + ".Error.RemoveFromGroupFailed"

	// Standard transport replies, not namespaced under our interface.
	errInvalidArgs  = "org.freedesktop.DBus.Error.InvalidArgs"
	errAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
	errFailed       = "org.freedesktop.DBus.Error.Failed"
)

// mapError translates a coordinator/authz sentinel error into the named
// D-Bus error reply of spec.md §6. Anything unrecognized (a raw I/O or
// backend error that never got classified into a sentinel) becomes the
// transport's generic Failed.
func mapError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	name := errFailed
	switch err {
	case authz.ErrInvalidArgs:
		name = errInvalidArgs
	case authz.ErrAccessDenied:
		name = errAccessDenied
	case coordinator.ErrBusy:
		name = errBusy
	case coordinator.ErrHomeCreateFailed:
		name = errHomeCreateFailed
	case coordinator.ErrHomeRemoveFailed:
		name = errHomeRemoveFailed
	case coordinator.ErrGroupCreateFailed:
		name = errGroupCreateFailed
	case coordinator.ErrUserAddFailed:
		name = errUserAddFailed
	case coordinator.ErrMaxUsersReached:
		name = errMaxUsersReached
	case coordinator.ErrUserModifyFailed:
		name = errUserModifyFailed
	case coordinator.ErrUserRemoveFailed:
		name = errUserRemoveFailed
	case coordinator.ErrGetUUIDFailed:
		name = errGetUuidFailed
	case coordinator.ErrUserNotFound:
		name = errUserNotFound
	case coordinator.ErrAddToGroupFailed:
		name = errAddToGroupFailed
	case coordinator.ErrRemoveFromGroupFailed:
		name = errRemoveFromGroupFailed
	case coordinator.ErrSeatUnavailable:
		name = errGetUidFailed
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}

// UserEntry is the D-Bus struct counterpart of ids.Entry: (ssu),
// matching the users() return type of spec.md §6.
type UserEntry struct {
	Username    string
	DisplayName string
	UID         uint32
}

// senderCtxKey carries the calling peer's unique bus name, captured
// from the trailing dbus.Sender argument godbus fills in on every
// exported method, through to the Authorization Gate.
type senderCtxKey struct{}

func withSender(ctx context.Context, sender dbus.Sender) context.Context {
	return context.WithValue(ctx, senderCtxKey{}, sender)
}

func senderFromContext(ctx context.Context) (dbus.Sender, bool) {
	v, ok := ctx.Value(senderCtxKey{}).(dbus.Sender)
	return v, ok
}

// PeerResolver implements authz.PeerResolver against the system bus's
// own introspection method, GetConnectionUnixProcessID.
type PeerResolver struct {
	Conn *dbus.Conn
	Log  logger.Logger
}

func NewPeerResolver(conn *dbus.Conn, log logger.Logger) *PeerResolver {
	if log == nil {
		log = logger.Nop()
	}
	return &PeerResolver{Conn: conn, Log: log}
}

// PeerPID reports (0, false) only when ctx carries no sender at all,
// i.e. a local, in-process invocation (the CLI's --removeUserFiles path
// never goes through this resolver, but a future local caller would).
// Once a sender is present, PeerPID always returns ok=true: a failure
// to resolve its pid must not be mistaken for "no call context", which
// authz.Gate treats as always-allowed root. Failing closed here means
// the worst case is a pid of 0, whose /proc entry does not exist, so the
// later /proc stat fails and the caller is denied rather than bypassing
// the check.
func (r *PeerResolver) PeerPID(ctx context.Context) (int, bool) {
	sender, ok := senderFromContext(ctx)
	if !ok || sender == "" {
		return 0, false
	}

	var pid uint32
	err := r.Conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).Store(&pid)
	if err != nil {
		r.Log.Warn("rpcserver: resolving caller pid failed", "sender", sender, "error", err)
		return 0, true
	}
	return int(pid), true
}

// Service exports the coordinator's public operations onto the system
// bus and implements coordinator.Signals by emitting D-Bus signals.
type Service struct {
	Coordinator *coordinator.Coordinator
	Conn        *dbus.Conn
	Log         logger.Logger
	IdleTimeout time.Duration

	// Quit is invoked when the idle timer fires with no switch in
	// flight; main wires it to cancel the daemon's root context.
	Quit func()

	mu        sync.Mutex
	idleTimer *time.Timer
}

// Register exports svc's methods and introspection data at ObjectPath,
// claims ServiceName on conn, and arms the idle timer. The returned
// Service must be assigned to the Coordinator's Signals field by the
// caller once both are constructed (the two are mutually referential).
func Register(conn *dbus.Conn, coord *coordinator.Coordinator, log logger.Logger, idleTimeout time.Duration, quit func()) (*Service, error) {
	if log == nil {
		log = logger.Nop()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	svc := &Service{Coordinator: coord, Conn: conn, Log: log, IdleTimeout: idleTimeout, Quit: quit}

	if err := conn.Export(svc, ObjectPath, IfaceName); err != nil {
		return nil, fmt.Errorf("rpcserver: exporting methods: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(introspectNode()), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("rpcserver: exporting introspection data: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: requesting bus name %s: %w", ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("rpcserver: bus name %s already owned", ServiceName)
	}

	svc.armIdleTimer()
	return svc, nil
}

func introspectNode() *introspect.Node {
	arg := func(name, sig string) introspect.Arg {
		return introspect.Arg{Name: name, Type: sig, Direction: "out"}
	}
	inArg := func(name, sig string) introspect.Arg {
		return introspect.Arg{Name: name, Type: sig, Direction: "in"}
	}
	return &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: IfaceName,
				Methods: []introspect.Method{
					{Name: "Users", Args: []introspect.Arg{arg("entries", "a(ssu)")}},
					{Name: "AddUser", Args: []introspect.Arg{inArg("name", "s"), arg("uid", "u")}},
					{Name: "RemoveUser", Args: []introspect.Arg{inArg("uid", "u")}},
					{Name: "ModifyUser", Args: []introspect.Arg{inArg("uid", "u"), inArg("newName", "s")}},
					{Name: "SetCurrentUser", Args: []introspect.Arg{inArg("uid", "u")}},
					{Name: "CurrentUser", Args: []introspect.Arg{arg("uid", "u")}},
					{Name: "CurrentUserUuid", Args: []introspect.Arg{arg("uuid", "s")}},
					{Name: "UserUuid", Args: []introspect.Arg{inArg("uid", "u"), arg("uuid", "s")}},
					{Name: "UsersGroups", Args: []introspect.Arg{inArg("uid", "u"), arg("groups", "as")}},
					{Name: "AddToGroups", Args: []introspect.Arg{inArg("uid", "u"), inArg("groups", "as")}},
					{Name: "RemoveFromGroups", Args: []introspect.Arg{inArg("uid", "u"), inArg("groups", "as")}},
					{Name: "EnableGuestUser", Args: []introspect.Arg{inArg("enable", "b")}},
				},
				Signals: []introspect.Signal{
					{Name: "userAdded", Args: []introspect.Arg{arg("entry", "(ssu)")}},
					{Name: "userRemoved", Args: []introspect.Arg{arg("uid", "u")}},
					{Name: "userModified", Args: []introspect.Arg{arg("uid", "u"), arg("newName", "s")}},
					{Name: "currentUserChanged", Args: []introspect.Arg{arg("uid", "u")}},
					{Name: "currentUserChangeFailed", Args: []introspect.Arg{arg("uid", "u")}},
					{Name: "aboutToChangeCurrentUser", Args: []introspect.Arg{arg("uid", "u")}},
					{Name: "guestUserEnabled", Args: []introspect.Arg{arg("enabled", "b")}},
				},
			},
		},
	}
}

// -- idle timer (spec.md §4.H, design note in spec.md §9) --

func (s *Service) armIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.IdleTimeout, s.onIdleTimeout)
}

func (s *Service) onIdleTimeout() {
	if s.Coordinator.State() != coordinator.Idle {
		s.Log.Info("rpcserver: idle timer fired mid-switch, staying alive")
		s.armIdleTimer()
		return
	}
	s.Log.Info("rpcserver: idle timeout reached, exiting")
	if s.Quit != nil {
		s.Quit()
	}
}

func (s *Service) emit(signal string, args ...interface{}) {
	if err := s.Conn.Emit(ObjectPath, IfaceName+"."+signal, args...); err != nil {
		s.Log.Warn("rpcserver: emitting signal failed", "signal", signal, "error", err)
	}
}

// -- coordinator.Signals --

func (s *Service) UserAdded(entry ids.Entry) {
	s.emit("userAdded", UserEntry{Username: entry.Username, DisplayName: entry.DisplayName, UID: uint32(entry.UID)})
}

func (s *Service) UserRemoved(uid ids.UID) {
	s.emit("userRemoved", uint32(uid))
}

func (s *Service) UserModified(uid ids.UID, newName string) {
	s.emit("userModified", uint32(uid), newName)
}

func (s *Service) AboutToChangeCurrentUser(uid ids.UID) {
	s.emit("aboutToChangeCurrentUser", uint32(uid))
}

func (s *Service) CurrentUserChanged(uid ids.UID) {
	s.emit("currentUserChanged", uint32(uid))
}

func (s *Service) CurrentUserChangeFailed(uid ids.UID) {
	s.emit("currentUserChangeFailed", uint32(uid))
}

func (s *Service) GuestUserEnabled(enabled bool) {
	s.emit("guestUserEnabled", enabled)
}

// BusyChanged has no public D-Bus signal of its own (spec.md §6 lists
// none); it only re-arms the idle timer when the sequencer settles back
// to idle, per spec.md §4.H.
func (s *Service) BusyChanged(busy bool) {
	if !busy {
		s.armIdleTimer()
	}
}

// -- exported methods, one per spec.md §6 --

func (s *Service) Users() ([]UserEntry, *dbus.Error) {
	s.armIdleTimer()
	entries, err := s.Coordinator.Users()
	if err != nil {
		return nil, dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	out := make([]UserEntry, len(entries))
	for i, e := range entries {
		out[i] = UserEntry{Username: e.Username, DisplayName: e.DisplayName, UID: uint32(e.UID)}
	}
	return out, nil
}

func (s *Service) AddUser(name string, sender dbus.Sender) (uint32, *dbus.Error) {
	s.armIdleTimer()
	uid, err := s.Coordinator.AddUser(withSender(context.Background(), sender), name)
	if err != nil {
		return 0, mapError(err)
	}
	return uint32(uid), nil
}

func (s *Service) RemoveUser(uid uint32, sender dbus.Sender) *dbus.Error {
	s.armIdleTimer()
	if err := s.Coordinator.RemoveUser(withSender(context.Background(), sender), ids.UID(uid)); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Service) ModifyUser(uid uint32, newName string, sender dbus.Sender) *dbus.Error {
	s.armIdleTimer()
	if err := s.Coordinator.ModifyUser(withSender(context.Background(), sender), ids.UID(uid), newName); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Service) SetCurrentUser(uid uint32, sender dbus.Sender) *dbus.Error {
	s.armIdleTimer()
	if err := s.Coordinator.SetCurrentUser(withSender(context.Background(), sender), ids.UID(uid)); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Service) CurrentUser() (uint32, *dbus.Error) {
	s.armIdleTimer()
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	uid, err := s.Coordinator.CurrentUser(ctx)
	if err != nil {
		return 0, dbus.NewError(errGetUidFailed, []interface{}{err.Error()})
	}
	return uint32(uid), nil
}

func (s *Service) CurrentUserUuid() (string, *dbus.Error) {
	s.armIdleTimer()
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	uuid, err := s.Coordinator.CurrentUserUUID(ctx)
	if err != nil {
		return "", mapError(err)
	}
	return uuid, nil
}

func (s *Service) UserUuid(uid uint32) (string, *dbus.Error) {
	s.armIdleTimer()
	uuid, err := s.Coordinator.UserUUID(ids.UID(uid))
	if err != nil {
		return "", mapError(err)
	}
	return uuid, nil
}

func (s *Service) UsersGroups(uid uint32) ([]string, *dbus.Error) {
	s.armIdleTimer()
	groups, err := s.Coordinator.UsersGroups(ids.UID(uid))
	if err != nil {
		return nil, dbus.NewError(errUserNotFound, []interface{}{err.Error()})
	}
	return groups, nil
}

func (s *Service) AddToGroups(uid uint32, groups []string, sender dbus.Sender) *dbus.Error {
	s.armIdleTimer()
	if err := s.Coordinator.AddToGroups(withSender(context.Background(), sender), ids.UID(uid), groups); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Service) RemoveFromGroups(uid uint32, groups []string, sender dbus.Sender) *dbus.Error {
	s.armIdleTimer()
	if err := s.Coordinator.RemoveFromGroups(withSender(context.Background(), sender), ids.UID(uid), groups); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Service) EnableGuestUser(enable bool, sender dbus.Sender) *dbus.Error {
	s.armIdleTimer()
	if err := s.Coordinator.EnableGuestUser(withSender(context.Background(), sender), enable); err != nil {
		return mapError(err)
	}
	return nil
}
