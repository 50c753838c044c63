// Package coordinator is the User Switch Coordinator (spec.md §4.G):
// the top-level state machine that composes the Identity Store
// Adapter, Home Provisioner, Quota Controller, Environment-File
// Editor, Authorization Gate, and Unit Job Sequencer to carry out
// setCurrentUser, addUser, removeUser, modifyUser, addToGroups,
// removeFromGroups, and enableGuestUser, with rollback and recovery.
//
// Per the design note against introducing background threads for any
// of A-G, every mutation of coordinator state happens on a single
// goroutine started by Run. Public methods enqueue a closure onto that
// goroutine and block until it has run, which is how this package
// reproduces the specified single-threaded cooperative event loop in
// Go: one goroutine drains a channel of closures, nothing else ever
// touches coordinator state directly.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/authz"
	"github.com/sailfishos/user-managerd/usermanager/callstate"
	"github.com/sailfishos/user-managerd/usermanager/envfile"
	"github.com/sailfishos/user-managerd/usermanager/groupsenv"
	"github.com/sailfishos/user-managerd/usermanager/home"
	"github.com/sailfishos/user-managerd/usermanager/identity"
	"github.com/sailfishos/user-managerd/usermanager/ids"
	"github.com/sailfishos/user-managerd/usermanager/quota"
	"github.com/sailfishos/user-managerd/usermanager/unitqueue"
)

// SwitchingDelay is the fixed pre-switch pause of spec.md §4.G.1 step 9.
const SwitchingDelay = 1 * time.Second

const defaultTarget = "default.target"

// State is the coordinator's top-level mode.
type State int

const (
	Idle State = iota
	Switching
	AddingGuest
	RemovingGuest
)

func (s State) String() string {
	switch s {
	case Switching:
		return "switching"
	case AddingGuest:
		return "adding-guest"
	case RemovingGuest:
		return "removing-guest"
	default:
		return "idle"
	}
}

// SeatTracker reports the active uid on seat0.
type SeatTracker interface {
	ActiveUID(ctx context.Context) (ids.UID, error)
}

// CallStateProvider reports the voice-call precondition state.
type CallStateProvider interface {
	State(ctx context.Context) (callstate.State, error)
}

// Signals is everything the coordinator emits outward, implemented by
// the RPC surface (module H) to turn these into D-Bus signals, and by
// a recording fake in tests.
type Signals interface {
	UserAdded(entry ids.Entry)
	UserRemoved(uid ids.UID)
	UserModified(uid ids.UID, newName string)
	AboutToChangeCurrentUser(uid ids.UID)
	CurrentUserChanged(uid ids.UID)
	CurrentUserChangeFailed(uid ids.UID)
	GuestUserEnabled(enabled bool)
	BusyChanged(busy bool)
}

// Coordinator implements spec.md §4.G.
type Coordinator struct {
	Log logger.Logger

	Identity  identity.Store
	Home      *home.Provisioner
	Quota     *quota.Controller
	Env       *envfile.Editor
	Authz     *authz.Gate
	Sequencer *unitqueue.Sequencer
	Seat      SeatTracker
	CallState CallStateProvider
	Signals   Signals

	// GroupsEnvLoad defaults to groupsenv.Load; overridden in tests.
	GroupsEnvLoad func(path string, log logger.Logger) ([]string, error)
	GroupsEnvPath string

	HookCreateDir string
	HookRemoveDir string
	EnvDirBase    string // /home/.system/var/lib/environment

	// JobRemoved is the session supervisor's job-completion event
	// stream; Run forwards each event to Sequencer.HandleJobRemoved.
	JobRemoved <-chan unitqueue.JobRemoved

	cmds    chan func()
	state   State
	current ids.UID
	switch_ ids.UID // m_switch; named switch_ since "switch" is a keyword
}

// New returns a Coordinator with production defaults for every
// overridable field; callers still must set the collaborators above.
func New(log logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		Log:           log,
		GroupsEnvLoad: groupsenv.Load,
		GroupsEnvPath: groupsenv.Path,
		HookCreateDir: "/usr/share/user-managerd/create.d",
		HookRemoveDir: "/usr/share/user-managerd/remove.d",
		EnvDirBase:    "/home/.system/var/lib/environment",
		cmds:          make(chan func()),
	}
}

// Run drains the coordinator's command queue and the sequencer's
// asynchronous events until ctx is cancelled. It must be started
// exactly once, before any public method is called.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case result := <-c.Sequencer.PendingReply():
			c.Sequencer.OnDispatchReply(result)
		case ev, ok := <-c.JobRemoved:
			if !ok {
				c.JobRemoved = nil
				continue
			}
			c.Sequencer.HandleJobRemoved(ev)
		}
	}
}

// exec runs fn on the coordinator's single goroutine and blocks until
// it completes.
func (c *Coordinator) exec(fn func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// State reports the coordinator's current top-level mode.
func (c *Coordinator) State() State {
	var s State
	c.exec(func() { s = c.state })
	return s
}

// -- read-only queries --

func (c *Coordinator) Users() ([]ids.Entry, error) {
	var entries []ids.Entry
	var err error
	c.exec(func() { entries, err = c.Identity.Users() })
	return entries, err
}

func (c *Coordinator) CurrentUser(ctx context.Context) (ids.UID, error) {
	var uid ids.UID
	var err error
	c.exec(func() { uid, err = c.Seat.ActiveUID(ctx) })
	return uid, err
}

func (c *Coordinator) CurrentUserUUID(ctx context.Context) (string, error) {
	var uuid string
	var err error
	c.exec(func() {
		active, aerr := c.Seat.ActiveUID(ctx)
		if aerr != nil || active == ids.UndefinedUID {
			err = ErrUserNotFound
			return
		}
		uuid, err = c.Identity.ReadUUID(active)
		if err != nil {
			err = ErrGetUUIDFailed
		}
	})
	return uuid, err
}

func (c *Coordinator) UserUUID(uid ids.UID) (string, error) {
	var uuid string
	var err error
	c.exec(func() {
		uuid, err = c.Identity.ReadUUID(uid)
		if err != nil {
			err = ErrGetUUIDFailed
		}
	})
	return uuid, err
}

func (c *Coordinator) UsersGroups(uid ids.UID) ([]string, error) {
	var groups []string
	var err error
	c.exec(func() { groups, err = c.Identity.GroupsOf(uid) })
	return groups, err
}

// -- setCurrentUser --

// SetCurrentUser implements spec.md §4.G.1. It returns once the
// precondition checks pass or fail; the actual switch continues
// asynchronously and is reported later via Signals.
func (c *Coordinator) SetCurrentUser(ctx context.Context, uid ids.UID) error {
	var retErr error
	c.exec(func() {
		caller, err := c.Authz.CallerUID(ctx)
		if err != nil {
			retErr = err
			return
		}
		if caller == ids.UndefinedUID {
			retErr = authz.ErrAccessDenied
			return
		}

		if c.state != Idle {
			retErr = ErrBusy
			return
		}

		current, err := c.Seat.ActiveUID(ctx)
		if err != nil || current == ids.UndefinedUID {
			retErr = ErrSeatUnavailable
			return
		}
		c.current = current

		if current == uid {
			retErr = authz.ErrInvalidArgs
			return
		}

		managed, err := c.isManagedUser(uid)
		if err != nil || !managed {
			retErr = ErrUserNotFound
			return
		}

		callState, err := c.CallState.State(ctx)
		if err != nil || callState == callstate.Active || callState == callstate.Ringing {
			retErr = ErrBusy
			return
		}

		c.Signals.AboutToChangeCurrentUser(uid)
		c.switch_ = uid
		c.state = Switching

		if uid == ids.GuestUID {
			if err := c.Home.RemoveTree(c.envDirFor(ids.GuestUID)); err != nil {
				c.Log.Warn("pre-clean of guest environment directory failed", "error", err)
			}
		}

		time.AfterFunc(SwitchingDelay, func() {
			c.cmds <- c.beginSwitchJobs
		})
	})
	return retErr
}

func (c *Coordinator) beginSwitchJobs() {
	jobs := []unitqueue.Job{
		{Unit: unitUser(c.current), Kind: unitqueue.Stop, Replace: true},
		{Unit: unitAutologin(c.current), Kind: unitqueue.Stop, Replace: true},
		{Unit: unitAutologin(c.switch_), Kind: unitqueue.Start, Replace: true},
		{Unit: unitUser(c.switch_), Kind: unitqueue.Start, Replace: false},
	}
	c.Sequencer.Enqueue(jobs)
}

func unitUser(uid ids.UID) string      { return fmt.Sprintf("user@%d.service", uid) }
func unitAutologin(uid ids.UID) string { return fmt.Sprintf("autologin@%d.service", uid) }

// -- unitqueue.Events: reactions to sequencer events during Switching
// (spec.md §4.G.2) --

func (c *Coordinator) BusyChanged(busy bool) {
	c.Signals.BusyChanged(busy)
}

func (c *Coordinator) UnitJobFinished(done unitqueue.Job) {
	switch {
	case done.Unit == unitUser(c.switch_) && done.Kind == unitqueue.Start:
		if c.current == ids.GuestUID {
			c.removeGuestFiles()
		}
		c.Signals.CurrentUserChanged(c.switch_)
		c.patchLastLoginUID(c.switch_)
		c.current = c.switch_
		c.switch_ = 0
		c.state = Idle
	case done.Unit == defaultTarget && done.Kind == unitqueue.Start:
		if active, err := c.Seat.ActiveUID(context.Background()); err == nil && active != c.current {
			c.Signals.CurrentUserChanged(active)
		}
	}
}

func (c *Coordinator) UnitJobFailed(failed unitqueue.Job, remaining []unitqueue.Job) {
	switch {
	case failed.Unit == unitUser(c.current) && failed.Kind == unitqueue.Stop:
		c.Log.Warn("stopping previous user session failed, continuing switch", "unit", failed.Unit)
		c.Sequencer.Enqueue(remaining)
	case failed.Unit == unitAutologin(c.current) && failed.Kind == unitqueue.Stop:
		c.Log.Warn("stopping previous autologin failed, continuing switch", "unit", failed.Unit)
		c.Sequencer.Enqueue(remaining)
	case failed.Unit == unitAutologin(c.switch_) && failed.Kind == unitqueue.Start:
		c.Log.Warn("starting new autologin failed, recovering via default.target", "unit", failed.Unit)
		c.Sequencer.Enqueue([]unitqueue.Job{{Unit: defaultTarget, Kind: unitqueue.Start, Replace: true}})
		c.switch_ = 0
		c.state = Idle
		c.Signals.CurrentUserChangeFailed(0)
	case failed.Unit == unitUser(c.switch_) && failed.Kind == unitqueue.Start:
		c.switch_ = 0
		c.state = Idle
		c.Signals.CurrentUserChangeFailed(0)
	}
}

func (c *Coordinator) CreatingJobFailed(remaining []unitqueue.Job) {
	switch {
	case len(remaining) == 1:
		c.Log.Warn("starting user session could not be scheduled", "unit", remaining[0].Unit)
		c.switch_ = 0
		c.state = Idle
	case len(remaining) == 2 && remaining[0].Unit == unitAutologin(c.switch_):
		c.Log.Warn("starting new autologin could not be scheduled, recovering via default.target")
		c.Sequencer.Enqueue([]unitqueue.Job{{Unit: defaultTarget, Kind: unitqueue.Start, Replace: true}})
		c.switch_ = 0
		c.state = Idle
	case len(remaining) == 3 && remaining[0].Unit == unitAutologin(c.current):
		c.Log.Warn("stopping previous autologin could not be scheduled")
		c.switch_ = 0
		c.state = Idle
		c.Signals.CurrentUserChangeFailed(0)
	default:
		c.switch_ = 0
		c.state = Idle
		c.Signals.CurrentUserChangeFailed(0)
	}
}

// -- addUser --

// AddUser implements spec.md §4.G.3.
func (c *Coordinator) AddUser(ctx context.Context, name string) (ids.UID, error) {
	var uid ids.UID
	var retErr error
	c.exec(func() {
		if _, err := c.Authz.CheckAccess(ctx, ids.UndefinedUID); err != nil {
			retErr = err
			return
		}
		if strings.TrimSpace(name) == "" {
			retErr = authz.ErrInvalidArgs
			return
		}

		entries, err := c.Identity.Users()
		if err != nil {
			retErr = ErrUserAddFailed
			return
		}
		count := 0
		for _, e := range entries {
			if e.UID != ids.GuestUID {
				count++
			}
		}
		if count > ids.MaxUsers-1 {
			retErr = ErrMaxUsersReached
			return
		}

		username, err := identity.DeriveUsername(name, func(candidate string) (bool, error) {
			return c.Identity.NameExists(candidate)
		})
		if err != nil {
			retErr = ErrUserAddFailed
			return
		}

		entry, err := c.addSailfishUser(username, name, nil, nil)
		if err != nil {
			retErr = err
			return
		}
		uid = entry.UID
		c.Signals.UserAdded(entry)
	})
	return uid, retErr
}

// addSailfishUser implements the internal addSailfishUser helper used
// by both AddUser and EnableGuestUser(true). Must run on the
// coordinator's own goroutine.
func (c *Coordinator) addSailfishUser(username, display string, uid *ids.UID, home *string) (ids.Entry, error) {
	assigned, err := c.Identity.AddUser(username, display, uid, home)
	if err != nil {
		c.Log.Warn("add_user failed", "username", username, "error", err)
		return ids.Entry{}, ErrUserAddFailed
	}

	if !c.joinConfiguredGroups(username) {
		c.rollbackUser(assigned)
		return ids.Entry{}, ErrUserModifyFailed
	}

	if assigned != ids.GuestUID {
		homePath, err := c.Identity.HomeOf(assigned)
		if err != nil || homePath == "" {
			c.rollbackUser(assigned)
			return ids.Entry{}, ErrHomeCreateFailed
		}
		if err := c.Home.MakeHome(homePath, assigned, assigned); err != nil {
			c.Log.Warn("make_home failed", "uid", assigned, "error", err)
			c.rollbackUser(assigned)
			return ids.Entry{}, ErrHomeCreateFailed
		}
	}

	if homePath, err := c.Identity.HomeOf(assigned); err == nil && homePath != "" {
		if err := c.Home.ExecuteHooks(context.Background(), assigned, c.HookCreateDir); err != nil {
			c.Log.Warn("post-create hooks reported failures", "uid", assigned, "error", err)
		}
		if err := c.Quota.SetLimits(homePath, assigned); err != nil {
			c.Log.Warn("setting quota limits failed", "uid", assigned, "error", err)
		}
	}

	return ids.Entry{Username: username, DisplayName: display, UID: assigned}, nil
}

func (c *Coordinator) rollbackUser(uid ids.UID) {
	if err := c.Identity.RemoveUser(uid); err != nil {
		c.Log.Warn("rollback remove_user failed", "uid", uid, "error", err)
	}
}

func (c *Coordinator) joinConfiguredGroups(username string) bool {
	groups, err := c.GroupsEnvLoad(c.GroupsEnvPath, c.Log)
	if err != nil {
		c.Log.Warn("reading group_ids.env failed", "path", c.GroupsEnvPath, "error", err)
		return false
	}
	ok := true
	for _, g := range groups {
		if err := c.Identity.AddMember(username, g); err != nil {
			c.Log.Warn("joining configured group failed", "username", username, "group", g, "error", err)
			ok = false
		}
	}
	return ok
}

func (c *Coordinator) isManagedUser(uid ids.UID) (bool, error) {
	entries, err := c.Identity.Users()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.UID == uid {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) envDirFor(uid ids.UID) string {
	return fmt.Sprintf("%s/%d", c.EnvDirBase, uid)
}

// removeGuestFiles destroys the guest's environment directory and runs
// the post-remove hooks for it, without touching the passwd/group
// record. Called when a switch away from guest completes, since the
// guest identity is implicitly destroyed the moment another user
// becomes current (spec.md §3 Lifecycles; §8 scenario 8).
func (c *Coordinator) removeGuestFiles() {
	if err := c.Home.ExecuteHooks(context.Background(), ids.GuestUID, c.HookRemoveDir); err != nil {
		c.Log.Warn("post-remove hooks reported failures", "uid", ids.GuestUID, "error", err)
	}
	if err := c.Home.RemoveTree(c.envDirFor(ids.GuestUID)); err != nil {
		c.Log.Warn("removing guest environment directory failed", "uid", ids.GuestUID, "error", err)
	}
}

// patchLastLoginUID rewrites LAST_LOGIN_UID, mirroring the original's
// guard in updateEnvironment: nothing is written for the guest (it must
// never become the auto-login target on next boot) or for a uid below
// MaxReservedUID or above AdditionalUsersEnd.
func (c *Coordinator) patchLastLoginUID(uid ids.UID) {
	if uid == ids.GuestUID {
		return
	}
	if uid < ids.MaxReservedUID || uid > ids.AdditionalUsersEnd {
		return
	}
	c.Env.PatchLastLoginUID(uid)
}

// -- removeUser --

// RemoveUser implements spec.md §4.G.4.
func (c *Coordinator) RemoveUser(ctx context.Context, uid ids.UID) error {
	var retErr error
	c.exec(func() {
		if _, err := c.Authz.CheckAccess(ctx, uid); err != nil {
			retErr = err
			return
		}
		retErr = c.removeUserLocked(ctx, uid)
	})
	return retErr
}

// removeUserLocked implements spec.md §4.G.4 minus the authorization
// check; callers must already be running on the coordinator's own
// goroutine (RemoveUser's exec closure, or EnableGuestUser's).
func (c *Coordinator) removeUserLocked(ctx context.Context, uid ids.UID) error {
	active, err := c.Seat.ActiveUID(ctx)
	if uid == ids.OwnerUID || (err == nil && uid == active) {
		return authz.ErrInvalidArgs
	}

	if uid != ids.GuestUID {
		if homePath, herr := c.Identity.HomeOf(uid); herr == nil && homePath != "" {
			if rerr := c.Home.RemoveTree(homePath); rerr != nil {
				c.Log.Warn("remove_home failed", "uid", uid, "error", rerr)
			}
		}
	}

	if err := c.Home.ExecuteHooks(context.Background(), uid, c.HookRemoveDir); err != nil {
		c.Log.Warn("post-remove hooks reported failures", "uid", uid, "error", err)
	}
	if err := c.Home.RemoveTree(c.envDirFor(uid)); err != nil {
		c.Log.Warn("removing per-user environment directory failed", "uid", uid, "error", err)
	}

	if err := c.Identity.RemoveUser(uid); err != nil {
		return ErrUserRemoveFailed
	}
	c.Signals.UserRemoved(uid)
	return nil
}

// -- modifyUser --

// ModifyUser implements spec.md §4.G.5.
func (c *Coordinator) ModifyUser(ctx context.Context, uid ids.UID, newName string) error {
	var retErr error
	c.exec(func() {
		if _, err := c.Authz.CheckAccess(ctx, uid); err != nil {
			retErr = err
			return
		}
		if err := c.Identity.ModifyDisplay(uid, newName); err != nil {
			retErr = ErrUserModifyFailed
			return
		}
		c.Signals.UserModified(uid, newName)
	})
	return retErr
}

// -- addToGroups / removeFromGroups --

// AddToGroups implements spec.md §4.G.6.
func (c *Coordinator) AddToGroups(ctx context.Context, uid ids.UID, groups []string) error {
	return c.changeGroups(ctx, uid, groups, true)
}

// RemoveFromGroups implements spec.md §4.G.6.
func (c *Coordinator) RemoveFromGroups(ctx context.Context, uid ids.UID, groups []string) error {
	return c.changeGroups(ctx, uid, groups, false)
}

func (c *Coordinator) changeGroups(ctx context.Context, uid ids.UID, groups []string, add bool) error {
	var retErr error
	c.exec(func() {
		if _, err := c.Authz.CheckAccess(ctx, ids.UndefinedUID); err != nil {
			retErr = err
			return
		}
		for _, g := range groups {
			if !validGroupName(g) {
				retErr = authz.ErrInvalidArgs
				return
			}
		}

		username, err := c.usernameFor(uid)
		if err != nil {
			retErr = ErrUserNotFound
			return
		}

		current, err := c.Identity.GroupsOf(uid)
		if err != nil {
			retErr = ErrUserNotFound
			return
		}
		member := make(map[string]bool, len(current))
		for _, g := range current {
			member[g] = true
		}

		var revert []string
		for _, g := range groups {
			if add == member[g] {
				continue
			}
			if err := c.applyMembership(username, g, add); err != nil {
				c.revertMembership(username, revert, add)
				if add {
					retErr = ErrAddToGroupFailed
				} else {
					retErr = ErrRemoveFromGroupFailed
				}
				return
			}
			revert = append(revert, g)
		}
	})
	return retErr
}

func (c *Coordinator) applyMembership(username, group string, add bool) error {
	if add {
		return c.Identity.AddMember(username, group)
	}
	return c.Identity.RemoveMember(username, group)
}

func (c *Coordinator) revertMembership(username string, applied []string, wasAdd bool) {
	for _, g := range applied {
		var err error
		if wasAdd {
			err = c.Identity.RemoveMember(username, g)
		} else {
			err = c.Identity.AddMember(username, g)
		}
		if err != nil {
			c.Log.Warn("reverting group membership change failed", "username", username, "group", g, "error", err)
		}
	}
}

func (c *Coordinator) usernameFor(uid ids.UID) (string, error) {
	entries, err := c.Identity.Users()
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.UID == uid {
			return e.Username, nil
		}
	}
	return "", identity.ErrNotFound
}

func validGroupName(g string) bool {
	return strings.HasPrefix(g, "sailfish-") || strings.HasPrefix(g, "account-")
}

// -- enableGuestUser --

// EnableGuestUser implements spec.md §4.G.7.
func (c *Coordinator) EnableGuestUser(ctx context.Context, enable bool) error {
	var retErr error
	c.exec(func() {
		if _, err := c.Authz.CheckAccess(ctx, ids.GuestUID); err != nil {
			retErr = err
			return
		}

		present, err := c.isManagedUser(ids.GuestUID)
		if err != nil {
			retErr = ErrUserAddFailed
			return
		}
		if present == enable {
			return
		}

		if enable {
			c.state = AddingGuest
			home := ids.GuestHome
			uid := ids.GuestUID
			_, err := c.addSailfishUser(ids.GuestUsername, "", &uid, &home)
			c.state = Idle
			if err != nil {
				retErr = err
				return
			}
			c.Signals.GuestUserEnabled(true)
			return
		}

		if c.current == ids.GuestUID {
			retErr = authz.ErrInvalidArgs
			return
		}

		c.state = RemovingGuest
		retErr = c.removeUserLocked(ctx, ids.GuestUID)
		c.state = Idle
		if retErr != nil {
			return
		}

		if stillPresent, err := c.isManagedUser(ids.GuestUID); err == nil && !stillPresent {
			c.Signals.GuestUserEnabled(false)
		}
	})
	return retErr
}
