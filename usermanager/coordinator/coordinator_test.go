package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/authz"
	"github.com/sailfishos/user-managerd/usermanager/callstate"
	"github.com/sailfishos/user-managerd/usermanager/envfile"
	"github.com/sailfishos/user-managerd/usermanager/home"
	"github.com/sailfishos/user-managerd/usermanager/identity"
	"github.com/sailfishos/user-managerd/usermanager/ids"
	"github.com/sailfishos/user-managerd/usermanager/quota"
	"github.com/sailfishos/user-managerd/usermanager/unitqueue"
)

// fakeStore is a minimal in-memory identity.Store for coordinator
// tests; it never shells out, unlike identity.UnixStore.
type fakeStore struct {
	byUID    map[ids.UID]*rec
	uid      ids.UID
	homeBase string
}

type rec struct {
	username string
	display  string
	home     string
	groups   map[string]bool
}

func newFakeStore(homeBase string) *fakeStore {
	return &fakeStore{byUID: map[ids.UID]*rec{}, uid: ids.AdditionalUsersStart, homeBase: homeBase}
}

func (f *fakeStore) AddGroup(string, *ids.UID) (ids.UID, error) { return 0, nil }
func (f *fakeStore) RemoveGroup(ids.UID) error                  { return nil }

func (f *fakeStore) AddUser(name, display string, uid *ids.UID, homeDir *string) (ids.UID, error) {
	assigned := f.uid
	if uid != nil {
		assigned = *uid
	} else {
		f.uid++
	}
	h := filepath.Join(f.homeBase, name)
	if homeDir != nil {
		h = *homeDir
	}
	f.byUID[assigned] = &rec{username: name, display: display, home: h, groups: map[string]bool{}}
	return assigned, nil
}

func (f *fakeStore) RemoveUser(uid ids.UID) error {
	if _, ok := f.byUID[uid]; !ok {
		return identity.ErrNotFound
	}
	delete(f.byUID, uid)
	return nil
}

func (f *fakeStore) AddMember(user, group string) error {
	for _, r := range f.byUID {
		if r.username == user {
			r.groups[group] = true
			return nil
		}
	}
	return identity.ErrNotFound
}

func (f *fakeStore) RemoveMember(user, group string) error {
	for _, r := range f.byUID {
		if r.username == user {
			delete(r.groups, group)
			return nil
		}
	}
	return identity.ErrNotFound
}

func (f *fakeStore) HomeOf(uid ids.UID) (string, error) {
	r, ok := f.byUID[uid]
	if !ok {
		return "", identity.ErrNotFound
	}
	return r.home, nil
}

func (f *fakeStore) GroupsOf(uid ids.UID) ([]string, error) {
	r, ok := f.byUID[uid]
	if !ok {
		return nil, identity.ErrNotFound
	}
	var out []string
	for g := range r.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeStore) ModifyDisplay(uid ids.UID, newDisplay string) error {
	r, ok := f.byUID[uid]
	if !ok {
		return identity.ErrNotFound
	}
	r.display = newDisplay
	return nil
}

func (f *fakeStore) ReadUUID(uid ids.UID) (string, error) {
	if _, ok := f.byUID[uid]; !ok {
		return "", identity.ErrNotFound
	}
	return "fixed-test-uuid", nil
}

func (f *fakeStore) Users() ([]ids.Entry, error) {
	var out []ids.Entry
	for uid, r := range f.byUID {
		out = append(out, ids.Entry{Username: r.username, DisplayName: r.display, UID: uid})
	}
	return out, nil
}

func (f *fakeStore) UIDForName(name string) (ids.UID, error) {
	for uid, r := range f.byUID {
		if r.username == name {
			return uid, nil
		}
	}
	return 0, identity.ErrNotFound
}

func (f *fakeStore) NameExists(name string) (bool, error) {
	for _, r := range f.byUID {
		if r.username == name {
			return true, nil
		}
	}
	return false, nil
}

type fakeSeat struct {
	uid ids.UID
	err error
}

func (f *fakeSeat) ActiveUID(context.Context) (ids.UID, error) { return f.uid, f.err }

type fakeCallState struct {
	state callstate.State
}

func (f *fakeCallState) State(context.Context) (callstate.State, error) { return f.state, nil }

type recordingSignals struct {
	added            []ids.Entry
	removed          []ids.UID
	modified         []ids.UID
	aboutToChange    []ids.UID
	changed          []ids.UID
	changeFailed     []ids.UID
	guestEnabled     []bool
	busy             []bool
}

func (r *recordingSignals) UserAdded(entry ids.Entry)           { r.added = append(r.added, entry) }
func (r *recordingSignals) UserRemoved(uid ids.UID)             { r.removed = append(r.removed, uid) }
func (r *recordingSignals) UserModified(uid ids.UID, _ string)  { r.modified = append(r.modified, uid) }
func (r *recordingSignals) AboutToChangeCurrentUser(uid ids.UID) {
	r.aboutToChange = append(r.aboutToChange, uid)
}
func (r *recordingSignals) CurrentUserChanged(uid ids.UID) { r.changed = append(r.changed, uid) }
func (r *recordingSignals) CurrentUserChangeFailed(uid ids.UID) {
	r.changeFailed = append(r.changeFailed, uid)
}
func (r *recordingSignals) GuestUserEnabled(enabled bool) { r.guestEnabled = append(r.guestEnabled, enabled) }
func (r *recordingSignals) BusyChanged(busy bool)         { r.busy = append(r.busy, busy) }

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, unitqueue.Job) <-chan unitqueue.DispatchResult {
	return make(chan unitqueue.DispatchResult)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeStore, *recordingSignals) {
	t.Helper()
	store := newFakeStore(t.TempDir())
	signals := &recordingSignals{}

	c := New(logger.Nop())
	c.Identity = store
	c.Home = home.New(logger.Nop())
	c.Home.Skel = t.TempDir()
	c.Quota = quota.New(logger.Nop())
	envPath := filepath.Join(t.TempDir(), "environment")
	c.Env = &envfile.Editor{Log: logger.Nop(), Path: envPath}
	c.Authz = &authz.Gate{Peer: localPeer{}, Log: logger.Nop()}
	c.Seat = &fakeSeat{uid: ids.OwnerUID}
	c.CallState = &fakeCallState{state: callstate.Idle}
	c.Signals = signals
	c.GroupsEnvLoad = func(string, logger.Logger) ([]string, error) { return nil, nil }
	c.HookCreateDir = t.TempDir()
	c.HookRemoveDir = t.TempDir()
	c.EnvDirBase = t.TempDir()
	c.Sequencer = unitqueue.New(noopDispatcher{}, c)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return c, store, signals
}

type localPeer struct{}

func (localPeer) PeerPID(context.Context) (int, bool) { return 0, false }

func TestAddUserHappyPath(t *testing.T) {
	c, store, signals := newTestCoordinator(t)
	store.byUID[ids.OwnerUID] = &rec{username: "owner", display: "Owner", home: "/home/owner", groups: map[string]bool{}}
	// MakeHome chowns the new home to the assigned additional-user uid,
	// so this test needs CAP_CHOWN, like the max-users tests below.

	uid, err := c.AddUser(context.Background(), "Alice O'Hara")
	require.NoError(t, err)
	require.True(t, ids.IsAdditionalUser(uid))
	require.Len(t, signals.added, 1)
	require.Equal(t, "aliceohara", signals.added[0].Username)
	require.Equal(t, "Alice O'Hara", signals.added[0].DisplayName)
}

func TestAddUserRejectsEmptyName(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.AddUser(context.Background(), "   ")
	require.ErrorIs(t, err, authz.ErrInvalidArgs)
}

func TestAddUserRejectsWhenMaxUsersReached(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	for i := 0; i < ids.MaxUsers; i++ {
		uid := ids.AdditionalUsersStart + ids.UID(i)
		store.byUID[uid] = &rec{username: "u", home: "/home/u", groups: map[string]bool{}}
	}

	_, err := c.AddUser(context.Background(), "one too many")
	require.ErrorIs(t, err, ErrMaxUsersReached)
}

func TestAddUserDoesNotCountGuestTowardsCap(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	for i := 0; i < ids.MaxUsers-1; i++ {
		uid := ids.AdditionalUsersStart + ids.UID(i)
		store.byUID[uid] = &rec{username: "u", home: "/home/u", groups: map[string]bool{}}
	}
	store.byUID[ids.GuestUID] = &rec{username: ids.GuestUsername, home: ids.GuestHome, groups: map[string]bool{}}

	_, err := c.AddUser(context.Background(), "room for one more")
	require.NoError(t, err)
}

func TestAddUserRollsBackOnGroupJoinFailure(t *testing.T) {
	c, store, signals := newTestCoordinator(t)
	c.GroupsEnvLoad = func(string, logger.Logger) ([]string, error) {
		return nil, os.ErrNotExist
	}

	_, err := c.AddUser(context.Background(), "bob")
	require.ErrorIs(t, err, ErrUserModifyFailed)
	require.Empty(t, signals.added)
	_, err = store.UIDForName("bob")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestRemoveUserRefusesOwner(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	store.byUID[ids.OwnerUID] = &rec{username: "owner", home: "/home/owner", groups: map[string]bool{}}

	err := c.RemoveUser(context.Background(), ids.OwnerUID)
	require.ErrorIs(t, err, authz.ErrInvalidArgs)
}

func TestRemoveUserRefusesCurrentlyActiveUser(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	c.Seat = &fakeSeat{uid: ids.AdditionalUsersStart}
	store.byUID[ids.AdditionalUsersStart] = &rec{username: "active", home: t.TempDir(), groups: map[string]bool{}}

	err := c.RemoveUser(context.Background(), ids.AdditionalUsersStart)
	require.ErrorIs(t, err, authz.ErrInvalidArgs)
}

func TestRemoveUserHappyPath(t *testing.T) {
	c, store, signals := newTestCoordinator(t)
	uid := ids.AdditionalUsersStart
	store.byUID[uid] = &rec{username: "leaving", home: t.TempDir(), groups: map[string]bool{}}

	err := c.RemoveUser(context.Background(), uid)
	require.NoError(t, err)
	require.Equal(t, []ids.UID{uid}, signals.removed)
	_, err = store.HomeOf(uid)
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestModifyUserEmitsSignal(t *testing.T) {
	c, store, signals := newTestCoordinator(t)
	uid := ids.AdditionalUsersStart
	store.byUID[uid] = &rec{username: "renamee", display: "Old Name", home: t.TempDir(), groups: map[string]bool{}}

	err := c.ModifyUser(context.Background(), uid, "New Name")
	require.NoError(t, err)
	require.Equal(t, []ids.UID{uid}, signals.modified)
	require.Equal(t, "New Name", store.byUID[uid].display)
}

func TestAddToGroupsRejectsInvalidPrefix(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	uid := ids.AdditionalUsersStart
	store.byUID[uid] = &rec{username: "groupee", home: t.TempDir(), groups: map[string]bool{}}

	err := c.AddToGroups(context.Background(), uid, []string{"not-allowed"})
	require.ErrorIs(t, err, authz.ErrInvalidArgs)

	groups, _ := store.GroupsOf(uid)
	require.Empty(t, groups)
}

func TestAddThenRemoveFromGroupsRoundTrips(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	uid := ids.AdditionalUsersStart
	store.byUID[uid] = &rec{username: "groupee", home: t.TempDir(), groups: map[string]bool{}}

	require.NoError(t, c.AddToGroups(context.Background(), uid, []string{"sailfish-foo", "account-bar"}))
	groups, _ := store.GroupsOf(uid)
	require.ElementsMatch(t, []string{"sailfish-foo", "account-bar"}, groups)

	require.NoError(t, c.RemoveFromGroups(context.Background(), uid, []string{"sailfish-foo", "account-bar"}))
	groups, _ = store.GroupsOf(uid)
	require.Empty(t, groups)
}

func TestEnableGuestUserEnableThenDisable(t *testing.T) {
	c, store, signals := newTestCoordinator(t)
	store.byUID[ids.OwnerUID] = &rec{username: "owner", home: "/home/owner", groups: map[string]bool{}}

	require.NoError(t, c.EnableGuestUser(context.Background(), true))
	require.Contains(t, signals.guestEnabled, true)
	_, err := store.HomeOf(ids.GuestUID)
	require.NoError(t, err)

	require.NoError(t, c.EnableGuestUser(context.Background(), false))
	require.Contains(t, signals.guestEnabled, false)
	_, err = store.HomeOf(ids.GuestUID)
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestEnableGuestUserDisableRefusedWhileGuestIsCurrent(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	store.byUID[ids.GuestUID] = &rec{username: ids.GuestUsername, home: ids.GuestHome, groups: map[string]bool{}}
	c.Seat = &fakeSeat{uid: ids.GuestUID}
	c.exec(func() { c.current = ids.GuestUID })

	err := c.EnableGuestUser(context.Background(), false)
	require.ErrorIs(t, err, authz.ErrInvalidArgs)
}

func TestSetCurrentUserRejectsSameUser(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	store.byUID[ids.OwnerUID] = &rec{username: "owner", home: "/home/owner", groups: map[string]bool{}}

	err := c.SetCurrentUser(context.Background(), ids.OwnerUID)
	require.ErrorIs(t, err, authz.ErrInvalidArgs)
}

func TestSetCurrentUserRejectsUnknownUser(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.SetCurrentUser(context.Background(), ids.AdditionalUsersStart)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestSetCurrentUserRefusedDuringActiveCall(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	c.CallState = &fakeCallState{state: callstate.Ringing}
	store.byUID[ids.AdditionalUsersStart] = &rec{username: "target", home: t.TempDir(), groups: map[string]bool{}}

	err := c.SetCurrentUser(context.Background(), ids.AdditionalUsersStart)
	require.ErrorIs(t, err, ErrBusy)
}

func TestSetCurrentUserRejectsConcurrentSwitch(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	store.byUID[ids.AdditionalUsersStart] = &rec{username: "target", home: t.TempDir(), groups: map[string]bool{}}
	c.exec(func() { c.state = Switching })

	err := c.SetCurrentUser(context.Background(), ids.AdditionalUsersStart)
	require.ErrorIs(t, err, ErrBusy)
}

// TestUnitJobFinishedDestroysGuestWhenSwitchingAway covers spec.md §3
// Lifecycles ("Guest user ... destroyed ... implicitly when another
// user becomes current") and §8 scenario 8: completing a switch away
// from guest must wipe the guest's environment directory and run the
// remove-hooks, the same way the original's updateEnvironment does.
func TestUnitJobFinishedDestroysGuestWhenSwitchingAway(t *testing.T) {
	c, _, signals := newTestCoordinator(t)

	guestEnvDir := c.envDirFor(ids.GuestUID)
	require.NoError(t, os.MkdirAll(guestEnvDir, 0o755))
	hook := filepath.Join(c.HookRemoveDir, "10.sh")
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	c.exec(func() {
		c.current = ids.GuestUID
		c.switch_ = ids.AdditionalUsersStart
		c.state = Switching
	})

	c.exec(func() {
		c.UnitJobFinished(unitqueue.Job{Unit: unitUser(ids.AdditionalUsersStart), Kind: unitqueue.Start})
	})

	require.Equal(t, []ids.UID{ids.AdditionalUsersStart}, signals.changed)
	_, err := os.Stat(guestEnvDir)
	require.True(t, os.IsNotExist(err), "guest environment directory should be removed")

	current := c.State()
	require.Equal(t, Idle, current)
}

// TestPatchLastLoginUIDSkipsGuestAndOutOfRangeUIDs covers the guard the
// original applies in updateEnvironment before touching LAST_LOGIN_UID:
// nothing is written for the guest uid or for a uid below
// MaxReservedUID or above AdditionalUsersEnd, since that file seeds the
// next boot's auto-login target.
func TestPatchLastLoginUIDSkipsGuestAndOutOfRangeUIDs(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	for _, uid := range []ids.UID{ids.GuestUID, ids.UndefinedUID, ids.AdditionalUsersEnd + 1} {
		c.patchLastLoginUID(uid)
		data, err := os.ReadFile(c.Env.Path)
		if err == nil {
			require.NotContains(t, string(data), "LAST_LOGIN_UID=")
		}
	}

	c.patchLastLoginUID(ids.OwnerUID)
	data, err := os.ReadFile(c.Env.Path)
	require.NoError(t, err)
	require.Contains(t, string(data), "LAST_LOGIN_UID=100000")
}
