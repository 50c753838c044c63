// Package identity is the Identity Store Adapter (spec.md §4.A): a thin
// typed facade over the OS user/group database, implemented here by
// shelling out to the standard shadow-utils tools the way the teacher's
// LinuxUserManager (steelcut/usermanager/linux_user_manager.go) shells
// out to useradd/usermod/userdel/getent. Every exported method acquires
// no state beyond the single call.
package identity

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

// UnixStore implements Store against useradd/usermod/userdel/groupadd/
// groupdel/gpasswd/getent, the tool family the Linux identity backend
// always provides regardless of whether NSS is backed by files, sssd,
// or something else.
type UnixStore struct {
	Runner Runner
	Log    logger.Logger

	// HomeBase is prepended to a bare username to form the default
	// home path when AddUser is not given one explicitly.
	HomeBase string
}

// NewUnixStore returns a UnixStore with production collaborators.
func NewUnixStore(log logger.Logger) *UnixStore {
	if log == nil {
		log = logger.Nop()
	}
	return &UnixStore{Runner: ExecRunner{}, Log: log, HomeBase: "/home"}
}

func (s *UnixStore) run(ctx context.Context, name string, args ...string) (string, error) {
	return s.Runner.Run(ctx, name, args...)
}

func (s *UnixStore) AddGroup(name string, gid *ids.UID) (ids.UID, error) {
	ctx := context.Background()
	args := []string{}
	if gid != nil {
		args = append(args, "-g", strconv.Itoa(int(*gid)))
	}
	args = append(args, name)

	if _, err := s.run(ctx, "groupadd", args...); err != nil {
		return 0, fmt.Errorf("identity: add group %q: %w", name, err)
	}

	assigned, err := s.gidForName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("identity: add group %q: %w", name, err)
	}
	if gid != nil && assigned != *gid {
		s.Log.Warn("groupadd assigned a different gid than requested", "name", name, "requested", *gid, "assigned", assigned)
	}
	return assigned, nil
}

func (s *UnixStore) RemoveGroup(gid ids.UID) error {
	ctx := context.Background()
	name, err := s.groupNameForGID(ctx, gid)
	if err != nil {
		return err
	}
	_, err = s.run(ctx, "groupdel", name)
	if err != nil {
		return fmt.Errorf("identity: remove group %d: %w", gid, err)
	}
	return nil
}

func (s *UnixStore) AddUser(name, display string, uid *ids.UID, home *string) (ids.UID, error) {
	if strings.ContainsAny(display, ",:") {
		return 0, ErrInvalidDisplay
	}
	ctx := context.Background()

	gid, err := s.AddGroup(name, uid)
	if err != nil {
		return 0, err
	}

	homePath := s.HomeBase + "/" + name
	if home != nil {
		homePath = *home
	}

	id := uuid.New().String()
	gecos := sanitizeGecos(display) + "," + id

	args := []string{"-M", "-g", strconv.Itoa(int(gid)), "-c", gecos, "-d", homePath}
	if uid != nil {
		args = append(args, "-u", strconv.Itoa(int(*uid)))
	}
	args = append(args, name)

	if _, err := s.run(ctx, "useradd", args...); err != nil {
		if rbErr := s.RemoveGroup(gid); rbErr != nil {
			s.Log.Warn("rollback of group creation failed", "group", name, "error", rbErr)
		}
		return 0, fmt.Errorf("identity: add user %q: %w", name, err)
	}

	assigned, err := s.UIDForName(name)
	if err != nil {
		return 0, fmt.Errorf("identity: add user %q: look up assigned uid: %w", name, err)
	}
	if uid != nil && assigned != *uid {
		s.Log.Warn("useradd assigned a different uid than requested", "name", name, "requested", *uid, "assigned", assigned)
	}
	if primary, err := s.primaryGIDForUID(ctx, assigned); err == nil && primary != gid {
		s.Log.Warn("primary gid does not equal requested gid", "name", name, "gid", gid, "primary", primary)
	}

	return assigned, nil
}

func (s *UnixStore) RemoveUser(uid ids.UID) error {
	ctx := context.Background()

	name, err := s.nameForUID(ctx, uid)
	if err != nil {
		return fmt.Errorf("identity: remove user %d: %w", uid, err)
	}

	var errs *multierror.Error
	groups, err := s.GroupsOf(uid)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, g := range groups {
		if err := s.RemoveMember(name, g); err != nil {
			s.Log.Warn("removing membership during user teardown failed", "user", name, "group", g, "error", err)
			errs = multierror.Append(errs, err)
		}
	}

	if gid, err := s.gidForName(ctx, name); err == nil {
		if err := s.RemoveGroup(gid); err != nil {
			s.Log.Warn("removing primary group during user teardown failed", "user", name, "error", err)
		}
	}

	if _, err := s.run(ctx, "userdel", name); err != nil {
		return fmt.Errorf("identity: remove user %d: %w", uid, err)
	}

	if errs.ErrorOrNil() != nil {
		s.Log.Warn("user removed with non-fatal teardown errors", "user", name, "errors", errs)
	}
	return nil
}

func (s *UnixStore) AddMember(user, group string) error {
	_, err := s.run(context.Background(), "gpasswd", "-a", user, group)
	if err != nil {
		return fmt.Errorf("identity: add %q to group %q: %w", user, group, err)
	}
	return nil
}

func (s *UnixStore) RemoveMember(user, group string) error {
	_, err := s.run(context.Background(), "gpasswd", "-d", user, group)
	if err != nil {
		return fmt.Errorf("identity: remove %q from group %q: %w", user, group, err)
	}
	return nil
}

func (s *UnixStore) HomeOf(uid ids.UID) (string, error) {
	fields, err := s.passwdByUID(context.Background(), uid)
	if err != nil {
		return "", err
	}
	if len(fields) < 6 {
		return "", ErrNotFound
	}
	return fields[5], nil
}

func (s *UnixStore) GroupsOf(uid ids.UID) ([]string, error) {
	ctx := context.Background()
	name, err := s.nameForUID(ctx, uid)
	if err != nil {
		return nil, err
	}

	out, err := s.run(ctx, "id", "-Gn", name)
	if err != nil {
		return nil, fmt.Errorf("identity: groups of %d: %w", uid, err)
	}

	primary, _ := s.primaryGroupNameForUID(ctx, uid)

	var supplementary []string
	for _, g := range strings.Fields(out) {
		if g != "" && g != primary {
			supplementary = append(supplementary, g)
		}
	}
	return supplementary, nil
}

func (s *UnixStore) ModifyDisplay(uid ids.UID, newDisplay string) error {
	if strings.ContainsAny(newDisplay, ",:") {
		return ErrInvalidDisplay
	}
	ctx := context.Background()

	fields, err := s.passwdByUID(ctx, uid)
	if err != nil {
		return fmt.Errorf("identity: modify display of %d: %w", uid, err)
	}

	id := ""
	if len(fields) >= 5 {
		if i := strings.Index(fields[4], ","); i != -1 {
			id = fields[4][i+1:]
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	gecos := sanitizeGecos(newDisplay) + "," + id
	if _, err := s.run(ctx, "usermod", "-c", gecos, fields[0]); err != nil {
		return fmt.Errorf("identity: modify display of %d: %w", uid, err)
	}
	return nil
}

func (s *UnixStore) ReadUUID(uid ids.UID) (string, error) {
	ctx := context.Background()
	fields, err := s.passwdByUID(ctx, uid)
	if err != nil {
		return "", err
	}
	if len(fields) < 5 {
		return "", ErrNotFound
	}
	gecos := fields[4]
	if i := strings.Index(gecos, ","); i != -1 {
		return gecos[i+1:], nil
	}

	// No uuid on record yet: create and store one, preserving the
	// existing display name, then read it back.
	if err := s.ModifyDisplay(uid, gecos); err != nil {
		return "", err
	}
	fields, err = s.passwdByUID(ctx, uid)
	if err != nil {
		return "", err
	}
	if i := strings.Index(fields[4], ","); i != -1 {
		return fields[4][i+1:], nil
	}
	return "", ErrNotFound
}

func (s *UnixStore) Users() ([]ids.Entry, error) {
	ctx := context.Background()
	out, err := s.run(ctx, "getent", "group", ids.UsersGroup)
	if err != nil {
		return nil, fmt.Errorf("identity: getting %q group failed: %w", ids.UsersGroup, err)
	}
	groupFields := strings.Split(strings.TrimSpace(out), ":")
	if len(groupFields) < 4 {
		return nil, nil
	}

	var entries []ids.Entry
	for _, member := range strings.Split(groupFields[3], ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		fields, err := s.passwdByName(ctx, member)
		if err != nil {
			// Skip members with no passwd record, per spec.md §3.
			continue
		}
		uidN, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		display := fields[4]
		if i := strings.Index(display, ","); i != -1 {
			display = display[:i]
		}
		entries = append(entries, ids.Entry{Username: member, DisplayName: display, UID: ids.UID(uidN)})
	}
	return entries, nil
}

func (s *UnixStore) UIDForName(name string) (ids.UID, error) {
	fields, err := s.passwdByName(context.Background(), name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, ErrNotFound
	}
	return ids.UID(n), nil
}

func (s *UnixStore) NameExists(name string) (bool, error) {
	ctx := context.Background()
	if _, err := s.passwdByName(ctx, name); err == nil {
		return true, nil
	}
	if _, err := s.gidForName(ctx, name); err == nil {
		return true, nil
	}
	if _, err := os.Stat(s.HomeBase + "/" + name); err == nil {
		return true, nil
	}
	return false, nil
}

// -- getent plumbing --

func (s *UnixStore) passwdByName(ctx context.Context, name string) ([]string, error) {
	out, err := s.run(ctx, "getent", "passwd", name)
	if err != nil {
		return nil, ErrNotFound
	}
	fields := strings.Split(strings.TrimSpace(out), ":")
	if len(fields) < 7 {
		return nil, ErrNotFound
	}
	return fields, nil
}

func (s *UnixStore) passwdByUID(ctx context.Context, uid ids.UID) ([]string, error) {
	return s.passwdByName(ctx, strconv.Itoa(int(uid)))
}

func (s *UnixStore) nameForUID(ctx context.Context, uid ids.UID) (string, error) {
	fields, err := s.passwdByUID(ctx, uid)
	if err != nil {
		return "", err
	}
	return fields[0], nil
}

func (s *UnixStore) gidForName(ctx context.Context, name string) (ids.UID, error) {
	out, err := s.run(ctx, "getent", "group", name)
	if err != nil {
		return 0, ErrNotFound
	}
	fields := strings.Split(strings.TrimSpace(out), ":")
	if len(fields) < 3 {
		return 0, ErrNotFound
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, ErrNotFound
	}
	return ids.UID(n), nil
}

func (s *UnixStore) groupNameForGID(ctx context.Context, gid ids.UID) (string, error) {
	out, err := s.run(ctx, "getent", "group", strconv.Itoa(int(gid)))
	if err != nil {
		return "", ErrNotFound
	}
	fields := strings.Split(strings.TrimSpace(out), ":")
	if len(fields) < 1 || fields[0] == "" {
		return "", ErrNotFound
	}
	return fields[0], nil
}

func (s *UnixStore) primaryGIDForUID(ctx context.Context, uid ids.UID) (ids.UID, error) {
	fields, err := s.passwdByUID(ctx, uid)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil {
		return 0, ErrNotFound
	}
	return ids.UID(n), nil
}

func (s *UnixStore) primaryGroupNameForUID(ctx context.Context, uid ids.UID) (string, error) {
	gid, err := s.primaryGIDForUID(ctx, uid)
	if err != nil {
		return "", err
	}
	return s.groupNameForGID(ctx, gid)
}

func sanitizeGecos(display string) string {
	return strings.NewReplacer(",", "", ":", "").Replace(display)
}
