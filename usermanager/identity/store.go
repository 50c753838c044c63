package identity

import "github.com/sailfishos/user-managerd/usermanager/ids"

// Store is the Identity Store Adapter (spec.md §4.A): a thin typed
// facade over the OS user/group database. Every method acquires
// whatever backend context it needs for the single call and releases
// it on all exit paths; Store implementations hold no state across
// calls.
type Store interface {
	// AddGroup creates a group, optionally requesting a specific gid,
	// and returns the gid the backend actually assigned.
	AddGroup(name string, gid *ids.UID) (ids.UID, error)
	RemoveGroup(gid ids.UID) error

	// AddUser creates a same-named primary group first (gid == uid
	// when a uid is requested), composes the display field as
	// "<display>,<uuid>" with a freshly generated uuid, and rolls the
	// group back if the user insertion itself fails.
	AddUser(name, display string, uid *ids.UID, home *string) (ids.UID, error)
	RemoveUser(uid ids.UID) error

	AddMember(user, group string) error
	RemoveMember(user, group string) error

	HomeOf(uid ids.UID) (string, error)
	GroupsOf(uid ids.UID) ([]string, error)

	// ModifyDisplay preserves the stored uuid, generating one if the
	// record lacks it, and rejects ',' or ':' in newDisplay.
	ModifyDisplay(uid ids.UID, newDisplay string) error

	// ReadUUID returns the persisted uuid, creating one via
	// ModifyDisplay if the record doesn't have one yet.
	ReadUUID(uid ids.UID) (string, error)

	// Users enumerates the intersection of the "users" group's member
	// list with the passwd database, skipping members with no passwd
	// record.
	Users() ([]ids.Entry, error)

	// UIDForName resolves a managed user's uid from its username,
	// returning ErrNotFound if no such passwd entry exists.
	UIDForName(name string) (ids.UID, error)

	// NameExists reports whether name collides with an existing
	// username, group name, or home directory — the three namespaces
	// the username-derivation rule in spec.md §3 must avoid.
	NameExists(name string) (bool, error)
}
