package coordinator

import "errors"

// Sentinel errors mapped 1-to-1 onto the named D-Bus error replies of
// spec.md §6. authz.ErrInvalidArgs and authz.ErrAccessDenied flow
// through unchanged from the Authorization Gate and map onto the
// transport's standard InvalidArgs/AccessDenied replies.
var (
	ErrBusy                  = errors.New("coordinator: operation already in progress")
	ErrHomeCreateFailed      = errors.New("coordinator: creating home directory failed")
	ErrHomeRemoveFailed      = errors.New("coordinator: removing home directory failed")
	ErrGroupCreateFailed     = errors.New("coordinator: creating group failed")
	ErrUserAddFailed         = errors.New("coordinator: adding user failed")
	ErrMaxUsersReached       = errors.New("coordinator: maximum number of users reached")
	ErrUserModifyFailed      = errors.New("coordinator: modifying user failed")
	ErrUserRemoveFailed      = errors.New("coordinator: removing user failed")
	ErrGetUUIDFailed         = errors.New("coordinator: reading uuid failed")
	ErrUserNotFound          = errors.New("coordinator: user not found")
	ErrAddToGroupFailed      = errors.New("coordinator: adding to group failed")
	ErrRemoveFromGroupFailed = errors.New("coordinator: removing from group failed")
	ErrSeatUnavailable       = errors.New("coordinator: seat0 has no active user")
)
