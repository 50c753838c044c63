package identity

import "errors"

var (
	// ErrNotFound is returned when a lookup by uid or name finds no
	// passwd/group record.
	ErrNotFound = errors.New("identity: no such user or group")

	// ErrInvalidDisplay is returned when a display name contains ','
	// or ':', which would corrupt the GECOS field's comma-delimited
	// layout or the colon-delimited passwd record it is stored in.
	ErrInvalidDisplay = errors.New("identity: display name may not contain ',' or ':'")
)
