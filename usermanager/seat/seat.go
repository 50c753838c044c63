// Package seat reports the active uid on seat0 (spec.md's
// seat-tracking collaborator), backed by systemd-logind over the
// system bus — the real counterpart to spec.md's single-seat
// assumption (GLOSSARY: "this system assumes exactly one seat,
// seat0").
package seat

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/sailfishos/user-managerd/usermanager/ids"
)

const (
	login1Dest   = "org.freedesktop.login1"
	seat0Path    = dbus.ObjectPath("/org/freedesktop/login1/seat/seat0")
	seatIface    = "org.freedesktop.login1.Seat"
	sessionIface = "org.freedesktop.login1.Session"
)

// Tracker implements the coordinator's SeatTracker against logind.
type Tracker struct {
	Conn *dbus.Conn
}

func New(conn *dbus.Conn) *Tracker { return &Tracker{Conn: conn} }

// ActiveUID returns ids.UndefinedUID if seat0 has no active session
// right now (e.g. at boot, or momentarily during a switch).
func (t *Tracker) ActiveUID(ctx context.Context) (ids.UID, error) {
	seat := t.Conn.Object(login1Dest, seat0Path)

	v, err := seat.GetProperty(seatIface + ".ActiveSession")
	if err != nil {
		return ids.UndefinedUID, fmt.Errorf("seat: reading ActiveSession: %w", err)
	}
	sessionPath, ok := activeSessionPath(v)
	if !ok || sessionPath == "" || sessionPath == "/" {
		return ids.UndefinedUID, nil
	}

	session := t.Conn.Object(login1Dest, sessionPath)
	uv, err := session.GetProperty(sessionIface + ".User")
	if err != nil {
		return ids.UndefinedUID, fmt.Errorf("seat: reading session user: %w", err)
	}
	uid, ok := sessionUserUID(uv)
	if !ok {
		return ids.UndefinedUID, fmt.Errorf("seat: unexpected User property shape")
	}
	return ids.UID(uid), nil
}

// activeSessionPath unpacks logind's ActiveSession property, a
// (session-id string, object path) struct.
func activeSessionPath(v dbus.Variant) (dbus.ObjectPath, bool) {
	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) != 2 {
		return "", false
	}
	path, ok := fields[1].(dbus.ObjectPath)
	return path, ok
}

// sessionUserUID unpacks logind's Session.User property, a (uid,
// object path) struct.
func sessionUserUID(v dbus.Variant) (uint32, bool) {
	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) != 2 {
		return 0, false
	}
	uid, ok := fields[0].(uint32)
	return uid, ok
}
