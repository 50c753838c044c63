package seat

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestActiveSessionPathUnpacksLogindVariant(t *testing.T) {
	v := dbus.MakeVariant([]interface{}{"c1", dbus.ObjectPath("/org/freedesktop/login1/session/c1")})
	path, ok := activeSessionPath(v)
	require.True(t, ok)
	require.Equal(t, dbus.ObjectPath("/org/freedesktop/login1/session/c1"), path)
}

func TestActiveSessionPathRejectsWrongShape(t *testing.T) {
	_, ok := activeSessionPath(dbus.MakeVariant("garbage"))
	require.False(t, ok)
}

func TestSessionUserUIDUnpacksLogindVariant(t *testing.T) {
	v := dbus.MakeVariant([]interface{}{uint32(100001), dbus.ObjectPath("/org/freedesktop/login1/user/_100001")})
	uid, ok := sessionUserUID(v)
	require.True(t, ok)
	require.Equal(t, uint32(100001), uid)
}
