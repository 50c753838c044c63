package callstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	require.Equal(t, Active, parseState("active"))
	require.Equal(t, Ringing, parseState("ringing"))
	require.Equal(t, Idle, parseState("none"))
	require.Equal(t, Idle, parseState("unknown-value"))
}
