package identity

import (
	"context"

	"github.com/sailfishos/user-managerd/usermanager/ids"
)

// Entry mirrors ids.Entry; kept distinct so callers of this package never
// need to import ids just to read back a Store result.
type Entry = ids.Entry

// Runner executes an external program and captures its standard output.
// It is the seam unix_store.go calls through, grounded in the teacher's
// CommandManager abstraction (steelcut/commandmanager) but narrowed to
// local execution only: this daemon never manages a remote host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}
