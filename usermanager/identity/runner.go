package identity

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// ExecRunner runs commands against the local host's identity tools
// (useradd, usermod, userdel, groupadd, groupdel, gpasswd, getent). It
// is the production Runner; unix_store_test.go substitutes a fake.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w: %s", name, err, stderr.String())
	}
	return stdout.String(), nil
}
