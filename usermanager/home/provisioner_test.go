package home

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/ids"
)

func TestCopyTreeCopiesHiddenFiles(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "home")

	if err := os.WriteFile(filepath.Join(src, ".hidden"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "f.txt"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(logger.Nop())
	uid := ids.UID(os.Getuid())
	gid := ids.UID(os.Getgid())
	if err := p.CopyTree(src, dst, uid, gid); err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}

	for _, rel := range []string{".hidden", "sub/f.txt"} {
		if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
			t.Errorf("expected %s to exist: %v", rel, err)
		}
	}
}

func TestCopyTreeIdempotentOnExistingDst(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir() // already exists

	p := New(logger.Nop())
	uid := ids.UID(os.Getuid())
	gid := ids.UID(os.Getgid())
	if err := p.CopyTree(src, dst, uid, gid); err != nil {
		t.Fatalf("expected idempotent copy into existing dir, got: %v", err)
	}
}

func TestExecuteHooksNaturalOrder(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	order := filepath.Join(dir, "order.txt")

	names := []string{"1.sh", "9.sh", "10.sh"}
	for _, n := range names {
		script := "#!/bin/sh\necho " + n + " >> " + order + "\n"
		if err := os.WriteFile(filepath.Join(dir, n), []byte(script), 0755); err != nil {
			t.Fatal(err)
		}
	}

	p := New(logger.Nop())
	if err := p.ExecuteHooks(context.Background(), ids.UID(100001), dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := os.ReadFile(order)
	if err != nil {
		t.Fatalf("hooks did not run: %v", err)
	}
	want := "1.sh\n9.sh\n10.sh\n"
	if string(got) != want {
		t.Errorf("hooks ran out of order: got %q want %q", got, want)
	}
}

func TestNaturalLess(t *testing.T) {
	cases := []struct{ a, b string }{
		{"9.sh", "10.sh"},
		{"1.sh", "2.sh"},
		{"a.sh", "b.sh"},
	}
	for _, c := range cases {
		if !naturalLess(c.a, c.b) {
			t.Errorf("expected %q < %q", c.a, c.b)
		}
	}
}
