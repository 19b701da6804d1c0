//go:build !windows

package lockfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatal("pid not written")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Re-acquire after release must succeed.
	l2, err := Acquire(filepath.Join(dir, "agent.lock"))
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	// flock is per-fd, so a second open in the same process still
	// conflicts.
	if _, err := Acquire(path); err != ErrAlreadyLocked {
		t.Fatalf("second Acquire err = %v, want ErrAlreadyLocked", err)
	}
}
