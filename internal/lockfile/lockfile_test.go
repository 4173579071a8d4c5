package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireDir_WritesPIDAndReleases(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	l, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	if l.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("Path=%q", l.Path())
	}
	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock content=%q", string(b))
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquire_SecondHolderRejected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), FileName)
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(path)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire err=%v, want ErrAlreadyLocked", err)
	}
	var held *LockedError
	if !errors.As(err, &held) || held.Path != path || held.PID != os.Getpid() {
		t.Fatalf("err=%#v, want LockedError naming this process", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Fatalf("error text %q lacks the holder pid", err.Error())
	}

	// The holder's pid stays in the file after a failed attempt.
	if pid := HolderPID(path); pid != os.Getpid() {
		t.Fatalf("HolderPID=%d", pid)
	}
}

func TestHolderPID_MissingOrGarbage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if pid := HolderPID(filepath.Join(dir, "absent.lock")); pid != 0 {
		t.Fatalf("missing file pid=%d", pid)
	}
	garbage := filepath.Join(dir, "garbage.lock")
	if err := os.WriteFile(garbage, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if pid := HolderPID(garbage); pid != 0 {
		t.Fatalf("garbage pid=%d", pid)
	}
	if got := (&LockedError{Path: garbage}).Error(); !strings.Contains(got, "another process") {
		t.Fatalf("Error()=%q", got)
	}
}

func TestAcquireDir_RejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := AcquireDir("  "); err == nil {
		t.Fatalf("expected error for empty data dir")
	}
}
