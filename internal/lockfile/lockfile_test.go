package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempStateDir(t *testing.T) string {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "lockfile_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	return tempDir
}

func TestLockAcquisition(t *testing.T) {
	dir := tempStateDir(t)

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	info := ParseInfo(string(content))
	if info.PID != os.Getpid() {
		t.Errorf("lock file pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.StartedAt.IsZero() {
		t.Error("lock file should record start time")
	}
}

func TestLockConflict(t *testing.T) {
	dir := tempStateDir(t)

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Owner.PID != os.Getpid() || !lockErr.OwnerRunning {
		t.Errorf("expected running owner %d, got %+v", os.Getpid(), lockErr)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Another FlowPipe instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}

	// the failed attempt must not wipe the owner's info
	content, _ := os.ReadFile(filepath.Join(dir, LockFileName))
	if ParseInfo(string(content)).PID != os.Getpid() {
		t.Errorf("owner info lost after conflicting attempt: %q", content)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := tempStateDir(t)

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	lock2.Release()
}

func TestAcquireLockCreatesStateDir(t *testing.T) {
	dir := filepath.Join(tempStateDir(t), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestParseInfo(t *testing.T) {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Info
	}{
		{"pid only", "pid=12345\n", Info{PID: 12345}},
		{"pid and start", Info{PID: 7, StartedAt: started}.String(), Info{PID: 7, StartedAt: started}},
		{"garbage", "hello\nworld", Info{}},
		{"negative pid", "pid=-3\n", Info{}},
		{"bad time", "pid=9\nstarted_at=yesterday\n", Info{PID: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseInfo(tt.content)
			if got.PID != tt.want.PID || !got.StartedAt.Equal(tt.want.StartedAt) {
				t.Errorf("ParseInfo(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}
