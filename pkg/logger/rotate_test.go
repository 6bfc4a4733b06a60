package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRotator(t *testing.T, maxBytes int64, maxBackups int) (*auditRotator, *time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	rotator, err := newAuditRotator(path, 1, maxBackups, 30)
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}
	rotator.maxBytes = maxBytes
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rotator.now = func() time.Time { return clock }
	return rotator, &clock
}

func TestAuditRotatorRotatesOnSize(t *testing.T) {
	rotator, _ := newTestRotator(t, 32, 5)
	defer rotator.Close()

	line := bytes.Repeat([]byte("a"), 24)
	for i := 0; i < 2; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// The second write exceeds maxBytes, so the first line must have
	// been rotated out to a timestamped backup.
	backups, err := filepath.Glob(rotator.path + ".*")
	if err != nil || len(backups) != 1 {
		t.Fatalf("expected one backup, got %v (err=%v)", backups, err)
	}
	current, err := os.ReadFile(rotator.path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if len(current) != len(line) {
		t.Fatalf("current file holds %d bytes, want %d", len(current), len(line))
	}
}

func TestAuditRotatorPrunesBackups(t *testing.T) {
	rotator, clock := newTestRotator(t, 8, 2)
	defer rotator.Close()

	for i := 0; i < 5; i++ {
		if _, err := rotator.Write([]byte("0123456789")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		*clock = clock.Add(time.Second)
	}

	backups, err := filepath.Glob(rotator.path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) > 2 {
		t.Fatalf("expected at most 2 backups, got %v", backups)
	}
}
