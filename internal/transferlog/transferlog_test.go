package transferlog

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "transfers.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecentRoundTrip(t *testing.T) {
	l := openTestLog(t)

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	finished := time.Now().UTC().Truncate(time.Second)
	entries := []Entry{
		{DeviceId: "aa:bb", Direction: Upload, Path: "/tmp/a.txt", Size: 12, Outcome: Completed, StartedAt: started, FinishedAt: finished},
		{DeviceId: "aa:bb", Direction: Download, Path: "/tmp/b.txt", Size: 13, Outcome: Failed, Detail: "checksum mismatch", StartedAt: started, FinishedAt: finished},
		{DeviceId: "cc:dd", Direction: Upload, Path: "/tmp/c.txt", Size: 1, Outcome: Cancelled, StartedAt: started, FinishedAt: finished},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("record %s: %v", e.Path, err)
		}
	}

	got, err := l.Recent("aa:bb", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows for aa:bb, got %d", len(got))
	}
	// Newest first.
	if got[0].Path != "/tmp/b.txt" || got[1].Path != "/tmp/a.txt" {
		t.Fatalf("unexpected order: %q then %q", got[0].Path, got[1].Path)
	}
	if got[0].Outcome != Failed || got[0].Detail != "checksum mismatch" {
		t.Fatalf("failure row lost its detail: %+v", got[0])
	}
	if got[1].Direction != Upload || got[1].Size != 12 {
		t.Fatalf("unexpected upload row: %+v", got[1])
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	l := openTestLog(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Record(Entry{DeviceId: "x", Direction: Download, Path: "/p", Size: int64(i), Outcome: Completed, StartedAt: now, FinishedAt: now}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, err := l.Recent("x", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	now := time.Now()
	if err := l.Record(Entry{DeviceId: "x", Direction: Upload, Path: "/p", Size: 1, Outcome: Completed, StartedAt: now, FinishedAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	got, err := l2.Recent("x", 10)
	if err != nil {
		t.Fatalf("recent after reopen: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the recorded row to survive reopen, got %d rows", len(got))
	}
}
