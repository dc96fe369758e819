package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestArchiver_ShipsSealedFilesOnce(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "audit-2026-03-01-09.jsonl.zst")
	touch(t, dir, "audit-2026-03-01-10.jsonl.zst")
	touch(t, dir, "audit-2026-03-01-11.jsonl.zst")
	touch(t, dir, "notes.txt")

	up := &fakeUploader{}
	a, err := New(dir, "/audit/guard-1/", up, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.now = func() time.Time { return time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC) }

	n, err := a.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
	if len(up.keys) != 2 || up.keys[0] != "audit/guard-1/audit-2026-03-01-09.jsonl.zst" {
		t.Fatalf("keys %v", up.keys)
	}
	if n, _ := a.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep shipped %d", n)
	}

	// The manifest survives a restart.
	b, err := New(dir, "audit/guard-1", up, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	b.now = a.now
	if st := b.Stats(); st.Archived != 2 {
		t.Fatalf("stats %+v", st)
	}
	if n, _ := b.Sweep(context.Background()); n != 0 {
		t.Fatalf("reopened sweep shipped %d", n)
	}
}

func TestArchiver_RetriesThenRecordsFailure(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "audit-2026-03-01-09.jsonl.zst")

	up := &fakeUploader{fails: 5}
	a, err := New(dir, "p", up, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.now = func() time.Time { return time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC) }
	a.backoff = time.Millisecond

	if n, err := a.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
	st := a.Stats()
	if st.Failures != 1 || st.LastError == "" || st.Archived != 0 {
		t.Fatalf("stats %+v", st)
	}
	// One failure left, then the retry loop succeeds.
	if n, _ := a.Sweep(context.Background()); n != 1 {
		t.Fatalf("retry sweep shipped %d", n)
	}
}

func TestArchiver_MissingDirIsEmpty(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "nope"), "p", &fakeUploader{}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if n, err := a.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("sweep n=%d err=%v", n, err)
	}
}
