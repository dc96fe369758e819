// Package archive ships sealed hourly audit files to cold storage and keeps a
// manifest of what has been shipped.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	persistlog "voxelguard.ai/internal/persistence/log"
)

// Uploader stores a local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Meta struct {
	File       string `json:"file"`
	Key        string `json:"key"`
	Bytes      int64  `json:"bytes"`
	SHA256     string `json:"sha256"`
	UploadedAt string `json:"uploaded_at"`
}

type Stats struct {
	Archived  int    `json:"archived"`
	Uploads   uint64 `json:"uploads"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"last_error,omitempty"`
	LastSweep int64  `json:"last_sweep_unix"`
}

// Archiver uploads audit files whose hour has passed. The file for the current
// hour is still being appended to and is never touched.
type Archiver struct {
	auditDir string
	prefix   string
	up       Uploader
	logger   *log.Logger
	now      func() time.Time
	retries  int
	backoff  time.Duration

	mu      sync.Mutex
	done    map[string]Meta
	lastErr string

	uploads   atomic.Uint64
	failures  atomic.Uint64
	lastSweep atomic.Int64
}

func New(auditDir, prefix string, up Uploader, logger *log.Logger) (*Archiver, error) {
	a := &Archiver{
		auditDir: auditDir,
		prefix:   strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		up:       up,
		logger:   logger,
		now:      time.Now,
		retries:  4,
		backoff:  200 * time.Millisecond,
		done:     map[string]Meta{},
	}
	if err := a.loadManifest(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archiver) manifestPath() string { return filepath.Join(a.auditDir, "archive.manifest.json") }

func (a *Archiver) loadManifest() error {
	b, err := os.ReadFile(a.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var metas []Meta
	if err := json.Unmarshal(b, &metas); err != nil {
		return err
	}
	for _, m := range metas {
		a.done[m.File] = m
	}
	return nil
}

// saveManifest must be called with a.mu held.
func (a *Archiver) saveManifest() error {
	metas := make([]Meta, 0, len(a.done))
	for _, m := range a.done {
		metas = append(metas, m)
	}
	b, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.manifestPath())
}

// Sweep uploads every sealed file not yet in the manifest and returns how many
// were shipped. A failed file is retried on the next sweep.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	defer a.lastSweep.Store(a.now().Unix())
	files, err := persistlog.ListFiles(a.auditDir, "audit")
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	current := "audit-" + a.now().UTC().Format("2006-01-02-15") + ".jsonl.zst"

	shipped := 0
	for _, f := range files {
		name := filepath.Base(f)
		if name >= current {
			continue
		}
		a.mu.Lock()
		_, ok := a.done[name]
		a.mu.Unlock()
		if ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return shipped, err
		}
		m, err := a.ship(ctx, f)
		if err != nil {
			a.failures.Add(1)
			a.mu.Lock()
			a.lastErr = err.Error()
			a.mu.Unlock()
			a.printf("archive %s failed: %v", name, err)
			continue
		}
		a.uploads.Add(1)
		a.mu.Lock()
		a.done[name] = m
		err = a.saveManifest()
		a.mu.Unlock()
		if err != nil {
			return shipped, err
		}
		shipped++
		a.printf("archived %s -> %s (%d bytes)", name, m.Key, m.Bytes)
	}
	return shipped, nil
}

func (a *Archiver) ship(ctx context.Context, local string) (Meta, error) {
	name := filepath.Base(local)
	m := Meta{File: name, Key: path.Join(a.prefix, name)}
	f, err := os.Open(local)
	if err != nil {
		return m, err
	}
	h := sha256.New()
	n, err := io.Copy(h, f)
	_ = f.Close()
	if err != nil {
		return m, err
	}
	m.Bytes, m.SHA256 = n, hex.EncodeToString(h.Sum(nil))

	var lastErr error
	for attempt := 1; attempt <= a.retries; attempt++ {
		if lastErr = a.up.PutFile(ctx, m.Key, local); lastErr == nil {
			m.UploadedAt = a.now().UTC().Format(time.RFC3339)
			return m, nil
		}
		if attempt < a.retries {
			select {
			case <-ctx.Done():
				return m, ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * a.backoff):
			}
		}
	}
	return m, lastErr
}

// Run sweeps every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.printf("archive sweep: %v", err)
			}
		}
	}
}

func (a *Archiver) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Archived:  len(a.done),
		Uploads:   a.uploads.Load(),
		Failures:  a.failures.Load(),
		LastError: a.lastErr,
		LastSweep: a.lastSweep.Load(),
	}
}

func (a *Archiver) printf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
