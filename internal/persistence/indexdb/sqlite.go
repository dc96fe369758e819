package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelguard.ai/internal/blockprops"
	persistlog "voxelguard.ai/internal/persistence/log"
)

// SQLiteIndex is a write-behind secondary index of the audit trail. Writes are
// queued and applied by one goroutine in batched transactions; when the queue is
// full entries are dropped and counted. The JSONL files remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan persistlog.Entry
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropChange  atomic.Uint64
	dropOutcome atomic.Uint64
	written     atomic.Uint64
	failed      atomic.Uint64
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropChangeTotal  uint64
	DropOutcomeTotal uint64
	WrittenTotal     uint64
	FailTotal        uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 262144)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan persistlog.Entry, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			world TEXT NOT NULL,
			tick INTEGER NOT NULL,
			type TEXT NOT NULL,
			cause TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			prev_state INTEGER NOT NULL,
			new_state INTEGER NOT NULL,
			head_x INTEGER,
			head_y INTEGER,
			head_z INTEGER,
			dir TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_pos_tick ON changes(world, x, z, y, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_world_tick ON changes(world, tick);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			world TEXT NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			route TEXT NOT NULL,
			result TEXT NOT NULL,
			err TEXT,
			latency_us INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_result_ts ON outcomes(result, ts);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteEntry queues e. It never blocks.
func (s *SQLiteIndex) WriteEntry(e persistlog.Entry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		if e.Type == persistlog.EntryOutcome {
			s.dropOutcome.Add(1)
		} else {
			s.dropChange.Add(1)
		}
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropChangeTotal:  s.dropChange.Load(),
		DropOutcomeTotal: s.dropOutcome.Load(),
		WrittenTotal:     s.written.Load(),
		FailTotal:        s.failed.Load(),
	}
}

// UpsertCatalog stores the block catalog the audited state ids refer to.
func (s *SQLiteIndex) UpsertCatalog(cat *blockprops.Catalog) error {
	if s == nil || cat == nil {
		return nil
	}
	palette, err := json.Marshal(cat.Palette)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		"blocks_palette", cat.Digest, string(palette), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertChange, _ := s.db.Prepare(`INSERT INTO changes(ts,world,tick,type,cause,x,y,z,prev_state,new_state,head_x,head_y,head_z,dir) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertOutcome, _ := s.db.Prepare(`INSERT OR REPLACE INTO outcomes(id,ts,world,tick,kind,x,y,z,route,result,err,latency_us) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertChange != nil {
			_ = insertChange.Close()
		}
		if insertOutcome != nil {
			_ = insertOutcome.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(kind string, args ...any) bool {
		stmt := insertChange
		if kind == "outcome" {
			stmt = insertOutcome
		}
		if stmt == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(stmt).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var e persistlog.Entry
		select {
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		case ev, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			e = ev
		}

		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		s.apply(e, exec)
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}

func (s *SQLiteIndex) apply(e persistlog.Entry, exec func(kind string, args ...any) bool) {
	switch e.Type {
	case persistlog.EntryChange:
		if e.Pos == nil {
			return
		}
		exec("change", e.TS, e.World, int64(e.Tick), e.Type, e.Cause,
			e.Pos[0], e.Pos[1], e.Pos[2], int64(e.Prev), int64(e.New), nil, nil, nil, nil)

	case persistlog.EntryPiston:
		if e.Head == nil {
			return
		}
		for _, m := range e.Moved {
			if !exec("change", e.TS, e.World, int64(e.Tick), e.Type, e.Cause,
				m.From[0], m.From[1], m.From[2], 0, int64(m.State), e.Head[0], e.Head[1], e.Head[2], e.Dir) {
				return
			}
		}

	case persistlog.EntryOutcome:
		var x, y, z int
		if e.Pos != nil {
			x, y, z = e.Pos[0], e.Pos[1], e.Pos[2]
		}
		var errText any
		if e.Err != "" {
			errText = e.Err
		}
		exec("outcome", e.ID, e.TS, e.World, int64(e.Tick), e.Kind, x, y, z, e.Route, e.Result, errText, e.LatencyUS)
	}
}
