package log

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"voxelguard.ai/internal/deferred"
	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/sched"
)

const (
	EntryChange  = "change"
	EntryPiston  = "piston"
	EntryOutcome = "outcome"
)

type MovedEntry struct {
	From  [3]int `json:"from"`
	State uint32 `json:"state"`
}

// Entry is one audit line. Change and piston entries mirror tracker writes
// one-to-one; outcome entries describe how an event was scheduled and replayed.
type Entry struct {
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
	World string `json:"world"`
	Tick  uint64 `json:"tick"`

	Pos   *[3]int `json:"pos,omitempty"`
	Prev  uint32  `json:"prev,omitempty"`
	New   uint32  `json:"new,omitempty"`
	Cause string  `json:"cause,omitempty"`

	Head  *[3]int      `json:"head,omitempty"`
	Dir   string       `json:"dir,omitempty"`
	Moved []MovedEntry `json:"moved,omitempty"`

	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Route     string `json:"route,omitempty"`
	Result    string `json:"result,omitempty"`
	Err       string `json:"err,omitempty"`
	LatencyUS int64  `json:"latency_us,omitempty"`
}

// EntryWriter is a secondary destination for audit entries, such as an index.
// WriteEntry must not block.
type EntryWriter interface {
	WriteEntry(e Entry) error
}

// AuditLogger writes audit JSONL entries (compressed). It is an outcome sink and
// wraps the tracker's ingest surface.
type AuditLogger struct {
	w       *JSONLZstdWriter
	mirrors []EntryWriter
	errs    atomic.Uint64
}

func NewAuditLogger(dataDir string, mirrors ...EntryWriter) *AuditLogger {
	return &AuditLogger{
		w:       NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit"),
		mirrors: mirrors,
	}
}

func (l *AuditLogger) WriteEntry(e Entry) error {
	if e.TS == 0 {
		e.TS = time.Now().UnixMilli()
	}
	err := l.w.Write(e)
	if err != nil {
		l.errs.Add(1)
	}
	for _, m := range l.mirrors {
		_ = m.WriteEntry(e)
	}
	return err
}

// Errors counts failed writes. Ingest never fails because of the audit trail.
func (l *AuditLogger) Errors() uint64 { return l.errs.Load() }

func (l *AuditLogger) Lines() uint64 { return l.w.Lines() }
func (l *AuditLogger) Sync() error   { return l.w.Sync() }
func (l *AuditLogger) Close() error  { return l.w.Close() }

func (l *AuditLogger) Outcome(o sched.Outcome) {
	pos := o.Event.Pos.ToArray()
	e := Entry{
		Type:      EntryOutcome,
		TS:        o.At.UnixMilli(),
		World:     o.Event.World,
		Tick:      o.Event.Tick,
		Pos:       &pos,
		ID:        o.ID,
		Kind:      o.Event.Kind.String(),
		Route:     string(o.Route),
		Result:    string(o.Result),
		LatencyUS: o.Latency.Microseconds(),
	}
	if o.Err != nil {
		e.Err = o.Err.Error()
	}
	_ = l.WriteEntry(e)
}

// Wrap returns a recorder that logs every write before handing it to rec.
func (l *AuditLogger) Wrap(rec deferred.Recorder) deferred.Recorder {
	return &auditRecorder{log: l, next: rec}
}

type auditRecorder struct {
	log  *AuditLogger
	next deferred.Recorder
}

func (r *auditRecorder) RecordChange(world string, pos history.Pos, prev, next history.State, tick uint64, cause history.Cause) {
	p := pos.ToArray()
	_ = r.log.WriteEntry(Entry{
		Type:  EntryChange,
		World: world,
		Tick:  tick,
		Pos:   &p,
		Prev:  uint32(prev),
		New:   uint32(next),
		Cause: cause.String(),
	})
	r.next.RecordChange(world, pos, prev, next, tick, cause)
}

func (r *auditRecorder) RecordPistonMove(world string, head history.Pos, dir history.Face, cause history.Cause, moved []history.Moved, tick uint64) {
	h := head.ToArray()
	me := make([]MovedEntry, 0, len(moved))
	for _, m := range moved {
		me = append(me, MovedEntry{From: m.From.ToArray(), State: uint32(m.State)})
	}
	_ = r.log.WriteEntry(Entry{
		Type:  EntryPiston,
		World: world,
		Tick:  tick,
		Head:  &h,
		Dir:   dir.String(),
		Cause: cause.String(),
		Moved: me,
	})
	r.next.RecordPistonMove(world, head, dir, cause, moved, tick)
}
