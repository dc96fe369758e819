package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Reader runs the forensic queries behind cmd/admin. It opens its own connection,
// so it can be used next to a live SQLiteIndex.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	if strings.TrimSpace(path) == "" {
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
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

type ChangeRow struct {
	ID    int64   `json:"id"`
	TS    int64   `json:"ts"`
	World string  `json:"world"`
	Tick  uint64  `json:"tick"`
	Type  string  `json:"type"`
	Cause string  `json:"cause"`
	Pos   [3]int  `json:"pos"`
	Prev  uint32  `json:"prev"`
	New   uint32  `json:"new"`
	Head  *[3]int `json:"head,omitempty"`
	Dir   string  `json:"dir,omitempty"`
}

type ChangeFilter struct {
	World     string
	Pos       *[3]int
	SinceTick uint64
	Cause     string
	Limit     int
}

// Changes lists indexed change rows, newest first.
func (r *Reader) Changes(ctx context.Context, f ChangeFilter) ([]ChangeRow, error) {
	var (
		where []string
		args  []any
	)
	if f.World != "" {
		where = append(where, "world = ?")
		args = append(args, f.World)
	}
	if f.Pos != nil {
		where = append(where, "x = ? AND y = ? AND z = ?")
		args = append(args, f.Pos[0], f.Pos[1], f.Pos[2])
	}
	if f.SinceTick > 0 {
		where = append(where, "tick >= ?")
		args = append(args, int64(f.SinceTick))
	}
	if f.Cause != "" {
		where = append(where, "cause = ?")
		args = append(args, f.Cause)
	}
	q := `SELECT id, ts, world, tick, type, cause, x, y, z, prev_state, new_state, head_x, head_y, head_z, dir FROM changes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY tick DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var (
			c          ChangeRow
			tick       int64
			hx, hy, hz sql.NullInt64
			dir        sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.TS, &c.World, &tick, &c.Type, &c.Cause, &c.Pos[0], &c.Pos[1], &c.Pos[2], &c.Prev, &c.New, &hx, &hy, &hz, &dir); err != nil {
			return nil, err
		}
		c.Tick = uint64(tick)
		if hx.Valid && hy.Valid && hz.Valid {
			c.Head = &[3]int{int(hx.Int64), int(hy.Int64), int(hz.Int64)}
		}
		c.Dir = dir.String
		out = append(out, c)
	}
	return out, rows.Err()
}

type OutcomeRow struct {
	ID        string `json:"id"`
	TS        int64  `json:"ts"`
	World     string `json:"world"`
	Tick      uint64 `json:"tick"`
	Kind      string `json:"kind"`
	Pos       [3]int `json:"pos"`
	Route     string `json:"route"`
	Result    string `json:"result"`
	Err       string `json:"err,omitempty"`
	LatencyUS int64  `json:"latency_us"`
}

// Outcomes lists event outcomes, newest first. An empty result matches all.
func (r *Reader) Outcomes(ctx context.Context, result string, limit int) ([]OutcomeRow, error) {
	q := `SELECT id, ts, world, tick, kind, x, y, z, route, result, err, latency_us FROM outcomes`
	var args []any
	if result != "" {
		q += " WHERE result = ?"
		args = append(args, result)
	}
	q += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limitOrDefault(limit))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var (
			o    OutcomeRow
			tick int64
			e    sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.TS, &o.World, &tick, &o.Kind, &o.Pos[0], &o.Pos[1], &o.Pos[2], &o.Route, &o.Result, &e, &o.LatencyUS); err != nil {
			return nil, err
		}
		o.Tick = uint64(tick)
		o.Err = e.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// OutcomeCounts groups outcomes by result.
func (r *Reader) OutcomeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT result, COUNT(*) FROM outcomes GROUP BY result`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			res string
			n   int64
		)
		if err := rows.Scan(&res, &n); err != nil {
			return nil, err
		}
		out[res] = n
	}
	return out, rows.Err()
}

func limitOrDefault(n int) int {
	if n <= 0 || n > 10000 {
		return 100
	}
	return n
}
