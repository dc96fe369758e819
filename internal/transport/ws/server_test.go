package ws

import (
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelguard.ai/internal/blockprops"
	"voxelguard.ai/internal/deferred"
	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/protocol"
	"voxelguard.ai/internal/sched"
)

type bridge struct {
	srv  *Server
	ts   *httptest.Server
	rt   *host.Runtime
	cat  *blockprops.Catalog
	sch  *sched.Scheduler
	trk  *history.Tracker
	quit func()
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	cat, err := blockprops.Load(filepath.Join("..", "..", "..", "configs", "blocks.json"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	trk := history.NewTracker(history.Config{HorizonTicks: 400})
	mirror := host.NewMirror(cat.Vacant())
	rt := host.New(host.Config{Parallel: true}, logger)
	sch, err := sched.New(sched.Config{}, trk, deferred.Env{Live: mirror, Flags: cat, Attach: cat}, rt, logger)
	if err != nil {
		t.Fatalf("sched: %v", err)
	}
	srv := NewServer(Deps{Tracker: trk, Mirror: mirror, Runtime: rt, Scheduler: sch, Catalog: cat}, logger)
	ts := httptest.NewServer(srv.Handler())
	b := &bridge{srv: srv, ts: ts, rt: rt, cat: cat, sch: sch, trk: trk}
	b.quit = func() {
		ts.Close()
		rt.Close()
	}
	t.Cleanup(b.quit)
	return b
}

func (b *bridge) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var v T
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("read: %v", err)
	}
	return v
}

func hello(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, HostName: "test", Worlds: []string{"w"}})
	return recv[protocol.WelcomeMsg](t, conn)
}

func TestHandshake_Welcome(t *testing.T) {
	b := newBridge(t)
	conn := b.dial(t)
	w := hello(t, conn)
	if w.Type != protocol.TypeWelcome || w.SessionID == "" {
		t.Fatalf("welcome %+v", w)
	}
	if w.Mode != "region-parallel" || w.HorizonTicks != 400 {
		t.Fatalf("welcome params %+v", w)
	}
	if w.Blocks.Digest != b.cat.Digest || w.Blocks.Count != len(b.cat.Palette) {
		t.Fatalf("catalog ref %+v", w.Blocks)
	}
}

func TestHandshake_RejectsVersion(t *testing.T) {
	b := newBridge(t)
	conn := b.dial(t)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", HostName: "old"})
	e := recv[protocol.ErrorMsg](t, conn)
	if e.Code != protocol.ErrProtoVersion {
		t.Fatalf("error %+v", e)
	}
}

func TestBridge_NotificationsThenQueries(t *testing.T) {
	b := newBridge(t)
	conn := b.dial(t)
	hello(t, conn)

	sand, _ := b.cat.State("SAND")
	stone, _ := b.cat.State("STONE")

	send(t, conn, protocol.WorldMsg{Type: protocol.TypeWorldTick, World: "w", Tick: 100})
	send(t, conn, protocol.BlockChangeMsg{Type: protocol.TypeBlockForm, World: "w", Pos: [3]int{1, 64, 1}, Tick: 100, Prev: 0, New: uint32(stone)})
	send(t, conn, protocol.PistonMsg{
		Type:      protocol.TypePistonExtend,
		World:     "w",
		Piston:    [3]int{0, 64, 5},
		Facing:    "EAST",
		Blocks:    [][3]int{{1, 64, 5}},
		Tick:      110,
		NewStates: []protocol.CellState{{Pos: [3]int{2, 64, 5}, State: uint32(sand)}},
	})

	// Queries land on the same region loop after the replays.
	send(t, conn, protocol.QueryMsg{Type: protocol.TypeStateAt, ID: "q1", World: "w", Pos: &[3]int{1, 64, 1}, Tick: 100})
	a := recv[protocol.AnswerMsg](t, conn)
	if a.ID != "q1" || a.State == nil || *a.State != uint32(stone) || a.Known == nil || !*a.Known {
		t.Fatalf("q1 %+v", a)
	}

	send(t, conn, protocol.QueryMsg{Type: protocol.TypeStateAt, ID: "q2", World: "w", Pos: &[3]int{1, 64, 1}, Tick: 99})
	a = recv[protocol.AnswerMsg](t, conn)
	if a.Known == nil || *a.Known {
		t.Fatalf("q2 expected no history: %+v", a)
	}

	send(t, conn, protocol.QueryMsg{Type: protocol.TypeChangedSince, ID: "q3", World: "w", Pos: &[3]int{1, 64, 1}, Tick: 99})
	a = recv[protocol.AnswerMsg](t, conn)
	if a.Changed == nil || !*a.Changed {
		t.Fatalf("q3 %+v", a)
	}

	send(t, conn, protocol.QueryMsg{Type: protocol.TypeStatesAt, ID: "q4", World: "w", Tick: 110,
		Positions: [][3]int{{2, 64, 5}, {1, 64, 5}, {9, 9, 9}}})
	a = recv[protocol.AnswerMsg](t, conn)
	want := []protocol.StateAnswer{
		{Pos: [3]int{2, 64, 5}, State: uint32(sand), Known: true},
		{Pos: [3]int{1, 64, 5}, State: 0, Known: true},
		{Pos: [3]int{9, 9, 9}, State: 0, Known: false},
	}
	if len(a.States) != len(want) {
		t.Fatalf("q4 %+v", a)
	}
	for i := range want {
		if a.States[i] != want[i] {
			t.Fatalf("q4[%d] got %+v want %+v", i, a.States[i], want[i])
		}
	}

	if sh, ok := b.trk.LastPistonShift("w", history.Pos{X: 2, Y: 64, Z: 5}, 0); !ok || sh.Head != (history.Pos{X: 1, Y: 64, Z: 5}) {
		t.Fatalf("piston shift %+v ok=%v", sh, ok)
	}
	if st := b.sch.Stats(); st.Scheduled != 2 {
		t.Fatalf("scheduler stats %+v", st)
	}
}

func TestBridge_InvalidFrameGetsError(t *testing.T) {
	b := newBridge(t)
	conn := b.dial(t)
	hello(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"STATE_AT","id":"bad","world":"w","tick":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := recv[protocol.ErrorMsg](t, conn)
	if e.Code != protocol.ErrProtoSchema || e.ID != "bad" {
		t.Fatalf("error %+v", e)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	e = recv[protocol.ErrorMsg](t, conn)
	if e.Code != protocol.ErrProtoSchema {
		t.Fatalf("error %+v", e)
	}
	if st := b.srv.Stats(); st.Invalid != 2 || st.Frames != 2 {
		t.Fatalf("stats %+v", st)
	}
}

func TestBridge_UnloadAnswersFromFreshLoop(t *testing.T) {
	b := newBridge(t)
	conn := b.dial(t)
	hello(t, conn)

	send(t, conn, protocol.BlockChangeMsg{Type: protocol.TypeEntityChangeBlock, World: "w", Pos: [3]int{0, 1, 0}, Tick: 5, New: 2})
	send(t, conn, protocol.WorldMsg{Type: protocol.TypeWorldUnload, World: "w"})
	send(t, conn, protocol.QueryMsg{Type: protocol.TypeStateAt, ID: "after", World: "w", Pos: &[3]int{0, 1, 0}, Tick: 5})
	a := recv[protocol.AnswerMsg](t, conn)
	// Unloading drains the world's loops, so the change was replayed first; the
	// tracker keeps the world's history.
	if a.State == nil || *a.State != 2 || !*a.Known {
		t.Fatalf("answer %+v", a)
	}
}

func TestBridge_UnloadUnknownWorld(t *testing.T) {
	b := newBridge(t)
	conn := b.dial(t)
	hello(t, conn)

	send(t, conn, protocol.WorldMsg{Type: protocol.TypeWorldUnload, World: "nether"})
	e := recv[protocol.ErrorMsg](t, conn)
	if e.Type != protocol.TypeError || e.Code != protocol.ErrWorldNotFound {
		t.Fatalf("error %+v", e)
	}
}
