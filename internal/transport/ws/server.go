// Package ws is the websocket bridge between a game host and the history core.
// Hosts send block notifications and world ticks; queries are answered from the
// tracker on the loop that owns the queried region.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelguard.ai/internal/blockprops"
	"voxelguard.ai/internal/deferred"
	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/protocol"
	"voxelguard.ai/internal/sched"
)

const outQueue = 256

type Deps struct {
	Tracker   *history.Tracker
	Mirror    *host.Mirror
	Runtime   *host.Runtime
	Scheduler *sched.Scheduler
	Catalog   *blockprops.Catalog
}

type Stats struct {
	Conns      int64
	Frames     uint64
	Invalid    uint64
	Queries    uint64
	OutDropped uint64
}

type Server struct {
	d   Deps
	log *log.Logger

	upgrader websocket.Upgrader

	conns      atomic.Int64
	frames     atomic.Uint64
	invalid    atomic.Uint64
	queries    atomic.Uint64
	outDropped atomic.Uint64
}

func NewServer(d Deps, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[ws] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		d:   d,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Conns:      s.conns.Load(),
		Frames:     s.frames.Load(),
		Invalid:    s.invalid.Load(),
		Queries:    s.queries.Load(),
		OutDropped: s.outDropped.Load(),
	}
}

// session is one connected host.
type session struct {
	id     string
	name   string
	out    chan []byte
	cancel context.CancelFunc
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.conns.Add(1)
		defer s.conns.Add(-1)
		s.log.Printf("host connected session=%s name=%s", sess.id, sess.name)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sess.cancel = cancel

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.frames.Add(1)
			s.dispatch(sess, msg)
		}
		cancel()
		<-writerDone
		s.log.Printf("host disconnected session=%s", sess.id)
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError("", protocol.ErrProtoVersion, fmt.Sprintf("want protocol_version %s", protocol.Version)))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	for _, w := range hello.Worlds {
		s.d.Mirror.LoadWorld(w)
	}

	sess := &session{id: uuid.NewString(), name: hello.HostName, out: make(chan []byte, outQueue)}
	hc := s.d.Tracker.Config()
	rc := s.d.Runtime.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		Mode:            s.d.Scheduler.Mode().String(),
		RegionShift:     rc.RegionShift,
		HorizonTicks:    hc.HorizonTicks,
		TickRateHz:      rc.TickRateHz,
	}
	if c := s.d.Catalog; c != nil {
		welcome.Blocks = protocol.CatalogRef{Digest: c.Digest, Count: len(c.Palette)}
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	return sess
}

func (s *Server) dispatch(sess *session, msg []byte) {
	base, err := protocol.Validate(msg)
	if err != nil {
		s.invalid.Add(1)
		var q struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(msg, &q)
		s.send(sess, protocol.NewError(q.ID, protocol.ErrProtoSchema, err.Error()))
		return
	}

	switch base.Type {
	case protocol.TypeBlockForm, protocol.TypeEntityChangeBlock, protocol.TypeRedstone:
		var m protocol.BlockChangeMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.send(sess, protocol.NewError("", protocol.ErrProtoBadRequest, err.Error()))
			return
		}
		s.onBlockChange(m)
	case protocol.TypePistonExtend, protocol.TypePistonRetract:
		var m protocol.PistonMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.send(sess, protocol.NewError("", protocol.ErrProtoBadRequest, err.Error()))
			return
		}
		if err := s.onPiston(m); err != nil {
			s.send(sess, protocol.NewError("", protocol.ErrBadRequest, err.Error()))
		}
	case protocol.TypeWorldTick:
		var m protocol.WorldMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		s.d.Mirror.LoadWorld(m.World)
		s.d.Runtime.SetTick(m.World, m.Tick)
		s.d.Tracker.AdvanceTick(m.World, m.Tick)
	case protocol.TypeWorldUnload:
		var m protocol.WorldMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		if !s.d.Mirror.Loaded(m.World) {
			s.send(sess, protocol.NewError("", protocol.ErrWorldNotFound, "world not loaded: "+m.World))
			return
		}
		// Work already queued for the world finishes against the mirror as it was;
		// events captured after this point resolve nothing until the world reloads.
		s.d.Runtime.UnloadWorld(m.World)
		s.d.Mirror.UnloadWorld(m.World)
		s.log.Printf("world unloaded world=%s session=%s", m.World, sess.id)
	case protocol.TypeStateAt, protocol.TypeChangedSince, protocol.TypeStatesAt:
		var m protocol.QueryMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.send(sess, protocol.NewError("", protocol.ErrProtoBadRequest, err.Error()))
			return
		}
		s.queries.Add(1)
		s.onQuery(sess, m)
	default:
		s.send(sess, protocol.NewError("", protocol.ErrBadRequest, "unexpected message type "+base.Type))
	}
}

func (s *Server) onBlockChange(m protocol.BlockChangeMsg) {
	pos := history.PosFromArray(m.Pos)
	prev := history.State(m.Prev)
	s.d.Mirror.Set(m.World, pos, history.State(m.New))

	var ev deferred.Event
	switch m.Type {
	case protocol.TypeBlockForm:
		ev = deferred.NewFormed(m.World, pos, m.Tick, prev)
	case protocol.TypeEntityChangeBlock:
		ev = deferred.NewEntityChanged(m.World, pos, m.Tick, prev)
	default:
		ev = deferred.NewRedstone(m.World, pos, m.Tick, prev)
	}
	s.d.Scheduler.Schedule(context.Background(), ev)
}

func (s *Server) onPiston(m protocol.PistonMsg) error {
	facing, ok := history.ParseFace(m.Facing)
	if !ok {
		return fmt.Errorf("bad facing %q", m.Facing)
	}
	blocks := make([]history.Pos, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		blocks = append(blocks, history.PosFromArray(b))
	}
	for _, c := range m.NewStates {
		s.d.Mirror.Set(m.World, history.PosFromArray(c.Pos), history.State(c.State))
	}

	piston := history.PosFromArray(m.Piston)
	var ev deferred.Event
	if m.Type == protocol.TypePistonExtend {
		ev = deferred.NewPistonExtend(m.World, piston, facing, blocks, m.Tick)
	} else {
		hasBlocks := m.HasBlocks == nil || *m.HasBlocks
		ev = deferred.NewPistonRetract(m.World, piston, facing, blocks, hasBlocks, m.Tick)
	}
	s.d.Scheduler.Schedule(context.Background(), ev)
	return nil
}

// onQuery answers on the loop owning the queried region, or the world loop when
// no region loop can take it.
func (s *Server) onQuery(sess *session, m protocol.QueryMsg) {
	var anchor history.Pos
	if m.Pos != nil {
		anchor = history.PosFromArray(*m.Pos)
	} else if len(m.Positions) > 0 {
		anchor = history.PosFromArray(m.Positions[0])
	}
	task := func(context.Context) { s.send(sess, s.answer(m)) }

	err := s.d.Runtime.SubmitRegion(m.World, anchor, task)
	if errors.Is(err, host.ErrRegionLimit) {
		err = s.d.Runtime.SubmitGlobal(m.World, task)
	}
	switch {
	case err == nil:
	case errors.Is(err, host.ErrClosed):
		s.send(sess, protocol.NewError(m.ID, protocol.ErrClosed, err.Error()))
	case errors.Is(err, host.ErrRegionLimit):
		s.send(sess, protocol.NewError(m.ID, protocol.ErrBusy, err.Error()))
	default:
		s.send(sess, protocol.NewError(m.ID, protocol.ErrInternal, err.Error()))
	}
}

func (s *Server) answer(m protocol.QueryMsg) protocol.AnswerMsg {
	a := protocol.AnswerMsg{Type: protocol.TypeAnswer, ID: m.ID}
	tr := s.d.Tracker
	switch m.Type {
	case protocol.TypeStateAt:
		st, ok := tr.StateAt(m.World, history.PosFromArray(*m.Pos), m.Tick)
		v := uint32(st)
		a.State, a.Known = &v, &ok
	case protocol.TypeChangedSince:
		changed := tr.ChangedSince(m.World, history.PosFromArray(*m.Pos), m.Tick)
		a.Changed = &changed
	case protocol.TypeStatesAt:
		positions := make([]history.Pos, 0, len(m.Positions))
		for _, p := range m.Positions {
			positions = append(positions, history.PosFromArray(p))
		}
		for _, l := range tr.StatesAt(m.World, positions, m.Tick) {
			a.States = append(a.States, protocol.StateAnswer{Pos: l.Pos.ToArray(), State: uint32(l.State), Known: l.Known})
		}
	}
	return a
}

// send never blocks. A host that stops reading loses its connection rather than
// stalling the loop that produced the answer.
func (s *Server) send(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal %T: %v", v, err)
		return
	}
	select {
	case sess.out <- b:
	default:
		s.outDropped.Add(1)
		if sess.cancel != nil {
			sess.cancel()
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
