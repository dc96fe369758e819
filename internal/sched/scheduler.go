// Package sched routes deferred events onto the loop allowed to replay them.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voxelguard.ai/internal/deferred"
)

var ErrNoHost = errors.New("sched: no host")

type Phase uint32

const (
	PhaseCaptured Phase = iota
	PhaseEnqueued
	PhaseReplaying
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseCaptured:
		return "captured"
	case PhaseEnqueued:
		return "enqueued"
	case PhaseReplaying:
		return "replaying"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

type Route string

const (
	RouteInline   Route = "inline"
	RouteRegion   Route = "region"
	RouteGlobal   Route = "global"
	RouteFallback Route = "fallback"
)

type Result string

const (
	ResultReplayed   Result = "replayed"
	ResultFailed     Result = "failed"
	ResultUnresolved Result = "unresolved"
	ResultDropped    Result = "dropped"
)

// Ticket follows one event from capture to done.
type Ticket struct {
	ID       string
	Event    deferred.Event
	Captured time.Time

	phase   atomic.Uint32
	started atomic.Bool
	done    chan struct{}
}

func (t *Ticket) Phase() Phase { return Phase(t.phase.Load()) }

// Done is closed once the event has reached PhaseDone.
func (t *Ticket) Done() <-chan struct{} { return t.done }

type Outcome struct {
	ID      string
	Event   deferred.Event
	Route   Route
	Result  Result
	Err     error
	Latency time.Duration
	At      time.Time
}

// OutcomeSink receives every terminal outcome. Called on the replaying goroutine,
// so implementations must not block.
type OutcomeSink interface {
	Outcome(o Outcome)
}

type Config struct {
	Strategy Strategy
}

type Stats struct {
	Mode      Mode
	Scheduled uint64
	Inline    uint64
	Region    uint64
	Global    uint64
	Fallbacks uint64
	Pending   int64
}

type Scheduler struct {
	mode   Mode
	global GlobalHost
	region RegionHost
	rec    deferred.Recorder
	env    deferred.Env
	logger *log.Logger
	sinks  []OutcomeSink

	fallbackOnce sync.Once

	scheduled atomic.Uint64
	inline    atomic.Uint64
	regioned  atomic.Uint64
	globaled  atomic.Uint64
	fallbacks atomic.Uint64

	mu      sync.Mutex
	pending int64
	idle    chan struct{}
}

func New(cfg Config, rec deferred.Recorder, env deferred.Env, h GlobalHost, logger *log.Logger, sinks ...OutcomeSink) (*Scheduler, error) {
	if h == nil {
		return nil, ErrNoHost
	}
	if rec == nil {
		return nil, errors.New("sched: nil recorder")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[sched] ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Scheduler{
		global: h,
		rec:    rec,
		env:    env,
		logger: logger,
		sinks:  sinks,
		idle:   make(chan struct{}),
	}
	close(s.idle)

	probed := Probe(h)
	switch cfg.Strategy {
	case StrategyGlobal:
		s.mode = ModeSingleThreaded
	case StrategyRegion:
		rh, ok := h.(RegionHost)
		if !ok {
			logger.Printf("scheduling=region but host has no region scheduler; using global")
			s.mode = ModeSingleThreaded
			break
		}
		s.mode = ModeRegionParallel
		s.region = rh
	default:
		s.mode = probed
		if probed == ModeRegionParallel {
			s.region = h.(RegionHost)
		}
	}
	logger.Printf("scheduler mode=%s (probed %s)", s.mode, probed)
	return s, nil
}

func (s *Scheduler) Mode() Mode { return s.mode }

// Schedule hands ev to the loop owning it and returns without waiting. When ctx
// already belongs to that loop the event is replayed before Schedule returns.
func (s *Scheduler) Schedule(ctx context.Context, ev deferred.Event) *Ticket {
	tk := &Ticket{ID: uuid.NewString(), Event: ev, Captured: time.Now(), done: make(chan struct{})}
	s.scheduled.Add(1)
	s.begin()

	world := ev.OwningWorld()
	if s.mode == ModeRegionParallel {
		anchor := ev.Anchor()
		if s.owns(func() bool { return s.region.OwnsRegion(ctx, world, anchor) }) {
			s.inline.Add(1)
			s.replay(ctx, tk, RouteInline)
			return tk
		}
		tk.phase.Store(uint32(PhaseEnqueued))
		err := submit(func() error {
			return s.region.SubmitRegion(world, anchor, func(c context.Context) { s.replay(c, tk, RouteRegion) })
		})
		if err == nil {
			s.regioned.Add(1)
			return tk
		}
		s.fallbacks.Add(1)
		s.fallbackOnce.Do(func() {
			s.logger.Printf("region scheduling failed (%v); falling back to global for affected events", err)
		})
		s.submitGlobal(tk, world, RouteFallback)
		return tk
	}

	if s.owns(func() bool { return s.global.OwnsWorld(ctx, world) }) {
		s.inline.Add(1)
		s.replay(ctx, tk, RouteInline)
		return tk
	}
	s.submitGlobal(tk, world, RouteGlobal)
	return tk
}

func (s *Scheduler) owns(fn func() bool) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	return fn()
}

func (s *Scheduler) submitGlobal(tk *Ticket, world string, route Route) {
	tk.phase.Store(uint32(PhaseEnqueued))
	err := submit(func() error {
		return s.global.SubmitGlobal(world, func(c context.Context) { s.replay(c, tk, route) })
	})
	if err == nil {
		s.globaled.Add(1)
		return
	}
	if !tk.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Printf("drop %s: global submit: %v", tk.Event, err)
	s.finish(tk, route, ResultDropped, err)
}

func (s *Scheduler) replay(_ context.Context, tk *Ticket, route Route) {
	// A host that both queued a task and reported failure must not replay twice.
	if !tk.started.CompareAndSwap(false, true) {
		return
	}
	tk.phase.Store(uint32(PhaseReplaying))
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("replay panic: %v", rec)
			}
		}()
		err = deferred.Replay(tk.Event, s.rec, s.env)
	}()

	switch {
	case err == nil:
		s.finish(tk, route, ResultReplayed, nil)
	case errors.Is(err, deferred.ErrUnresolved):
		s.logger.Printf("skip %s: %v", tk.Event, err)
		s.finish(tk, route, ResultUnresolved, err)
	default:
		s.logger.Printf("replay %s kind=%s world=%s pos=%s: %v", tk.ID, tk.Event.Kind, tk.Event.World, tk.Event.Pos, err)
		s.finish(tk, route, ResultFailed, err)
	}
}

func (s *Scheduler) finish(tk *Ticket, route Route, res Result, err error) {
	tk.phase.Store(uint32(PhaseDone))
	now := time.Now()
	o := Outcome{
		ID:      tk.ID,
		Event:   tk.Event,
		Route:   route,
		Result:  res,
		Err:     err,
		Latency: now.Sub(tk.Captured),
		At:      now,
	}
	for _, sink := range s.sinks {
		s.emit(sink, o)
	}
	close(tk.done)
	s.end()
}

func (s *Scheduler) emit(sink OutcomeSink, o Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Printf("outcome sink panic: %v", rec)
		}
	}()
	sink.Outcome(o)
}

func (s *Scheduler) begin() {
	s.mu.Lock()
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

// Pending is the number of events scheduled but not yet done.
func (s *Scheduler) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Drain blocks until nothing is pending or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		n := s.pending
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Mode:      s.mode,
		Scheduled: s.scheduled.Load(),
		Inline:    s.inline.Load(),
		Region:    s.regioned.Load(),
		Global:    s.globaled.Load(),
		Fallbacks: s.fallbacks.Load(),
		Pending:   s.Pending(),
	}
}
