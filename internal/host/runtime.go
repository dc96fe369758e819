// Package host is an in-process tick runtime standing in for the game server the
// history core is embedded in. Each world, and in parallel mode each region of a
// world, is owned by exactly one loop goroutine; work for it is posted as tasks.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"voxelguard.ai/internal/history"
)

var (
	ErrClosed = errors.New("host: runtime closed")
	// ErrRegionLimit is returned by SubmitRegion when no further region loop can be
	// started. Callers are expected to route through the world loop instead.
	ErrRegionLimit = errors.New("host: region loop limit reached")
)

// Task runs on the loop that owns it. ctx identifies that loop.
type Task = func(ctx context.Context)

// Tick is passed to tick hooks once per tick on every live loop.
type Tick struct {
	World  string
	Region history.RegionKey
	// Global is true on the world loop (the only loop in single-threaded mode).
	Global bool
	Tick   uint64
}

type TickHook func(ctx context.Context, t Tick)

type Config struct {
	Parallel    bool
	RegionShift int
	TickRateHz  int
	// MaxRegionLoops caps live region loops across all worlds. 0 means no cap.
	MaxRegionLoops int
	// ExternalClock leaves world clocks to SetTick; Run only posts tick hooks.
	ExternalClock bool
}

type loopKey struct {
	world  string
	region history.RegionKey
	global bool
}

func (k loopKey) String() string {
	if k.global {
		return k.world + "/global"
	}
	return fmt.Sprintf("%s/r(%d,%d)", k.world, k.region.CX, k.region.CZ)
}

type ownerKey struct{}

// Runtime owns the loops. The zero value is not usable; use New.
type Runtime struct {
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	closed      bool
	loops       map[loopKey]*loop
	regionLoops int
	clocks      map[string]*atomic.Uint64
	hooks       []TickHook

	wg sync.WaitGroup
}

func New(cfg Config, logger *log.Logger) *Runtime {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.RegionShift < 0 {
		cfg.RegionShift = 0
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[host] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		loops:  map[loopKey]*loop{},
		clocks: map[string]*atomic.Uint64{},
	}
}

func (r *Runtime) Config() Config { return r.cfg }

// RegionParallel reports whether regions tick on separate loops.
func (r *Runtime) RegionParallel() bool { return r.cfg.Parallel }

// OnTick registers a hook. Hooks must be registered before Run.
func (r *Runtime) OnTick(h TickHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func callerKey(ctx context.Context) (loopKey, bool) {
	if ctx == nil {
		return loopKey{}, false
	}
	k, ok := ctx.Value(ownerKey{}).(loopKey)
	return k, ok
}

// OwnsWorld reports whether ctx belongs to the world loop of world.
func (r *Runtime) OwnsWorld(ctx context.Context, world string) bool {
	k, ok := callerKey(ctx)
	return ok && k.global && k.world == world
}

// OwnsRegion reports whether ctx belongs to the loop owning pos. Without parallel
// regions that is the world loop.
func (r *Runtime) OwnsRegion(ctx context.Context, world string, pos history.Pos) bool {
	if !r.cfg.Parallel {
		return r.OwnsWorld(ctx, world)
	}
	k, ok := callerKey(ctx)
	return ok && !k.global && k.world == world && k.region == history.RegionOf(pos, r.cfg.RegionShift)
}

// LoopName returns the name of the loop ctx belongs to, or "" off-loop.
func LoopName(ctx context.Context) string {
	k, ok := callerKey(ctx)
	if !ok {
		return ""
	}
	return k.String()
}

func (r *Runtime) SubmitGlobal(world string, t Task) error {
	l, err := r.loopFor(loopKey{world: world, global: true})
	if err != nil {
		return err
	}
	return l.submit(t)
}

func (r *Runtime) SubmitRegion(world string, pos history.Pos, t Task) error {
	if !r.cfg.Parallel {
		return r.SubmitGlobal(world, t)
	}
	l, err := r.loopFor(loopKey{world: world, region: history.RegionOf(pos, r.cfg.RegionShift)})
	if err != nil {
		return err
	}
	return l.submit(t)
}

func (r *Runtime) loopFor(k loopKey) (*loop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if l := r.loops[k]; l != nil {
		return l, nil
	}
	if !k.global {
		if r.cfg.MaxRegionLoops > 0 && r.regionLoops >= r.cfg.MaxRegionLoops {
			return nil, ErrRegionLimit
		}
		r.regionLoops++
	}
	if r.clocks[k.world] == nil {
		r.clocks[k.world] = &atomic.Uint64{}
	}
	l := newLoop(k, r.logger)
	r.loops[k] = l
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		l.run()
	}()
	return l, nil
}

// SetTick sets a world's clock from a host tick report. Reports are authoritative,
// so a lower tick (world time was rewound) is stored as is.
func (r *Runtime) SetTick(world string, tick uint64) {
	r.clock(world).Store(tick)
}

func (r *Runtime) CurrentTick(world string) uint64 { return r.clock(world).Load() }

func (r *Runtime) clock(world string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.clocks[world]
	if c == nil {
		c = &atomic.Uint64{}
		r.clocks[world] = c
	}
	return c
}

// Run advances every world clock at TickRateHz and posts tick hooks to every live
// loop. It returns when ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.step()
		}
	}
}

func (r *Runtime) step() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ticks := make(map[string]uint64, len(r.clocks))
	for w, c := range r.clocks {
		if r.cfg.ExternalClock {
			ticks[w] = c.Load()
		} else {
			ticks[w] = c.Add(1)
		}
	}
	hooks := append([]TickHook(nil), r.hooks...)
	loops := make([]*loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.mu.Unlock()

	if len(hooks) == 0 {
		return
	}
	for _, l := range loops {
		t := Tick{World: l.key.world, Region: l.key.region, Global: l.key.global, Tick: ticks[l.key.world]}
		_ = l.submit(func(ctx context.Context) {
			for _, h := range hooks {
				h(ctx, t)
			}
		})
	}
}

// Step advances all clocks by one tick without waiting for the ticker.
func (r *Runtime) Step() { r.step() }

// UnloadWorld stops every loop of world after draining it. Later submits for the
// world start fresh loops. Must not be called from one of that world's loops.
func (r *Runtime) UnloadWorld(world string) {
	r.mu.Lock()
	var stopping []*loop
	for k, l := range r.loops {
		if k.world != world {
			continue
		}
		delete(r.loops, k)
		if !k.global {
			r.regionLoops--
		}
		stopping = append(stopping, l)
	}
	delete(r.clocks, world)
	r.mu.Unlock()

	for _, l := range stopping {
		l.close()
		<-l.done
	}
}

// Close stops accepting tasks, drains every mailbox and waits for the loops.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	loops := make([]*loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.mu.Unlock()

	for _, l := range loops {
		l.close()
	}
	r.wg.Wait()
}

type LoopStats struct {
	Name    string
	Backlog int
	Ran     uint64
}

func (r *Runtime) Loops() []LoopStats {
	r.mu.Lock()
	out := make([]LoopStats, 0, len(r.loops))
	for _, l := range r.loops {
		out = append(out, LoopStats{Name: l.key.String(), Backlog: l.backlog(), Ran: l.ran.Load()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// loop is a single goroutine with an unbounded FIFO mailbox. Submits never block.
type loop struct {
	key    loopKey
	logger *log.Logger

	mu     sync.Mutex
	queue  []Task
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	ran atomic.Uint64
}

func newLoop(k loopKey, logger *log.Logger) *loop {
	return &loop{
		key:    k,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *loop) submit(t Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t, true
}

func (l *loop) backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stop)
}

func (l *loop) run() {
	defer close(l.done)
	ctx := context.WithValue(context.Background(), ownerKey{}, l.key)
	for {
		if t, ok := l.next(); ok {
			l.exec(ctx, t)
			continue
		}
		select {
		case <-l.wake:
		case <-l.stop:
			for {
				t, ok := l.next()
				if !ok {
					return
				}
				l.exec(ctx, t)
			}
		}
	}
}

func (l *loop) exec(ctx context.Context, t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Printf("loop %s: task panic: %v", l.key, rec)
		}
	}()
	l.ran.Add(1)
	t(ctx)
}
