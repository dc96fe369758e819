package sched

import (
	"context"
	"fmt"

	"voxelguard.ai/internal/history"
)

// GlobalHost runs tasks on a world's single owning loop.
type GlobalHost interface {
	OwnsWorld(ctx context.Context, world string) bool
	SubmitGlobal(world string, task func(ctx context.Context)) error
}

// RegionHost additionally runs tasks on the loop owning a region.
type RegionHost interface {
	GlobalHost
	RegionParallel() bool
	OwnsRegion(ctx context.Context, world string, pos history.Pos) bool
	SubmitRegion(world string, pos history.Pos, task func(ctx context.Context)) error
}

type Mode uint8

const (
	ModeSingleThreaded Mode = iota
	ModeRegionParallel
)

func (m Mode) String() string {
	if m == ModeRegionParallel {
		return "region-parallel"
	}
	return "single-threaded"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Probe decides the tick model of h. It is called once when a Scheduler is built.
func Probe(h GlobalHost) Mode {
	rh, ok := h.(RegionHost)
	if !ok {
		return ModeSingleThreaded
	}
	parallel := false
	func() {
		defer func() { _ = recover() }()
		parallel = rh.RegionParallel()
	}()
	if parallel {
		return ModeRegionParallel
	}
	return ModeSingleThreaded
}

// Strategy overrides the probe.
type Strategy uint8

const (
	StrategyAuto Strategy = iota
	StrategyRegion
	StrategyGlobal
)

func (s Strategy) String() string {
	switch s {
	case StrategyRegion:
		return "region"
	case StrategyGlobal:
		return "global"
	default:
		return "auto"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "auto":
		return StrategyAuto, nil
	case "region":
		return StrategyRegion, nil
	case "global":
		return StrategyGlobal, nil
	}
	return 0, fmt.Errorf("unknown scheduling strategy %q", s)
}

// submit calls fn, turning a panic in the host into an error.
func submit(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("host submit panic: %v", rec)
		}
	}()
	return fn()
}
