package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/sched"
)

// Config is guard.yaml. Every field can be overridden with its VG_* variable.
type Config struct {
	HorizonTicks         uint64   `yaml:"horizon_ticks" env:"VG_HORIZON_TICKS"`
	Scheduling           string   `yaml:"scheduling" env:"VG_SCHEDULING"`
	RegionShift          int      `yaml:"region_shift" env:"VG_REGION_SHIFT"`
	TickRateHz           int      `yaml:"tick_rate_hz" env:"VG_TICK_RATE_HZ"`
	SweepEveryTicks      int      `yaml:"sweep_every_ticks" env:"VG_SWEEP_EVERY_TICKS"`
	RegressionPolicy     string   `yaml:"regression_policy" env:"VG_REGRESSION_POLICY"`
	RegressionResetTicks uint64   `yaml:"regression_reset_ticks" env:"VG_REGRESSION_RESET_TICKS"`
	VacantBlock          string   `yaml:"vacant_block" env:"VG_VACANT_BLOCK"`
	ParallelRegions      bool     `yaml:"parallel_regions" env:"VG_PARALLEL_REGIONS"`
	MaxRegionLoops       int      `yaml:"max_region_loops" env:"VG_MAX_REGION_LOOPS"`
	ExternalClock        bool     `yaml:"external_clock" env:"VG_EXTERNAL_CLOCK"`
	Worlds               []string `yaml:"worlds" env:"VG_WORLDS" envSeparator:","`
}

const MaxRegionShift = 10

func Defaults() Config {
	return Config{
		HorizonTicks:         history.DefaultHorizonTicks,
		Scheduling:           "auto",
		RegionShift:          0,
		TickRateHz:           20,
		SweepEveryTicks:      100,
		RegressionPolicy:     "accept",
		RegressionResetTicks: 20,
		VacantBlock:          "AIR",
		ParallelRegions:      true,
		ExternalClock:        true,
		Worlds:               []string{"world"},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("guard.yaml: %w", err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("guard.yaml: %w", err)
	}
	return cfg, nil
}

// ParseEnv overlays variables that are set onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	d := Defaults()
	c.Scheduling = strings.ToLower(strings.TrimSpace(c.Scheduling))
	if c.Scheduling == "" {
		c.Scheduling = d.Scheduling
	}
	c.RegressionPolicy = strings.ToLower(strings.TrimSpace(c.RegressionPolicy))
	if c.RegressionPolicy == "" {
		c.RegressionPolicy = d.RegressionPolicy
	}
	c.VacantBlock = strings.ToUpper(strings.TrimSpace(c.VacantBlock))
	if c.VacantBlock == "" {
		c.VacantBlock = d.VacantBlock
	}
	if c.HorizonTicks == 0 {
		c.HorizonTicks = d.HorizonTicks
	}
	if c.TickRateHz == 0 {
		c.TickRateHz = d.TickRateHz
	}
	if c.RegressionResetTicks == 0 {
		c.RegressionResetTicks = d.RegressionResetTicks
	}

	seen := map[string]bool{}
	worlds := c.Worlds[:0]
	for _, w := range c.Worlds {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		worlds = append(worlds, w)
	}
	sort.Strings(worlds)
	c.Worlds = worlds
}

func (c Config) Validate() error {
	if _, err := sched.ParseStrategy(c.Scheduling); err != nil {
		return err
	}
	if _, ok := history.ParseRegressionPolicy(c.RegressionPolicy); !ok {
		return fmt.Errorf("unknown regression_policy %q", c.RegressionPolicy)
	}
	if c.RegionShift < 0 || c.RegionShift > MaxRegionShift {
		return fmt.Errorf("region_shift must be in [0,%d]", MaxRegionShift)
	}
	if c.TickRateHz < 1 || c.TickRateHz > 1000 {
		return fmt.Errorf("tick_rate_hz must be in [1,1000]")
	}
	if c.SweepEveryTicks < 0 {
		return fmt.Errorf("sweep_every_ticks must be >= 0")
	}
	if c.MaxRegionLoops < 0 {
		return fmt.Errorf("max_region_loops must be >= 0")
	}
	if c.RegressionResetTicks >= c.HorizonTicks {
		return fmt.Errorf("regression_reset_ticks (%d) must be below horizon_ticks (%d)", c.RegressionResetTicks, c.HorizonTicks)
	}
	return nil
}

// History builds the tracker configuration. vacant is the palette id of VacantBlock.
func (c Config) History(vacant history.State) history.Config {
	pol, _ := history.ParseRegressionPolicy(c.RegressionPolicy)
	return history.Config{
		HorizonTicks:         c.HorizonTicks,
		RegionShift:          c.RegionShift,
		Vacant:               vacant,
		Regression:           pol,
		RegressionResetTicks: c.RegressionResetTicks,
	}
}

func (c Config) Host() host.Config {
	return host.Config{
		Parallel:       c.ParallelRegions,
		RegionShift:    c.RegionShift,
		TickRateHz:     c.TickRateHz,
		MaxRegionLoops: c.MaxRegionLoops,
		ExternalClock:  c.ExternalClock,
	}
}

func (c Config) Strategy() sched.Strategy {
	s, _ := sched.ParseStrategy(c.Scheduling)
	return s
}
