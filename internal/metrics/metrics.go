// Package metrics exposes scheduling, replay and ingest counters to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"voxelguard.ai/internal/history"
	"voxelguard.ai/internal/host"
	"voxelguard.ai/internal/persistence/archive"
	"voxelguard.ai/internal/persistence/indexdb"
	"voxelguard.ai/internal/sched"
	"voxelguard.ai/internal/transport/ws"
)

const namespace = "voxelguard"

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Tracker   func() history.Stats
	Scheduler func() sched.Stats
	Loops     func() []host.LoopStats
	Index     func() indexdb.Stats
	D1        func() indexdb.D1Stats
	Bridge    func() ws.Stats
	Archive   func() archive.Stats
}

// Metrics is an outcome sink plus a collector over the component stats.
type Metrics struct {
	src Sources

	outcomes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	descTrackerGauge = prometheus.NewDesc(namespace+"_tracker_size", "Tracker size by dimension.", []string{"dim"}, nil)
	descTrackerTotal = prometheus.NewDesc(namespace+"_tracker_records_total", "Tracker record events by kind.", []string{"kind"}, nil)
	descScheduled    = prometheus.NewDesc(namespace+"_sched_events_total", "Events scheduled by route.", []string{"route"}, nil)
	descPending      = prometheus.NewDesc(namespace+"_sched_pending", "Events captured but not yet replayed.", nil, nil)
	descMode         = prometheus.NewDesc(namespace+"_sched_mode", "Scheduling mode in use (1 for the active mode).", []string{"mode"}, nil)
	descBacklog      = prometheus.NewDesc(namespace+"_loop_backlog", "Tasks waiting in a loop mailbox.", []string{"loop"}, nil)
	descLoopRan      = prometheus.NewDesc(namespace+"_loop_tasks_total", "Tasks run by a loop.", []string{"loop"}, nil)
	descIndexQueue   = prometheus.NewDesc(namespace+"_index_queue_depth", "Audit index queue depth.", []string{"backend"}, nil)
	descIndexTotal   = prometheus.NewDesc(namespace+"_index_entries_total", "Audit index entries by backend and status.", []string{"backend", "status"}, nil)
	descBridgeConns  = prometheus.NewDesc(namespace+"_bridge_connections", "Connected hosts.", nil, nil)
	descBridgeTotal  = prometheus.NewDesc(namespace+"_bridge_frames_total", "Bridge frames by kind.", []string{"kind"}, nil)
	descArchived     = prometheus.NewDesc(namespace+"_archive_uploads_total", "Audit file uploads to cold storage by status.", []string{"status"}, nil)
)

func New(src Sources) *Metrics {
	return &Metrics{
		src: src,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "outcomes_total",
			Help:      "Deferred event outcomes by route and result.",
		}, []string{"route", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "latency_seconds",
			Help:      "Time from capture to the end of replay.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"route"}),
	}
}

// Register adds m to reg. Use prometheus.DefaultRegisterer for the process-wide registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.outcomes, m.latency, m} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Outcome(o sched.Outcome) {
	m.outcomes.WithLabelValues(string(o.Route), string(o.Result)).Inc()
	if o.Result != sched.ResultDropped {
		m.latency.WithLabelValues(string(o.Route)).Observe(o.Latency.Seconds())
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descTrackerGauge, descTrackerTotal, descScheduled, descPending, descMode,
		descBacklog, descLoopRan, descIndexQueue, descIndexTotal, descBridgeConns, descBridgeTotal,
	} {
		ch <- d
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if m.src.Tracker != nil {
		st := m.src.Tracker()
		gauge(descTrackerGauge, float64(st.Worlds), "worlds")
		gauge(descTrackerGauge, float64(st.Shards), "shards")
		gauge(descTrackerGauge, float64(st.Positions), "positions")
		gauge(descTrackerGauge, float64(st.Records), "records")
		counter(descTrackerTotal, st.Appended, "appended")
		counter(descTrackerTotal, st.Stale, "stale")
		counter(descTrackerTotal, st.Dropped, "dropped")
		counter(descTrackerTotal, st.Resets, "resets")
		counter(descTrackerTotal, st.Evicted, "evicted")
	}
	if m.src.Scheduler != nil {
		st := m.src.Scheduler()
		counter(descScheduled, st.Inline, string(sched.RouteInline))
		counter(descScheduled, st.Region, string(sched.RouteRegion))
		counter(descScheduled, st.Global, string(sched.RouteGlobal))
		counter(descScheduled, st.Fallbacks, string(sched.RouteFallback))
		gauge(descPending, float64(st.Pending))
		for _, mode := range []sched.Mode{sched.ModeSingleThreaded, sched.ModeRegionParallel} {
			v := 0.0
			if mode == st.Mode {
				v = 1
			}
			gauge(descMode, v, mode.String())
		}
	}
	if m.src.Loops != nil {
		for _, l := range m.src.Loops() {
			gauge(descBacklog, float64(l.Backlog), l.Name)
			counter(descLoopRan, l.Ran, l.Name)
		}
	}
	if m.src.Index != nil {
		st := m.src.Index()
		gauge(descIndexQueue, float64(st.QueueDepth), "sqlite")
		counter(descIndexTotal, st.WrittenTotal, "sqlite", "written")
		counter(descIndexTotal, st.FailTotal, "sqlite", "failed")
		counter(descIndexTotal, st.DropChangeTotal+st.DropOutcomeTotal, "sqlite", "dropped")
	}
	if m.src.D1 != nil {
		st := m.src.D1()
		gauge(descIndexQueue, float64(st.QueueDepth), "d1")
		counter(descIndexTotal, st.SentTotal, "d1", "written")
		counter(descIndexTotal, st.FlushFailTotal, "d1", "failed")
		counter(descIndexTotal, st.QueueDroppedTotal, "d1", "dropped")
	}
	if m.src.Bridge != nil {
		st := m.src.Bridge()
		gauge(descBridgeConns, float64(st.Conns))
		counter(descBridgeTotal, st.Frames, "received")
		counter(descBridgeTotal, st.Invalid, "invalid")
		counter(descBridgeTotal, st.Queries, "query")
		counter(descBridgeTotal, st.OutDropped, "out_dropped")
	}
	if m.src.Archive != nil {
		st := m.src.Archive()
		counter(descArchived, st.Uploads, "ok")
		counter(descArchived, st.Failures, "failed")
	}
}
