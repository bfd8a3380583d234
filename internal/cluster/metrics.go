package cluster

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	snapshotRingSize = 60
	collectInterval  = 5 * time.Second
)

// Snapshot is one observation of cluster state.
type Snapshot struct {
	Timestamp      time.Time
	AgentsTotal    int
	AgentsByRole   map[Role]int
	LoadRatio      float64
	QueueLengths   map[string]int64
	RedisConnected bool

	Tasks     TaskStreamStats
	Memory    WorkingMemoryStats
	Index     MemoryIndexStats
	Health    HealthStats
	Elections ElectionStats
	Bus       EventBusStats
	Limiter   RateLimiterStats
}

// MetricsSources wires the components a Metrics instance observes. Nil
// fields are skipped.
type MetricsSources struct {
	Redis    *redis.Client
	Registry *AgentRegistry
	Bus      *EventBus
	Limiter  *RateLimiter
	Memory   *WorkingMemory
	Index    *MemoryIndex
	Tasks    *TaskStream
	Health   *HealthMonitor
	Election *ElectionManager
}

// Metrics snapshots cluster state into a bounded ring and renders the
// nexus_cluster_* set as Prometheus text format on demand. It serves no
// HTTP itself; the ops layer mounts the registry.
type Metrics struct {
	sources MetricsSources
	log     zerolog.Logger

	registry *prometheus.Registry

	enabled        prometheus.Gauge
	agentsTotal    prometheus.Gauge
	agentsByRole   *prometheus.GaugeVec
	loadRatio      prometheus.Gauge
	queueLength    *prometheus.GaugeVec
	redisConnected prometheus.Gauge

	mu   sync.Mutex
	ring []Snapshot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetrics builds the metric set on a dedicated registry so the
// rendered output carries exactly the cluster series.
func NewMetrics(sources MetricsSources, log zerolog.Logger) *Metrics {
	m := &Metrics{
		sources:  sources,
		log:      log,
		registry: prometheus.NewRegistry(),
		stopCh:   make(chan struct{}),
	}

	m.enabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_cluster_enabled",
		Help: "Whether clustering is enabled (1) or the process runs standalone (0)",
	})
	m.agentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_cluster_agents_total",
		Help: "Agents currently present in the registry",
	})
	m.agentsByRole = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_cluster_agents_by_role",
		Help: "Agents present in the registry by role",
	}, []string{"role"})
	m.loadRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_cluster_load_ratio",
		Help: "This agent's current load over its maximum",
	})
	m.queueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nexus_cluster_task_queue_length",
		Help: "Entries in each priority stream",
	}, []string{"priority"})
	m.redisConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_cluster_redis_connected",
		Help: "Whether the coordination broker answers ping (1) or not (0)",
	})

	m.registry.MustRegister(m.enabled, m.agentsTotal, m.agentsByRole, m.loadRatio, m.queueLength, m.redisConnected)
	m.registerCounters()
	m.enabled.Set(1)
	return m
}

// registerCounters exposes the component stat counters as counter
// series read at gather time.
func (m *Metrics) registerCounters() {
	counter := func(name, help string, read func() int64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(read()) }))
	}

	counter("nexus_cluster_tasks_published_total", "Tasks appended to any priority stream", func() int64 {
		if m.sources.Tasks == nil {
			return 0
		}
		return m.sources.Tasks.Stats().Published
	})
	counter("nexus_cluster_tasks_consumed_total", "Task deliveries accepted by this agent", func() int64 {
		if m.sources.Tasks == nil {
			return 0
		}
		return m.sources.Tasks.Stats().Consumed
	})
	counter("nexus_cluster_tasks_completed_total", "Tasks finished successfully", func() int64 {
		if m.sources.Tasks == nil {
			return 0
		}
		return m.sources.Tasks.Stats().Completed
	})
	counter("nexus_cluster_tasks_failed_total", "Task executions that failed or timed out", func() int64 {
		if m.sources.Tasks == nil {
			return 0
		}
		return m.sources.Tasks.Stats().Failed
	})
	counter("nexus_cluster_tasks_dead_lettered_total", "Tasks moved to the dead-letter stream", func() int64 {
		if m.sources.Tasks == nil {
			return 0
		}
		return m.sources.Tasks.Stats().DeadLettered
	})

	counter("nexus_cluster_working_memory_reads_total", "Session and context reads", func() int64 {
		if m.sources.Memory == nil {
			return 0
		}
		return m.sources.Memory.Stats().Reads
	})
	counter("nexus_cluster_working_memory_writes_total", "Session and context writes", func() int64 {
		if m.sources.Memory == nil {
			return 0
		}
		return m.sources.Memory.Stats().Writes
	})
	counter("nexus_cluster_working_memory_promotions_total", "Items promoted to durable storage", func() int64 {
		if m.sources.Memory == nil {
			return 0
		}
		return m.sources.Memory.Stats().Promotions
	})
	counter("nexus_cluster_working_memory_evictions_total", "Sessions deleted and stale entries swept", func() int64 {
		if m.sources.Memory == nil {
			return 0
		}
		return m.sources.Memory.Stats().Evictions
	})

	counter("nexus_cluster_memory_index_stored_total", "Memories written to the index", func() int64 {
		if m.sources.Index == nil {
			return 0
		}
		return m.sources.Index.Stats().Stored
	})
	counter("nexus_cluster_memory_index_searched_total", "Vector searches served", func() int64 {
		if m.sources.Index == nil {
			return 0
		}
		return m.sources.Index.Stats().Searched
	})
	counter("nexus_cluster_memory_index_duplicates_found_total", "Stores rejected by deduplication", func() int64 {
		if m.sources.Index == nil {
			return 0
		}
		return m.sources.Index.Stats().DuplicatesFound
	})

	counter("nexus_cluster_health_checks_total", "Monitor sweeps over the registry", func() int64 {
		if m.sources.Health == nil {
			return 0
		}
		return m.sources.Health.Stats().Checks
	})
	counter("nexus_cluster_health_sdown_total", "Peers marked subjectively down", func() int64 {
		if m.sources.Health == nil {
			return 0
		}
		return m.sources.Health.Stats().SdownTotal
	})
	counter("nexus_cluster_health_odown_total", "Peers declared objectively down", func() int64 {
		if m.sources.Health == nil {
			return 0
		}
		return m.sources.Health.Stats().OdownTotal
	})

	counter("nexus_cluster_elections_won_total", "Elections this agent won", func() int64 {
		if m.sources.Election == nil {
			return 0
		}
		return m.sources.Election.Stats().Won
	})
	counter("nexus_cluster_elections_lost_total", "Elections this agent yielded", func() int64 {
		if m.sources.Election == nil {
			return 0
		}
		return m.sources.Election.Stats().Lost
	})
}

// Start launches the periodic collector feeding the snapshot ring.
func (m *Metrics) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.collectLoop()
	return nil
}

// Stop halts the collector.
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Metrics) collectLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := m.Collect(ctx); err != nil {
				m.log.Debug().Err(err).Msg("metrics collection failed")
			}
			cancel()
		}
	}
}

// Collect gathers one snapshot, pushes it into the ring and refreshes
// the gauge series.
func (m *Metrics) Collect(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Timestamp:    time.Now(),
		AgentsByRole: make(map[Role]int),
		QueueLengths: make(map[string]int64),
	}

	if m.sources.Redis != nil {
		snap.RedisConnected = m.sources.Redis.Ping(ctx).Err() == nil
	}

	if m.sources.Registry != nil {
		agents, err := m.sources.Registry.GetAll(ctx)
		if err == nil {
			snap.AgentsTotal = len(agents)
			for _, a := range agents {
				snap.AgentsByRole[a.Role]++
			}
		}
		self := m.sources.Registry.Self()
		if self.MaxLoad > 0 {
			snap.LoadRatio = float64(self.CurrentLoad) / float64(self.MaxLoad)
		}
	}

	if m.sources.Tasks != nil {
		snap.Tasks = m.sources.Tasks.Stats()
		if depths, err := m.sources.Tasks.QueueDepths(ctx); err == nil {
			snap.QueueLengths = depths
		}
	}
	if m.sources.Memory != nil {
		snap.Memory = m.sources.Memory.Stats()
	}
	if m.sources.Index != nil {
		snap.Index = m.sources.Index.Stats()
	}
	if m.sources.Health != nil {
		snap.Health = m.sources.Health.Stats()
	}
	if m.sources.Election != nil {
		snap.Elections = m.sources.Election.Stats()
	}
	if m.sources.Bus != nil {
		snap.Bus = m.sources.Bus.Stats()
	}
	if m.sources.Limiter != nil {
		snap.Limiter = m.sources.Limiter.Stats()
	}

	m.agentsTotal.Set(float64(snap.AgentsTotal))
	m.agentsByRole.Reset()
	for role, n := range snap.AgentsByRole {
		m.agentsByRole.WithLabelValues(string(role)).Set(float64(n))
	}
	m.loadRatio.Set(snap.LoadRatio)
	for priority, n := range snap.QueueLengths {
		m.queueLength.WithLabelValues(priority).Set(float64(n))
	}
	if snap.RedisConnected {
		m.redisConnected.Set(1)
	} else {
		m.redisConnected.Set(0)
	}

	m.mu.Lock()
	m.ring = append(m.ring, snap)
	if len(m.ring) > snapshotRingSize {
		m.ring = m.ring[len(m.ring)-snapshotRingSize:]
	}
	m.mu.Unlock()

	return snap, nil
}

// Latest returns the most recent snapshot, if any.
func (m *Metrics) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) == 0 {
		return Snapshot{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// TaskRates derives per-second rates for the task counters from the
// oldest and newest ring entries.
func (m *Metrics) TaskRates() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	rates := map[string]float64{"published": 0, "completed": 0, "failed": 0}
	if len(m.ring) < 2 {
		return rates
	}
	first, last := m.ring[0], m.ring[len(m.ring)-1]
	window := last.Timestamp.Sub(first.Timestamp).Seconds()
	if window <= 0 {
		return rates
	}
	rates["published"] = float64(last.Tasks.Published-first.Tasks.Published) / window
	rates["completed"] = float64(last.Tasks.Completed-first.Tasks.Completed) / window
	rates["failed"] = float64(last.Tasks.Failed-first.Tasks.Failed) / window
	return rates
}

// Render collects a snapshot and returns the registry in Prometheus
// text format.
func (m *Metrics) Render(ctx context.Context) (string, error) {
	if _, err := m.Collect(ctx); err != nil {
		return "", err
	}

	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Registry exposes the prometheus registry for HTTP mounting.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
