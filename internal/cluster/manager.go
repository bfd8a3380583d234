package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const brokerTimeout = 5 * time.Second

// ClusterStatus is the composite view served to operators.
type ClusterStatus struct {
	Enabled       bool        `json:"enabled"`
	AgentID       string      `json:"agent_id"`
	Role          Role        `json:"role"`
	Status        Status      `json:"status"`
	LocalEpoch    int64       `json:"local_epoch"`
	AcceptingWork bool        `json:"accepting_work"`
	Draining      bool        `json:"draining"`
	Agents        []AgentInfo `json:"agents,omitempty"`
}

// Manager owns the lifecycle of the coordination core: it opens the
// broker connections, constructs every component in dependency order,
// late-binds the failover callback and starts leaves first. It is the
// only holder of strong references between components.
//
// With clustering disabled every component field stays nil and the
// convenience methods degrade to single-process behavior: sessions
// come back empty, rate limits always allow.
type Manager struct {
	cfg Config
	log zerolog.Logger

	rdb *redis.Client
	bin *redis.Client

	bus      *EventBus
	registry *AgentRegistry
	limiter  *RateLimiter
	memory   *WorkingMemory
	index    *MemoryIndex
	tasks    *TaskStream
	health   *HealthMonitor
	election *ElectionManager
	metrics  *Metrics

	started bool
}

// NewManager creates a supervisor for the given configuration. Nothing
// touches the broker until Start.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	cfg.Normalize()
	return &Manager{cfg: cfg, log: log}
}

// Start connects to the broker and brings the cluster core up. With
// clustering disabled it does nothing and returns nil.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.log.Info().Msg("clustering disabled, running standalone")
		return nil
	}

	rdb, err := m.connect(ctx)
	if err != nil {
		return fmt.Errorf("cluster: coordination connection: %w", err)
	}
	bin, err := m.connect(ctx)
	if err != nil {
		_ = rdb.Close()
		return fmt.Errorf("cluster: binary connection: %w", err)
	}
	m.rdb, m.bin = rdb, bin

	m.bus = NewEventBus(rdb, m.cfg.KeyPrefix, m.cfg.AgentID, m.log.With().Str("component", "eventbus").Logger())
	m.registry = NewAgentRegistry(rdb, &m.cfg, m.log.With().Str("component", "registry").Logger())
	m.limiter = NewRateLimiter(rdb, m.cfg.KeyPrefix, m.log.With().Str("component", "ratelimit").Logger())
	m.memory = NewWorkingMemory(rdb, &m.cfg, m.log.With().Str("component", "workingmemory").Logger())
	m.index = NewMemoryIndex(rdb, bin, &m.cfg, m.log.With().Str("component", "memoryindex").Logger())
	m.tasks = NewTaskStream(rdb, &m.cfg, m.registry, m.log.With().Str("component", "taskstream").Logger())
	m.health = NewHealthMonitor(rdb, m.registry, m.bus, &m.cfg, m.log.With().Str("component", "health").Logger())
	m.election = NewElectionManager(rdb, m.registry, m.bus, m.memory, &m.cfg, m.log.With().Str("component", "election").Logger())
	m.metrics = NewMetrics(MetricsSources{
		Redis:    rdb,
		Registry: m.registry,
		Bus:      m.bus,
		Limiter:  m.limiter,
		Memory:   m.memory,
		Index:    m.index,
		Tasks:    m.tasks,
		Health:   m.health,
		Election: m.election,
	}, m.log.With().Str("component", "metrics").Logger())

	// Health and election form a cycle; resolve it here, after both
	// exist.
	m.health.SetFailoverCallback(func(targetID string, info AgentInfo) {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.election.TriggerElection(cctx, targetID, info)
	})

	steps := []struct {
		name  string
		start func(context.Context) error
	}{
		{"eventbus", m.bus.Start},
		{"registry", m.registry.Start},
		{"workingmemory", m.memory.Start},
		{"memoryindex", m.index.Start},
		{"taskstream", m.tasks.Start},
		{"health", m.health.Start},
		{"election", m.election.Start},
		{"metrics", m.metrics.Start},
	}
	for _, step := range steps {
		if err := step.start(ctx); err != nil {
			m.log.Error().Err(err).Str("subsystem", step.name).Msg("startup failed, rolling back")
			m.shutdown(ctx)
			return fmt.Errorf("cluster: start %s: %w", step.name, err)
		}
	}

	if _, err := m.bus.Publish(ctx, ChannelAgent, map[string]any{
		"type":     "agent_joined",
		"agent_id": m.cfg.AgentID,
		"role":     string(m.registry.Role()),
	}); err != nil {
		m.log.Warn().Err(err).Msg("failed to announce join")
	}

	m.started = true
	m.log.Info().
		Str("agent_id", m.cfg.AgentID).
		Str("role", string(m.registry.Role())).
		Str("prefix", m.cfg.KeyPrefix).
		Msg("cluster core started")
	return nil
}

func (m *Manager) connect(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(m.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if m.cfg.RedisPassword != "" {
		opts.Password = m.cfg.RedisPassword
	}
	if m.cfg.TLS != nil {
		opts.TLSConfig = m.cfg.TLS
	}
	opts.DialTimeout = brokerTimeout
	opts.ReadTimeout = brokerTimeout
	opts.WriteTimeout = brokerTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, brokerTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Stop drains, announces departure and shuts everything down in reverse
// order. Shutdown errors are logged, never returned.
func (m *Manager) Stop(ctx context.Context) {
	if !m.cfg.Enabled || m.rdb == nil {
		return
	}

	if m.started {
		if err := m.election.InitiateDrain(ctx, "shutdown"); err != nil {
			m.log.Warn().Err(err).Msg("drain failed")
		}
		if _, err := m.bus.Publish(ctx, ChannelAgent, map[string]any{
			"type":     "agent_leaving",
			"agent_id": m.cfg.AgentID,
		}); err != nil {
			m.log.Warn().Err(err).Msg("failed to announce departure")
		}
	}

	m.shutdown(ctx)
	m.started = false
	m.log.Info().Msg("cluster core stopped")
}

func (m *Manager) shutdown(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.Stop()
	}
	if m.election != nil {
		m.election.Stop()
	}
	if m.health != nil {
		m.health.Stop()
	}
	if m.tasks != nil {
		m.tasks.Stop()
	}
	if m.memory != nil {
		m.memory.Stop()
	}
	if m.registry != nil {
		m.registry.Stop(ctx)
	}
	if m.bus != nil {
		m.bus.Stop()
	}
	if m.bin != nil {
		_ = m.bin.Close()
	}
	if m.rdb != nil {
		_ = m.rdb.Close()
	}
}

// Enabled reports whether clustering is configured on.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// AgentID returns the configured agent identity.
func (m *Manager) AgentID() string { return m.cfg.AgentID }

// StoreSession writes session state for a conversation. No-op when
// clustering is disabled.
func (m *Manager) StoreSession(ctx context.Context, convID string, data map[string]any) error {
	if m.memory == nil {
		return nil
	}
	return m.memory.SetSession(ctx, convID, data, 0)
}

// GetSession reads session state for a conversation, nil when absent or
// when clustering is disabled.
func (m *Manager) GetSession(ctx context.Context, convID string) (map[string]any, error) {
	if m.memory == nil {
		return nil, nil
	}
	return m.memory.GetSession(ctx, convID)
}

// StoreMemory indexes a long-lived memory, returning its ID or "" when
// deduplicated. No-op when clustering is disabled.
func (m *Manager) StoreMemory(ctx context.Context, mem Memory) (string, error) {
	if m.index == nil {
		return "", nil
	}
	return m.index.Store(ctx, mem)
}

// SearchMemory runs a nearest-neighbor query, nil when clustering is
// disabled.
func (m *Manager) SearchMemory(ctx context.Context, embedding []float32, limit int, memoryType, sourceConv string) ([]MemoryHit, error) {
	if m.index == nil {
		return nil, nil
	}
	return m.index.Search(ctx, embedding, limit, memoryType, sourceConv)
}

// CheckRateLimit spends one unit against a cluster-wide quota. Always
// allows when clustering is disabled.
func (m *Manager) CheckRateLimit(ctx context.Context, resource string, limit int, window time.Duration) bool {
	if m.limiter == nil {
		return true
	}
	return m.limiter.Check(ctx, resource, limit, window, 1)
}

// PublishTask appends a task for any worker in the cluster.
func (m *Manager) PublishTask(ctx context.Context, taskType string, payload map[string]any, opts *PublishOptions) (string, error) {
	if m.tasks == nil {
		return "", ErrClusterDisabled
	}
	return m.tasks.Publish(ctx, taskType, payload, opts)
}

// RegisterHandler installs a task handler. No-op when clustering is
// disabled.
func (m *Manager) RegisterHandler(taskType string, h TaskHandler) {
	if m.tasks == nil {
		return
	}
	m.tasks.RegisterHandler(taskType, h)
}

// SetPromotionCallback installs the durable-tier sink for promoted
// working-memory items. No-op when clustering is disabled.
func (m *Manager) SetPromotionCallback(fn PromotionFunc) {
	if m.memory == nil {
		return
	}
	m.memory.SetPromotionCallback(fn)
}

// Status assembles the operator view. includeAgents controls whether
// the full registry listing is attached.
func (m *Manager) Status(ctx context.Context, includeAgents bool) ClusterStatus {
	status := ClusterStatus{Enabled: m.cfg.Enabled, AgentID: m.cfg.AgentID}
	if m.registry == nil {
		return status
	}

	status.Role = m.registry.Role()
	status.Status = m.registry.Status()
	status.LocalEpoch = m.registry.LocalEpoch()
	status.AcceptingWork = m.election.AcceptingWork()
	status.Draining = m.election.Draining()
	if includeAgents {
		if agents, err := m.registry.GetAll(ctx); err == nil {
			status.Agents = agents
		}
	}
	return status
}

// Component accessors. All return nil when clustering is disabled.

func (m *Manager) EventBus() *EventBus { return m.bus }

func (m *Manager) Registry() *AgentRegistry { return m.registry }

func (m *Manager) RateLimiter() *RateLimiter { return m.limiter }

func (m *Manager) WorkingMemory() *WorkingMemory { return m.memory }

func (m *Manager) MemoryIndex() *MemoryIndex { return m.index }

func (m *Manager) TaskStream() *TaskStream { return m.tasks }

func (m *Manager) Health() *HealthMonitor { return m.health }

func (m *Manager) Election() *ElectionManager { return m.election }

func (m *Manager) Metrics() *Metrics { return m.metrics }
