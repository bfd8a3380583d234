package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	voteStaleness = 30 * time.Second
	voteKeyTTL    = 60 * time.Second
)

// FailoverFunc is invoked when a primary is declared objectively down.
type FailoverFunc func(targetID string, info AgentInfo)

// HealthStats is a point-in-time counter snapshot.
type HealthStats struct {
	Checks       int64
	SdownTotal   int64
	OdownTotal   int64
	CurrentSdown int
}

// HealthMonitor is the two-phase failure detector. Each agent forms a
// subjective opinion (SDOWN) from missed heartbeats and shares it by
// voting; a quorum of votes promotes the opinion to objective (ODOWN),
// which for a primary triggers failover.
//
// A single vote never causes action. A lone agent never declares
// anything down.
type HealthMonitor struct {
	rdb      *redis.Client
	registry *AgentRegistry
	bus      *EventBus
	keys     keyspace
	cfg      *Config
	log      zerolog.Logger

	mu    sync.Mutex
	sdown map[string]int64 // target -> unix seconds first marked
	odown map[string]bool

	failoverMu sync.RWMutex
	failover   FailoverFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	checks     atomic.Int64
	sdownTotal atomic.Int64
	odownTotal atomic.Int64
}

// NewHealthMonitor creates a monitor observing the registry and
// signaling on the bus.
func NewHealthMonitor(rdb *redis.Client, registry *AgentRegistry, bus *EventBus, cfg *Config, log zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		rdb:      rdb,
		registry: registry,
		bus:      bus,
		keys:     keyspace{prefix: cfg.KeyPrefix},
		cfg:      cfg,
		log:      log,
		sdown:    make(map[string]int64),
		odown:    make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// SetFailoverCallback late-binds the election trigger. Called once by
// the supervisor before Start.
func (h *HealthMonitor) SetFailoverCallback(fn FailoverFunc) {
	h.failoverMu.Lock()
	h.failover = fn
	h.failoverMu.Unlock()
}

// Start subscribes to peer votes and launches the monitor loop.
func (h *HealthMonitor) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(ChannelHealth, h.onHealthEvent); err != nil {
		return err
	}
	h.wg.Add(1)
	go h.monitorLoop()
	return nil
}

// Stop halts the monitor loop.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *HealthMonitor) monitorLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			h.checkPeers(ctx)
			cancel()
		}
	}
}

func (h *HealthMonitor) checkPeers(ctx context.Context) {
	h.checks.Add(1)

	agents, err := h.registry.GetAll(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("health check could not list agents")
		return
	}

	present := make(map[string]bool, len(agents))
	for _, agent := range agents {
		present[agent.ID] = true
		if agent.IsSelf {
			continue
		}
		if agent.Status == StatusStopped || agent.Status == StatusFailed {
			continue
		}
		if agent.MissedHeartbeats >= h.cfg.FailureThreshold {
			h.markSdown(ctx, agent, agents)
		} else {
			h.clearSdown(ctx, agent)
		}
	}

	// Records that decayed entirely need no recovery event.
	h.mu.Lock()
	for id := range h.sdown {
		if !present[id] {
			delete(h.sdown, id)
			delete(h.odown, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) markSdown(ctx context.Context, target AgentInfo, agents []AgentInfo) {
	h.mu.Lock()
	_, already := h.sdown[target.ID]
	if !already {
		h.sdown[target.ID] = time.Now().Unix()
	}
	h.mu.Unlock()

	if already {
		h.checkOdown(ctx, target, agents)
		return
	}

	h.sdownTotal.Add(1)
	h.log.Warn().
		Str("target", target.ID).
		Int("missed", target.MissedHeartbeats).
		Msg("peer subjectively down")

	if _, err := h.bus.Publish(ctx, ChannelHealth, map[string]any{
		"type":   "agent_sdown",
		"target": target.ID,
		"missed": target.MissedHeartbeats,
	}); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish sdown")
	}

	h.castVote(ctx, target.ID)
	h.checkOdown(ctx, target, agents)
}

func (h *HealthMonitor) clearSdown(ctx context.Context, target AgentInfo) {
	h.mu.Lock()
	_, wasDown := h.sdown[target.ID]
	if wasDown {
		delete(h.sdown, target.ID)
		delete(h.odown, target.ID)
	}
	h.mu.Unlock()

	if !wasDown {
		return
	}

	if err := h.rdb.ZRem(ctx, h.keys.votes(target.ID), h.registry.AgentID()).Err(); err != nil {
		h.log.Debug().Err(err).Msg("failed to retract vote")
	}
	h.log.Info().Str("target", target.ID).Msg("peer recovered")
	if _, err := h.bus.Publish(ctx, ChannelHealth, map[string]any{
		"type":   "agent_recovered",
		"target": target.ID,
	}); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish recovery")
	}
}

// castVote adds this agent to the target's vote set and trims entries
// past the staleness horizon so dead agents' opinions stop counting.
func (h *HealthMonitor) castVote(ctx context.Context, targetID string) {
	now := time.Now()
	key := h.keys.votes(targetID)

	pipe := h.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: h.registry.AgentID()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", itoa(now.Add(-voteStaleness).Unix()))
	pipe.Expire(ctx, key, voteKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Str("target", targetID).Msg("failed to cast vote")
	}
}

// onHealthEvent receives peers' subjective opinions. We only ever vote
// on our own evidence: the target's heartbeat is re-read and a vote is
// cast solely when we agree it is stale.
func (h *HealthMonitor) onHealthEvent(ctx context.Context, event map[string]any) error {
	evType, _ := event["type"].(string)
	if evType != "agent_sdown" {
		return nil
	}
	targetID, _ := event["target"].(string)
	if targetID == "" || targetID == h.registry.AgentID() {
		return nil
	}

	target, err := h.registry.GetAgent(ctx, targetID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
	if target.MissedHeartbeats < h.cfg.FailureThreshold {
		return nil
	}

	agents, err := h.registry.GetAll(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if _, already := h.sdown[target.ID]; !already {
		h.sdown[target.ID] = time.Now().Unix()
		h.sdownTotal.Add(1)
	}
	h.mu.Unlock()

	h.castVote(ctx, targetID)
	h.checkOdown(ctx, target, agents)
	return nil
}

// checkOdown promotes SDOWN to ODOWN when a quorum of active agents
// voted. Quorum is floor(active/2)+1 with stopped agents excluded, and
// a cluster of one can never reach it.
func (h *HealthMonitor) checkOdown(ctx context.Context, target AgentInfo, agents []AgentInfo) {
	key := h.keys.votes(target.ID)
	now := time.Now()

	if err := h.rdb.ZRemRangeByScore(ctx, key, "-inf", itoa(now.Add(-voteStaleness).Unix())).Err(); err != nil {
		h.log.Debug().Err(err).Msg("vote trim failed")
	}
	votes, err := h.rdb.ZCard(ctx, key).Result()
	if err != nil {
		h.log.Warn().Err(err).Str("target", target.ID).Msg("vote count failed")
		return
	}

	active := 0
	for _, a := range agents {
		if a.Status != StatusStopped {
			active++
		}
	}
	quorum := active/2 + 1

	if active < 2 || votes < int64(quorum) {
		return
	}

	h.mu.Lock()
	if h.odown[target.ID] {
		h.mu.Unlock()
		return
	}
	h.odown[target.ID] = true
	h.mu.Unlock()

	h.odownTotal.Add(1)
	h.log.Error().
		Str("target", target.ID).
		Int64("votes", votes).
		Int("quorum", quorum).
		Msg("peer objectively down")

	// Scribble failed into the target's record so the whole mesh sees
	// it. The TTL is re-armed so the record still decays, and the owner
	// reasserts its real status on its next heartbeat if it comes back.
	pipe := h.rdb.Pipeline()
	pipe.HSet(ctx, h.keys.agent(target.ID), "status", string(StatusFailed))
	pipe.Expire(ctx, h.keys.agent(target.ID), h.cfg.AgentTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Str("target", target.ID).Msg("could not mark peer failed")
	}

	if _, err := h.bus.Publish(ctx, ChannelHealth, map[string]any{
		"type":   "agent_odown",
		"target": target.ID,
		"votes":  votes,
		"quorum": quorum,
	}); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish odown")
	}

	if target.Role == RolePrimary {
		h.failoverMu.RLock()
		failover := h.failover
		h.failoverMu.RUnlock()
		if failover != nil {
			go failover(target.ID, target)
		}
	}
}

// IsSdown reports this agent's current subjective opinion of a peer.
func (h *HealthMonitor) IsSdown(targetID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, down := h.sdown[targetID]
	return down
}

// Stats returns current detector counters.
func (h *HealthMonitor) Stats() HealthStats {
	h.mu.Lock()
	current := len(h.sdown)
	h.mu.Unlock()
	return HealthStats{
		Checks:       h.checks.Load(),
		SdownTotal:   h.sdownTotal.Load(),
		OdownTotal:   h.odownTotal.Load(),
		CurrentSdown: current,
	}
}
