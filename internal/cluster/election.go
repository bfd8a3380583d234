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
	electionLockTTL    = 10 * time.Second
	electionPrimaryTTL = time.Hour
	scoreEpochWeight   = 1000
)

// releaseLockScript deletes the election lock only while we still own
// it. An unconditional DEL could release a lock some other agent
// acquired after ours expired.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// ElectionStats is a point-in-time counter snapshot.
type ElectionStats struct {
	Won  int64
	Lost int64
}

// ElectionManager serializes primary election behind a broker lock and
// fences every win with a monotonic epoch bump. Losing the lock race,
// meeting a better candidate or watching the target recover are all
// ordinary outcomes, returned as false.
//
// Election fails closed: no lock, no election. A delayed failover beats
// a split brain.
type ElectionManager struct {
	rdb      *redis.Client
	registry *AgentRegistry
	bus      *EventBus
	memory   *WorkingMemory
	keys     keyspace
	cfg      *Config
	log      zerolog.Logger

	mu           sync.Mutex
	inProgress   bool
	lastElection time.Time
	draining     bool

	acceptingWork atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	won  atomic.Int64
	lost atomic.Int64
}

// NewElectionManager creates the election coordinator for this agent.
func NewElectionManager(rdb *redis.Client, registry *AgentRegistry, bus *EventBus, memory *WorkingMemory, cfg *Config, log zerolog.Logger) *ElectionManager {
	e := &ElectionManager{
		rdb:      rdb,
		registry: registry,
		bus:      bus,
		memory:   memory,
		keys:     keyspace{prefix: cfg.KeyPrefix},
		cfg:      cfg,
		log:      log,
		stopCh:   make(chan struct{}),
	}
	e.acceptingWork.Store(true)
	return e
}

// Start subscribes to election announcements and launches the watcher
// that handles demotion and the min-secondaries guard.
func (e *ElectionManager) Start(ctx context.Context) error {
	if err := e.bus.Subscribe(ChannelConfig, e.onConfigEvent); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.watchLoop()
	return nil
}

// Stop halts the watcher.
func (e *ElectionManager) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *ElectionManager) watchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.resolveDualPrimary(ctx)
			e.checkDemotion(ctx)
			e.checkSecondaries(ctx)
			cancel()
		}
	}
}

// TriggerElection runs the election state machine for a failed primary.
// Returns true only when this agent promoted itself.
func (e *ElectionManager) TriggerElection(ctx context.Context, failedID string, failedInfo AgentInfo) bool {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		e.log.Debug().Msg("election already in progress")
		return false
	}
	if time.Since(e.lastElection) < e.cfg.ElectionTimeout {
		e.mu.Unlock()
		e.log.Debug().Msg("election debounced")
		return false
	}
	e.inProgress = true
	e.lastElection = time.Now()
	draining := e.draining
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	acquired, err := e.rdb.SetNX(ctx, e.keys.electionLock(), e.registry.AgentID(), electionLockTTL).Result()
	if err != nil {
		e.log.Warn().Err(err).Msg("election lock unavailable")
		return false
	}
	if !acquired {
		e.log.Info().Str("failed_primary", failedID).Msg("another agent is running the election")
		return false
	}
	defer e.releaseLock(ctx)

	// A recovered primary aborts the election.
	if target, err := e.registry.GetAgent(ctx, failedID); err == nil && target.Healthy {
		e.log.Info().Str("target", failedID).Msg("primary recovered, aborting election")
		return false
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		e.log.Warn().Err(err).Msg("could not re-verify failed primary")
		return false
	}

	if !e.eligible(draining) {
		e.log.Info().Str("role", string(e.registry.Role())).Msg("not eligible for promotion")
		return false
	}

	globalEpoch, err := e.registry.GlobalEpoch(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not read global epoch")
		return false
	}
	myScore := candidateScore(globalEpoch, e.registry.LocalEpoch(), e.registry.CurrentLoad())

	if better, id := e.betterCandidate(ctx, globalEpoch, myScore, failedID); better {
		e.lost.Add(1)
		e.log.Info().
			Str("better_candidate", id).
			Int64("my_score", myScore).
			Msg("yielding election to better candidate")
		return false
	}

	return e.promote(ctx, failedID)
}

func (e *ElectionManager) eligible(draining bool) bool {
	role := e.registry.Role()
	switch role {
	case RoleSecondary, RoleStandby, RoleAuto:
	default:
		return false
	}
	if e.registry.Status() != StatusActive || draining {
		return false
	}
	return e.registry.CurrentLoad() < e.cfg.MaxLoad
}

// candidateScore ranks candidates: staleness dominates, load breaks
// ties among equally-synced agents. Lower wins.
func candidateScore(globalEpoch, localEpoch int64, load int) int64 {
	return (globalEpoch-localEpoch)*scoreEpochWeight + int64(load)
}

// betterCandidate scans peer records for a strictly better score. Peer
// loads are whatever the registry last saw; there is no barrier waiting
// for peers to refresh after the failure.
func (e *ElectionManager) betterCandidate(ctx context.Context, globalEpoch, myScore int64, failedID string) (bool, string) {
	agents, err := e.registry.GetAll(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not enumerate candidates")
		return false, ""
	}

	selfID := e.registry.AgentID()
	for _, a := range agents {
		if a.IsSelf || a.ID == failedID || !a.Healthy || a.Status != StatusActive {
			continue
		}
		if a.Role != RoleSecondary && a.Role != RoleStandby {
			continue
		}
		score := candidateScore(globalEpoch, a.ConfigEpoch, a.CurrentLoad)
		if score < myScore || (score == myScore && a.ID < selfID) {
			return true, a.ID
		}
	}
	return false, ""
}

// promote performs the fenced promotion. Any failure past the epoch
// bump rolls the role back; the burned epoch is harmless.
func (e *ElectionManager) promote(ctx context.Context, failedID string) bool {
	newEpoch, err := e.registry.IncrementEpoch(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("epoch increment failed, aborting promotion")
		return false
	}

	if err := e.registry.SetRole(ctx, RolePrimary); err != nil {
		e.log.Error().Err(err).Msg("role write failed, aborting promotion")
		return false
	}

	if err := e.rdb.Set(ctx, e.keys.electionPrimary(), e.registry.AgentID(), electionPrimaryTTL).Err(); err != nil {
		e.rollback(ctx)
		return false
	}

	if _, err := e.bus.Publish(ctx, ChannelConfig, map[string]any{
		"type":         "primary_elected",
		"new_primary":  e.registry.AgentID(),
		"old_primary":  failedID,
		"config_epoch": newEpoch,
	}); err != nil {
		e.log.Warn().Err(err).Msg("failed to announce election win")
	}

	e.reassignWork(ctx, failedID)
	e.won.Add(1)
	e.log.Info().
		Int64("epoch", newEpoch).
		Str("old_primary", failedID).
		Msg("promoted to primary")
	return true
}

func (e *ElectionManager) rollback(ctx context.Context) {
	if err := e.registry.SetRole(ctx, RoleSecondary); err != nil {
		e.log.Error().Err(err).Msg("promotion rollback failed")
	}
}

// reassignWork adopts the failed primary's conversation claims. Stream
// entries need no transfer here; the claim loop reclaims them on idle.
func (e *ElectionManager) reassignWork(ctx context.Context, failedID string) {
	if e.memory == nil {
		return
	}
	claims, err := e.memory.GetAgentWork(ctx, failedID)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not read failed primary's work")
		return
	}
	for _, claim := range claims {
		if err := e.memory.ClaimWork(ctx, claim.ConvID, claim.TaskType); err != nil {
			e.log.Warn().Err(err).Str("conv_id", claim.ConvID).Msg("work transfer failed")
		}
	}
	if len(claims) > 0 {
		if err := e.rdb.Del(ctx, e.keys.agentWork(failedID)).Err(); err != nil {
			e.log.Debug().Err(err).Msg("could not clear failed primary's work hash")
		}
		e.log.Info().Int("claims", len(claims)).Str("from", failedID).Msg("transferred conversation ownership")
	}
}

func (e *ElectionManager) releaseLock(ctx context.Context) {
	if err := releaseLockScript.Run(ctx, e.rdb, []string{e.keys.electionLock()}, e.registry.AgentID()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		e.log.Debug().Err(err).Msg("election lock release failed")
	}
}

func (e *ElectionManager) onConfigEvent(ctx context.Context, event map[string]any) error {
	if evType, _ := event["type"].(string); evType != "primary_elected" {
		return nil
	}
	e.checkDemotion(ctx)
	return nil
}

// checkDemotion is the split-brain healer: observing a higher global
// epoch while someone else is the recorded primary means this agent's
// primacy is stale.
func (e *ElectionManager) checkDemotion(ctx context.Context) {
	globalEpoch, err := e.registry.GlobalEpoch(ctx)
	if err != nil {
		return
	}
	localEpoch := e.registry.LocalEpoch()
	if globalEpoch <= localEpoch {
		return
	}

	primaryID, err := e.rdb.Get(ctx, e.keys.electionPrimary()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}

	if e.registry.Role() == RolePrimary && primaryID != e.registry.AgentID() {
		if err := e.registry.SetRole(ctx, RoleSecondary); err != nil {
			e.log.Error().Err(err).Msg("demotion role write failed")
			return
		}
		e.log.Warn().
			Int64("local_epoch", localEpoch).
			Int64("global_epoch", globalEpoch).
			Str("current_primary", primaryID).
			Msg("demoted: newer epoch observed")
		if _, err := e.bus.Publish(ctx, ChannelAgent, map[string]any{
			"type":         "agent_demoted",
			"agent_id":     e.registry.AgentID(),
			"config_epoch": globalEpoch,
		}); err != nil {
			e.log.Warn().Err(err).Msg("failed to announce demotion")
		}
	}

	e.registry.SyncEpoch(ctx, globalEpoch)
}

// resolveDualPrimary settles concurrent auto-start claims. Epoch
// fencing cannot separate two fresh primaries with equal epochs, so
// the lexicographically smaller ID keeps the role and the other steps
// down on its next sweep.
func (e *ElectionManager) resolveDualPrimary(ctx context.Context) {
	if e.registry.Role() != RolePrimary {
		return
	}
	agents, err := e.registry.GetAll(ctx)
	if err != nil {
		return
	}
	selfID := e.registry.AgentID()
	for _, a := range agents {
		if a.IsSelf || a.Role != RolePrimary || a.Status != StatusActive || !a.Healthy {
			continue
		}
		if a.ID < selfID {
			if err := e.registry.SetRole(ctx, RoleSecondary); err != nil {
				e.log.Error().Err(err).Msg("dual primary role write failed")
				return
			}
			e.log.Warn().
				Str("surviving_primary", a.ID).
				Msg("demoted: concurrent primary with smaller id")
			if _, err := e.bus.Publish(ctx, ChannelAgent, map[string]any{
				"type":     "agent_demoted",
				"agent_id": selfID,
				"reason":   "dual_primary",
			}); err != nil {
				e.log.Warn().Err(err).Msg("failed to announce demotion")
			}
			return
		}
	}
}

// checkSecondaries maintains the min-secondaries guard on the primary.
// Running under quota only pauses intake; it never steps the primary
// down.
func (e *ElectionManager) checkSecondaries(ctx context.Context) {
	if e.registry.Role() != RolePrimary {
		e.acceptingWork.Store(true)
		return
	}

	agents, err := e.registry.GetAll(ctx)
	if err != nil {
		return
	}
	healthy := 0
	for _, a := range agents {
		if a.Role == RoleSecondary && a.Healthy && a.Status == StatusActive {
			healthy++
		}
	}

	ok := healthy >= e.cfg.MinSecondaries
	was := e.acceptingWork.Swap(ok)
	if was && !ok {
		e.log.Warn().
			Int("healthy_secondaries", healthy).
			Int("min_secondaries", e.cfg.MinSecondaries).
			Msg("below secondary quota, pausing new work")
	} else if !was && ok {
		e.log.Info().Int("healthy_secondaries", healthy).Msg("secondary quota restored")
	}
}

// AcceptingWork reports whether the primary currently takes new work.
// Non-primaries always report true.
func (e *ElectionManager) AcceptingWork() bool {
	return e.acceptingWork.Load()
}

// InitiateDrain begins a graceful exit. A draining primary demotes
// itself before announcing, so a replacement election can start while
// this process finishes up. Work claims are released so peers can adopt
// the conversations.
func (e *ElectionManager) InitiateDrain(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	e.mu.Unlock()

	if err := e.registry.SetStatus(ctx, StatusDraining); err != nil {
		e.log.Warn().Err(err).Msg("could not mark draining")
	}

	if e.registry.Role() == RolePrimary {
		if err := e.registry.SetRole(ctx, RoleSecondary); err != nil {
			e.log.Warn().Err(err).Msg("drain demotion failed")
		}
		if _, err := e.bus.Publish(ctx, ChannelConfig, map[string]any{
			"type":        "primary_draining",
			"old_primary": e.registry.AgentID(),
			"reason":      reason,
		}); err != nil {
			e.log.Warn().Err(err).Msg("failed to announce primary drain")
		}
	}

	if _, err := e.bus.Publish(ctx, ChannelAgent, map[string]any{
		"type":     "agent_draining",
		"agent_id": e.registry.AgentID(),
		"reason":   reason,
	}); err != nil {
		e.log.Warn().Err(err).Msg("failed to announce drain")
	}

	if e.memory != nil {
		if err := e.memory.ReleaseAllWork(ctx); err != nil {
			e.log.Warn().Err(err).Msg("failed to release work claims")
		}
	}

	e.log.Info().Str("reason", reason).Msg("drain initiated")
	return nil
}

// Draining reports whether a drain has begun.
func (e *ElectionManager) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// Stats returns current election counters.
func (e *ElectionManager) Stats() ElectionStats {
	return ElectionStats{Won: e.won.Load(), Lost: e.lost.Load()}
}
