package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AgentInfo is the parsed view of one agent record plus fields computed
// at read time.
type AgentInfo struct {
	ID            string   `json:"id"`
	Role          Role     `json:"role"`
	Status        Status   `json:"status"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Models        []string `json:"models,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	CurrentLoad   int      `json:"current_load"`
	MaxLoad       int      `json:"max_load"`
	LastHeartbeat int64    `json:"last_heartbeat"`
	StartedAt     int64    `json:"started_at"`
	ConfigEpoch   int64    `json:"config_epoch"`

	MissedHeartbeats int  `json:"missed_heartbeats"`
	Healthy          bool `json:"healthy"`
	IsSelf           bool `json:"is_self"`
}

// AgentRegistry registers this process in the broker, keeps its record
// alive via heartbeats, answers discovery queries and anchors the
// config-epoch counter used for election fencing.
//
// The owner is the sole writer of its own record. The one exception is
// election, where a winner may transition records it won.
type AgentRegistry struct {
	rdb  *redis.Client
	keys keyspace
	cfg  *Config
	log  zerolog.Logger

	mu          sync.RWMutex
	role        Role
	status      Status
	currentLoad int
	localEpoch  int64
	startedAt   int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAgentRegistry creates a registry for the configured agent identity.
func NewAgentRegistry(rdb *redis.Client, cfg *Config, log zerolog.Logger) *AgentRegistry {
	return &AgentRegistry{
		rdb:    rdb,
		keys:   keyspace{prefix: cfg.KeyPrefix},
		cfg:    cfg,
		log:    log,
		role:   cfg.Role,
		status: StatusStarting,
		stopCh: make(chan struct{}),
	}
}

// Start resolves the starting role, initializes the epoch view, writes
// the full record and launches the heartbeat loop.
//
// With role=auto: claim primary when no healthy primary exists,
// otherwise join as secondary. Two simultaneous starters may both claim
// primary; the lexicographically-smaller ID survives the next epoch
// check and the transient is hidden within two heartbeats.
func (r *AgentRegistry) Start(ctx context.Context) error {
	role := r.cfg.Role
	if role == RoleAuto {
		peers, err := r.GetAll(ctx)
		if err != nil {
			return fmt.Errorf("registry: enumerate peers: %w", err)
		}
		role = RoleSecondary
		if !hasHealthyPrimary(peers) {
			role = RolePrimary
		}
	}

	epoch, err := r.GlobalEpoch(ctx)
	if err != nil {
		return fmt.Errorf("registry: read config epoch: %w", err)
	}

	r.mu.Lock()
	r.role = role
	r.status = StatusActive
	r.localEpoch = epoch
	r.startedAt = time.Now().Unix()
	r.mu.Unlock()

	if err := r.writeRecord(ctx); err != nil {
		return fmt.Errorf("registry: write record: %w", err)
	}

	r.wg.Add(1)
	go r.heartbeatLoop()

	r.log.Info().Str("role", string(role)).Int64("epoch", epoch).Msg("agent registered")
	return nil
}

// Stop cancels the heartbeat loop, marks the record stopped and lets it
// decay on a short TTL.
func (r *AgentRegistry) Stop(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	r.status = StatusStopped
	r.mu.Unlock()

	key := r.keys.agent(r.cfg.AgentID)
	if err := r.rdb.HSet(ctx, key, "status", string(StatusStopped)).Err(); err != nil {
		r.log.Warn().Err(err).Msg("failed to mark record stopped")
		return
	}
	_ = r.rdb.Expire(ctx, key, 30*time.Second).Err()
}

func (r *AgentRegistry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Heartbeat(ctx); err != nil {
				r.log.Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		}
	}
}

// Heartbeat refreshes liveness fields and re-arms the record TTL.
func (r *AgentRegistry) Heartbeat(ctx context.Context) error {
	r.mu.RLock()
	load := r.currentLoad
	epoch := r.localEpoch
	status := r.status
	r.mu.RUnlock()

	// Status is reasserted every beat: a peer may have written "failed"
	// into this record during an outage, and the owner is the authority
	// on its own state.
	key := r.keys.agent(r.cfg.AgentID)
	if err := r.rdb.HSet(ctx, key,
		"last_heartbeat", time.Now().Unix(),
		"current_load", load,
		"config_epoch", epoch,
		"status", string(status),
	).Err(); err != nil {
		return err
	}
	return r.rdb.Expire(ctx, key, r.cfg.AgentTTL()).Err()
}

// writeRecord writes the complete record and arms its TTL.
func (r *AgentRegistry) writeRecord(ctx context.Context) error {
	r.mu.RLock()
	info := r.selfLocked()
	r.mu.RUnlock()

	models, _ := json.Marshal(info.Models)
	caps, _ := json.Marshal(info.Capabilities)

	key := r.keys.agent(info.ID)
	if err := r.rdb.HSet(ctx, key,
		"id", info.ID,
		"role", string(info.Role),
		"status", string(info.Status),
		"host", info.Host,
		"port", info.Port,
		"models", string(models),
		"capabilities", string(caps),
		"current_load", info.CurrentLoad,
		"max_load", info.MaxLoad,
		"last_heartbeat", time.Now().Unix(),
		"started_at", info.StartedAt,
		"config_epoch", info.ConfigEpoch,
	).Err(); err != nil {
		return err
	}
	return r.rdb.Expire(ctx, key, r.cfg.AgentTTL()).Err()
}

// GetAll scans every agent record, parses it and augments it with
// computed health fields. Sorted primary first, then by ID.
func (r *AgentRegistry) GetAll(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo

	iter := r.rdb.Scan(ctx, 0, r.keys.agentPattern(), 100).Iterator()
	now := time.Now().Unix()
	for iter.Next(ctx) {
		fields, err := r.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		info, err := r.parseRecord(fields, now)
		if err != nil {
			r.log.Debug().Err(err).Str("key", iter.Val()).Msg("skipping malformed agent record")
			continue
		}
		agents = append(agents, info)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(agents, func(i, j int) bool {
		pi, pj := agents[i].Role == RolePrimary, agents[j].Role == RolePrimary
		if pi != pj {
			return pi
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// GetAgent reads one agent's record directly, ErrNotFound when it has
// decayed.
func (r *AgentRegistry) GetAgent(ctx context.Context, agentID string) (AgentInfo, error) {
	fields, err := r.rdb.HGetAll(ctx, r.keys.agent(agentID)).Result()
	if err != nil {
		return AgentInfo{}, err
	}
	if len(fields) == 0 {
		return AgentInfo{}, ErrNotFound
	}
	return r.parseRecord(fields, time.Now().Unix())
}

func (r *AgentRegistry) parseRecord(fields map[string]string, now int64) (AgentInfo, error) {
	if fields["id"] == "" {
		return AgentInfo{}, errors.New("record missing id")
	}

	info := AgentInfo{
		ID:     fields["id"],
		Role:   Role(fields["role"]),
		Status: Status(fields["status"]),
		Host:   fields["host"],
	}
	info.Port, _ = strconv.Atoi(fields["port"])
	info.CurrentLoad, _ = strconv.Atoi(fields["current_load"])
	info.MaxLoad, _ = strconv.Atoi(fields["max_load"])
	info.LastHeartbeat, _ = strconv.ParseInt(fields["last_heartbeat"], 10, 64)
	info.StartedAt, _ = strconv.ParseInt(fields["started_at"], 10, 64)
	info.ConfigEpoch, _ = strconv.ParseInt(fields["config_epoch"], 10, 64)
	if v := fields["models"]; v != "" {
		_ = json.Unmarshal([]byte(v), &info.Models)
	}
	if v := fields["capabilities"]; v != "" {
		_ = json.Unmarshal([]byte(v), &info.Capabilities)
	}

	interval := int64(r.cfg.HeartbeatInterval / time.Second)
	if interval <= 0 {
		interval = 1
	}
	elapsed := now - info.LastHeartbeat
	if elapsed < 0 {
		elapsed = 0
	}
	info.MissedHeartbeats = int(elapsed / interval)
	info.Healthy = info.MissedHeartbeats < r.cfg.FailureThreshold
	info.IsSelf = info.ID == r.cfg.AgentID
	return info, nil
}

// SetRole writes a new role for this agent. Legitimacy (election win,
// demotion) is the caller's concern.
func (r *AgentRegistry) SetRole(ctx context.Context, role Role) error {
	r.mu.Lock()
	r.role = role
	r.mu.Unlock()
	return r.rdb.HSet(ctx, r.keys.agent(r.cfg.AgentID), "role", string(role)).Err()
}

// SetStatus transitions this agent's lifecycle state.
func (r *AgentRegistry) SetStatus(ctx context.Context, status Status) error {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	return r.rdb.HSet(ctx, r.keys.agent(r.cfg.AgentID), "status", string(status)).Err()
}

// IncrementEpoch atomically bumps the global config epoch and syncs the
// local view. The returned value is the fencing token for the election
// that called this.
func (r *AgentRegistry) IncrementEpoch(ctx context.Context) (int64, error) {
	epoch, err := r.rdb.Incr(ctx, r.keys.configEpoch()).Result()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.localEpoch = epoch
	r.mu.Unlock()
	if err := r.rdb.HSet(ctx, r.keys.agent(r.cfg.AgentID), "config_epoch", epoch).Err(); err != nil {
		r.log.Warn().Err(err).Msg("failed to sync epoch into record")
	}
	return epoch, nil
}

// GlobalEpoch reads the cluster-wide epoch counter, 0 when unset.
func (r *AgentRegistry) GlobalEpoch(ctx context.Context) (int64, error) {
	val, err := r.rdb.Get(ctx, r.keys.configEpoch()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// SyncEpoch adopts an externally-observed epoch as the local view.
func (r *AgentRegistry) SyncEpoch(ctx context.Context, epoch int64) {
	r.mu.Lock()
	r.localEpoch = epoch
	r.mu.Unlock()
	if err := r.rdb.HSet(ctx, r.keys.agent(r.cfg.AgentID), "config_epoch", epoch).Err(); err != nil {
		r.log.Warn().Err(err).Msg("failed to sync epoch into record")
	}
}

// UpdateLoad applies a work-unit delta, clamped at zero, and mirrors it
// into the record.
func (r *AgentRegistry) UpdateLoad(ctx context.Context, delta int) int {
	r.mu.Lock()
	r.currentLoad += delta
	if r.currentLoad < 0 {
		r.currentLoad = 0
	}
	load := r.currentLoad
	r.mu.Unlock()

	if err := r.rdb.HSet(ctx, r.keys.agent(r.cfg.AgentID), "current_load", load).Err(); err != nil {
		r.log.Warn().Err(err).Msg("failed to write current_load")
	}
	return load
}

// Self returns a snapshot of this agent's record as locally known.
func (r *AgentRegistry) Self() AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfLocked()
}

func (r *AgentRegistry) selfLocked() AgentInfo {
	return AgentInfo{
		ID:           r.cfg.AgentID,
		Role:         r.role,
		Status:       r.status,
		Host:         r.cfg.Host,
		Port:         r.cfg.Port,
		Models:       r.cfg.Models,
		Capabilities: r.cfg.Capabilities,
		CurrentLoad:  r.currentLoad,
		MaxLoad:      r.cfg.MaxLoad,
		StartedAt:    r.startedAt,
		ConfigEpoch:  r.localEpoch,
		IsSelf:       true,
		Healthy:      true,
	}
}

// AgentID returns this agent's identifier.
func (r *AgentRegistry) AgentID() string { return r.cfg.AgentID }

// Role returns the locally-known role.
func (r *AgentRegistry) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

// Status returns the locally-known lifecycle state.
func (r *AgentRegistry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CurrentLoad returns the locally-known load counter.
func (r *AgentRegistry) CurrentLoad() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentLoad
}

// LocalEpoch returns the last epoch this agent synced.
func (r *AgentRegistry) LocalEpoch() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localEpoch
}

func hasHealthyPrimary(agents []AgentInfo) bool {
	for _, a := range agents {
		if a.Role == RolePrimary && a.Status == StatusActive && a.Healthy {
			return true
		}
	}
	return false
}
