package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const promotionFlushInterval = 30 * time.Second

// WorkClaim records which agent is handling a conversation.
type WorkClaim struct {
	ConvID    string `json:"conv_id"`
	TaskType  string `json:"task_type"`
	StartedAt int64  `json:"started_at"`
	AgentID   string `json:"agent_id"`
}

// PromotionItem is one queued candidate for long-term storage.
type PromotionItem struct {
	Data     map[string]any
	QueuedAt time.Time
	Hash     string
}

// PromotionFunc persists one item to the slower tier. It must be
// idempotent: the hash gate reduces duplicates but the delayed flush
// cannot eliminate them.
type PromotionFunc func(ctx context.Context, item PromotionItem) error

// WorkingMemoryStats is a point-in-time counter snapshot.
type WorkingMemoryStats struct {
	Reads      int64
	Writes     int64
	Promotions int64
	Evictions  int64
	QueueDepth int
}

// WorkingMemory is the ephemeral cross-agent session cache: TTL-scoped
// session blobs, work-claim tracking for failover handoff, and a
// promotion queue feeding durable storage after a debounce delay.
type WorkingMemory struct {
	rdb  *redis.Client
	keys keyspace
	cfg  *Config
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	queue    []PromotionItem
	queued   map[string]struct{}
	callback PromotionFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	reads      atomic.Int64
	writes     atomic.Int64
	promotions atomic.Int64
	evictions  atomic.Int64
}

// NewWorkingMemory creates the session cache for this agent.
func NewWorkingMemory(rdb *redis.Client, cfg *Config, log zerolog.Logger) *WorkingMemory {
	return &WorkingMemory{
		rdb:    rdb,
		keys:   keyspace{prefix: cfg.KeyPrefix},
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		queued: make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start launches the promotion loop.
func (w *WorkingMemory) Start(ctx context.Context) error {
	w.wg.Add(1)
	go w.promotionLoop()
	return nil
}

// Stop halts the promotion loop. Queued items not yet due stay local
// and are lost with the process.
func (w *WorkingMemory) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// SetPromotionCallback installs the durable-tier sink. Set once at boot.
func (w *WorkingMemory) SetPromotionCallback(fn PromotionFunc) {
	w.mu.Lock()
	w.callback = fn
	w.mu.Unlock()
}

// SetSession overwrites a session blob and refreshes its active-set
// score. ttl <= 0 uses the configured session TTL.
func (w *WorkingMemory) SetSession(ctx context.Context, convID string, data map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = w.cfg.SessionTTL
	}

	payload := make(map[string]any, len(data)+3)
	for k, v := range data {
		payload[k] = v
	}
	now := w.now()
	payload["_updated_at"] = now.Unix()
	payload["_agent_id"] = w.cfg.AgentID
	payload["_conv_id"] = convID

	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	pipe := w.rdb.Pipeline()
	pipe.Set(ctx, w.keys.session(convID), blob, ttl)
	pipe.ZAdd(ctx, w.keys.sessionsActive(), redis.Z{Score: float64(now.Unix()), Member: convID})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	w.writes.Add(1)
	return nil
}

// GetSession returns the parsed session blob, or nil when absent.
func (w *WorkingMemory) GetSession(ctx context.Context, convID string) (map[string]any, error) {
	val, err := w.rdb.Get(ctx, w.keys.session(convID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, err
	}
	w.reads.Add(1)
	return data, nil
}

// UpdateSession merges patch into an existing session, preserving its
// TTL. Returns false when the session does not exist; there is no
// upsert here.
func (w *WorkingMemory) UpdateSession(ctx context.Context, convID string, patch map[string]any) (bool, error) {
	key := w.keys.session(convID)
	val, err := w.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return false, err
	}
	for k, v := range patch {
		data[k] = v
	}
	now := w.now()
	data["_updated_at"] = now.Unix()
	data["_agent_id"] = w.cfg.AgentID

	blob, err := json.Marshal(data)
	if err != nil {
		return false, err
	}

	pipe := w.rdb.Pipeline()
	pipe.Set(ctx, key, blob, redis.KeepTTL)
	pipe.ZAdd(ctx, w.keys.sessionsActive(), redis.Z{Score: float64(now.Unix()), Member: convID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	w.writes.Add(1)
	return true, nil
}

// DeleteSession drops the blob and its active-set entry.
func (w *WorkingMemory) DeleteSession(ctx context.Context, convID string) error {
	pipe := w.rdb.Pipeline()
	pipe.Del(ctx, w.keys.session(convID))
	pipe.ZRem(ctx, w.keys.sessionsActive(), convID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	w.evictions.Add(1)
	return nil
}

// TouchSession extends a session's TTL and bumps its activity score.
// Returns false when the session does not exist.
func (w *WorkingMemory) TouchSession(ctx context.Context, convID string) (bool, error) {
	ok, err := w.rdb.Expire(ctx, w.keys.session(convID), w.cfg.SessionTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	err = w.rdb.ZAdd(ctx, w.keys.sessionsActive(), redis.Z{
		Score:  float64(w.now().Unix()),
		Member: convID,
	}).Err()
	return true, err
}

// SetContext stores a handoff snapshot so another agent can resume this
// conversation. Context carries twice the session TTL so a handoff can
// still find it after the session itself has decayed.
func (w *WorkingMemory) SetContext(ctx context.Context, convID string, data map[string]any) error {
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["_agent_id"] = w.cfg.AgentID
	payload["_updated_at"] = w.now().Unix()

	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := w.rdb.Set(ctx, w.keys.context(convID), blob, 2*w.cfg.SessionTTL).Err(); err != nil {
		return err
	}
	w.writes.Add(1)
	return nil
}

// GetContext returns the handoff snapshot, or nil when absent.
func (w *WorkingMemory) GetContext(ctx context.Context, convID string) (map[string]any, error) {
	val, err := w.rdb.Get(ctx, w.keys.context(convID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, err
	}
	w.reads.Add(1)
	return data, nil
}

// ClaimWork records that this agent is handling convID.
func (w *WorkingMemory) ClaimWork(ctx context.Context, convID, taskType string) error {
	claim := WorkClaim{
		ConvID:    convID,
		TaskType:  taskType,
		StartedAt: w.now().Unix(),
		AgentID:   w.cfg.AgentID,
	}
	blob, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	key := w.keys.agentWork(w.cfg.AgentID)
	pipe := w.rdb.Pipeline()
	pipe.HSet(ctx, key, convID, blob)
	pipe.Expire(ctx, key, w.cfg.WorkTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// ReleaseWork drops this agent's claim on convID.
func (w *WorkingMemory) ReleaseWork(ctx context.Context, convID string) error {
	return w.rdb.HDel(ctx, w.keys.agentWork(w.cfg.AgentID), convID).Err()
}

// ReleaseAllWork drops every claim this agent holds. Used during drain.
func (w *WorkingMemory) ReleaseAllWork(ctx context.Context) error {
	return w.rdb.Del(ctx, w.keys.agentWork(w.cfg.AgentID)).Err()
}

// GetAgentWork lists the claims held by an agent.
func (w *WorkingMemory) GetAgentWork(ctx context.Context, agentID string) ([]WorkClaim, error) {
	fields, err := w.rdb.HGetAll(ctx, w.keys.agentWork(agentID)).Result()
	if err != nil {
		return nil, err
	}
	claims := make([]WorkClaim, 0, len(fields))
	for _, v := range fields {
		var c WorkClaim
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			continue
		}
		claims = append(claims, c)
	}
	return claims, nil
}

// FindAgentForConv resolves which agent currently claims convID, or ""
// when nobody does. Used during failover to transfer orphans.
func (w *WorkingMemory) FindAgentForConv(ctx context.Context, convID string) (string, error) {
	iter := w.rdb.Scan(ctx, 0, w.keys.agentWorkPattern(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		exists, err := w.rdb.HExists(ctx, key, convID).Result()
		if err != nil {
			continue
		}
		if exists {
			return strings.TrimPrefix(key, w.keys.agentWork("")), nil
		}
	}
	return "", iter.Err()
}

// CleanupStaleSessions trims active-set entries older than maxAge. The
// set itself carries no TTL, so somebody has to sweep it.
func (w *WorkingMemory) CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := w.now().Add(-maxAge).Unix()
	n, err := w.rdb.ZRemRangeByScore(ctx, w.keys.sessionsActive(), "-inf", itoa(cutoff)).Result()
	if err != nil {
		return 0, err
	}
	w.evictions.Add(n)
	return n, nil
}

// ActiveSessionCount returns the size of the active-session set.
func (w *WorkingMemory) ActiveSessionCount(ctx context.Context) (int64, error) {
	return w.rdb.ZCard(ctx, w.keys.sessionsActive()).Result()
}

// QueueForPromotion appends data to the in-memory promotion queue.
// Duplicate content (by hash) already waiting is skipped.
func (w *WorkingMemory) QueueForPromotion(data map[string]any) {
	blob, err := json.Marshal(data)
	if err != nil {
		w.log.Warn().Err(err).Msg("unpromotable item dropped")
		return
	}
	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.queued[hash]; dup {
		return
	}
	w.queued[hash] = struct{}{}
	w.queue = append(w.queue, PromotionItem{Data: data, QueuedAt: w.now(), Hash: hash})
}

func (w *WorkingMemory) promotionLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(promotionFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			w.flushPromotions(ctx)
			cancel()
		}
	}
}

// flushPromotions delivers items older than the promotion delay to the
// callback. Failed items stay queued for the next pass; without a
// callback, due items simply age out.
func (w *WorkingMemory) flushPromotions(ctx context.Context) {
	now := w.now()

	w.mu.Lock()
	callback := w.callback
	var due, keep []PromotionItem
	for _, item := range w.queue {
		if now.Sub(item.QueuedAt) >= w.cfg.PromotionDelay {
			due = append(due, item)
		} else {
			keep = append(keep, item)
		}
	}
	w.queue = keep
	for _, item := range due {
		delete(w.queued, item.Hash)
	}
	w.mu.Unlock()

	if len(due) == 0 {
		return
	}
	if callback == nil {
		w.evictions.Add(int64(len(due)))
		return
	}

	for _, item := range due {
		if err := callback(ctx, item); err != nil {
			w.log.Warn().Err(err).Str("hash", item.Hash).Msg("promotion failed, requeueing")
			w.mu.Lock()
			// Drop items that keep failing past ten delay windows.
			if now.Sub(item.QueuedAt) < 10*w.cfg.PromotionDelay {
				w.queue = append(w.queue, item)
				w.queued[item.Hash] = struct{}{}
			} else {
				w.evictions.Add(1)
			}
			w.mu.Unlock()
			continue
		}
		w.promotions.Add(1)
	}
}

// Stats returns current working-memory counters.
func (w *WorkingMemory) Stats() WorkingMemoryStats {
	w.mu.Lock()
	depth := len(w.queue)
	w.mu.Unlock()
	return WorkingMemoryStats{
		Reads:      w.reads.Load(),
		Writes:     w.writes.Load(),
		Promotions: w.promotions.Load(),
		Evictions:  w.evictions.Load(),
		QueueDepth: depth,
	}
}
