package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Task priorities, highest first.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

var priorities = []string{PriorityHigh, PriorityNormal, PriorityLow}

const (
	taskGroup        = "workers"
	claimInterval    = 30 * time.Second
	claimIdleTimeout = 60 * time.Second
	defaultPoll      = 500 * time.Millisecond
	defaultTimeout   = 30 * time.Second
)

// Task is one unit of work delivered to a handler.
type Task struct {
	ID        string         `json:"task_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	ConvID    string         `json:"conv_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	TimeoutMS int64          `json:"timeout_ms"`
	CreatedAt int64          `json:"created_at"`
	Attempt   int            `json:"attempt"`
	Publisher string         `json:"publisher"`
	Priority  string         `json:"priority"`
}

// TaskResult is the stored outcome of a task execution.
type TaskResult struct {
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	AgentID     string          `json:"agent_id"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	FailedAt    int64           `json:"failed_at,omitempty"`
	Attempt     int             `json:"attempt"`
}

// TaskHandler executes one task. The returned value is JSON-serialized
// into the result record. The context carries the task's deadline.
type TaskHandler func(ctx context.Context, task *Task) (any, error)

// PublishOptions tune one Publish call. The zero value publishes to the
// normal priority with the default timeout.
type PublishOptions struct {
	Priority string
	ConvID   string
	UserID   string
	ParentID string
	Timeout  time.Duration
}

// TaskStreamStats is a point-in-time counter snapshot.
type TaskStreamStats struct {
	Published    int64
	Consumed     int64
	Completed    int64
	Failed       int64
	DeadLettered int64
	Reclaimed    int64
}

// TaskStream is the durable task queue: three priority streams consumed
// by the shared group, with abandoned entries reclaimed and repeatedly
// failing ones moved to a dead-letter stream.
//
// A failed execution is not acked, so the entry stays in the group's
// pending list until the claim loop on some agent picks it up again.
// Acking happens exactly once, on success or on dead-lettering.
type TaskStream struct {
	rdb        *redis.Client
	keys       keyspace
	cfg        *Config
	registry   *AgentRegistry
	log        zerolog.Logger
	maxRetries int

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published    atomic.Int64
	consumed     atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	reclaimed    atomic.Int64
}

// NewTaskStream creates the queue client for this agent. registry may
// be nil, in which case load accounting is skipped.
func NewTaskStream(rdb *redis.Client, cfg *Config, registry *AgentRegistry, log zerolog.Logger) *TaskStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskStream{
		rdb:        rdb,
		keys:       keyspace{prefix: cfg.KeyPrefix},
		cfg:        cfg,
		registry:   registry,
		log:        log,
		maxRetries: 3,
		handlers:   make(map[string]TaskHandler),
		baseCtx:    ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
}

// RegisterHandler installs the handler for a task type. Upper layers
// call this before Start.
func (t *TaskStream) RegisterHandler(taskType string, h TaskHandler) {
	t.mu.Lock()
	t.handlers[taskType] = h
	t.mu.Unlock()
}

// Start ensures the consumer group exists on every stream and launches
// the worker and claim loops.
func (t *TaskStream) Start(ctx context.Context) error {
	for _, p := range priorities {
		err := t.rdb.XGroupCreateMkStream(ctx, t.keys.tasks(p), taskGroup, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
	}

	t.wg.Add(2)
	go t.workerLoop()
	go t.claimLoop()

	t.log.Debug().Str("consumer", t.consumerName()).Msg("task stream started")
	return nil
}

// Stop halts both loops and waits for in-flight handlers.
func (t *TaskStream) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.cancel()
	})
	t.wg.Wait()
}

func (t *TaskStream) consumerName() string {
	if t.registry != nil {
		return t.registry.AgentID()
	}
	return t.cfg.AgentID
}

// Publish appends a task to its priority stream and returns the task ID
// callers use to await the result.
func (t *TaskStream) Publish(ctx context.Context, taskType string, payload map[string]any, opts *PublishOptions) (string, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !validPriority(priority) {
		return "", ErrUnknownPriority
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	err = t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.keys.tasks(priority),
		Values: map[string]any{
			"task_id":    taskID,
			"type":       taskType,
			"payload":    string(payloadJSON),
			"conv_id":    opts.ConvID,
			"user_id":    opts.UserID,
			"parent_id":  opts.ParentID,
			"timeout_ms": timeout.Milliseconds(),
			"created_at": time.Now().Unix(),
			"attempt":    0,
			"publisher":  t.consumerName(),
		},
	}).Err()
	if err != nil {
		return "", err
	}

	t.published.Add(1)
	return taskID, nil
}

// workerLoop blocks on all three streams for new deliveries, high
// priority listed first. Each delivery is processed in its own
// goroutine so a long handler never stalls the reader.
func (t *TaskStream) workerLoop() {
	defer t.wg.Done()

	streams := make([]string, 0, len(priorities)*2)
	for _, p := range priorities {
		streams = append(streams, t.keys.tasks(p))
	}
	for range priorities {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		res, err := t.rdb.XReadGroup(t.baseCtx, &redis.XReadGroupArgs{
			Group:    taskGroup,
			Consumer: t.consumerName(),
			Streams:  streams,
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.log.Warn().Err(err).Msg("task read failed")
			t.sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				t.wg.Add(1)
				go t.processEntry(stream.Stream, msg, 1)
			}
		}
	}
}

// processEntry runs one delivered entry through its handler.
// retryCount is the group's delivery counter for the entry; attempt
// numbering derives from it so retries survive consumer handoffs.
func (t *TaskStream) processEntry(stream string, msg redis.XMessage, retryCount int64) {
	defer t.wg.Done()

	task := t.parseTask(stream, msg)
	if task == nil {
		_ = t.rdb.XAck(t.baseCtx, stream, taskGroup, msg.ID).Err()
		return
	}
	if retryCount > 1 {
		task.Attempt += int(retryCount - 1)
	}
	t.consumed.Add(1)

	t.mu.RLock()
	handler, known := t.handlers[task.Type]
	t.mu.RUnlock()
	if !known {
		// Ack-and-drop, otherwise an unknown type is redelivered forever.
		t.log.Warn().Str("type", task.Type).Str("task_id", task.ID).Msg("no handler for task type, dropping")
		_ = t.rdb.XAck(t.baseCtx, stream, taskGroup, msg.ID).Err()
		return
	}

	if t.registry != nil {
		t.registry.UpdateLoad(t.baseCtx, 1)
		defer t.registry.UpdateLoad(t.baseCtx, -1)
	}

	timeout := time.Duration(task.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hctx, cancel := context.WithTimeout(t.baseCtx, timeout)
	result, err := runHandler(hctx, handler, task)
	cancel()

	if err != nil {
		t.failTask(task, stream, msg, err)
		return
	}

	if err := t.writeResult(task, &TaskResult{
		Status:      "completed",
		Result:      result,
		AgentID:     t.consumerName(),
		CompletedAt: time.Now().Unix(),
		Attempt:     task.Attempt,
	}); err != nil {
		t.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to store result")
	}
	_ = t.rdb.XAck(t.baseCtx, stream, taskGroup, msg.ID).Err()
	t.completed.Add(1)
}

// runHandler isolates handler panics and enforces the task deadline
// even when the handler ignores its context.
func runHandler(ctx context.Context, handler TaskHandler, task *Task) (json.RawMessage, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.New("handler panic: " + panicString(r))}
			}
		}()
		res, err := handler(ctx, task)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		raw, err := json.Marshal(out.result)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}

func panicString(r any) string {
	if s, ok := r.(string); ok {
		return s
	}
	if e, ok := r.(error); ok {
		return e.Error()
	}
	return "unknown"
}

// failTask records the failure and decides between leaving the entry
// pending for reclaim and dead-lettering it.
func (t *TaskStream) failTask(task *Task, stream string, msg redis.XMessage, cause error) {
	t.failed.Add(1)

	if err := t.writeResult(task, &TaskResult{
		Status:   "failed",
		Error:    cause.Error(),
		AgentID:  t.consumerName(),
		FailedAt: time.Now().Unix(),
		Attempt:  task.Attempt,
	}); err != nil {
		t.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to store failure result")
	}

	if task.Attempt+1 >= t.maxRetries {
		t.deadLetter(task, msg, cause)
		_ = t.rdb.XAck(t.baseCtx, stream, taskGroup, msg.ID).Err()
		return
	}

	t.log.Info().
		Str("task_id", task.ID).
		Int("attempt", task.Attempt).
		Err(cause).
		Msg("task failed, leaving pending for reclaim")
}

func (t *TaskStream) deadLetter(task *Task, msg redis.XMessage, cause error) {
	values := make(map[string]any, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["attempt"] = task.Attempt
	values["error"] = cause.Error()
	values["dead_lettered_at"] = time.Now().Unix()
	values["failed_agent"] = t.consumerName()

	if err := t.rdb.XAdd(t.baseCtx, &redis.XAddArgs{
		Stream: t.keys.tasksDead(),
		Values: values,
	}).Err(); err != nil {
		t.log.Error().Err(err).Str("task_id", task.ID).Msg("dead-letter write failed")
		return
	}
	t.deadLettered.Add(1)
	t.log.Warn().Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("task dead-lettered")
}

// claimLoop periodically adopts entries whose consumer went silent.
// A broker without XAUTOCLAIM disables the loop; that costs reclaim,
// not correctness.
func (t *TaskStream) claimLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if !t.claimOnce() {
				t.log.Warn().Msg("broker lacks XAUTOCLAIM, claim loop disabled")
				return
			}
		}
	}
}

// claimOnce sweeps all priorities. Returns false when the broker does
// not support auto-claim.
func (t *TaskStream) claimOnce() bool {
	for _, p := range priorities {
		stream := t.keys.tasks(p)
		msgs, _, err := t.rdb.XAutoClaim(t.baseCtx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    taskGroup,
			Consumer: t.consumerName(),
			MinIdle:  claimIdleTimeout,
			Start:    "0-0",
			Count:    10,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return true
			}
			if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
				return false
			}
			t.log.Warn().Err(err).Str("stream", stream).Msg("auto-claim failed")
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		retries := t.deliveryCounts(stream, msgs)
		for _, msg := range msgs {
			t.reclaimed.Add(1)
			retryCount := retries[msg.ID]
			if retryCount < 2 {
				retryCount = 2
			}
			t.wg.Add(1)
			go t.processEntry(stream, msg, retryCount)
		}
	}
	return true
}

// deliveryCounts reads the group's per-entry delivery counters for the
// claimed batch.
func (t *TaskStream) deliveryCounts(stream string, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pending, err := t.rdb.XPendingExt(t.baseCtx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  taskGroup,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		t.log.Debug().Err(err).Str("stream", stream).Msg("pending lookup failed")
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

// AwaitResult polls the result key until the task completes, fails or
// ctx expires.
func (t *TaskStream) AwaitResult(ctx context.Context, taskID string, pollInterval time.Duration) (*TaskResult, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPoll
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		res, err := t.GetResult(ctx, taskID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if res != nil && (res.Status == "completed" || res.Status == "failed") {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetResult reads the stored result for a task, ErrNotFound when none
// exists yet.
func (t *TaskStream) GetResult(ctx context.Context, taskID string) (*TaskResult, error) {
	val, err := t.rdb.Get(ctx, t.keys.result(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var res TaskResult
	if err := json.Unmarshal([]byte(val), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *TaskStream) writeResult(task *Task, res *TaskResult) error {
	blob, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return t.rdb.Set(t.baseCtx, t.keys.result(task.ID), blob, t.cfg.ResultTTL).Err()
}

// QueueDepths returns the current length of each priority stream.
func (t *TaskStream) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(priorities))
	for _, p := range priorities {
		n, err := t.rdb.XLen(ctx, t.keys.tasks(p)).Result()
		if err != nil {
			return nil, err
		}
		depths[p] = n
	}
	return depths, nil
}

// PendingCount sums the group's pending entries across priorities.
func (t *TaskStream) PendingCount(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range priorities {
		info, err := t.rdb.XPending(ctx, t.keys.tasks(p), taskGroup).Result()
		if err != nil {
			return 0, err
		}
		total += info.Count
	}
	return total, nil
}

// DeadLetters returns up to n most recent dead-letter entries.
func (t *TaskStream) DeadLetters(ctx context.Context, n int64) ([]map[string]any, error) {
	msgs, err := t.rdb.XRevRangeN(ctx, t.keys.tasksDead(), "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		entry := make(map[string]any, len(msg.Values)+1)
		for k, v := range msg.Values {
			entry[k] = v
		}
		entry["stream_id"] = msg.ID
		out = append(out, entry)
	}
	return out, nil
}

func (t *TaskStream) parseTask(stream string, msg redis.XMessage) *Task {
	get := func(k string) string {
		if v, ok := msg.Values[k].(string); ok {
			return v
		}
		return ""
	}

	task := &Task{
		ID:        get("task_id"),
		Type:      get("type"),
		ConvID:    get("conv_id"),
		UserID:    get("user_id"),
		ParentID:  get("parent_id"),
		Publisher: get("publisher"),
		Priority:  strings.TrimPrefix(stream, t.keys.tasks("")),
	}
	if task.ID == "" || task.Type == "" {
		t.log.Warn().Str("entry", msg.ID).Msg("dropping malformed task entry")
		return nil
	}
	task.TimeoutMS, _ = strconv.ParseInt(get("timeout_ms"), 10, 64)
	task.CreatedAt, _ = strconv.ParseInt(get("created_at"), 10, 64)
	task.Attempt, _ = strconv.Atoi(get("attempt"))
	if raw := get("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Payload); err != nil {
			t.log.Debug().Err(err).Str("task_id", task.ID).Msg("unparseable payload")
		}
	}
	return task
}

func (t *TaskStream) sleep(d time.Duration) {
	select {
	case <-t.stopCh:
	case <-time.After(d):
	}
}

// Stats returns current queue counters.
func (t *TaskStream) Stats() TaskStreamStats {
	return TaskStreamStats{
		Published:    t.published.Load(),
		Consumed:     t.consumed.Load(),
		Completed:    t.completed.Load(),
		Failed:       t.failed.Load(),
		DeadLettered: t.deadLettered.Load(),
		Reclaimed:    t.reclaimed.Load(),
	}
}

func validPriority(p string) bool {
	for _, known := range priorities {
		if known == p {
			return true
		}
	}
	return false
}
