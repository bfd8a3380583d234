package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTaskGroups sets up the consumer group on every priority stream
// without starting the worker loops, so tests can drive deliveries by
// hand.
func createTaskGroups(t *testing.T, rdb *redis.Client) {
	t.Helper()
	keys := keyspace{prefix: "test:"}
	for _, p := range priorities {
		require.NoError(t, rdb.XGroupCreateMkStream(context.Background(), keys.tasks(p), taskGroup, "0").Err())
	}
}

// readOne pulls the next undelivered entry off a stream the way the
// worker loop does.
func readOne(t *testing.T, rdb *redis.Client, stream string) redis.XMessage {
	t.Helper()
	res, err := rdb.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    taskGroup,
		Consumer: "agent-a",
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Messages, 1)
	return res[0].Messages[0]
}

func TestTaskStream_PublishAndQueueDepths(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)
	ctx := context.Background()

	id, err := ts.Publish(ctx, "summarize", map[string]any{"doc": "q3-report"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = ts.Publish(ctx, "summarize", nil, &PublishOptions{Priority: "urgent"})
	require.ErrorIs(t, err, ErrUnknownPriority)

	_, err = ts.Publish(ctx, "page_oncall", nil, &PublishOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	depths, err := ts.QueueDepths(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depths[PriorityNormal])
	assert.EqualValues(t, 1, depths[PriorityHigh])
	assert.EqualValues(t, 0, depths[PriorityLow])
	assert.EqualValues(t, 2, ts.Stats().Published)
}

func TestTaskStream_DeliversToHandler(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)
	ctx := context.Background()

	ts.RegisterHandler("echo", func(_ context.Context, task *Task) (any, error) {
		return task.Payload, nil
	})
	require.NoError(t, ts.Start(ctx))
	t.Cleanup(ts.Stop)

	id, err := ts.Publish(ctx, "echo", map[string]any{"msg": "hello"}, &PublishOptions{ConvID: "conv-1"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := ts.AwaitResult(waitCtx, id, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "agent-a", res.AgentID)
	assert.Equal(t, 0, res.Attempt)
	assert.JSONEq(t, `{"msg":"hello"}`, string(res.Result))

	// A completed delivery is acked off the pending list.
	require.Eventually(t, func() bool {
		n, err := ts.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	stats := ts.Stats()
	assert.EqualValues(t, 1, stats.Consumed)
	assert.EqualValues(t, 1, stats.Completed)
}

func TestTaskStream_UnknownTypeIsAckedAndDropped(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)
	ctx := context.Background()

	require.NoError(t, ts.Start(ctx))
	t.Cleanup(ts.Stop)

	id, err := ts.Publish(ctx, "mystery", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ts.Stats().Consumed == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := ts.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	// No handler, no result.
	_, err = ts.GetResult(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStream_RepeatedFailureDeadLetters(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)
	ctx := context.Background()

	ts.RegisterHandler("flaky", func(context.Context, *Task) (any, error) {
		return nil, errors.New("downstream 500")
	})
	createTaskGroups(t, rdb)

	id, err := ts.Publish(ctx, "flaky", map[string]any{"n": float64(1)}, nil)
	require.NoError(t, err)
	msg := readOne(t, rdb, "test:tasks:normal")

	// The first two deliveries fail and stay pending for reclaim.
	for i, retry := range []int64{1, 2} {
		ts.wg.Add(1)
		ts.processEntry("test:tasks:normal", msg, retry)

		res, err := ts.GetResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "failed", res.Status)
		assert.Equal(t, i, res.Attempt)
		assert.Contains(t, res.Error, "downstream 500")

		n, err := ts.PendingCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "delivery %d should stay pending", retry)
	}

	// The third delivery exhausts the retry budget.
	ts.wg.Add(1)
	ts.processEntry("test:tasks:normal", msg, 3)

	n, err := ts.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	dead, err := ts.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0]["task_id"])
	assert.Equal(t, "2", dead[0]["attempt"])
	assert.Equal(t, "agent-a", dead[0]["failed_agent"])
	assert.Contains(t, dead[0]["error"], "downstream 500")
	assert.NotEmpty(t, dead[0]["stream_id"])

	stats := ts.Stats()
	assert.EqualValues(t, 3, stats.Failed)
	assert.EqualValues(t, 1, stats.DeadLettered)
}

func TestTaskStream_HandlerTimeout(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)
	ctx := context.Background()

	ts.RegisterHandler("slow", func(context.Context, *Task) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	createTaskGroups(t, rdb)

	id, err := ts.Publish(ctx, "slow", nil, &PublishOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	msg := readOne(t, rdb, "test:tasks:normal")

	ts.wg.Add(1)
	ts.processEntry("test:tasks:normal", msg, 1)

	res, err := ts.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, "context deadline exceeded")
}

func TestTaskStream_HandlerPanicIsContained(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)
	ctx := context.Background()

	ts.RegisterHandler("boom", func(context.Context, *Task) (any, error) {
		panic("exploded")
	})
	createTaskGroups(t, rdb)

	id, err := ts.Publish(ctx, "boom", nil, nil)
	require.NoError(t, err)
	msg := readOne(t, rdb, "test:tasks:normal")

	ts.wg.Add(1)
	ts.processEntry("test:tasks:normal", msg, 1)

	res, err := ts.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, "handler panic: exploded")

	// A panicked delivery stays pending for another attempt.
	n, err := ts.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestTaskStream_AwaitResultHonorsContext(t *testing.T) {
	_, rdb := newTestRedis(t)
	ts := NewTaskStream(rdb, newTestConfig("agent-a"), nil, nopLog)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ts.AwaitResult(ctx, "no-such-task", 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskStream_LoadAccounting(t *testing.T) {
	_, rdb := newTestRedis(t)
	cfg := newTestConfig("agent-a")
	reg := NewAgentRegistry(rdb, cfg, nopLog)
	ctx := context.Background()
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.Stop(ctx) })

	ts := NewTaskStream(rdb, cfg, reg, nopLog)
	gate := make(chan struct{})
	ts.RegisterHandler("hold", func(context.Context, *Task) (any, error) {
		<-gate
		return nil, nil
	})
	createTaskGroups(t, rdb)

	_, err := ts.Publish(ctx, "hold", nil, nil)
	require.NoError(t, err)
	msg := readOne(t, rdb, "test:tasks:normal")

	done := make(chan struct{})
	ts.wg.Add(1)
	go func() {
		defer close(done)
		ts.processEntry("test:tasks:normal", msg, 1)
	}()

	// Load rises while the handler runs and falls when it finishes.
	require.Eventually(t, func() bool {
		return reg.CurrentLoad() == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(gate)
	<-done
	assert.Equal(t, 0, reg.CurrentLoad())
}
