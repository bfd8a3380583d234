package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRegistry_FirstNodeClaimsPrimary(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cfg := newTestConfig("agent-a")
	reg := NewAgentRegistry(rdb, cfg, nopLog)
	ctx := context.Background()

	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.Stop(ctx) })

	assert.Equal(t, RolePrimary, reg.Role())
	assert.Equal(t, StatusActive, reg.Status())

	info, err := reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, info.Role)
	assert.True(t, info.Healthy)
	assert.True(t, info.IsSelf)
	assert.Zero(t, info.MissedHeartbeats)
	assert.Equal(t, cfg.AgentTTL(), mr.TTL("test:agent:agent-a"))
}

func TestAgentRegistry_JoinsHealthyPrimaryAsSecondary(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	regA := NewAgentRegistry(rdb, newTestConfig("agent-a"), nopLog)
	require.NoError(t, regA.Start(ctx))
	t.Cleanup(func() { regA.Stop(ctx) })

	regB := NewAgentRegistry(rdb, newTestConfig("agent-b"), nopLog)
	require.NoError(t, regB.Start(ctx))
	t.Cleanup(func() { regB.Stop(ctx) })

	assert.Equal(t, RolePrimary, regA.Role())
	assert.Equal(t, RoleSecondary, regB.Role())

	// Primary sorts first regardless of ID order.
	agents, err := regB.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-a", agents[0].ID)
	assert.Equal(t, RolePrimary, agents[0].Role)
	assert.Equal(t, "agent-b", agents[1].ID)
	assert.True(t, agents[1].IsSelf)
}

func TestAgentRegistry_ClaimsPrimaryWhenIncumbentIsStale(t *testing.T) {
	_, rdb := newTestRedis(t)
	cfg := newTestConfig("agent-b")
	writeAgentRecord(t, rdb, cfg.KeyPrefix, AgentInfo{
		ID: "agent-a", Role: RolePrimary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix() - 30,
	})

	reg := NewAgentRegistry(rdb, cfg, nopLog)
	ctx := context.Background()
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.Stop(ctx) })

	assert.Equal(t, RolePrimary, reg.Role())
}

func TestAgentRegistry_HeartbeatRefreshesRecord(t *testing.T) {
	mr, rdb := newTestRedis(t)
	cfg := newTestConfig("agent-a")
	reg := NewAgentRegistry(rdb, cfg, nopLog)
	ctx := context.Background()
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.Stop(ctx) })

	assert.Equal(t, 2, reg.UpdateLoad(ctx, 2))
	assert.Equal(t, 0, reg.UpdateLoad(ctx, -5))
	assert.Equal(t, 1, reg.UpdateLoad(ctx, 1))

	// Let the liveness TTL decay, then heartbeat rearms it.
	mr.FastForward(5 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx))
	assert.Equal(t, cfg.AgentTTL(), mr.TTL("test:agent:agent-a"))

	info, err := reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, info.CurrentLoad)

	// A peer's failed verdict is overwritten by the owner's next beat.
	require.NoError(t, rdb.HSet(ctx, "test:agent:agent-a", "status", string(StatusFailed)).Err())
	require.NoError(t, reg.Heartbeat(ctx))
	info, err = reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, info.Status)
}

func TestAgentRegistry_StopMarksRecordStopped(t *testing.T) {
	mr, rdb := newTestRedis(t)
	reg := NewAgentRegistry(rdb, newTestConfig("agent-a"), nopLog)
	ctx := context.Background()
	require.NoError(t, reg.Start(ctx))

	reg.Stop(ctx)

	// The tombstone outlives the heartbeat TTL briefly so peers see a
	// clean exit instead of a silent disappearance.
	info, err := reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, info.Status)
	assert.Equal(t, 30*time.Second, mr.TTL("test:agent:agent-a"))
}

func TestAgentRegistry_StaleHeartbeatsReadUnhealthy(t *testing.T) {
	_, rdb := newTestRedis(t)
	cfg := newTestConfig("agent-a")
	reg := NewAgentRegistry(rdb, cfg, nopLog)
	ctx := context.Background()

	writeAgentRecord(t, rdb, cfg.KeyPrefix, AgentInfo{
		ID: "agent-x", Role: RoleSecondary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix() - 10,
	})
	// A record missing its ID never makes it into listings.
	require.NoError(t, rdb.HSet(ctx, "test:agent:broken", "role", "secondary").Err())

	agents, err := reg.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-x", agents[0].ID)
	assert.False(t, agents[0].Healthy)
	assert.GreaterOrEqual(t, agents[0].MissedHeartbeats, 3)

	_, err = reg.GetAgent(ctx, "agent-gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAgentRegistry_EpochFencing(t *testing.T) {
	_, rdb := newTestRedis(t)
	reg := NewAgentRegistry(rdb, newTestConfig("agent-a"), nopLog)
	ctx := context.Background()
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.Stop(ctx) })

	epoch, err := reg.IncrementEpoch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, epoch)
	assert.EqualValues(t, 1, reg.LocalEpoch())

	global, err := reg.GlobalEpoch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, global)

	info, err := reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.ConfigEpoch)

	// Syncing moves only the local view; the shared counter stays put.
	reg.SyncEpoch(ctx, 7)
	assert.EqualValues(t, 7, reg.LocalEpoch())
	global, err = reg.GlobalEpoch(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, global)
}
