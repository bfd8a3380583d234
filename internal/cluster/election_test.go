package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type electionFixture struct {
	rdb *redis.Client
	cfg *Config
	reg *AgentRegistry
	mem *WorkingMemory
	el  *ElectionManager
}

// newElectionFixture registers one secondary and wires an election
// manager around it. Elections are triggered by hand; the watch loop is
// never started.
func newElectionFixture(t *testing.T, agentID string) *electionFixture {
	t.Helper()
	_, rdb := newTestRedis(t)
	cfg := newTestConfig(agentID)
	cfg.Role = RoleSecondary

	reg := NewAgentRegistry(rdb, cfg, nopLog)
	ctx := context.Background()
	require.NoError(t, reg.Start(ctx))
	t.Cleanup(func() { reg.Stop(ctx) })

	bus := NewEventBus(rdb, cfg.KeyPrefix, cfg.AgentID, nopLog)
	mem := NewWorkingMemory(rdb, cfg, nopLog)
	el := NewElectionManager(rdb, reg, bus, mem, cfg, nopLog)
	return &electionFixture{rdb: rdb, cfg: cfg, reg: reg, mem: mem, el: el}
}

func failedPrimary(t *testing.T, f *electionFixture, id string) AgentInfo {
	t.Helper()
	info := AgentInfo{
		ID: id, Role: RolePrimary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix() - 30,
	}
	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, info)
	return info
}

func TestElectionManager_WinsUncontestedElection(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	info := failedPrimary(t, f, "agent-p")

	// The dead primary leaves conversation claims behind.
	memP := NewWorkingMemory(f.rdb, newTestConfig("agent-p"), nopLog)
	require.NoError(t, memP.ClaimWork(ctx, "conv-7", "chat"))

	require.True(t, f.el.TriggerElection(ctx, "agent-p", info))

	assert.Equal(t, RolePrimary, f.reg.Role())
	assert.EqualValues(t, 1, f.reg.LocalEpoch())
	assert.EqualValues(t, 1, f.el.Stats().Won)

	primary, err := f.rdb.Get(ctx, "test:election:primary").Result()
	require.NoError(t, err)
	assert.Equal(t, "agent-a", primary)

	// The lock is released for future elections.
	n, err := f.rdb.Exists(ctx, "test:election:lock").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// Orphaned conversations moved over to the winner.
	claims, err := f.mem.GetAgentWork(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "conv-7", claims[0].ConvID)
	assert.Equal(t, "agent-a", claims[0].AgentID)
	n, err = f.rdb.Exists(ctx, "test:agent_work:agent-p").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestElectionManager_YieldsOnIDTieBreak(t *testing.T) {
	f := newElectionFixture(t, "agent-z")
	ctx := context.Background()
	info := failedPrimary(t, f, "agent-p")

	// Equal score: the lexically smaller ID wins.
	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-b", Role: RoleSecondary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix(),
	})

	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))

	assert.Equal(t, RoleSecondary, f.reg.Role())
	assert.EqualValues(t, 0, f.reg.LocalEpoch())
	assert.EqualValues(t, 1, f.el.Stats().Lost)

	n, err := f.rdb.Exists(ctx, "test:election:primary").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = f.rdb.Exists(ctx, "test:election:lock").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestElectionManager_YieldsToLessLoadedCandidate(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	info := failedPrimary(t, f, "agent-p")

	f.reg.UpdateLoad(ctx, 2)
	// Lexically later but idle, so it outranks us.
	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-z", Role: RoleSecondary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix(),
	})

	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))
	assert.Equal(t, RoleSecondary, f.reg.Role())
	assert.EqualValues(t, 1, f.el.Stats().Lost)
}

func TestElectionManager_AbortsWhenPrimaryRecovers(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()

	// The record looks fresh again by the time we hold the lock.
	info := AgentInfo{ID: "agent-p", Role: RolePrimary, Status: StatusActive, MaxLoad: 4}
	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-p", Role: RolePrimary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix(),
	})

	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))
	assert.Equal(t, RoleSecondary, f.reg.Role())
	assert.EqualValues(t, 0, f.el.Stats().Won)
}

func TestElectionManager_LockContentionLeavesForeignLock(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	info := failedPrimary(t, f, "agent-p")

	require.NoError(t, f.rdb.Set(ctx, "test:election:lock", "agent-x", 0).Err())

	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))
	assert.Equal(t, RoleSecondary, f.reg.Role())

	val, err := f.rdb.Get(ctx, "test:election:lock").Result()
	require.NoError(t, err)
	assert.Equal(t, "agent-x", val)
}

func TestElectionManager_DebouncesBackToBackElections(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	info := failedPrimary(t, f, "agent-p")

	require.True(t, f.el.TriggerElection(ctx, "agent-p", info))

	// Even back in the candidate pool, a retry inside the timeout is
	// swallowed.
	require.NoError(t, f.reg.SetRole(ctx, RoleSecondary))
	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))

	assert.EqualValues(t, 1, f.el.Stats().Won)
	assert.EqualValues(t, 1, f.reg.LocalEpoch())
}

func TestElectionManager_IneligibleAtMaxLoad(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	info := failedPrimary(t, f, "agent-p")

	f.reg.UpdateLoad(ctx, f.cfg.MaxLoad)

	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))
	assert.Equal(t, RoleSecondary, f.reg.Role())
	assert.EqualValues(t, 0, f.reg.LocalEpoch())
}

func TestElectionManager_DemotesOnHigherEpoch(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()

	require.NoError(t, f.reg.SetRole(ctx, RolePrimary))
	require.NoError(t, f.rdb.Set(ctx, "test:config_epoch", "5", 0).Err())
	require.NoError(t, f.rdb.Set(ctx, "test:election:primary", "agent-b", 0).Err())

	f.el.checkDemotion(ctx)

	assert.Equal(t, RoleSecondary, f.reg.Role())
	assert.EqualValues(t, 5, f.reg.LocalEpoch())
}

func TestElectionManager_RecordedPrimaryKeepsRole(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()

	require.NoError(t, f.reg.SetRole(ctx, RolePrimary))
	require.NoError(t, f.rdb.Set(ctx, "test:config_epoch", "5", 0).Err())
	require.NoError(t, f.rdb.Set(ctx, "test:election:primary", "agent-a", 0).Err())

	f.el.checkDemotion(ctx)

	// The epoch still syncs forward, but the role stands.
	assert.Equal(t, RolePrimary, f.reg.Role())
	assert.EqualValues(t, 5, f.reg.LocalEpoch())
}

func TestElectionManager_ResolvesDualPrimaryByAgentID(t *testing.T) {
	f := newElectionFixture(t, "agent-b")
	ctx := context.Background()
	require.NoError(t, f.reg.SetRole(ctx, RolePrimary))

	// A concurrent starter with a smaller ID also claimed primary.
	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-a", Role: RolePrimary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix(),
	})

	f.el.resolveDualPrimary(ctx)
	assert.Equal(t, RoleSecondary, f.reg.Role())
}

func TestElectionManager_DualPrimarySmallerIDKeepsRole(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	require.NoError(t, f.reg.SetRole(ctx, RolePrimary))

	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-z", Role: RolePrimary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix(),
	})
	// A stale rival never forces a step-down either.
	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-0", Role: RolePrimary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix() - 300,
	})

	f.el.resolveDualPrimary(ctx)
	assert.Equal(t, RolePrimary, f.reg.Role())
}

func TestElectionManager_SecondaryQuotaGatesIntake(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()
	require.NoError(t, f.reg.SetRole(ctx, RolePrimary))

	f.el.checkSecondaries(ctx)
	assert.False(t, f.el.AcceptingWork())

	writeAgentRecord(t, f.rdb, f.cfg.KeyPrefix, AgentInfo{
		ID: "agent-b", Role: RoleSecondary, Status: StatusActive,
		MaxLoad: 4, LastHeartbeat: time.Now().Unix(),
	})
	f.el.checkSecondaries(ctx)
	assert.True(t, f.el.AcceptingWork())

	// Non-primaries never gate intake.
	require.NoError(t, f.reg.SetRole(ctx, RoleSecondary))
	require.NoError(t, f.rdb.Del(ctx, "test:agent:agent-b").Err())
	f.el.checkSecondaries(ctx)
	assert.True(t, f.el.AcceptingWork())
}

func TestElectionManager_DrainDemotesAndReleasesWork(t *testing.T) {
	f := newElectionFixture(t, "agent-a")
	ctx := context.Background()

	require.NoError(t, f.reg.SetRole(ctx, RolePrimary))
	require.NoError(t, f.mem.ClaimWork(ctx, "conv-1", "chat"))

	require.NoError(t, f.el.InitiateDrain(ctx, "deploy"))

	assert.True(t, f.el.Draining())
	assert.Equal(t, StatusDraining, f.reg.Status())
	assert.Equal(t, RoleSecondary, f.reg.Role())

	claims, err := f.mem.GetAgentWork(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, claims)

	// Draining twice is a no-op.
	require.NoError(t, f.el.InitiateDrain(ctx, "again"))

	// A draining agent refuses candidacy.
	info := failedPrimary(t, f, "agent-p")
	require.False(t, f.el.TriggerElection(ctx, "agent-p", info))
	assert.Equal(t, RoleSecondary, f.reg.Role())
}
