package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var nopLog = zerolog.Nop()

// newTestRedis starts an in-process broker and a client bound to it,
// both torn down with the test.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// newTestConfig returns a config with intervals short enough for tests
// and a tiny vector dimensionality.
func newTestConfig(agentID string) *Config {
	return &Config{
		Enabled:           true,
		KeyPrefix:         "test:",
		AgentID:           agentID,
		Role:              RoleAuto,
		MaxLoad:           4,
		HeartbeatInterval: time.Second,
		FailureThreshold:  3,
		ElectionTimeout:   time.Second,
		MinSecondaries:    1,
		SessionTTL:        time.Hour,
		WorkTTL:           time.Hour,
		ResultTTL:         time.Hour,
		VectorDims:        4,
		PromotionDelay:    time.Minute,
	}
}

// writeAgentRecord plants a peer record in the shape the registry
// writes, so tests can simulate agents this process never ran.
func writeAgentRecord(t *testing.T, rdb *redis.Client, prefix string, info AgentInfo) {
	t.Helper()
	keys := keyspace{prefix: prefix}
	err := rdb.HSet(context.Background(), keys.agent(info.ID),
		"id", info.ID,
		"role", string(info.Role),
		"status", string(info.Status),
		"host", info.Host,
		"port", info.Port,
		"current_load", info.CurrentLoad,
		"max_load", info.MaxLoad,
		"last_heartbeat", info.LastHeartbeat,
		"started_at", info.StartedAt,
		"config_epoch", info.ConfigEpoch,
	).Err()
	require.NoError(t, err)
}
