package cluster

import (
	"crypto/tls"
	"time"
)

// Role is an agent's logical position in the cluster.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	RoleStandby   Role = "standby"

	// RoleAuto is a config-only value: claim primary if none exists,
	// otherwise join as secondary.
	RoleAuto Role = "auto"
)

// Status is an agent's lifecycle state. Transitions are monotonic and
// owner-controlled; StatusFailed is only ever written by peers that
// observed the agent objectively down.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Config carries everything the cluster core needs. Zero values are
// filled in by Normalize; DefaultConfig returns a fully-populated one.
type Config struct {
	Enabled bool

	RedisURL      string
	RedisPassword string
	TLS           *tls.Config // nil for plaintext

	KeyPrefix string
	AgentID   string // generated when empty
	Role      Role
	Host      string
	Port      int

	Models       []string
	Capabilities []string

	MaxLoad           int
	HeartbeatInterval time.Duration
	FailureThreshold  int
	ElectionTimeout   time.Duration
	MinSecondaries    int

	SessionTTL     time.Duration
	WorkTTL        time.Duration
	ResultTTL      time.Duration
	VectorDims     int
	PromotionDelay time.Duration
}

// DefaultConfig returns the documented defaults with the cluster enabled.
func DefaultConfig() Config {
	cfg := Config{Enabled: true, RedisURL: "redis://localhost:6379/0"}
	cfg.Normalize()
	return cfg
}

// Normalize fills unset fields with their defaults and generates an
// agent ID when none was supplied.
func (c *Config) Normalize() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "nexus:"
	}
	if c.AgentID == "" {
		c.AgentID = NewAgentID()
	}
	if c.Role == "" {
		c.Role = RoleAuto
	}
	if c.MaxLoad <= 0 {
		c.MaxLoad = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 5 * time.Second
	}
	if c.MinSecondaries <= 0 {
		c.MinSecondaries = 1
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.WorkTTL <= 0 {
		c.WorkTTL = time.Hour
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.VectorDims <= 0 {
		c.VectorDims = 1536
	}
	if c.PromotionDelay <= 0 {
		c.PromotionDelay = 5 * time.Minute
	}
}

// AgentTTL is the expiry on an agent record. Three full failure windows,
// so a record survives transient heartbeat hiccups but decays soon after
// a real death.
func (c *Config) AgentTTL() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.FailureThreshold) * 3
}

// FailureWindow is how long an agent may go without a heartbeat before
// peers consider it subjectively down.
func (c *Config) FailureWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.FailureThreshold)
}
