// Package config loads daemon configuration from the environment, with
// an optional .env file for development setups.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nexus-mesh/nexus/internal/cluster"
	"github.com/nexus-mesh/nexus/internal/logging"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel logging.Level
	LogJSON  bool

	OpsAddr     string // ops HTTP listener, empty disables it
	DatabaseURL string // promotion sink, empty disables it

	Cluster cluster.Config
}

// Load reads configuration from the environment. A .env file at path
// (or ./.env when path is empty) is merged in first without overriding
// variables already set.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{
		LogLevel:    logging.Level(getEnv("LOG_LEVEL", "info")),
		LogJSON:     getEnvBool("LOG_JSON", false),
		OpsAddr:     getEnv("NEXUS_OPS_ADDR", ":9400"),
		DatabaseURL: getEnv("NEXUS_DATABASE_URL", ""),
	}

	cc := cluster.Config{
		Enabled:           getEnvBool("CLUSTER_ENABLED", false),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		KeyPrefix:         getEnv("REDIS_KEY_PREFIX", "nexus:"),
		AgentID:           getEnv("CLUSTER_AGENT_ID", ""),
		Role:              cluster.Role(getEnv("CLUSTER_ROLE", "auto")),
		MaxLoad:           getEnvInt("CLUSTER_MAX_LOAD", 10),
		HeartbeatInterval: getEnvSeconds("CLUSTER_HEARTBEAT_INTERVAL", 2*time.Second),
		FailureThreshold:  getEnvInt("CLUSTER_FAILURE_THRESHOLD", 3),
		ElectionTimeout:   getEnvSeconds("CLUSTER_ELECTION_TIMEOUT", 5*time.Second),
		MinSecondaries:    getEnvInt("CLUSTER_MIN_SECONDARIES", 1),
		SessionTTL:        getEnvSeconds("CLUSTER_WORKING_MEMORY_TTL", time.Hour),
		VectorDims:        getEnvInt("CLUSTER_VECTOR_DIMS", 1536),
		PromotionDelay:    getEnvSeconds("CLUSTER_MEMORY_PROMOTION_DELAY", 5*time.Minute),
	}

	switch cc.Role {
	case cluster.RolePrimary, cluster.RoleSecondary, cluster.RoleStandby, cluster.RoleAuto:
	default:
		return nil, fmt.Errorf("config: CLUSTER_ROLE must be primary, secondary, standby or auto, got %q", cc.Role)
	}

	if getEnvBool("REDIS_TLS", false) {
		tlsCfg, err := buildTLS(
			getEnv("REDIS_TLS_CERT", ""),
			getEnv("REDIS_TLS_KEY", ""),
			getEnv("REDIS_TLS_CA", ""),
		)
		if err != nil {
			return nil, err
		}
		cc.TLS = tlsCfg
	}

	if host, err := os.Hostname(); err == nil {
		cc.Host = host
	}
	cc.Port = opsPort(cfg.OpsAddr)
	cc.Normalize()
	cfg.Cluster = cc

	return cfg, nil
}

func buildTLS(certPath, keyPath, caPath string) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("config: load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if caPath != "" {
		ca, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("config: load CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("config: no certificates in %s", caPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func opsPort(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	port, _ := strconv.Atoi(addr[idx+1:])
	return port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return defaultValue
	}
	return time.Duration(secs) * time.Second
}
