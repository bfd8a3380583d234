// Package store persists promoted working-memory items to PostgreSQL.
// The cluster layer treats persistence as a pluggable callback, so this
// package stays optional: daemons without a database URL simply never
// construct it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexus-mesh/nexus/internal/cluster"
)

const insightSchema = `
CREATE TABLE IF NOT EXISTS nexus_insights (
	id            BIGSERIAL PRIMARY KEY,
	content_hash  TEXT NOT NULL UNIQUE,
	payload       JSONB NOT NULL,
	source_agent  TEXT NOT NULL DEFAULT '',
	queued_at     TIMESTAMPTZ NOT NULL,
	promoted_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Insight is a promoted working-memory item as stored in Postgres.
type Insight struct {
	ID          int64           `json:"id"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
	SourceAgent string          `json:"source_agent"`
	QueuedAt    time.Time       `json:"queued_at"`
	PromotedAt  time.Time       `json:"promoted_at"`
}

// InsightStore writes promoted session data to the nexus_insights table.
type InsightStore struct {
	pool *pgxpool.Pool
}

// NewInsightStore opens a connection pool and verifies connectivity.
func NewInsightStore(ctx context.Context, connString string) (*InsightStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &InsightStore{pool: pool}, nil
}

// EnsureSchema creates the insights table when it does not exist yet.
func (s *InsightStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, insightSchema)
	return err
}

// Close closes the connection pool.
func (s *InsightStore) Close() {
	s.pool.Close()
}

// SaveInsight persists one promotion item. Inserts are idempotent on the
// content hash, so replayed promotions from other agents are no-ops.
// The signature matches cluster.PromotionFunc.
func (s *InsightStore) SaveInsight(ctx context.Context, item cluster.PromotionItem) error {
	payload, err := json.Marshal(item.Data)
	if err != nil {
		return err
	}

	sourceAgent := ""
	if v, ok := item.Data["_agent_id"].(string); ok {
		sourceAgent = v
	}

	query := `
		INSERT INTO nexus_insights (content_hash, payload, source_agent, queued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (content_hash) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, query, item.Hash, payload, sourceAgent, item.QueuedAt)
	return err
}

// GetInsight looks up a single insight by content hash. Returns nil when
// no row matches.
func (s *InsightStore) GetInsight(ctx context.Context, contentHash string) (*Insight, error) {
	query := `
		SELECT id, content_hash, payload, source_agent, queued_at, promoted_at
		FROM nexus_insights WHERE content_hash = $1
	`
	var in Insight
	err := s.pool.QueryRow(ctx, query, contentHash).Scan(
		&in.ID, &in.ContentHash, &in.Payload, &in.SourceAgent, &in.QueuedAt, &in.PromotedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListRecent returns the newest insights, most recently promoted first.
func (s *InsightStore) ListRecent(ctx context.Context, limit int) ([]*Insight, error) {
	query := `
		SELECT id, content_hash, payload, source_agent, queued_at, promoted_at
		FROM nexus_insights ORDER BY promoted_at DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		var in Insight
		if err := rows.Scan(
			&in.ID, &in.ContentHash, &in.Payload, &in.SourceAgent, &in.QueuedAt, &in.PromotedAt,
		); err != nil {
			return nil, err
		}
		insights = append(insights, &in)
	}
	return insights, rows.Err()
}

// Count returns the number of stored insights.
func (s *InsightStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM nexus_insights`).Scan(&count)
	return count, err
}
