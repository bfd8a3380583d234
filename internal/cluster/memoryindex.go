package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SimilarityThreshold is the cosine distance under which a new memory
// is considered a duplicate of its nearest neighbor.
const SimilarityThreshold = 0.12

// Memory is a long-lived record in the index.
type Memory struct {
	ID          string
	Text        string
	Embedding   []float32
	Type        string
	SourceAgent string
	SourceConv  string
	CreatedAt   int64
	AccessCount int64
}

// MemoryHit is one search result, ascending by distance.
type MemoryHit struct {
	ID         string
	Text       string
	Type       string
	SourceConv string
	Distance   float64
}

// MemoryIndexStats is a point-in-time counter snapshot.
type MemoryIndexStats struct {
	Stored          int64
	Searched        int64
	DuplicatesFound int64
	IndexAvailable  bool
}

// MemoryIndex stores embeddings alongside their text and answers
// nearest-neighbor queries. Vector search uses the broker's HNSW index
// when the search module is present; otherwise it degrades to an
// in-process scan.
//
// Record I/O runs on the binary connection so packed float32 payloads
// never mix with the coordination pool.
type MemoryIndex struct {
	rdb  *redis.Client // coordination state (hash set, counters)
	bin  *redis.Client // records with packed embeddings
	keys keyspace
	cfg  *Config
	log  zerolog.Logger

	indexAvailable atomic.Bool

	stored     atomic.Int64
	searched   atomic.Int64
	duplicates atomic.Int64
}

// NewMemoryIndex creates an index over the two broker connections.
func NewMemoryIndex(rdb, bin *redis.Client, cfg *Config, log zerolog.Logger) *MemoryIndex {
	return &MemoryIndex{
		rdb:  rdb,
		bin:  bin,
		keys: keyspace{prefix: cfg.KeyPrefix},
		cfg:  cfg,
		log:  log,
	}
}

// Start declares the vector index. A broker without the search module
// is not an error; the component flags itself degraded and every search
// falls back to scanning.
func (m *MemoryIndex) Start(ctx context.Context) error {
	err := m.bin.FTCreate(ctx, m.keys.memoryIndex(),
		&redis.FTCreateOptions{OnHash: true, Prefix: []any{m.keys.memory("")}},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{HNSWOptions: &redis.FTHNSWOptions{
				Type:           "FLOAT32",
				Dim:            m.cfg.VectorDims,
				DistanceMetric: "COSINE",
			}},
		},
		&redis.FieldSchema{FieldName: "memory_type", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "source_conv", FieldType: redis.SearchFieldTypeTag},
	).Err()

	switch {
	case err == nil:
		m.indexAvailable.Store(true)
		m.log.Info().Int("dims", m.cfg.VectorDims).Msg("vector index created")
	case strings.Contains(err.Error(), "already exists"):
		m.indexAvailable.Store(true)
	default:
		m.indexAvailable.Store(false)
		m.log.Warn().Err(err).Msg("vector index unavailable, searches fall back to scan")
	}
	return nil
}

// IndexAvailable reports whether HNSW search is active.
func (m *MemoryIndex) IndexAvailable() bool { return m.indexAvailable.Load() }

// Store writes a memory unless deduplication rejects it. Returns the
// new record's ID, or "" when the content was already known.
//
// Dedup stages: an existing ID only refreshes access stats; an exact
// content-hash match is dropped; with the vector index active, a
// nearest neighbor closer than SimilarityThreshold is dropped too.
func (m *MemoryIndex) Store(ctx context.Context, mem Memory) (string, error) {
	if len(mem.Embedding) != m.cfg.VectorDims {
		return "", &DimensionError{Want: m.cfg.VectorDims, Got: len(mem.Embedding)}
	}

	if mem.ID != "" {
		exists, err := m.bin.Exists(ctx, m.keys.memory(mem.ID)).Result()
		if err != nil {
			return "", err
		}
		if exists == 1 {
			m.duplicates.Add(1)
			m.touchAccess(ctx, mem.ID)
			return "", nil
		}
	}

	contentHash := hashText(mem.Text)
	_, err := m.rdb.ZScore(ctx, m.keys.memoryHashes(), contentHash).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if err == nil {
		m.duplicates.Add(1)
		return "", nil
	}

	if m.indexAvailable.Load() {
		hits, err := m.knn(ctx, mem.Embedding, 1, "", "")
		if err != nil {
			m.log.Warn().Err(err).Msg("nearest-neighbor dedup check failed")
		} else if len(hits) > 0 && hits[0].Distance < SimilarityThreshold {
			m.duplicates.Add(1)
			return "", nil
		}
	}

	id := mem.ID
	if id == "" {
		id = newMemoryID()
	}
	now := time.Now().Unix()

	pipe := m.bin.Pipeline()
	pipe.HSet(ctx, m.keys.memory(id),
		"id", id,
		"text", mem.Text,
		"embedding", packFloat32(mem.Embedding),
		"memory_type", mem.Type,
		"source_agent", mem.SourceAgent,
		"source_conv", mem.SourceConv,
		"content_hash", contentHash,
		"created_at", now,
		"access_count", 0,
		"last_accessed", now,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	if err := m.rdb.ZAdd(ctx, m.keys.memoryHashes(), redis.Z{Score: float64(now), Member: contentHash}).Err(); err != nil {
		return "", err
	}

	m.stored.Add(1)
	return id, nil
}

// Search returns up to limit memories nearest to the query embedding,
// optionally filtered by type and source conversation.
func (m *MemoryIndex) Search(ctx context.Context, embedding []float32, limit int, memoryType, sourceConv string) ([]MemoryHit, error) {
	if len(embedding) != m.cfg.VectorDims {
		return nil, &DimensionError{Want: m.cfg.VectorDims, Got: len(embedding)}
	}
	if limit <= 0 {
		limit = 10
	}
	m.searched.Add(1)

	if m.indexAvailable.Load() {
		hits, err := m.knn(ctx, embedding, limit, memoryType, sourceConv)
		if err == nil {
			return hits, nil
		}
		m.log.Warn().Err(err).Msg("vector search failed, falling back to scan")
	}
	return m.scanSearch(ctx, embedding, limit, memoryType, sourceConv)
}

func (m *MemoryIndex) knn(ctx context.Context, embedding []float32, k int, memoryType, sourceConv string) ([]MemoryHit, error) {
	filter := "*"
	var clauses []string
	if memoryType != "" {
		clauses = append(clauses, "@memory_type:{"+escapeTag(memoryType)+"}")
	}
	if sourceConv != "" {
		clauses = append(clauses, "@source_conv:{"+escapeTag(sourceConv)+"}")
	}
	if len(clauses) > 0 {
		filter = "(" + strings.Join(clauses, " ") + ")"
	}
	query := filter + "=>[KNN $k @embedding $vec AS score]"

	res, err := m.bin.FTSearchWithArgs(ctx, m.keys.memoryIndex(), query, &redis.FTSearchOptions{
		Params: map[string]interface{}{
			"k":   k,
			"vec": packFloat32(embedding),
		},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "score", Asc: true}},
		Return:         []redis.FTSearchReturn{{FieldName: "text"}, {FieldName: "memory_type"}, {FieldName: "source_conv"}, {FieldName: "score"}},
		LimitOffset:    0,
		Limit:          k,
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, err
	}

	hits := make([]MemoryHit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		hit := MemoryHit{
			ID:         strings.TrimPrefix(doc.ID, m.keys.memory("")),
			Text:       doc.Fields["text"],
			Type:       doc.Fields["memory_type"],
			SourceConv: doc.Fields["source_conv"],
		}
		hit.Distance, _ = strconv.ParseFloat(doc.Fields["score"], 64)
		hits = append(hits, hit)
	}
	return hits, nil
}

// scanSearch is the degraded path: walk every record and rank in
// process. Cost is O(n) per query, acceptable only for small corpora.
func (m *MemoryIndex) scanSearch(ctx context.Context, embedding []float32, limit int, memoryType, sourceConv string) ([]MemoryHit, error) {
	var hits []MemoryHit

	iter := m.bin.Scan(ctx, 0, m.keys.memoryPattern(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := m.bin.HMGet(ctx, key, "text", "memory_type", "source_conv", "embedding").Result()
		if err != nil {
			continue
		}
		text, _ := vals[0].(string)
		memType, _ := vals[1].(string)
		conv, _ := vals[2].(string)
		raw, _ := vals[3].(string)
		if memoryType != "" && memType != memoryType {
			continue
		}
		if sourceConv != "" && conv != sourceConv {
			continue
		}
		vec := unpackFloat32(raw)
		if len(vec) != len(embedding) {
			continue
		}
		hits = append(hits, MemoryHit{
			ID:         strings.TrimPrefix(key, m.keys.memory("")),
			Text:       text,
			Type:       memType,
			SourceConv: conv,
			Distance:   cosineDistance(embedding, vec),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Get returns one memory record with its embedding, bumping its access
// stats.
func (m *MemoryIndex) Get(ctx context.Context, id string) (*Memory, error) {
	fields, err := m.bin.HGetAll(ctx, m.keys.memory(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	m.touchAccess(ctx, id)

	mem := &Memory{
		ID:          fields["id"],
		Text:        fields["text"],
		Embedding:   unpackFloat32(fields["embedding"]),
		Type:        fields["memory_type"],
		SourceAgent: fields["source_agent"],
		SourceConv:  fields["source_conv"],
	}
	mem.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	mem.AccessCount, _ = strconv.ParseInt(fields["access_count"], 10, 64)
	return mem, nil
}

// Delete removes a record and its content-hash entry.
func (m *MemoryIndex) Delete(ctx context.Context, id string) error {
	contentHash, err := m.bin.HGet(ctx, m.keys.memory(id), "content_hash").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := m.bin.Del(ctx, m.keys.memory(id)).Err(); err != nil {
		return err
	}
	return m.rdb.ZRem(ctx, m.keys.memoryHashes(), contentHash).Err()
}

// Count returns the number of stored memories.
func (m *MemoryIndex) Count(ctx context.Context) (int64, error) {
	return m.rdb.ZCard(ctx, m.keys.memoryHashes()).Result()
}

func (m *MemoryIndex) touchAccess(ctx context.Context, id string) {
	pipe := m.bin.Pipeline()
	pipe.HIncrBy(ctx, m.keys.memory(id), "access_count", 1)
	pipe.HSet(ctx, m.keys.memory(id), "last_accessed", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Debug().Err(err).Str("memory_id", id).Msg("failed to bump access stats")
	}
}

// Stats returns current index counters.
func (m *MemoryIndex) Stats() MemoryIndexStats {
	return MemoryIndexStats{
		Stored:          m.stored.Load(),
		Searched:        m.searched.Load(),
		DuplicatesFound: m.duplicates.Load(),
		IndexAvailable:  m.indexAvailable.Load(),
	}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

// packFloat32 encodes a vector as native-endian float32 bytes, the
// layout the broker's vector index expects.
func packFloat32(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackFloat32(raw string) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.NativeEndian.Uint32([]byte(raw[i*4 : i*4+4])))
	}
	return vec
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func escapeTag(v string) string {
	r := strings.NewReplacer("-", "\\-", ".", "\\.", ":", "\\:", " ", "\\ ")
	return r.Replace(v)
}
