package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// createDocumentScript inserts the document hash only when the key is absent
// and registers it in the owner's index set.
var createDocumentScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// transitionScript swaps status and payload only if status still equals ARGV[1].
// Returns -1 when the document does not exist, 0 on conflict, 1 on success.
var transitionScript = rueidis.NewLuaScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
return 1
`)

// RedisConfig holds connection parameters for the Redis store.
type RedisConfig struct {
	Addrs     []string
	Password  string
	KeyPrefix string
}

// RedisStore keeps each document as a hash {status, data} so that
// transitions can be compare-and-set in a single script.
type RedisStore struct {
	client rueidis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis via rueidis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Password:     cfg.Password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "medrag:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client rueidis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// WaitForReady polls Health until Redis responds or timeout expires.
func (s *RedisStore) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for redis: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Health(ctx); err == nil {
				return nil
			}
		}
	}
}

func (s *RedisStore) documentKey(id string) string { return s.prefix + "document:" + id }
func (s *RedisStore) userKey(userID string) string { return s.prefix + "user:" + userID + ":documents" }
func (s *RedisStore) analysisKey(id string) string { return s.prefix + "analysis:" + id }
func (s *RedisStore) userAnalysesKey(userID string) string {
	return s.prefix + "user:" + userID + ":analyses"
}

func (s *RedisStore) CreateDocument(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return persistence("encode document", err)
	}

	keys := []string{s.documentKey(doc.ID), s.userKey(doc.UserID)}
	n, err := createDocumentScript.Exec(ctx, s.client, keys, []string{string(doc.Status), string(data), doc.ID}).AsInt64()
	if err != nil {
		return persistence("create document", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.documentKey(id)).Build()).AsStrMap()
	if err != nil {
		return nil, persistence("get document", err)
	}
	data, ok := m["data"]
	if !ok {
		return nil, ErrNotFound
	}

	var doc Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, persistence("decode document", err)
	}
	doc.Status = Status(m["status"])
	return &doc, nil
}

// Transition reads the document, applies t in memory and writes it back only
// if the stored status is still t.From.
func (s *RedisStore) Transition(ctx context.Context, id string, t Transition) error {
	if err := validateTransition(t); err != nil {
		return err
	}

	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status != t.From {
		return ErrStatusConflict
	}

	t.apply(doc)
	data, err := json.Marshal(doc)
	if err != nil {
		return persistence("encode document", err)
	}

	n, err := transitionScript.Exec(ctx, s.client, []string{s.documentKey(id)},
		[]string{string(t.From), string(t.To), string(data)}).AsInt64()
	if err != nil {
		return persistence("update status", err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrStatusConflict
	}
	return nil
}

func (s *RedisStore) ListDocuments(ctx context.Context, userID string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.userKey(userID)).Build()).AsStrSlice()
	if err != nil {
		return nil, persistence("list documents", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make(rueidis.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = s.client.B().Hgetall().Key(s.documentKey(id)).Build()
	}

	docs := make([]*Document, 0, len(ids))
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		m, err := res.AsStrMap()
		if err != nil {
			return nil, persistence(fmt.Sprintf("get document %s", ids[i]), err)
		}
		data, ok := m["data"]
		if !ok {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, persistence("decode document", err)
		}
		doc.Status = Status(m["status"])
		docs = append(docs, &doc)
	}

	sortNewestFirst(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *RedisStore) SaveAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return persistence("encode analysis", err)
	}

	cmd := s.client.B().Set().Key(s.analysisKey(rec.ID)).Value(string(data)).Nx().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return ErrAlreadyExists
		}
		return persistence("save analysis", err)
	}

	cmd = s.client.B().Sadd().Key(s.userAnalysesKey(rec.UserID)).Member(rec.ID).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return persistence("index analysis", err)
	}
	return nil
}

func (s *RedisStore) GetAnalysis(ctx context.Context, id string) (*AnalysisRecord, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.analysisKey(id)).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, persistence("get analysis", err)
	}

	var rec AnalysisRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, persistence("decode analysis", err)
	}
	return &rec, nil
}

func (s *RedisStore) ListAnalyses(ctx context.Context, userID string, limit int) ([]*AnalysisRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.userAnalysesKey(userID)).Build()).AsStrSlice()
	if err != nil {
		return nil, persistence("list analyses", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make(rueidis.Commands, len(ids))
	for i, id := range ids {
		cmds[i] = s.client.B().Get().Key(s.analysisKey(id)).Build()
	}

	recs := make([]*AnalysisRecord, 0, len(ids))
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		data, err := res.ToString()
		if rueidis.IsRedisNil(err) {
			continue
		}
		if err != nil {
			return nil, persistence(fmt.Sprintf("get analysis %s", ids[i]), err)
		}
		var rec AnalysisRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, persistence("decode analysis", err)
		}
		recs = append(recs, &rec)
	}

	sortAnalysesNewestFirst(recs)
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return persistence("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	s.client.Close()
	return nil
}
