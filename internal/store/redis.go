package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pentoshi007/vortex/internal/ioc"
)

// Redis key layout. Indicator documents are JSON blobs keyed by the
// canonical (type, value) id; sorted sets index last_seen, created_at and
// the last enrichment time for candidate selection.
const (
	keyIndicatorPrefix = "vortex:ioc:"
	keyIdxLastSeen     = "vortex:idx:last_seen"
	keyIdxCreated      = "vortex:idx:created"
	keyIdxEnriched     = "vortex:idx:enriched"
	keyRunPrefix       = "vortex:run:"
	keyRunList         = "vortex:runs"

	runListMax = 500
)

// Config holds Redis connection settings.
type Config struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:6379",
		DB:       0,
		PoolSize: 10,
	}
}

// RedisStore implements IndicatorStore and RunStore on a single Redis
// instance.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: os.Getenv(cfg.PasswordEnv),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the backing connection, for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func indicatorKey(id string) string {
	return keyIndicatorPrefix + id
}

// enrichedScore is the index score for candidate selection: the unix time
// of the last enrichment, or 0 when the indicator was never enriched so it
// sorts as immediately due.
func enrichedScore(ind *ioc.Indicator) float64 {
	if ind.VT == nil {
		return 0
	}
	return float64(ind.VT.ScanDate.Unix())
}

// indexIndicator writes the three secondary indexes for a document.
func indexIndicator(ctx context.Context, pipe redis.Pipeliner, ind *ioc.Indicator) {
	id := ind.Key()
	pipe.ZAdd(ctx, keyIdxLastSeen, redis.Z{Score: float64(ind.LastSeen.Unix()), Member: id})
	pipe.ZAdd(ctx, keyIdxCreated, redis.Z{Score: float64(ind.CreatedAt.Unix()), Member: id})
	pipe.ZAdd(ctx, keyIdxEnriched, redis.Z{Score: enrichedScore(ind), Member: id})
}

// FindByKey implements IndicatorStore.
func (s *RedisStore) FindByKey(ctx context.Context, t ioc.Type, value string) (*ioc.Indicator, error) {
	data, err := s.client.Get(ctx, indicatorKey(ioc.Key(t, value))).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ind ioc.Indicator
	if err := json.Unmarshal(data, &ind); err != nil {
		return nil, fmt.Errorf("decoding indicator %s:%s: %w", t, value, err)
	}
	return &ind, nil
}

// FindByKeysBatch implements IndicatorStore using a single MGET.
func (s *RedisStore) FindByKeysBatch(ctx context.Context, t ioc.Type, values []string) (map[string]*ioc.Indicator, error) {
	if len(values) == 0 {
		return map[string]*ioc.Indicator{}, nil
	}
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = indicatorKey(ioc.Key(t, v))
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string]*ioc.Indicator, len(values))
	for i, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		var ind ioc.Indicator
		if err := json.Unmarshal([]byte(str), &ind); err != nil {
			s.logger.Warn("Skipping undecodable indicator document", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[values[i]] = &ind
	}
	return out, nil
}

// Insert implements IndicatorStore, enforcing the unique key with SETNX.
func (s *RedisStore) Insert(ctx context.Context, ind *ioc.Indicator) error {
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("encoding indicator: %w", err)
	}
	set, err := s.client.SetNX(ctx, indicatorKey(ind.Key()), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, ind.Key())
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		indexIndicator(ctx, pipe, ind)
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing indicator: %w", err)
	}
	return nil
}

// UpdateByID implements IndicatorStore with a full-document replace.
func (s *RedisStore) UpdateByID(ctx context.Context, ind *ioc.Indicator) error {
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("encoding indicator: %w", err)
	}
	key := indicatorKey(ind.Key())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ind.Key())
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		indexIndicator(ctx, pipe, ind)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update: %w", err)
	}
	return nil
}

// BulkWrite implements IndicatorStore. Writes are pipelined unordered and
// each op's outcome is inspected individually, so one rejected write never
// aborts its siblings.
func (s *RedisStore) BulkWrite(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var result BulkResult
	if len(ops) == 0 {
		return result, nil
	}

	docCmds := make([]redis.Cmder, len(ops))
	_, pipeErr := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			switch {
			case op.Insert != nil:
				data, err := json.Marshal(op.Insert)
				if err != nil {
					continue
				}
				docCmds[i] = pipe.SetNX(ctx, indicatorKey(op.Insert.Key()), data, 0)
				indexIndicator(ctx, pipe, op.Insert)
			case op.Update != nil:
				data, err := json.Marshal(op.Update)
				if err != nil {
					continue
				}
				docCmds[i] = pipe.Set(ctx, indicatorKey(op.Update.Key()), data, 0)
				indexIndicator(ctx, pipe, op.Update)
			}
		}
		return nil
	})

	for i, op := range ops {
		cmd := docCmds[i]
		if cmd == nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("op %d: unencodable document", i))
			continue
		}
		if err := cmd.Err(); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("op %d: %w", i, err))
			continue
		}
		if setnx, ok := cmd.(*redis.BoolCmd); ok && op.Insert != nil {
			if inserted, _ := setnx.Result(); !inserted {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Errorf("op %d: %w: %s", i, ErrDuplicateKey, op.Insert.Key()))
				continue
			}
			result.Inserted++
			continue
		}
		result.Updated++
	}

	// A transport-level failure is fatal; per-command errors are not.
	if pipeErr != nil && result.Inserted == 0 && result.Updated == 0 {
		return result, fmt.Errorf("redis bulk write: %w", pipeErr)
	}
	return result, nil
}

// FindEnrichmentCandidates implements IndicatorStore. Candidates are the
// union of "never enriched or enriched before cutoff" and "created after
// cutoff", in index order.
func (s *RedisStore) FindEnrichmentCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*ioc.Indicator, error) {
	ids, err := s.candidateIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = indicatorKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]*ioc.Indicator, 0, len(ids))
	for i, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		var ind ioc.Indicator
		if err := json.Unmarshal([]byte(str), &ind); err != nil {
			s.logger.Warn("Skipping undecodable indicator document", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, &ind)
	}
	return out, nil
}

// CountEnrichmentCandidates implements IndicatorStore.
func (s *RedisStore) CountEnrichmentCandidates(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.candidateIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *RedisStore) candidateIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffScore := strconv.FormatInt(cutoff.Unix(), 10)

	stale, err := s.client.ZRangeByScore(ctx, keyIdxEnriched, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + cutoffScore,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore enriched: %w", err)
	}
	recent, err := s.client.ZRangeByScore(ctx, keyIdxCreated, &redis.ZRangeBy{
		Min: cutoffScore,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore created: %w", err)
	}

	seen := make(map[string]struct{}, len(stale)+len(recent))
	ids := make([]string, 0, len(stale)+len(recent))
	for _, id := range append(stale, recent...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteNotSeenSince implements IndicatorStore.
func (s *RedisStore) DeleteNotSeenSince(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyIdxLastSeen, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore last_seen: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		keys[i] = indicatorKey(id)
		members[i] = id
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, keyIdxLastSeen, members...)
		pipe.ZRem(ctx, keyIdxCreated, members...)
		pipe.ZRem(ctx, keyIdxEnriched, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete: %w", err)
	}
	return len(ids), nil
}

// CountAll implements IndicatorStore.
func (s *RedisStore) CountAll(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, keyIdxLastSeen).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return n, nil
}

// Create implements RunStore.
func (s *RedisStore) Create(ctx context.Context, rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run record: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyRunPrefix+rec.ID, data, 0)
		pipe.LPush(ctx, keyRunList, rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis run create: %w", err)
	}

	// Delete the documents of ids falling off the retained window before
	// trimming the list, so evicted run records do not accumulate.
	evicted, err := s.client.LRange(ctx, keyRunList, runListMax, -1).Result()
	if err != nil {
		return fmt.Errorf("redis run evict scan: %w", err)
	}
	if len(evicted) == 0 {
		return nil
	}
	keys := make([]string, len(evicted))
	for i, id := range evicted {
		keys[i] = keyRunPrefix + id
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.LTrim(ctx, keyRunList, 0, runListMax-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis run evict: %w", err)
	}
	return nil
}

// Finalize implements RunStore, rewriting the record in place.
func (s *RedisStore) Finalize(ctx context.Context, rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run record: %w", err)
	}
	if err := s.client.Set(ctx, keyRunPrefix+rec.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis run finalize: %w", err)
	}
	return nil
}

// Recent implements RunStore, newest first.
func (s *RedisStore) Recent(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.LRange(ctx, keyRunList, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange runs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyRunPrefix + id
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget runs: %w", err)
	}
	out := make([]*RunRecord, 0, len(ids))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
