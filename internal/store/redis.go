package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-decision-engine/internal/antiflip"
	"trade-decision-engine/internal/dedup"
	"trade-decision-engine/internal/lifecycle"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

const (
	keyPrefixPosition   = "engine:position:"
	keyLastSignalPrefix = "engine:antiflip:last:"
	keyDedupEntries     = "engine:dedup:entries"

	// Redis entries self-expire so a long-dead engine leaves no stale
	// restart state behind.
	positionTTL = 48 * time.Hour
	guardTTL    = 24 * time.Hour
	dedupTTL    = time.Hour
)

// RestartStore keeps the short-window restart state (open position
// snapshots, the anti-flip guard's last signal, recent dedup keys) in
// Redis, falling back to an in-process map when Redis is unreachable so
// the engine keeps running with reduced durability.
type RestartStore struct {
	client         *redis.Client
	redisAvailable atomic.Bool
	logger         zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string // fallback, key -> JSON payload
}

// NewRestartStore connects to Redis; a failed ping degrades to
// memory-only mode instead of failing construction. A nil-address
// config is memory-only by request.
func NewRestartStore(cfg RedisConfig, logger zerolog.Logger) *RestartStore {
	s := &RestartStore{
		logger: logger.With().Str("component", "RestartStore").Logger(),
		cache:  make(map[string]string),
	}
	if cfg.Addr == "" {
		s.logger.Info().Msg("No Redis address configured, using in-memory state only")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory state")
	} else {
		s.redisAvailable.Store(true)
		s.logger.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	}
	return s
}

// Close releases the Redis connection
func (s *RestartStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Available reports whether Redis itself is reachable
func (s *RestartStore) Available() bool {
	return s.redisAvailable.Load()
}

func (s *RestartStore) set(ctx context.Context, key, payload string, ttl time.Duration) error {
	s.mu.Lock()
	s.cache[key] = payload
	s.mu.Unlock()

	if !s.redisAvailable.Load() {
		return nil
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		s.redisAvailable.Store(false)
		s.logger.Warn().Err(err).Str("key", key).Msg("Redis write failed, in-memory copy retained")
		return nil
	}
	return nil
}

func (s *RestartStore) get(ctx context.Context, key string) (string, bool) {
	if s.redisAvailable.Load() {
		val, err := s.client.Get(ctx, key).Result()
		if err == nil {
			return val, true
		}
		if err != redis.Nil {
			s.redisAvailable.Store(false)
			s.logger.Warn().Err(err).Str("key", key).Msg("Redis read failed, using in-memory copy")
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.cache[key]
	return val, ok
}

func (s *RestartStore) del(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if s.redisAvailable.Load() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.redisAvailable.Store(false)
			s.logger.Warn().Err(err).Str("key", key).Msg("Redis delete failed")
		}
	}
}

// SavePositionSnapshot stores a position's current state for restart recovery
func (s *RestartStore) SavePositionSnapshot(ctx context.Context, p *lifecycle.Position) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position snapshot: %w", err)
	}
	return s.set(ctx, keyPrefixPosition+p.ID, string(payload), positionTTL)
}

// DeletePositionSnapshot drops a closed position's restart state
func (s *RestartStore) DeletePositionSnapshot(ctx context.Context, id string) {
	s.del(ctx, keyPrefixPosition+id)
}

// LoadPositionSnapshots returns every stored position snapshot
func (s *RestartStore) LoadPositionSnapshots(ctx context.Context) ([]*lifecycle.Position, error) {
	var payloads []string
	if s.redisAvailable.Load() {
		keys, err := s.client.Keys(ctx, keyPrefixPosition+"*").Result()
		if err != nil {
			s.redisAvailable.Store(false)
			s.logger.Warn().Err(err).Msg("Redis scan failed, using in-memory copies")
		} else {
			for _, k := range keys {
				if val, err := s.client.Get(ctx, k).Result(); err == nil {
					payloads = append(payloads, val)
				}
			}
		}
	}
	if payloads == nil {
		s.mu.RLock()
		for k, v := range s.cache {
			if len(k) > len(keyPrefixPosition) && k[:len(keyPrefixPosition)] == keyPrefixPosition {
				payloads = append(payloads, v)
			}
		}
		s.mu.RUnlock()
	}

	out := make([]*lifecycle.Position, 0, len(payloads))
	for _, raw := range payloads {
		var p lifecycle.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping corrupt position snapshot")
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// SaveLastSignal persists the anti-flip guard's last signal per symbol
func (s *RestartStore) SaveLastSignal(ctx context.Context, symbol string, last *antiflip.LastSignal) error {
	if last == nil {
		s.del(ctx, keyLastSignalPrefix+symbol)
		return nil
	}
	payload, err := json.Marshal(last)
	if err != nil {
		return fmt.Errorf("marshal last signal: %w", err)
	}
	return s.set(ctx, keyLastSignalPrefix+symbol, string(payload), guardTTL)
}

// LoadLastSignal returns the persisted last signal for a symbol, or nil
func (s *RestartStore) LoadLastSignal(ctx context.Context, symbol string) (*antiflip.LastSignal, error) {
	raw, ok := s.get(ctx, keyLastSignalPrefix+symbol)
	if !ok {
		return nil, nil
	}
	var last antiflip.LastSignal
	if err := json.Unmarshal([]byte(raw), &last); err != nil {
		return nil, fmt.Errorf("unmarshal last signal: %w", err)
	}
	return &last, nil
}

// SaveDedupEntries persists the dedup cache contents so a quick restart
// does not re-process executions still inside the dedup window
func (s *RestartStore) SaveDedupEntries(ctx context.Context, entries []dedup.Entry) error {
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal dedup entries: %w", err)
	}
	return s.set(ctx, keyDedupEntries, string(payload), dedupTTL)
}

// LoadDedupEntries returns the persisted dedup entries, empty when none
func (s *RestartStore) LoadDedupEntries(ctx context.Context) ([]dedup.Entry, error) {
	raw, ok := s.get(ctx, keyDedupEntries)
	if !ok {
		return nil, nil
	}
	var entries []dedup.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("unmarshal dedup entries: %w", err)
	}
	return entries, nil
}
