package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// It provides distributed session storage suitable for multi-node
// deployments; conditional session writes use WATCH so the live turn path
// and the scheduled sweeps cannot clobber each other.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "dishhub:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dishhub:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dishhub:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) phoneKey(restaurantID, phone string) string {
	return s.prefix + "phone:" + restaurantID + ":" + phone
}

func (s *RedisStore) activeIndexKey() string {
	return s.prefix + "index:active"
}

func (s *RedisStore) debounceIndexKey() string {
	return s.prefix + "index:debounce"
}

func (s *RedisStore) orderKey(orderID string) string {
	return s.prefix + "order:" + orderID
}

func (s *RedisStore) customerOrdersKey(restaurantID, phone string) string {
	return s.prefix + "orders:" + restaurantID + ":" + phone
}

func (s *RedisStore) restaurantKey(restaurantID string) string {
	return s.prefix + "restaurant:" + restaurantID
}

func (s *RedisStore) agentConfigKey(restaurantID string) string {
	return s.prefix + "agentconfig:" + restaurantID
}

func (s *RedisStore) summaryKey(summaryID string) string {
	return s.prefix + "summary:" + summaryID
}

func (s *RedisStore) sessionSummariesKey(sessionID string) string {
	return s.prefix + "summaries:" + sessionID
}

func (s *RedisStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// indexSession keeps the active and debounce-pending indexes in sync with
// the session's current flags.
func (s *RedisStore) indexSession(ctx context.Context, pipe redis.Pipeliner, sess *Session) {
	if sess.Status == StatusActive {
		pipe.SAdd(ctx, s.activeIndexKey(), sess.ID)
	} else {
		pipe.SRem(ctx, s.activeIndexKey(), sess.ID)
	}
	if sess.Metadata.DebounceActive {
		pipe.SAdd(ctx, s.debounceIndexKey(), sess.ID)
	} else {
		pipe.SRem(ctx, s.debounceIndexKey(), sess.ID)
	}
}

// CreateSession persists a new session and assigns its initial version.
func (s *RedisStore) CreateSession(ctx context.Context, sess *Session) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	if sess.Version == 0 {
		sess.Version = 1
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
	pipe.Set(ctx, s.phoneKey(sess.RestaurantID, sess.CustomerPhone), sess.ID, 0)
	s.indexSession(ctx, pipe, sess)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// GetSessionByPhone retrieves the session bound to a customer phone.
func (s *RedisStore) GetSessionByPhone(ctx context.Context, restaurantID, phone string) (*Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	sessionID, err := s.client.Get(ctx, s.phoneKey(restaurantID, phone)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get phone index: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// UpdateSession performs a version-checked write of the session.
// The WATCH/MULTI cycle aborts when another writer touched the key between
// the read and the write; both that abort and a version mismatch surface as
// ErrVersionConflict so callers reload and retry or skip.
func (s *RedisStore) UpdateSession(ctx context.Context, sess *Session) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	key := s.sessionKey(sess.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}

		var current Session
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if current.Version != sess.Version {
			return ErrVersionConflict
		}

		next := *sess
		next.Version++
		buf, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			s.indexSession(ctx, pipe, &next)
			return nil
		})
		if err != nil {
			return err
		}

		sess.Version = next.Version
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// loadIndexed loads each indexed session, pruning dangling index entries of
// sessions that were deleted out of band.
func (s *RedisStore) loadIndexed(ctx context.Context, indexKey string) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	sort.Strings(ids)

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				s.client.SRem(ctx, indexKey, id)
				continue
			}
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ListDebouncePending returns sessions with an active debounce window.
func (s *RedisStore) ListDebouncePending(ctx context.Context) ([]*Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	return s.loadIndexed(ctx, s.debounceIndexKey())
}

// ListActiveIdleSince returns active sessions idle past the cutoff.
func (s *RedisStore) ListActiveIdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	sessions, err := s.loadIndexed(ctx, s.activeIndexKey())
	if err != nil {
		return nil, err
	}

	idle := sessions[:0]
	for _, sess := range sessions {
		if sess.LastMessageAt.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle, nil
}

// SaveOrder persists an order and indexes it for customer history.
func (s *RedisStore) SaveOrder(ctx context.Context, order *Order) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.orderKey(order.ID), data, 0)
	pipe.RPush(ctx, s.customerOrdersKey(order.RestaurantID, order.CustomerPhone), order.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// RecentOrders returns up to n most recent completed orders, newest first.
func (s *RedisStore) RecentOrders(ctx context.Context, restaurantID, phone string, n int) ([]*Order, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := s.client.LRange(ctx, s.customerOrdersKey(restaurantID, phone), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]*Order, 0, n)
	for i := len(ids) - 1; i >= 0 && len(orders) < n; i-- {
		data, err := s.client.Get(ctx, s.orderKey(ids[i])).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("get order: %w", err)
		}
		var order Order
		if err := json.Unmarshal(data, &order); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		if order.Status != "completed" {
			continue
		}
		orders = append(orders, &order)
	}
	return orders, nil
}

// SaveRestaurant persists restaurant data.
func (s *RedisStore) SaveRestaurant(ctx context.Context, r *Restaurant) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal restaurant: %w", err)
	}
	if err := s.client.Set(ctx, s.restaurantKey(r.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save restaurant: %w", err)
	}
	return nil
}

// GetRestaurant retrieves restaurant data.
func (s *RedisStore) GetRestaurant(ctx context.Context, restaurantID string) (*Restaurant, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.restaurantKey(restaurantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get restaurant: %w", err)
	}

	var r Restaurant
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal restaurant: %w", err)
	}
	return &r, nil
}

// SaveAgentConfig persists an agent configuration.
func (s *RedisStore) SaveAgentConfig(ctx context.Context, cfg *AgentConfig) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	if err := s.client.Set(ctx, s.agentConfigKey(cfg.RestaurantID), data, 0).Err(); err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}

// GetAgentConfig retrieves the agent configuration for a restaurant.
func (s *RedisStore) GetAgentConfig(ctx context.Context, restaurantID string) (*AgentConfig, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.agentConfigKey(restaurantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent config: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}
	return &cfg, nil
}

// SaveSummary persists a session summary.
func (s *RedisStore) SaveSummary(ctx context.Context, summary *SessionSummary) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.summaryKey(summary.ID), data, 0)
	pipe.RPush(ctx, s.sessionSummariesKey(summary.SessionID), summary.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LatestSummary returns the most recent summary for a session.
func (s *RedisStore) LatestSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	summaryID, err := s.client.LIndex(ctx, s.sessionSummariesKey(sessionID), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest summary index: %w", err)
	}

	data, err := s.client.Get(ctx, s.summaryKey(summaryID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get summary: %w", err)
	}

	var summary SessionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &summary, nil
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}
