package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	canonKeyPrefix      = "rbac:canon"
	generationKeyPrefix = "rbac:gen:"
	// InvalidationChannel carries evicted canon keys between processes.
	InvalidationChannel = "rbac.invalidate"
)

// ErrCacheMiss is returned by a Store when the key does not exist.
var ErrCacheMiss = errors.New("rbac: cache miss")

// Store is the shared key-value store holding canon entries. Every key has a
// generation that Del advances; a resolve reads it first and writes back with
// SetIfGeneration, so an entry resolved before an eviction is never stored
// after it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Generation(ctx context.Context, key string) (int64, error)
	SetIfGeneration(ctx context.Context, key string, gen int64, value []byte) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Broadcaster fans key evictions out to every process holding a local copy.
type Broadcaster interface {
	Publish(ctx context.Context, keys []string) error
	Subscribe(ctx context.Context, fn func(keys []string)) error
}

// RedisStore implements Store and Broadcaster on Redis. Entries never expire.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get loads a raw entry.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrCacheUnavailable, err)
	}
	return payload, nil
}

// KEYS[1] entry, KEYS[2] generation; ARGV[1] expected generation, ARGV[2] value.
var setIfGenerationScript = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if not current then
	current = "0"
end
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

func generationKey(key string) string {
	return generationKeyPrefix + key
}

// Generation returns the eviction counter of key, zero if never evicted.
func (s *RedisStore) Generation(ctx context.Context, key string) (int64, error) {
	gen, err := s.client.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: generation: %v", ErrCacheUnavailable, err)
	}
	return gen, nil
}

// SetIfGeneration stores value when key is still at generation gen and
// reports whether it did.
func (s *RedisStore) SetIfGeneration(ctx context.Context, key string, gen int64, value []byte) (bool, error) {
	stored, err := setIfGenerationScript.Run(ctx, s.client, []string{key, generationKey(key)}, gen, value).Int()
	if err != nil {
		return false, fmt.Errorf("%w: set: %v", ErrCacheUnavailable, err)
	}
	return stored == 1, nil
}

// Del removes entries and advances their generations in one transaction.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Incr(ctx, generationKey(key))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: del: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Publish announces evicted keys on InvalidationChannel.
func (s *RedisStore) Publish(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Publish(ctx, InvalidationChannel, strings.Join(keys, "\n")).Err()
}

// Subscribe calls fn for every eviction message until ctx is cancelled.
func (s *RedisStore) Subscribe(ctx context.Context, fn func(keys []string)) error {
	pubsub := s.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload != "" {
					fn(strings.Split(msg.Payload, "\n"))
				}
			}
		}
	}()
	return nil
}

// CanonResolver produces a fresh canon.
type CanonResolver interface {
	Resolve(ctx context.Context, tenant, userID string) (Canon, error)
}

// RoleMemberLister finds the users currently holding a role.
type RoleMemberLister interface {
	UsersForRole(ctx context.Context, tenant, roleID string) ([]string, error)
}

// CacheObserver records cache outcomes: local_hit, hit, miss, error.
type CacheObserver interface {
	ObserveCanonCache(outcome string)
}

// Entry is the cached value for one (tenant, user).
type Entry struct {
	CanonHash string    `json:"canonHash"`
	Canon     Canon     `json:"canon"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CacheConfig tunes the optional in-process layer.
type CacheConfig struct {
	// LocalSize enables an in-process LRU in front of the store when > 0.
	LocalSize int
	LocalTTL  time.Duration
	Observer  CacheObserver
}

// CanonCache keeps canons keyed by (tenant, user). The store is the source of
// truth until an explicit invalidation; there is no expiry on stored entries.
type CanonCache struct {
	store    Store
	resolver CanonResolver
	members  RoleMemberLister
	logger   *slog.Logger
	observer CacheObserver
	local    *expirable.LRU[string, Entry]
	bus      Broadcaster
	now      func() time.Time

	// epoch advances on every local eviction; a lookup that started in an
	// older epoch does not populate the local layer.
	mu    sync.Mutex
	epoch uint64
}

// NewCanonCache wires the cache. When the store can broadcast, evictions are
// published so peers drop their local copies.
func NewCanonCache(store Store, resolver CanonResolver, members RoleMemberLister, logger *slog.Logger, cfg CacheConfig) *CanonCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CanonCache{
		store:    store,
		resolver: resolver,
		members:  members,
		logger:   logger,
		observer: cfg.Observer,
		now:      time.Now,
	}
	if cfg.LocalSize > 0 {
		ttl := cfg.LocalTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		c.local = expirable.NewLRU[string, Entry](cfg.LocalSize, nil, ttl)
	}
	if bus, ok := store.(Broadcaster); ok {
		c.bus = bus
	}
	return c
}

// Listen subscribes to peer evictions. It is a no-op without a local layer.
func (c *CanonCache) Listen(ctx context.Context) error {
	if c.local == nil || c.bus == nil {
		return nil
	}
	return c.bus.Subscribe(ctx, c.forget)
}

// GetOrResolve returns the cached canon or resolves and stores a fresh one.
func (c *CanonCache) GetOrResolve(ctx context.Context, tenant, userID string) (Canon, error) {
	entry, err := c.Lookup(ctx, tenant, userID)
	if err != nil {
		return Canon{}, err
	}
	return entry.Canon, nil
}

// Lookup is GetOrResolve returning the whole entry, hash included. Store
// failures are logged and handled as a miss.
func (c *CanonCache) Lookup(ctx context.Context, tenant, userID string) (Entry, error) {
	key := CanonKey(tenant, userID)
	epoch := c.currentEpoch()
	if c.local != nil {
		if entry, ok := c.local.Get(key); ok {
			c.observe("local_hit")
			return entry, nil
		}
	}

	if entry, ok := c.read(ctx, key); ok {
		c.observe("hit")
		c.remember(key, entry, epoch)
		return entry, nil
	}

	gen, genErr := c.store.Generation(ctx, key)
	if genErr != nil {
		c.observe("error")
		c.logger.Warn("canon cache generation unreadable, not storing", slog.String("key", key), slog.Any("error", genErr))
	}

	canon, err := c.resolver.Resolve(ctx, tenant, userID)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{CanonHash: canon.Hash(), Canon: canon, UpdatedAt: c.now().UTC()}
	if canon.Degraded || genErr != nil {
		return entry, nil
	}
	if c.write(ctx, key, gen, entry) {
		c.remember(key, entry, epoch)
	}
	return entry, nil
}

func (c *CanonCache) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *CanonCache) remember(key string, entry Entry, epoch uint64) {
	if c.local == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.local.Add(key, entry)
}

func (c *CanonCache) forget(keys []string) {
	if c.local == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, k := range keys {
		c.local.Remove(k)
	}
}

func (c *CanonCache) read(ctx context.Context, key string) (Entry, bool) {
	payload, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			c.observe("miss")
		} else {
			c.observe("error")
			c.logger.Warn("canon cache read failed, resolving directly", slog.String("key", key), slog.Any("error", err))
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		c.observe("error")
		c.logger.Warn("canon cache entry unreadable", slog.String("key", key), slog.Any("error", err))
		return Entry{}, false
	}
	return entry, true
}

// write stores entry unless key was evicted after gen was read.
func (c *CanonCache) write(ctx context.Context, key string, gen int64, entry Entry) bool {
	payload, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("canon cache encode failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	stored, err := c.store.SetIfGeneration(ctx, key, gen, payload)
	if err != nil {
		c.observe("error")
		c.logger.Warn("canon cache write failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if !stored {
		c.logger.Debug("canon evicted during resolve, not stored", slog.String("key", key))
	}
	return stored
}

// EvictUsers removes the cached canons of userIDs and reports failures.
func (c *CanonCache) EvictUsers(ctx context.Context, tenant string, userIDs ...string) error {
	userIDs = uniqueSorted(userIDs)
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, CanonKey(tenant, id))
	}
	err := c.store.Del(ctx, keys...)
	c.forget(keys)
	if err != nil {
		return fmt.Errorf("rbac: evict canons: %w", err)
	}
	if c.bus != nil {
		if err := c.bus.Publish(ctx, keys); err != nil {
			return fmt.Errorf("rbac: publish eviction: %w", err)
		}
	}
	return nil
}

// EvictRole removes the cached canons of every current holder of roleID.
func (c *CanonCache) EvictRole(ctx context.Context, tenant, roleID string) error {
	if c.members == nil {
		return errors.New("rbac: evict role: no membership repository")
	}
	users, err := c.members.UsersForRole(ctx, tenant, roleID)
	if err != nil {
		return fmt.Errorf("rbac: evict role %s: %w", roleID, repositoryError(err))
	}
	return c.EvictUsers(ctx, tenant, users...)
}

// InvalidateUser evicts one user. Failures are logged, never returned: the
// mutation that triggered it must not fail because of the cache.
func (c *CanonCache) InvalidateUser(ctx context.Context, tenant, userID string) {
	if err := c.EvictUsers(ctx, tenant, userID); err != nil {
		c.logger.Error("canon invalidation failed",
			slog.String("tenant", tenant), slog.String("user_id", userID), slog.Any("error", err))
	}
}

// InvalidateRole evicts every holder of roleID; failures are logged.
func (c *CanonCache) InvalidateRole(ctx context.Context, tenant, roleID string) {
	if err := c.EvictRole(ctx, tenant, roleID); err != nil {
		c.logger.Error("canon invalidation failed",
			slog.String("tenant", tenant), slog.String("role_id", roleID), slog.Any("error", err))
	}
}

// SyncRoleMembers evicts every user whose membership changed when a role's
// member set was replaced; failures are logged.
func (c *CanonCache) SyncRoleMembers(ctx context.Context, tenant string, before, after []string) {
	changed := SymmetricDifference(before, after)
	if err := c.EvictUsers(ctx, tenant, changed...); err != nil {
		c.logger.Error("canon invalidation failed",
			slog.String("tenant", tenant), slog.Int("users", len(changed)), slog.Any("error", err))
	}
}

func (c *CanonCache) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveCanonCache(outcome)
	}
}

// CanonKey is the store key of a (tenant, user) canon.
func CanonKey(tenant, userID string) string {
	return canonKeyPrefix + ":" + tenant + ":" + userID
}

// SymmetricDifference returns the sorted values present in exactly one of a and b.
func SymmetricDifference(a, b []string) []string {
	inA := make(map[string]struct{}, len(a))
	for _, v := range a {
		inA[v] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, v := range b {
		inB[v] = struct{}{}
	}
	var out []string
	for v := range inA {
		if _, ok := inB[v]; !ok {
			out = append(out, v)
		}
	}
	for v := range inB {
		if _, ok := inA[v]; !ok {
			out = append(out, v)
		}
	}
	return uniqueSorted(out)
}
