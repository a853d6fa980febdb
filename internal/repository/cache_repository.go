package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
)

// ErrCacheMiss reports that a key is absent from the cache.
var ErrCacheMiss = errors.New("cache miss")

const defaultDirectoryTTL = 5 * time.Minute

// CacheRepository provides JSON get/set helpers around Redis.
type CacheRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewCacheRepository constructs a cache repository. Keys are namespaced under prefix.
func NewCacheRepository(client redis.UniversalClient, prefix string) *CacheRepository {
	return &CacheRepository{client: client, prefix: prefix}
}

func (r *CacheRepository) key(name string) string {
	if r.prefix == "" {
		return "cache:" + name
	}
	return r.prefix + ":cache:" + name
}

// Get retrieves and unmarshals the cached value into the provided destination.
func (r *CacheRepository) Get(ctx context.Context, name string, dest interface{}) error {
	if r.client == nil {
		return ErrCacheMiss
	}
	raw, err := r.client.Get(ctx, r.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("redis get %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("unmarshal cache value for %s: %w", name, err)
	}
	return nil
}

// Set marshals the provided value and stores it with the given TTL.
func (r *CacheRepository) Set(ctx context.Context, name string, value interface{}, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value for %s: %w", name, err)
	}
	if err := r.client.Set(ctx, r.key(name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}
	return nil
}

// DeleteByPattern removes cached entries whose name matches pattern.
func (r *CacheRepository) DeleteByPattern(ctx context.Context, pattern string) error {
	if r.client == nil {
		return nil
	}
	iter := r.client.Scan(ctx, 0, r.key(pattern), 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan pattern %s: %w", pattern, err)
	}
	return nil
}

type accountStore interface {
	FindByRole(ctx context.Context, role models.UserRole) ([]models.Account, error)
	Upsert(ctx context.Context, account *models.Account) error
}

// CachedAccountDirectory serves role-holder lookups for notification fan-out from Redis,
// falling back to the account table on a miss or cache failure.
type CachedAccountDirectory struct {
	next    accountStore
	cache   *CacheRepository
	ttl     time.Duration
	logger  *zap.Logger
	observe func(hit bool)
}

// CachedDirectoryOption customises the directory cache.
type CachedDirectoryOption func(*CachedAccountDirectory)

// WithDirectoryTTL overrides how long role lists stay cached.
func WithDirectoryTTL(ttl time.Duration) CachedDirectoryOption {
	return func(d *CachedAccountDirectory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithCacheObserver registers a hit/miss callback.
func WithCacheObserver(fn func(hit bool)) CachedDirectoryOption {
	return func(d *CachedAccountDirectory) {
		d.observe = fn
	}
}

// NewCachedAccountDirectory wraps next with a Redis cache.
func NewCachedAccountDirectory(next accountStore, cache *CacheRepository, logger *zap.Logger, opts ...CachedDirectoryOption) *CachedAccountDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &CachedAccountDirectory{next: next, cache: cache, ttl: defaultDirectoryTTL, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func roleCacheKey(role models.UserRole) string {
	return "accounts:role:" + string(role)
}

// FindByRole returns active role holders, from cache when possible.
func (d *CachedAccountDirectory) FindByRole(ctx context.Context, role models.UserRole) ([]models.Account, error) {
	var cached []models.Account
	err := d.cache.Get(ctx, roleCacheKey(role), &cached)
	if err == nil {
		d.record(true)
		return cached, nil
	}
	d.record(false)
	if !errors.Is(err, ErrCacheMiss) {
		d.logger.Warn("account cache read failed", zap.String("role", string(role)), zap.Error(err))
	}

	accounts, err := d.next.FindByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Set(ctx, roleCacheKey(role), accounts, d.ttl); err != nil {
		d.logger.Warn("account cache write failed", zap.String("role", string(role)), zap.Error(err))
	}
	return accounts, nil
}

// Upsert stores the account and drops every cached role list, since the role may have changed.
func (d *CachedAccountDirectory) Upsert(ctx context.Context, account *models.Account) error {
	if err := d.next.Upsert(ctx, account); err != nil {
		return err
	}
	if err := d.cache.DeleteByPattern(ctx, "accounts:role:*"); err != nil {
		d.logger.Warn("account cache invalidation failed", zap.String("user_id", account.ID), zap.Error(err))
	}
	return nil
}

func (d *CachedAccountDirectory) record(hit bool) {
	if d.observe != nil {
		d.observe(hit)
	}
}
