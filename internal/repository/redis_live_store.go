package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const liveTxRetries = 5

// RedisLiveStore maps slash paths onto Redis hashes: the parent path is the hash key and the
// leaf segment is the field. Every mutation publishes a change event on one channel.
type RedisLiveStore struct {
	client  redis.UniversalClient
	prefix  string
	channel string
	newKey  func() string
	logger  *zap.Logger
}

type liveEvent struct {
	Type  ChangeType      `json:"type"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewRedisLiveStore constructs a live store rooted at keyPrefix.
func NewRedisLiveStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisLiveStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "od"
	}
	return &RedisLiveStore{
		client:  client,
		prefix:  keyPrefix,
		channel: keyPrefix + ":changes",
		newKey:  mustKeyGenerator(),
		logger:  logger,
	}
}

// Push stores value under a generated child key of parent.
func (s *RedisLiveStore) Push(ctx context.Context, parent string, value interface{}) (string, error) {
	key := s.newKey()
	if err := s.Set(ctx, JoinPath(parent, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Set replaces the value at path.
func (s *RedisLiveStore) Set(ctx context.Context, path string, value interface{}) error {
	parent, leaf, err := splitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal live value: %w", err)
	}
	event, err := s.event(ChangeUpsert, JoinPath(parent, leaf), raw)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey(parent), leaf, string(raw))
		pipe.Publish(ctx, s.channel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

// Update merges patch into the object at path using an optimistic WATCH transaction.
func (s *RedisLiveStore) Update(ctx context.Context, path string, patch map[string]interface{}) error {
	_, err := s.updatePaths(ctx, []string{path}, patch, true)
	return err
}

// UpdateMany merges patch into every existing path in one MULTI/EXEC; missing paths are skipped.
func (s *RedisLiveStore) UpdateMany(ctx context.Context, paths []string, patch map[string]interface{}) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	return s.updatePaths(ctx, paths, patch, false)
}

// Remove deletes the value at path.
func (s *RedisLiveStore) Remove(ctx context.Context, path string) error {
	parent, leaf, err := splitPath(path)
	if err != nil {
		return err
	}
	event, err := s.event(ChangeDelete, JoinPath(parent, leaf), nil)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.hashKey(parent), leaf)
		pipe.Publish(ctx, s.channel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove %s: %w", path, err)
	}
	return nil
}

// Get returns the raw value at path.
func (s *RedisLiveStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	parent, leaf, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.HGet(ctx, s.hashKey(parent), leaf).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", path, err)
	}
	return raw, nil
}

// Snapshot returns every value at or below prefix keyed by full path.
func (s *RedisLiveStore) Snapshot(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	prefix = strings.Trim(prefix, "/")
	out := make(map[string]json.RawMessage)

	if parent, leaf, err := splitPath(prefix); err == nil {
		raw, err := s.client.HGet(ctx, s.hashKey(parent), leaf).Bytes()
		switch {
		case err == nil:
			out[prefix] = raw
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("redis get %s: %w", prefix, err)
		}
	}

	pattern := s.prefix + ":" + escapeGlob(prefix) + "*"
	if prefix == "" {
		pattern = s.prefix + ":*"
	}
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parent := strings.TrimPrefix(key, s.prefix+":")
		if key == s.channel || !underPrefix(parent, prefix) {
			continue
		}
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
		}
		for field, value := range fields {
			out[JoinPath(parent, field)] = json.RawMessage(value)
		}
	}
	return out, nil
}

// Subscribe delivers change events at or below prefix until the subscription is closed.
func (s *RedisLiveStore) Subscribe(ctx context.Context, prefix string, fn func(LiveChange)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", s.channel, err)
	}

	messages := pubsub.Channel()
	go func() {
		for msg := range messages {
			var event liveEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warn("discard malformed live event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !underPrefix(event.Path, prefix) {
				continue
			}
			fn(LiveChange{Type: event.Type, Path: event.Path, Value: event.Value})
		}
	}()

	return newSubscription(pubsub.Close), nil
}

// Ping checks connectivity.
func (s *RedisLiveStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type pendingWrite struct {
	key   string
	leaf  string
	path  string
	value []byte
}

func (s *RedisLiveStore) updatePaths(ctx context.Context, paths []string, patch map[string]interface{}, strict bool) (int, error) {
	keySet := make(map[string]struct{}, len(paths))
	keys := make([]string, 0, len(paths))
	for _, path := range paths {
		parent, _, err := splitPath(path)
		if err != nil {
			return 0, err
		}
		key := s.hashKey(parent)
		if _, seen := keySet[key]; !seen {
			keySet[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	for attempt := 0; attempt < liveTxRetries; attempt++ {
		written := 0
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			writes := make([]pendingWrite, 0, len(paths))
			for _, path := range paths {
				parent, leaf, _ := splitPath(path)
				key := s.hashKey(parent)
				current, err := tx.HGet(ctx, key, leaf).Bytes()
				if errors.Is(err, redis.Nil) {
					if strict {
						return ErrDocumentNotFound
					}
					continue
				}
				if err != nil {
					return err
				}
				data, err := decodeObject(current)
				if err != nil {
					return fmt.Errorf("decode live value at %s: %w", path, err)
				}
				merged, err := json.Marshal(mergeTop(data, patch))
				if err != nil {
					return fmt.Errorf("marshal live value: %w", err)
				}
				writes = append(writes, pendingWrite{key: key, leaf: leaf, path: JoinPath(parent, leaf), value: merged})
			}
			if len(writes) == 0 {
				return nil
			}

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, w := range writes {
					event, err := s.event(ChangeUpsert, w.path, w.value)
					if err != nil {
						return err
					}
					pipe.HSet(ctx, w.key, w.leaf, string(w.value))
					pipe.Publish(ctx, s.channel, event)
				}
				return nil
			})
			if err == nil {
				written = len(writes)
			}
			return err
		}, keys...)

		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("live update contention, retrying", zap.Strings("paths", paths), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				return 0, err
			}
			return 0, fmt.Errorf("redis update %v: %w", paths, err)
		}
		return written, nil
	}
	return 0, fmt.Errorf("redis update %v: %w", paths, redis.TxFailedErr)
}

func (s *RedisLiveStore) hashKey(parent string) string {
	return s.prefix + ":" + parent
}

func (s *RedisLiveStore) event(kind ChangeType, path string, value []byte) (string, error) {
	payload, err := json.Marshal(liveEvent{Type: kind, Path: path, Value: value})
	if err != nil {
		return "", fmt.Errorf("marshal live event: %w", err)
	}
	return string(payload), nil
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(s)
}
