package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jaevor/go-nanoid"
)

// MemoryLiveStore is an in-process LiveStore keyed by full slash paths.
type MemoryLiveStore struct {
	mu          sync.RWMutex
	values      map[string]json.RawMessage
	subscribers map[int]*liveSubscriber
	nextSub     int
	newKey      func() string
}

type liveSubscriber struct {
	prefix string
	fn     func(LiveChange)
}

// NewMemoryLiveStore constructs an empty store.
func NewMemoryLiveStore() *MemoryLiveStore {
	return &MemoryLiveStore{
		values:      make(map[string]json.RawMessage),
		subscribers: make(map[int]*liveSubscriber),
		newKey:      mustKeyGenerator(),
	}
}

// mustKeyGenerator returns the push-key generator shared by the live stores.
func mustKeyGenerator() func() string {
	gen, err := nanoid.Standard(20)
	if err != nil {
		panic(fmt.Sprintf("init push key generator: %v", err))
	}
	return gen
}

// Push stores value under a generated child key of parent.
func (s *MemoryLiveStore) Push(ctx context.Context, parent string, value interface{}) (string, error) {
	key := s.newKey()
	if err := s.Set(ctx, JoinPath(parent, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Set replaces the value at path.
func (s *MemoryLiveStore) Set(ctx context.Context, path string, value interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := splitPath(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal live value: %w", err)
	}
	path = strings.Trim(path, "/")

	s.mu.Lock()
	s.values[path] = raw
	s.mu.Unlock()

	s.emit(LiveChange{Type: ChangeUpsert, Path: path, Value: raw})
	return nil
}

// Update merges patch into the object stored at path.
func (s *MemoryLiveStore) Update(ctx context.Context, path string, patch map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = strings.Trim(path, "/")

	s.mu.Lock()
	raw, err := s.mergeLocked(path, patch)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.emit(LiveChange{Type: ChangeUpsert, Path: path, Value: raw})
	return nil
}

// UpdateMany merges patch into every existing path under a single lock; missing paths are skipped.
func (s *MemoryLiveStore) UpdateMany(ctx context.Context, paths []string, patch map[string]interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	changes := make([]LiveChange, 0, len(paths))

	s.mu.Lock()
	for _, path := range paths {
		path = strings.Trim(path, "/")
		if _, ok := s.values[path]; !ok {
			continue
		}
		raw, err := s.mergeLocked(path, patch)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		changes = append(changes, LiveChange{Type: ChangeUpsert, Path: path, Value: raw})
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.emit(change)
	}
	return len(changes), nil
}

// Remove deletes the value at path.
func (s *MemoryLiveStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = strings.Trim(path, "/")
	s.mu.Lock()
	_, existed := s.values[path]
	delete(s.values, path)
	s.mu.Unlock()

	if existed {
		s.emit(LiveChange{Type: ChangeDelete, Path: path})
	}
	return nil
}

// Get returns the raw value at path.
func (s *MemoryLiveStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[strings.Trim(path, "/")]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return append(json.RawMessage(nil), raw...), nil
}

// Snapshot returns every value at or below prefix keyed by full path.
func (s *MemoryLiveStore) Snapshot(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	for path, raw := range s.values {
		if underPrefix(path, prefix) {
			out[path] = append(json.RawMessage(nil), raw...)
		}
	}
	return out, nil
}

// Subscribe registers fn for changes at or below prefix.
func (s *MemoryLiveStore) Subscribe(ctx context.Context, prefix string, fn func(LiveChange)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = &liveSubscriber{prefix: prefix, fn: fn}
	s.mu.Unlock()

	return newSubscription(func() error {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
		return nil
	}), nil
}

// Ping always succeeds.
func (s *MemoryLiveStore) Ping(context.Context) error {
	return nil
}

// Paths lists stored paths in order; used by tests.
func (s *MemoryLiveStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.values))
	for path := range s.values {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (s *MemoryLiveStore) mergeLocked(path string, patch map[string]interface{}) (json.RawMessage, error) {
	current, ok := s.values[path]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	data, err := decodeObject(current)
	if err != nil {
		return nil, fmt.Errorf("decode live value at %s: %w", path, err)
	}
	raw, err := json.Marshal(mergeTop(data, patch))
	if err != nil {
		return nil, fmt.Errorf("marshal live value: %w", err)
	}
	s.values[path] = raw
	return raw, nil
}

func (s *MemoryLiveStore) emit(change LiveChange) {
	s.mu.RLock()
	targets := make([]func(LiveChange), 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if underPrefix(change.Path, sub.prefix) {
			targets = append(targets, sub.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		fn(change)
	}
}
