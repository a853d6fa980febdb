package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDocumentStore is an in-process DocumentStore used by tests and the memory store driver.
type MemoryDocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	subscribers map[int]*memorySubscriber
	nextSub     int
	now         func() time.Time
}

type memorySubscriber struct {
	collection string
	fn         func(DocumentChange)
}

// NewMemoryDocumentStore constructs an empty store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		collections: make(map[string]map[string]Document),
		subscribers: make(map[int]*memorySubscriber),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create writes data at id (generated when empty), replacing any existing record.
func (s *MemoryDocumentStore) Create(ctx context.Context, collection, id string, data map[string]interface{}) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	s.mu.Lock()
	docs := s.collectionLocked(collection)
	doc := Document{Collection: collection, ID: id, Data: cloneData(data), CreatedAt: now, UpdatedAt: now}
	if existing, ok := docs[id]; ok {
		doc.CreatedAt = existing.CreatedAt
	}
	docs[id] = doc
	out := copyDocument(doc)
	s.mu.Unlock()

	s.emit(DocumentChange{Type: ChangeUpsert, Collection: collection, ID: id, Document: &out})
	return copyDocument(doc), nil
}

// Get returns a copy of the addressed document.
func (s *MemoryDocumentStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return copyDocument(doc), nil
}

// Update merges patch into the document once every precondition holds. The check and the write
// happen under one lock, so concurrent conditional updates on the same id serialise.
func (s *MemoryDocumentStore) Update(ctx context.Context, collection, id string, patch map[string]interface{}, conds ...Precondition) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	docs := s.collectionLocked(collection)
	doc, ok := docs[id]
	if !ok {
		s.mu.Unlock()
		return Document{}, ErrDocumentNotFound
	}
	if err := checkPreconditions(doc.Data, conds); err != nil {
		s.mu.Unlock()
		return Document{}, err
	}
	doc.Data = mergeTop(doc.Data, cloneData(patch))
	doc.UpdatedAt = s.now()
	docs[id] = doc
	out := copyDocument(doc)
	s.mu.Unlock()

	s.emit(DocumentChange{Type: ChangeUpsert, Collection: collection, ID: id, Document: &out})
	return copyDocument(doc), nil
}

// UpdateMany merges patch into every existing id atomically with respect to other writers.
func (s *MemoryDocumentStore) UpdateMany(ctx context.Context, collection string, ids []string, patch map[string]interface{}) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	changes := make([]DocumentChange, 0, len(ids))

	s.mu.Lock()
	docs := s.collectionLocked(collection)
	for _, id := range ids {
		doc, ok := docs[id]
		if !ok {
			continue
		}
		doc.Data = mergeTop(doc.Data, cloneData(patch))
		doc.UpdatedAt = now
		docs[id] = doc
		out := copyDocument(doc)
		changes = append(changes, DocumentChange{Type: ChangeUpsert, Collection: collection, ID: id, Document: &out})
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.emit(change)
	}
	return len(changes), nil
}

// Delete removes a document.
func (s *MemoryDocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	docs := s.collectionLocked(collection)
	if _, ok := docs[id]; !ok {
		s.mu.Unlock()
		return ErrDocumentNotFound
	}
	delete(docs, id)
	s.mu.Unlock()

	s.emit(DocumentChange{Type: ChangeDelete, Collection: collection, ID: id})
	return nil
}

// Query filters, orders and limits the collection.
func (s *MemoryDocumentStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, f := range q.Filters {
		if err := validateField(f.Field); err != nil {
			return nil, err
		}
	}
	if q.OrderBy != "" {
		if err := validateField(q.OrderBy); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	result := make([]Document, 0, len(s.collections[collection]))
	for _, doc := range s.collections[collection] {
		if matchesAll(doc.Data, q.Filters) {
			result = append(result, copyDocument(doc))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if q.OrderBy == "" {
			return result[i].ID < result[j].ID
		}
		a, _ := lookup(result[i].Data, q.OrderBy)
		b, _ := lookup(result[j].Data, q.OrderBy)
		if q.Desc {
			return compareValues(b, a) < 0
		}
		return compareValues(a, b) < 0
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Subscribe registers fn for every change in collection until the subscription is closed.
func (s *MemoryDocumentStore) Subscribe(ctx context.Context, collection string, fn func(DocumentChange)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = &memorySubscriber{collection: collection, fn: fn}
	s.mu.Unlock()

	return newSubscription(func() error {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
		return nil
	}), nil
}

// Ping always succeeds.
func (s *MemoryDocumentStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryDocumentStore) collectionLocked(collection string) map[string]Document {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		s.collections[collection] = docs
	}
	return docs
}

func (s *MemoryDocumentStore) emit(change DocumentChange) {
	s.mu.RLock()
	targets := make([]func(DocumentChange), 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.collection == change.Collection {
			targets = append(targets, sub.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		fn(change)
	}
}

func matchesAll(data map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if !matches(data, f.Field, f.Value) {
			return false
		}
	}
	return true
}

// compareValues orders numbers numerically and everything else by text; missing values sort last.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	at, bt := textValue(a), textValue(b)
	switch {
	case at < bt:
		return -1
	case at > bt:
		return 1
	}
	return 0
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func copyDocument(doc Document) Document {
	doc.Data = cloneData(doc.Data)
	return doc
}

type subscription struct {
	once    sync.Once
	closeFn func() error
	err     error
}

func newSubscription(closeFn func() error) *subscription {
	return &subscription{closeFn: closeFn}
}

// Close releases the subscription; later calls return the first result.
func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}
