package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
)

// Store names used in StoreError and failure metrics.
const (
	StorePrimary   = "primary"
	StoreSecondary = "secondary"
)

// StoreError records which physical store failed during a logical dual-store operation.
type StoreError struct {
	Op    string
	Store string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s store: %v", e.Op, e.Store, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// FailureObserver is notified of every physical store failure.
type FailureObserver func(op, store string)

// WriteInput describes one logical write.
type WriteInput struct {
	Collection           string
	DocID                string
	SecondaryPath        string
	Data                 map[string]interface{}
	GenerateSecondaryKey bool
}

// WriteResult links the primary record with its secondary copy.
type WriteResult struct {
	PrimaryID     string `json:"primaryId"`
	PrimaryPath   string `json:"primaryPath"`
	SecondaryKey  string `json:"secondaryKey"`
	SecondaryPath string `json:"secondaryPath"`
}

// DualWriteStore performs each logical write against the primary store and then the live store.
// There is no rollback: a failure after the primary write leaves a partial write that the
// reconciliation sweep repairs.
type DualWriteStore struct {
	primary   DocumentStore
	secondary LiveStore
	observe   FailureObserver
	now       func() time.Time
}

// DualWriteOption customises the adapter.
type DualWriteOption func(*DualWriteStore)

// WithFailureObserver registers a callback for physical store failures.
func WithFailureObserver(fn FailureObserver) DualWriteOption {
	return func(s *DualWriteStore) {
		s.observe = fn
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) DualWriteOption {
	return func(s *DualWriteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewDualWriteStore constructs the adapter.
func NewDualWriteStore(primary DocumentStore, secondary LiveStore, opts ...DualWriteOption) *DualWriteStore {
	s := &DualWriteStore{
		primary:   primary,
		secondary: secondary,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Primary exposes the durable store for reads.
func (s *DualWriteStore) Primary() DocumentStore { return s.primary }

// Secondary exposes the live store for reads.
func (s *DualWriteStore) Secondary() LiveStore { return s.secondary }

// Now returns the adapter clock in epoch milliseconds.
func (s *DualWriteStore) Now() int64 { return millis(s.now()) }

// WriteBoth writes data to the primary collection and mirrors it into the live store with the
// primary id embedded as primaryId.
func (s *DualWriteStore) WriteBoth(ctx context.Context, in WriteInput) (WriteResult, error) {
	if in.Collection == "" || in.SecondaryPath == "" {
		return WriteResult{}, appErrors.Clone(appErrors.ErrValidation, "collection and secondary path are required")
	}
	stamp := s.Now()
	data := mergeTop(in.Data, map[string]interface{}{"timestamp": stamp, "updatedAt": stamp})

	doc, err := s.primary.Create(ctx, in.Collection, in.DocID, data)
	if err != nil {
		return WriteResult{}, s.fail(appErrors.ErrStoreWrite, "write", StorePrimary, err)
	}

	result := WriteResult{
		PrimaryID:   doc.ID,
		PrimaryPath: in.Collection + "/" + doc.ID,
	}
	payload := mergeTop(data, map[string]interface{}{"primaryId": doc.ID})

	if in.GenerateSecondaryKey {
		key, err := s.secondary.Push(ctx, in.SecondaryPath, payload)
		if err != nil {
			return result, s.fail(appErrors.ErrStoreWrite, "write", StoreSecondary, err)
		}
		result.SecondaryKey = key
		result.SecondaryPath = JoinPath(in.SecondaryPath, key)
		return result, nil
	}

	if err := s.secondary.Set(ctx, in.SecondaryPath, payload); err != nil {
		return result, s.fail(appErrors.ErrStoreWrite, "write", StoreSecondary, err)
	}
	result.SecondaryPath = JoinPath(in.SecondaryPath)
	result.SecondaryKey = lastSegment(result.SecondaryPath)
	return result, nil
}

// UpdateBoth applies patch to the primary record, gated by conds, then to the live copy.
// An empty secondaryPath updates the primary store only.
func (s *DualWriteStore) UpdateBoth(ctx context.Context, collection, id, secondaryPath string, patch map[string]interface{}, conds ...Precondition) (Document, error) {
	data := mergeTop(patch, map[string]interface{}{"updatedAt": s.Now()})

	doc, err := s.primary.Update(ctx, collection, id, data, conds...)
	if err != nil {
		return Document{}, s.fail(appErrors.ErrStoreUpdate, "update", StorePrimary, err)
	}
	if secondaryPath == "" {
		return doc, nil
	}
	if err := s.secondary.Update(ctx, secondaryPath, data); err != nil {
		return doc, s.fail(appErrors.ErrStoreUpdate, "update", StoreSecondary, err)
	}
	return doc, nil
}

// UpdateManyBoth applies one patch to many records as a single batch per store: one primary
// transaction followed by one live-store transaction over the matching paths.
func (s *DualWriteStore) UpdateManyBoth(ctx context.Context, collection string, ids, secondaryPaths []string, patch map[string]interface{}) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	data := mergeTop(patch, map[string]interface{}{"updatedAt": s.Now()})

	n, err := s.primary.UpdateMany(ctx, collection, ids, data)
	if err != nil {
		return 0, s.fail(appErrors.ErrStoreUpdate, "update", StorePrimary, err)
	}
	if len(secondaryPaths) == 0 {
		return n, nil
	}
	if _, err := s.secondary.UpdateMany(ctx, secondaryPaths, data); err != nil {
		return n, s.fail(appErrors.ErrStoreUpdate, "update", StoreSecondary, err)
	}
	return n, nil
}

// DeleteBoth removes both copies; records already absent count as deleted.
func (s *DualWriteStore) DeleteBoth(ctx context.Context, collection, id, secondaryPath string) error {
	if err := s.primary.Delete(ctx, collection, id); err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return s.fail(appErrors.ErrStoreWrite, "delete", StorePrimary, err)
	}
	if secondaryPath == "" {
		return nil
	}
	if err := s.secondary.Remove(ctx, secondaryPath); err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return s.fail(appErrors.ErrStoreWrite, "delete", StoreSecondary, err)
	}
	return nil
}

func (s *DualWriteStore) fail(template *appErrors.Error, op, store string, err error) error {
	if s.observe != nil && !errors.Is(err, ErrPreconditionFailed) {
		s.observe(op, store)
	}
	return appErrors.WrapAs(template, &StoreError{Op: op, Store: store, Err: err}, "")
}

func lastSegment(path string) string {
	_, leaf, err := splitPath(path)
	if err != nil {
		return path
	}
	return leaf
}
