package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrDocumentNotFound is returned when the addressed record does not exist in a store.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrPreconditionFailed is returned when a conditional update finds a field with an unexpected value.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrInvalidField is returned for field paths that are not plain dotted identifiers.
	ErrInvalidField = errors.New("invalid field path")
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Document is one record in the durable store.
type Document struct {
	Collection string
	ID         string
	Data       map[string]interface{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Precondition asserts that a dotted field currently equals a value before an update applies.
type Precondition struct {
	Field  string
	Equals interface{}
}

// FieldEquals builds a Precondition.
func FieldEquals(field string, value interface{}) Precondition {
	return Precondition{Field: field, Equals: value}
}

// Filter is an equality match on a dotted field.
type Filter struct {
	Field string
	Value interface{}
}

// Query selects documents within a collection.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// ChangeType classifies a change-feed event.
type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
	// ChangeResync tells subscribers the feed may have missed events and state should be re-read.
	ChangeResync ChangeType = "resync"
)

// DocumentChange is delivered to durable-store subscribers.
type DocumentChange struct {
	Type       ChangeType
	Collection string
	ID         string
	Document   *Document
}

// LiveChange is delivered to live-store subscribers.
type LiveChange struct {
	Type  ChangeType
	Path  string
	Value json.RawMessage
}

// Subscription is a long-lived feed handle. Close is idempotent.
type Subscription interface {
	Close() error
}

// DocumentStore is the durable, query-capable primary store.
type DocumentStore interface {
	Create(ctx context.Context, collection, id string, data map[string]interface{}) (Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, patch map[string]interface{}, conds ...Precondition) (Document, error)
	UpdateMany(ctx context.Context, collection string, ids []string, patch map[string]interface{}) (int, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Subscribe(ctx context.Context, collection string, fn func(DocumentChange)) (Subscription, error)
	Ping(ctx context.Context) error
}

// LiveStore is the low-latency, subscription-capable secondary store addressed by slash paths.
type LiveStore interface {
	Push(ctx context.Context, parent string, value interface{}) (string, error)
	Set(ctx context.Context, path string, value interface{}) error
	Update(ctx context.Context, path string, patch map[string]interface{}) error
	UpdateMany(ctx context.Context, paths []string, patch map[string]interface{}) (int, error)
	Remove(ctx context.Context, path string) error
	Get(ctx context.Context, path string) (json.RawMessage, error)
	Snapshot(ctx context.Context, prefix string) (map[string]json.RawMessage, error)
	Subscribe(ctx context.Context, prefix string, fn func(LiveChange)) (Subscription, error)
	Ping(ctx context.Context) error
}

// JoinPath joins live-store path segments, dropping empty ones.
func JoinPath(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			cleaned = append(cleaned, part)
		}
	}
	return strings.Join(cleaned, "/")
}

// splitPath separates a path into its parent and leaf segment.
func splitPath(path string) (string, string, error) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if path == "" || idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("live path %q must have a parent and a leaf", path)
	}
	return path[:idx], path[idx+1:], nil
}

// underPrefix reports whether path equals prefix or sits below it.
func underPrefix(path, prefix string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func validateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return nil
}

// lookup resolves a dotted field inside decoded JSON data.
func lookup(data map[string]interface{}, field string) (interface{}, bool) {
	var current interface{} = data
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// matches compares a stored value with an expected one using their text form, the same
// comparison the Postgres store performs with the #>> operator.
func matches(data map[string]interface{}, field string, expected interface{}) bool {
	actual, ok := lookup(data, field)
	if !ok || actual == nil {
		return expected == nil
	}
	return textValue(actual) == textValue(expected)
}

func textValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.Trim(string(raw), `"`)
}

func checkPreconditions(data map[string]interface{}, conds []Precondition) error {
	for _, cond := range conds {
		if !matches(data, cond.Field, cond.Equals) {
			actual, _ := lookup(data, cond.Field)
			return fmt.Errorf("%w: %s is %v", ErrPreconditionFailed, cond.Field, actual)
		}
	}
	return nil
}

// mergeTop applies a shallow top-level merge of patch onto a copy of data.
func mergeTop(data, patch map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(data)+len(patch))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// decodeObject decodes a JSON object keeping numbers exact.
func decodeObject(raw []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]interface{}{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// ToMap converts a struct into the generic representation stored in documents.
func ToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return decodeObject(raw)
}

// FromMap decodes generic document data into dest.
func FromMap(data map[string]interface{}, dest interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(data)
	if err != nil {
		return mergeTop(nil, data)
	}
	out, err := decodeObject(raw)
	if err != nil {
		return mergeTop(nil, data)
	}
	return out
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
