package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ChangeChannel is the LISTEN/NOTIFY channel fed by the documents table trigger.
const ChangeChannel = "documents_changed"

const documentColumns = "collection, id, data, created_at, updated_at"

type documentRow struct {
	Collection string    `db:"collection"`
	ID         string    `db:"id"`
	Data       []byte    `db:"data"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) toDocument() (Document, error) {
	data, err := decodeObject(r.Data)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s/%s: %w", r.Collection, r.ID, err)
	}
	return Document{Collection: r.Collection, ID: r.ID, Data: data, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}, nil
}

// ChangeListener yields raw notifications; a nil notification signals a reconnect.
type ChangeListener interface {
	Notifications() <-chan *pq.Notification
	Close() error
}

// ListenerFactory opens a ChangeListener on the change channel.
type ListenerFactory func() (ChangeListener, error)

type pqChangeListener struct {
	listener *pq.Listener
}

func (l *pqChangeListener) Notifications() <-chan *pq.Notification { return l.listener.Notify }
func (l *pqChangeListener) Close() error                          { return l.listener.Close() }

// PQListenerFactory opens a dedicated lib/pq listener connection for dsn.
func PQListenerFactory(dsn string, logger *zap.Logger) ListenerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func() (ChangeListener, error) {
		listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("document change listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
		if err := listener.Listen(ChangeChannel); err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
		}
		return &pqChangeListener{listener: listener}, nil
	}
}

// PostgresDocumentStore keeps documents as JSONB rows and streams changes from LISTEN/NOTIFY.
type PostgresDocumentStore struct {
	db     *sqlx.DB
	listen ListenerFactory
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	feed        ChangeListener
	subscribers map[int]*memorySubscriber
	nextSub     int
}

// PostgresStoreOption customises the store.
type PostgresStoreOption func(*PostgresDocumentStore)

// WithChangeListener enables Subscribe using the factory.
func WithChangeListener(factory ListenerFactory) PostgresStoreOption {
	return func(s *PostgresDocumentStore) {
		s.listen = factory
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *zap.Logger) PostgresStoreOption {
	return func(s *PostgresDocumentStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPostgresDocumentStore constructs the durable store.
func NewPostgresDocumentStore(db *sqlx.DB, opts ...PostgresStoreOption) *PostgresDocumentStore {
	s := &PostgresDocumentStore{
		db:          db,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[int]*memorySubscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create upserts data at id, generating a UUID when id is empty.
func (s *PostgresDocumentStore) Create(ctx context.Context, collection, id string, data map[string]interface{}) (Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Document{}, fmt.Errorf("marshal document: %w", err)
	}
	const query = `INSERT INTO documents (collection, id, data, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $4)
	ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	RETURNING ` + documentColumns
	var row documentRow
	if err := s.db.QueryRowxContext(ctx, query, collection, id, payload, s.now()).StructScan(&row); err != nil {
		return Document{}, fmt.Errorf("create document %s/%s: %w", collection, id, err)
	}
	return row.toDocument()
}

// Get fetches one document.
func (s *PostgresDocumentStore) Get(ctx context.Context, collection, id string) (Document, error) {
	const query = `SELECT ` + documentColumns + ` FROM documents WHERE collection = $1 AND id = $2`
	var row documentRow
	if err := s.db.GetContext(ctx, &row, query, collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	return row.toDocument()
}

// Update locks the row, verifies every precondition against the locked copy, then merges patch.
func (s *PostgresDocumentStore) Update(ctx context.Context, collection, id string, patch map[string]interface{}, conds ...Precondition) (Document, error) {
	for _, cond := range conds {
		if err := validateField(cond.Field); err != nil {
			return Document{}, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin update %s/%s: %w", collection, id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	const selectQuery = `SELECT ` + documentColumns + ` FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`
	var current documentRow
	if err := tx.GetContext(ctx, &current, selectQuery, collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("lock document %s/%s: %w", collection, id, err)
	}
	doc, err := current.toDocument()
	if err != nil {
		return Document{}, err
	}
	if err := checkPreconditions(doc.Data, conds); err != nil {
		return Document{}, err
	}

	payload, err := json.Marshal(mergeTop(doc.Data, patch))
	if err != nil {
		return Document{}, fmt.Errorf("marshal document: %w", err)
	}
	const updateQuery = `UPDATE documents SET data = $3, updated_at = $4
	WHERE collection = $1 AND id = $2
	RETURNING ` + documentColumns
	var updated documentRow
	if err := tx.QueryRowxContext(ctx, updateQuery, collection, id, payload, s.now()).StructScan(&updated); err != nil {
		return Document{}, fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("commit update %s/%s: %w", collection, id, err)
	}
	return updated.toDocument()
}

// UpdateMany merges patch into every listed id with a single statement.
func (s *PostgresDocumentStore) UpdateMany(ctx context.Context, collection string, ids []string, patch map[string]interface{}) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return 0, fmt.Errorf("marshal patch: %w", err)
	}
	const query = `UPDATE documents SET data = data || $3::jsonb, updated_at = $4
	WHERE collection = $1 AND id = ANY($2)`
	res, err := s.db.ExecContext(ctx, query, collection, pq.Array(ids), payload, s.now())
	if err != nil {
		return 0, fmt.Errorf("update many %s: %w", collection, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update many %s: %w", collection, err)
	}
	return int(affected), nil
}

// Delete removes a document.
func (s *PostgresDocumentStore) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// Query translates equality filters and ordering onto JSONB path operators.
func (s *PostgresDocumentStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	builder := strings.Builder{}
	args := []interface{}{collection}
	builder.WriteString(`SELECT ` + documentColumns + ` FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		if err := validateField(f.Field); err != nil {
			return nil, err
		}
		if f.Value == nil {
			builder.WriteString(fmt.Sprintf(" AND data #>> '%s' IS NULL", jsonPath(f.Field)))
			continue
		}
		args = append(args, textValue(f.Value))
		builder.WriteString(fmt.Sprintf(" AND data #>> '%s' = $%d", jsonPath(f.Field), len(args)))
	}

	if q.OrderBy != "" {
		if err := validateField(q.OrderBy); err != nil {
			return nil, err
		}
		direction := "ASC"
		if q.Desc {
			direction = "DESC"
		}
		builder.WriteString(fmt.Sprintf(" ORDER BY data #> '%s' %s NULLS LAST, id", jsonPath(q.OrderBy), direction))
	} else {
		builder.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		builder.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Subscribe registers fn for changes in collection. The first subscriber opens the shared
// listener connection and the last one to close releases it.
func (s *PostgresDocumentStore) Subscribe(ctx context.Context, collection string, fn func(DocumentChange)) (Subscription, error) {
	if s.listen == nil {
		return nil, fmt.Errorf("document change feed not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.feed == nil {
		feed, err := s.listen()
		if err != nil {
			return nil, err
		}
		s.feed = feed
		go s.pump(feed)
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = &memorySubscriber{collection: collection, fn: fn}

	return newSubscription(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
		if len(s.subscribers) > 0 || s.feed == nil {
			return nil
		}
		feed := s.feed
		s.feed = nil
		return feed.Close()
	}), nil
}

// Ping checks connectivity.
func (s *PostgresDocumentStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type changePayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         string `json:"op"`
}

func (s *PostgresDocumentStore) pump(feed ChangeListener) {
	for n := range feed.Notifications() {
		if n == nil {
			s.broadcast(func(collection string) DocumentChange {
				return DocumentChange{Type: ChangeResync, Collection: collection}
			}, "")
			continue
		}
		var payload changePayload
		if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
			s.logger.Warn("discard malformed document change", zap.String("payload", n.Extra), zap.Error(err))
			continue
		}
		change := DocumentChange{Type: ChangeUpsert, Collection: payload.Collection, ID: payload.ID}
		if payload.Op == "delete" {
			change.Type = ChangeDelete
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			doc, err := s.Get(ctx, payload.Collection, payload.ID)
			cancel()
			switch {
			case errors.Is(err, ErrDocumentNotFound):
				change.Type = ChangeDelete
			case err != nil:
				s.logger.Warn("load changed document", zap.String("collection", payload.Collection), zap.String("id", payload.ID), zap.Error(err))
				continue
			default:
				change.Document = &doc
			}
		}
		s.broadcast(func(string) DocumentChange { return change }, payload.Collection)
	}
}

// broadcast delivers to subscribers of collection, or to all subscribers when collection is empty.
func (s *PostgresDocumentStore) broadcast(build func(collection string) DocumentChange, collection string) {
	s.mu.Lock()
	targets := make([]*memorySubscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if collection == "" || sub.collection == collection {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.fn(build(sub.collection))
	}
}

func jsonPath(field string) string {
	return "{" + strings.ReplaceAll(field, ".", ",") + "}"
}
