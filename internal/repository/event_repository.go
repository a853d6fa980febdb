package repository

import (
	"context"
	"fmt"

	"github.com/noah-isme/od-approval-api/internal/models"
)

// EventRepository stores the event catalog. Events live in the durable store only; nothing
// subscribes to them through the live store.
type EventRepository struct {
	store DocumentStore
}

// NewEventRepository constructs the repository.
func NewEventRepository(store DocumentStore) *EventRepository {
	return &EventRepository{store: store}
}

// Create inserts event and returns it with its generated id.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) (*models.Event, error) {
	data, err := eventData(event)
	if err != nil {
		return nil, err
	}
	doc, err := r.store.Create(ctx, models.CollectionEvents, event.ID, data)
	if err != nil {
		return nil, err
	}
	return decodeEvent(doc)
}

// FindByID returns one event or ErrDocumentNotFound.
func (r *EventRepository) FindByID(ctx context.Context, id string) (*models.Event, error) {
	doc, err := r.store.Get(ctx, models.CollectionEvents, id)
	if err != nil {
		return nil, err
	}
	return decodeEvent(doc)
}

// Update merges patch into the event, gated by conds.
func (r *EventRepository) Update(ctx context.Context, id string, patch map[string]interface{}, conds ...Precondition) (*models.Event, error) {
	doc, err := r.store.Update(ctx, models.CollectionEvents, id, patch, conds...)
	if err != nil {
		return nil, err
	}
	return decodeEvent(doc)
}

// ListByLeader returns the events owned by leaderID, newest first.
func (r *EventRepository) ListByLeader(ctx context.Context, leaderID string) ([]models.Event, error) {
	return r.list(ctx, Query{
		Filters: []Filter{{Field: "eventLeaderId", Value: leaderID}},
		OrderBy: "createdAt",
		Desc:    true,
	})
}

// ListActive returns events still accepting requests, earliest start first.
func (r *EventRepository) ListActive(ctx context.Context) ([]models.Event, error) {
	return r.list(ctx, Query{
		Filters: []Filter{{Field: "active", Value: true}},
		OrderBy: "startDate",
	})
}

func (r *EventRepository) list(ctx context.Context, q Query) ([]models.Event, error) {
	docs, err := r.store.Query(ctx, models.CollectionEvents, q)
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, 0, len(docs))
	for _, doc := range docs {
		event, err := decodeEvent(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	return out, nil
}

func eventData(event *models.Event) (map[string]interface{}, error) {
	data, err := ToMap(event)
	if err != nil {
		return nil, err
	}
	delete(data, "id")
	return data, nil
}

func decodeEvent(doc Document) (*models.Event, error) {
	var event models.Event
	if err := FromMap(doc.Data, &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", doc.ID, err)
	}
	event.ID = doc.ID
	return &event, nil
}
