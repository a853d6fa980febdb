package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/dto"
	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
)

const eventDateLayout = "2006-01-02"

type eventStore interface {
	Create(ctx context.Context, event *models.Event) (*models.Event, error)
	FindByID(ctx context.Context, id string) (*models.Event, error)
	Update(ctx context.Context, id string, patch map[string]interface{}, conds ...repository.Precondition) (*models.Event, error)
	ListByLeader(ctx context.Context, leaderID string) ([]models.Event, error)
	ListActive(ctx context.Context) ([]models.Event, error)
}

// EventService manages the event catalog students pick from when submitting a request.
type EventService struct {
	events    eventStore
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEventService constructs the catalog service. A nil clock uses UTC wall time.
func NewEventService(events eventStore, validate *validator.Validate, logger *zap.Logger, now func() time.Time) *EventService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &EventService{events: events, validator: validate, logger: logger, now: now}
}

// Create adds an event owned by the calling event leader.
func (s *EventService) Create(ctx context.Context, payload dto.EventRequest, actor models.Actor) (*models.Event, error) {
	if err := s.validatePayload(payload); err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	event := &models.Event{
		Name:            payload.Name,
		Description:     payload.Description,
		Location:        payload.Location,
		StartDate:       payload.StartDate,
		EndDate:         payload.EndDate,
		MaxParticipants: payload.MaxParticipants,
		EventLeaderID:   actor.UserID,
		EventLeaderName: orDefault(actor.DisplayName, models.RoleEventLeader.Label()),
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if payload.Active != nil {
		event.Active = *payload.Active
	}
	created, err := s.events.Create(ctx, event)
	if err != nil {
		return nil, err
	}
	s.logger.Info("event created", zap.String("event_id", created.ID), zap.String("leader_id", actor.UserID))
	return created, nil
}

// Update edits an event. Only its owning leader or an admin may change it.
func (s *EventService) Update(ctx context.Context, id string, payload dto.EventRequest, actor models.Actor) (*models.Event, error) {
	if err := s.validatePayload(payload); err != nil {
		return nil, err
	}
	current, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && current.EventLeaderID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "event belongs to another event leader")
	}

	patch := map[string]interface{}{
		"name":            payload.Name,
		"description":     payload.Description,
		"location":        payload.Location,
		"startDate":       payload.StartDate,
		"endDate":         payload.EndDate,
		"maxParticipants": payload.MaxParticipants,
		"updatedAt":       s.now().UnixMilli(),
	}
	if payload.Active != nil {
		patch["active"] = *payload.Active
	}
	updated, err := s.events.Update(ctx, id, patch, repository.FieldEquals("eventLeaderId", current.EventLeaderID))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDocumentNotFound):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		case errors.Is(err, repository.ErrPreconditionFailed):
			return nil, appErrors.Clone(appErrors.ErrConflict, "event changed owner concurrently")
		}
		return nil, err
	}
	return updated, nil
}

// ListByLeader returns every event leaderID owns, active or not.
func (s *EventService) ListByLeader(ctx context.Context, leaderID string) ([]models.Event, error) {
	return s.events.ListByLeader(ctx, leaderID)
}

// ListActive returns active events that have not ended, soonest first.
func (s *EventService) ListActive(ctx context.Context) ([]models.Event, error) {
	events, err := s.events.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	today := s.now().Format(eventDateLayout)
	open := make([]models.Event, 0, len(events))
	for _, event := range events {
		if event.EndDate >= today {
			open = append(open, event)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].StartDate < open[j].StartDate })
	return open, nil
}

// Resolve returns the catalog entry a submission names. Unknown or inactive events are a
// validation failure of the submission.
func (s *EventService) Resolve(ctx context.Context, id string) (*models.Event, error) {
	event, err := s.events.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown event "+id)
		}
		return nil, unavailable(err, "event catalog unavailable")
	}
	if !event.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "event is not accepting requests")
	}
	return event, nil
}

func (s *EventService) find(ctx context.Context, id string) (*models.Event, error) {
	event, err := s.events.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "event not found")
		}
		return nil, err
	}
	return event, nil
}

func (s *EventService) validatePayload(payload dto.EventRequest) error {
	if err := s.validator.Struct(payload); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid event payload")
	}
	if payload.EndDate < payload.StartDate {
		return appErrors.Clone(appErrors.ErrValidation, "endDate must not be before startDate")
	}
	return nil
}
