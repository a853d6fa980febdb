package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/dto"
	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/events"
	"github.com/noah-isme/od-approval-api/pkg/retry"
)

type odRequestStore interface {
	Create(ctx context.Context, req *models.ODRequest) (repository.WriteResult, error)
	FindByID(ctx context.Context, id string) (*models.ODRequest, error)
	Update(ctx context.Context, id, secondaryPath string, patch map[string]interface{}, conds ...repository.Precondition) (*models.ODRequest, error)
	LinkSecondary(ctx context.Context, id string, res repository.WriteResult) error
}

type eventCatalog interface {
	Resolve(ctx context.Context, id string) (*models.Event, error)
}

type activityRecorder interface {
	Record(ctx context.Context, activity *models.UserActivity) (repository.WriteResult, error)
}

type documentResolver interface {
	ResolveURL(subject, path string) (string, error)
}

const submittedComment = "Form submitted by student"

// WorkflowService is the OD request state machine. Every stage change goes through Submit or Decide.
type WorkflowService struct {
	requests   odRequestStore
	catalog    eventCatalog
	dispatcher NotificationDispatcher
	activities activityRecorder
	documents  documentResolver
	publisher  events.Publisher
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
	policy     retry.Policy
	now        func() time.Time
}

// WorkflowOption customises the workflow service.
type WorkflowOption func(*WorkflowService)

// WithActivityRecorder enables user activity tracking.
func WithActivityRecorder(recorder activityRecorder) WorkflowOption {
	return func(s *WorkflowService) {
		s.activities = recorder
	}
}

// WithDocumentResolver attaches retrievable URLs to requests carrying a document path.
func WithDocumentResolver(resolver documentResolver) WorkflowOption {
	return func(s *WorkflowService) {
		s.documents = resolver
	}
}

// WithEventPublisher emits workflow events after each committed transition.
func WithEventPublisher(publisher events.Publisher) WorkflowOption {
	return func(s *WorkflowService) {
		if publisher != nil {
			s.publisher = publisher
		}
	}
}

// WithWorkflowMetrics records transition counters.
func WithWorkflowMetrics(metrics *MetricsService) WorkflowOption {
	return func(s *WorkflowService) {
		s.metrics = metrics
	}
}

// WithWorkflowReadPolicy overrides the retry policy used for reads.
func WithWorkflowReadPolicy(policy retry.Policy) WorkflowOption {
	return func(s *WorkflowService) {
		s.policy = policy
	}
}

// WithWorkflowClock overrides the timestamp source.
func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(s *WorkflowService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewWorkflowService constructs the workflow engine.
func NewWorkflowService(requests odRequestStore, catalog eventCatalog, dispatcher NotificationDispatcher, validate *validator.Validate, logger *zap.Logger, opts ...WorkflowOption) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	s := &WorkflowService{
		requests:   requests,
		catalog:    catalog,
		dispatcher: dispatcher,
		publisher:  events.NopPublisher{},
		validator:  validate,
		logger:     logger,
		policy:     retry.DefaultPolicy,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and persists a new request at the event leader stage, then fans out to
// event leaders. Event details are copied from the catalog entry named by the payload.
func (s *WorkflowService) Submit(ctx context.Context, payload dto.SubmitODRequest, actor models.Actor) (*models.ODRequest, error) {
	if payload.StudentID == "" {
		payload.StudentID = actor.UserID
	}
	if err := s.validator.Struct(payload); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid od request payload")
	}
	required := []struct{ field, value string }{
		{"studentId", payload.StudentID},
		{"eventId", payload.EventID},
		{"facultyApproverId", payload.FacultyApproverID},
		{"reason", payload.Reason},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, r.field+" is required")
		}
	}
	if actor.Role == models.RoleStudent && payload.StudentID != actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "students may only submit their own requests")
	}
	event, err := s.catalog.Resolve(ctx, payload.EventID)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	userID := actor.UserID
	if userID == "" {
		userID = payload.StudentID
	}
	req := &models.ODRequest{
		UserID:              userID,
		StudentID:           payload.StudentID,
		StudentName:         payload.StudentName,
		UserName:            actor.DisplayName,
		StudentEmail:        actor.Email,
		StudentRollNumber:   payload.StudentRollNumber,
		Branch:              payload.Branch,
		Year:                payload.Year,
		EventID:             event.ID,
		EventName:           event.Name,
		EventStartDate:      event.StartDate,
		EventEndDate:        event.EndDate,
		EventLeaderID:       event.EventLeaderID,
		EventLeaderName:     event.EventLeaderName,
		FacultyApproverID:   payload.FacultyApproverID,
		FacultyApproverName: payload.FacultyApproverName,
		Reason:              payload.Reason,
		DocumentPath:        payload.DocumentPath,
		Status:              models.StatusForStage(models.InitialStage),
		Workflow: &models.WorkflowState{
			Stage: models.InitialStage,
			History: []models.HistoryEntry{{
				Stage:     models.StageSubmitted,
				Timestamp: now,
				By:        payload.StudentID,
				Comments:  submittedComment,
			}},
		},
		SubmittedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res, err := s.requests.Create(ctx, req)
	if err != nil {
		s.logger.Error("failed to persist od request", zap.String("student_id", req.StudentID), zap.String("primary_id", res.PrimaryID), zap.Error(err))
		return nil, err
	}
	req.ID = res.PrimaryID
	req.SecondaryKey = res.SecondaryKey
	req.SecondaryPath = res.SecondaryPath
	if err := s.requests.LinkSecondary(ctx, req.ID, res); err != nil {
		s.logger.Warn("failed to link live copy", zap.String("request_id", req.ID), zap.Error(err))
	}
	s.metrics.RecordTransition("", models.InitialStage)

	s.dispatch(ctx, NotificationTask{ID: uuid.NewString(), Kind: TaskRoleFanout, Role: models.RoleEventLeader, Request: *req})
	s.recordActivity(ctx, actor, models.ActivityODSubmit, req.ID, map[string]interface{}{
		"eventId":   req.EventID,
		"eventName": req.EventName,
	})
	s.publish(ctx, events.Event{
		Type:      events.TypeSubmitted,
		RequestID: req.ID,
		StudentID: req.StudentID,
		Stage:     string(req.Stage()),
		Status:    string(req.Status),
		Actor:     string(models.RoleStudent),
	})

	s.attachDocumentURL(req)
	return req, nil
}

// Decide applies a reviewer decision. The write is conditional on the stage read immediately
// before it, so a duplicate concurrent decision fails with ErrInvalidTransition.
func (s *WorkflowService) Decide(ctx context.Context, requestID string, role models.UserRole, decision models.Decision, comments string, actor models.Actor) (*models.ODRequest, error) {
	if !decision.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "decision must be approve or reject")
	}
	expected, ok := models.EligibleStage(role)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "role cannot decide on od requests")
	}

	current, err := s.read(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.IsLegacy() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "request has no workflow")
	}
	from := current.Stage()
	next, ok := models.Transition(from, role, decision)
	if !ok {
		switch {
		case !from.Valid():
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request has unknown stage %q", from))
		case models.IsTerminal(from):
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request is already %s", from))
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request is %s, %s cannot decide", from, role))
	}

	now := s.now().UnixMilli()
	comments = strings.TrimSpace(comments)
	workflow := current.Workflow.Append(models.HistoryEntry{
		Stage:     next,
		Timestamp: now,
		By:        role.Label(),
		Comments:  comments,
		Status:    decision,
	})
	patch := map[string]interface{}{
		"workflow":        workflow,
		"status":          models.StatusForStage(next),
		"statusUpdatedAt": now,
		"updatedBy":       role.Label(),
	}
	if role == models.RoleEventLeader {
		patch["eventLeaderReviewedAt"] = now
	} else {
		patch["facultyReviewedAt"] = now
	}

	updated, err := s.requests.Update(ctx, requestID, current.SecondaryPath, patch, repository.FieldEquals("workflow.stage", expected))
	committed := err == nil
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPreconditionFailed):
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "request was decided concurrently")
		case failedStore(err) == repository.StorePrimary && errors.Is(err, repository.ErrDocumentNotFound):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "od request not found")
		case failedStore(err) == repository.StoreSecondary:
			committed = true
			s.logger.Warn("live copy not updated after transition", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	if !committed {
		return nil, err
	}
	if updated == nil {
		fallback := *current
		fallback.Workflow = &workflow
		fallback.Status = models.StatusForStage(next)
		updated = &fallback
	}

	s.metrics.RecordTransition(from, next)
	s.logger.Info("od request decided",
		zap.String("request_id", requestID),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("actor", string(role)),
		zap.String("user_id", actor.UserID))

	s.afterDecision(ctx, *updated, role, decision, comments, actor, from)
	if err != nil {
		return nil, err
	}
	s.attachDocumentURL(updated)
	return updated, nil
}

// Get returns one request. Students may only read their own.
func (s *WorkflowService) Get(ctx context.Context, requestID string, actor models.Actor) (*models.ODRequest, error) {
	req, err := s.read(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent && !req.OwnedBy(actor.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another student")
	}
	s.attachDocumentURL(req)
	return req, nil
}

func (s *WorkflowService) read(ctx context.Context, requestID string) (*models.ODRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "request id is required")
	}
	req, err := retry.Value(ctx, s.policy, func(ctx context.Context) (*models.ODRequest, error) {
		return s.requests.FindByID(ctx, requestID)
	}, func(err error, wait time.Duration) {
		s.logger.Warn("retrying od request read", zap.String("request_id", requestID), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "od request not found")
		}
		return nil, unavailable(err, "od request store unavailable")
	}
	return req, nil
}

func (s *WorkflowService) afterDecision(ctx context.Context, req models.ODRequest, role models.UserRole, decision models.Decision, comments string, actor models.Actor, from models.Stage) {
	s.dispatch(ctx, NotificationTask{
		ID:       uuid.NewString(),
		Kind:     TaskStudentStatus,
		Request:  req,
		Actor:    role,
		Decision: decision,
		Comments: comments,
	})
	if role == models.RoleEventLeader && decision == models.DecisionApprove {
		s.dispatch(ctx, NotificationTask{ID: uuid.NewString(), Kind: TaskRoleFanout, Role: models.RoleFaculty, Request: req})
	}
	s.recordActivity(ctx, actor, models.ActivityODDecide, req.ID, map[string]interface{}{
		"decision": string(decision),
		"stage":    string(req.Stage()),
		"comments": comments,
	})
	s.publish(ctx, events.Event{
		Type:      events.TypeDecided,
		RequestID: req.ID,
		StudentID: req.StudentID,
		FromStage: string(from),
		Stage:     string(req.Stage()),
		Status:    string(req.Status),
		Actor:     string(role),
		Comments:  comments,
	})
}

func (s *WorkflowService) dispatch(ctx context.Context, task NotificationTask) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.logger.Warn("notification dispatch failed",
			zap.String("task", string(task.Kind)),
			zap.String("request_id", task.Request.ID),
			zap.Error(err))
	}
}

func (s *WorkflowService) recordActivity(ctx context.Context, actor models.Actor, action, requestID string, details map[string]interface{}) {
	if s.activities == nil || actor.UserID == "" {
		return
	}
	activity := &models.UserActivity{
		UserID:    actor.UserID,
		Role:      actor.Role,
		Action:    action,
		RequestID: requestID,
		Details:   details,
		Timestamp: s.now().UnixMilli(),
	}
	if _, err := s.activities.Record(ctx, activity); err != nil {
		s.logger.Warn("failed to record activity", zap.String("action", action), zap.String("request_id", requestID), zap.Error(err))
	}
}

func (s *WorkflowService) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = s.now()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish workflow event", zap.String("type", event.Type), zap.String("request_id", event.RequestID), zap.Error(err))
	}
}

func (s *WorkflowService) attachDocumentURL(req *models.ODRequest) {
	if s.documents == nil || req == nil || req.DocumentPath == "" {
		return
	}
	url, err := s.documents.ResolveURL(req.ID, req.DocumentPath)
	if err != nil {
		s.logger.Warn("failed to resolve document url", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	req.DocumentURL = url
}

// unavailable maps a read that exhausted its transient retries to ErrUnavailable.
func unavailable(err error, message string) error {
	if retry.IsTransient(err) {
		return appErrors.WrapAs(appErrors.ErrUnavailable, err, message)
	}
	return err
}

func failedStore(err error) string {
	var storeErr *repository.StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Store
	}
	return ""
}
