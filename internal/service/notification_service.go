package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/retry"
)

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) (string, error)
	FindByID(ctx context.Context, id string) (*models.Notification, error)
	MarkRead(ctx context.Context, n *models.Notification) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	Recipients(ctx context.Context) ([]string, error)
	LiveList(ctx context.Context, userID string) ([]models.Notification, error)
	SubscribeLive(ctx context.Context, userID string, fn func(repository.LiveChange)) (repository.Subscription, error)
	SetUnreadCount(ctx context.Context, userID string, count int) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	SubscribeUnreadCount(ctx context.Context, userID string, fn func(repository.LiveChange)) (repository.Subscription, error)
	SetLatestUpdate(ctx context.Context, userID string, update models.LatestUpdate) error
}

type accountDirectory interface {
	FindByRole(ctx context.Context, role models.UserRole) ([]models.Account, error)
}

// Unsubscribe stops a live subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// MessageTemplate renders a fan-out message for one request.
type MessageTemplate func(summary models.RequestSummary) string

// NotificationService is the notification ledger: it creates records, keeps unread counters in
// the live store and streams both to subscribers.
type NotificationService struct {
	store     notificationStore
	directory accountDirectory
	metrics   *MetricsService
	logger    *zap.Logger
	policy    retry.Policy
	now       func() time.Time
}

// NotificationOption customises the ledger.
type NotificationOption func(*NotificationService)

// WithNotificationReadPolicy overrides the retry policy used for reads.
func WithNotificationReadPolicy(policy retry.Policy) NotificationOption {
	return func(s *NotificationService) {
		s.policy = policy
	}
}

// WithNotificationClock overrides the timestamp source.
func WithNotificationClock(now func() time.Time) NotificationOption {
	return func(s *NotificationService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewNotificationService constructs the ledger.
func NewNotificationService(store notificationStore, directory accountDirectory, metrics *MetricsService, logger *zap.Logger, opts ...NotificationOption) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{
		store:     store,
		directory: directory,
		metrics:   metrics,
		logger:    logger,
		policy:    retry.DefaultPolicy,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify creates one notification for userID and refreshes the recipient's unread counter.
func (s *NotificationService) Notify(ctx context.Context, userID string, kind models.NotificationType, message string, meta models.NotificationMeta) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(message) == "" || kind == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "userId, message and type are required")
	}
	if !kind.Valid() {
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown notification type %q", kind))
	}

	n := &models.Notification{
		ID:        meta.ID,
		UserID:    userID,
		Type:      kind,
		Message:   message,
		RequestID: meta.RequestID,
		Status:    meta.Status,
		Stage:     meta.Stage,
		Actor:     meta.Actor,
		Comments:  meta.Comments,
		Link:      meta.Link,
		CreatedAt: s.now().UnixMilli(),
	}
	id, err := s.store.Create(ctx, n)
	s.metrics.RecordNotification(kind, err)
	if err != nil {
		return id, err
	}

	if _, err := s.RecomputeUnread(ctx, userID); err != nil {
		s.logger.Warn("failed to refresh unread counter", zap.String("user_id", userID), zap.Error(err))
	}
	return id, nil
}

// NotifyRoleHolders sends one notification to every account holding role. Individual failures
// are logged and skipped.
func (s *NotificationService) NotifyRoleHolders(ctx context.Context, role models.UserRole, summary models.RequestSummary, template MessageTemplate) ([]string, error) {
	return s.notifyRoleHolders(ctx, role, summary, template, uuid.NewString())
}

func (s *NotificationService) notifyRoleHolders(ctx context.Context, role models.UserRole, summary models.RequestSummary, template MessageTemplate, batchKey string) ([]string, error) {
	if template == nil {
		template = NewRequestTemplate(role)
	}
	accounts, err := retry.Value(ctx, s.policy, func(ctx context.Context) ([]models.Account, error) {
		return s.directory.FindByRole(ctx, role)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s accounts: %w", role, err)
	}

	message := template(summary)
	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		id, err := s.Notify(ctx, account.ID, models.NotificationNewODRequest, message, models.NotificationMeta{
			ID:        derivedID(batchKey, account.ID),
			RequestID: summary.RequestID,
			Status:    summary.Status,
			Stage:     summary.Stage,
			Actor:     models.RoleStudent,
			Link:      role.DashboardPath(),
		})
		if err != nil {
			s.logger.Warn("failed to notify role holder",
				zap.String("role", string(role)),
				zap.String("user_id", account.ID),
				zap.String("request_id", summary.RequestID),
				zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NotifyStatusChange tells the student about a decision and raises the latest update flag.
func (s *NotificationService) NotifyStatusChange(ctx context.Context, req models.ODRequest, actor models.UserRole, decision models.Decision, comments string) (string, error) {
	return s.notifyStatusChange(ctx, req, actor, decision, comments, "")
}

func (s *NotificationService) notifyStatusChange(ctx context.Context, req models.ODRequest, actor models.UserRole, decision models.Decision, comments, id string) (string, error) {
	recipient := req.UserID
	if recipient == "" {
		recipient = req.StudentID
	}
	stage := req.Stage()
	action := decisionAction(decision)

	notificationID, err := s.Notify(ctx, recipient, models.NotificationODStatus, StatusMessage(actor, decision, stage, req.EventName), models.NotificationMeta{
		ID:        id,
		RequestID: req.ID,
		Status:    models.Status(action),
		Stage:     stage,
		Actor:     actor,
		Comments:  comments,
		Link:      "/student-dashboard/requests?id=" + req.ID,
	})
	if err != nil {
		return "", err
	}

	update := models.LatestUpdate{Action: action, RequestID: req.ID, Timestamp: s.now().UnixMilli()}
	if err := s.store.SetLatestUpdate(ctx, recipient, update); err != nil {
		s.logger.Warn("failed to set latest update flag", zap.String("user_id", recipient), zap.Error(err))
	}
	return notificationID, nil
}

// Deliver executes one dispatched notification task.
func (s *NotificationService) Deliver(ctx context.Context, task NotificationTask) error {
	switch task.Kind {
	case TaskRoleFanout:
		_, err := s.notifyRoleHolders(ctx, task.Role, summarize(task.Request), NewRequestTemplate(task.Role), task.ID)
		return err
	case TaskStudentStatus:
		_, err := s.notifyStatusChange(ctx, task.Request, task.Actor, task.Decision, task.Comments, derivedID(task.ID, "student"))
		return err
	}
	return fmt.Errorf("unknown notification task %q", task.Kind)
}

// RecomputeUnread counts unread records in the durable store and writes the live counter.
func (s *NotificationService) RecomputeUnread(ctx context.Context, userID string) (int, error) {
	count, err := retry.Value(ctx, s.policy, func(ctx context.Context) (int, error) {
		return s.store.CountUnread(ctx, userID)
	})
	if err != nil {
		return 0, err
	}
	if err := s.store.SetUnreadCount(ctx, userID, count); err != nil {
		return count, err
	}
	return count, nil
}

// MarkRead flags one notification owned by userID as read. Marking a read notification again
// succeeds without writing.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) error {
	n, err := s.store.FindByID(ctx, notificationID)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return appErrors.Clone(appErrors.ErrNotFound, "notification not found")
		}
		return err
	}
	if userID != "" && n.UserID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "notification belongs to another user")
	}
	if n.IsRead {
		return nil
	}
	if err := s.store.MarkRead(ctx, n); err != nil {
		return err
	}
	if _, err := s.RecomputeUnread(ctx, n.UserID); err != nil {
		s.logger.Warn("failed to refresh unread counter", zap.String("user_id", n.UserID), zap.Error(err))
	}
	return nil
}

// MarkAllRead flags every unread notification of userID as read in one batch and returns how
// many changed.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, appErrors.Clone(appErrors.ErrValidation, "userId is required")
	}
	n, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := s.RecomputeUnread(ctx, userID); err != nil {
		s.logger.Warn("failed to refresh unread counter", zap.String("user_id", userID), zap.Error(err))
	}
	return n, nil
}

// List returns the durable notifications of userID, newest first.
func (s *NotificationService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) ([]models.Notification, error) {
		return s.store.ListByUser(ctx, userID, unreadOnly, limit)
	})
}

// UnreadCount reads the fast-path counter.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	return retry.Value(ctx, s.policy, func(ctx context.Context) (int, error) {
		return s.store.UnreadCount(ctx, userID)
	})
}

// Recipients lists every user holding notifications.
func (s *NotificationService) Recipients(ctx context.Context) ([]string, error) {
	return s.store.Recipients(ctx)
}

// Subscribe pushes the full newest-first notification list of userID on subscription and after
// every change until the returned handle is called.
func (s *NotificationService) Subscribe(ctx context.Context, userID string, onChange func([]models.Notification)) (Unsubscribe, error) {
	if onChange == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "onChange callback is required")
	}
	var (
		mu     sync.Mutex
		closed atomic.Bool
	)
	push := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed.Load() {
			return
		}
		list, err := s.store.LiveList(ctx, userID)
		if err != nil {
			s.logger.Warn("failed to read notifications", zap.String("user_id", userID), zap.Error(err))
			return
		}
		onChange(list)
	}

	sub, err := s.store.SubscribeLive(ctx, userID, func(repository.LiveChange) { push() })
	if err != nil {
		return nil, err
	}
	push()
	return closer(sub, &closed), nil
}

// SubscribeUnreadCount pushes the unread counter of userID on subscription and after every change.
func (s *NotificationService) SubscribeUnreadCount(ctx context.Context, userID string, onCount func(int)) (Unsubscribe, error) {
	if onCount == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "onCount callback is required")
	}
	var (
		mu     sync.Mutex
		closed atomic.Bool
	)
	emit := func(count int) {
		mu.Lock()
		defer mu.Unlock()
		if !closed.Load() {
			onCount(count)
		}
	}

	sub, err := s.store.SubscribeUnreadCount(ctx, userID, func(change repository.LiveChange) {
		if change.Type == repository.ChangeDelete {
			emit(0)
			return
		}
		count, err := repository.ParseCounter(change.Value)
		if err != nil {
			s.logger.Warn("invalid unread counter", zap.String("user_id", userID), zap.Error(err))
			return
		}
		emit(count)
	})
	if err != nil {
		return nil, err
	}

	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to read unread counter", zap.String("user_id", userID), zap.Error(err))
	}
	emit(count)
	return closer(sub, &closed), nil
}

func closer(sub repository.Subscription, closed *atomic.Bool) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			closed.Store(true)
			_ = sub.Close()
		})
	}
}

// NewRequestTemplate renders the message sent to reviewers when a request reaches their stage.
func NewRequestTemplate(role models.UserRole) MessageTemplate {
	return func(summary models.RequestSummary) string {
		event := orDefault(summary.EventName, "an event")
		if role == models.RoleEventLeader {
			return fmt.Sprintf("New OD request from %s for %s needs your review.", orDefault(summary.StudentName, "a student"), orDefault(summary.EventName, "event"))
		}
		return fmt.Sprintf("A new OD request is pending faculty approval for %s.", event)
	}
}

// StatusMessage renders the message sent to a student after a decision.
func StatusMessage(actor models.UserRole, decision models.Decision, stage models.Stage, eventName string) string {
	event := orDefault(eventName, "your event")
	switch {
	case actor == models.RoleFaculty && decision == models.DecisionApprove:
		return fmt.Sprintf("Great news! Your OD request for %s has been APPROVED by faculty.", event)
	case actor == models.RoleFaculty && decision == models.DecisionReject:
		return fmt.Sprintf("Your OD request for %s has been REJECTED by faculty.", event)
	case actor == models.RoleEventLeader && decision == models.DecisionApprove:
		return fmt.Sprintf("Your OD request for %s has been approved by the event leader and forwarded to faculty for final review.", event)
	case actor == models.RoleEventLeader && decision == models.DecisionReject:
		return fmt.Sprintf("Your OD request for %s has been rejected by the event leader.", event)
	}
	switch stage {
	case models.StageCompleted:
		return "Your OD request has been APPROVED! Your OD is confirmed."
	case models.StageRejectedByEventLeader, models.StageRejectedByFaculty:
		return "Your OD request has been rejected."
	}
	return "Your OD request has been updated."
}

func decisionAction(decision models.Decision) string {
	if decision == models.DecisionApprove {
		return string(models.StatusApproved)
	}
	return string(models.StatusRejected)
}

func summarize(req models.ODRequest) models.RequestSummary {
	return models.RequestSummary{
		RequestID:   req.ID,
		StudentID:   req.StudentID,
		StudentName: req.DisplayName(),
		EventName:   req.EventName,
		Stage:       req.Stage(),
		Status:      req.Status,
	}
}

func derivedID(key, suffix string) string {
	if key == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key+":"+suffix)).String()
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
