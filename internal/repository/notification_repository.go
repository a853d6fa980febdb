package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/od-approval-api/internal/models"
)

const (
	notificationsRoot = "notifications"
	countersRoot      = "notificationCounts"
)

// NotificationRepository persists notifications in both stores. The live copy of a notification
// lives at notifications/{userId}/{id} so either copy can be addressed from the other.
type NotificationRepository struct {
	store *DualWriteStore
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(store *DualWriteStore) *NotificationRepository {
	return &NotificationRepository{store: store}
}

// NotificationPath is the live path of one notification.
func NotificationPath(userID, id string) string {
	return JoinPath(notificationsRoot, userID, id)
}

// NotificationListPath is the live parent of a user's notifications.
func NotificationListPath(userID string) string {
	return JoinPath(notificationsRoot, userID)
}

// UnreadCounterPath is the live path of a user's unread counter.
func UnreadCounterPath(userID string) string {
	return JoinPath(countersRoot, userID, "unread")
}

// LatestUpdatePath is the live path of a user's latest status update flag.
func LatestUpdatePath(userID string) string {
	return JoinPath(countersRoot, userID, "latestUpdate")
}

// Create writes n to both stores and returns its id. A caller-supplied id that already exists is
// a redelivery: the stored record, including its read state, is kept and only a missing live copy
// is restored.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	} else {
		existing, err := r.store.Primary().Get(ctx, models.CollectionNotifications, n.ID)
		switch {
		case err == nil:
			return n.ID, r.ensureLive(ctx, existing)
		case !errors.Is(err, ErrDocumentNotFound):
			return "", err
		}
	}
	data, err := ToMap(n)
	if err != nil {
		return "", err
	}
	delete(data, "id")
	delete(data, "primaryId")

	res, err := r.store.WriteBoth(ctx, WriteInput{
		Collection:    models.CollectionNotifications,
		DocID:         n.ID,
		SecondaryPath: NotificationPath(n.UserID, n.ID),
		Data:          data,
	})
	return res.PrimaryID, err
}

func (r *NotificationRepository) ensureLive(ctx context.Context, doc Document) error {
	userID, _ := doc.Data["userId"].(string)
	path := NotificationPath(userID, doc.ID)
	_, err := r.store.Secondary().Get(ctx, path)
	if !errors.Is(err, ErrDocumentNotFound) {
		return err
	}
	return r.store.Secondary().Set(ctx, path, mergeTop(doc.Data, map[string]interface{}{"primaryId": doc.ID}))
}

// FindByID reads a notification from the durable store.
func (r *NotificationRepository) FindByID(ctx context.Context, id string) (*models.Notification, error) {
	doc, err := r.store.Primary().Get(ctx, models.CollectionNotifications, id)
	if err != nil {
		return nil, err
	}
	return decodeNotification(doc)
}

// MarkRead flags one notification as read in both stores.
func (r *NotificationRepository) MarkRead(ctx context.Context, n *models.Notification) error {
	now := r.store.Now()
	_, err := r.store.UpdateBoth(ctx, models.CollectionNotifications, n.ID, NotificationPath(n.UserID, n.ID), map[string]interface{}{
		"isRead": true,
		"readAt": now,
	})
	return err
}

// MarkAllRead flags every unread notification of userID as read in one batch per store.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int, error) {
	unread, err := r.ListByUser(ctx, userID, true, 0)
	if err != nil {
		return 0, err
	}
	if len(unread) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(unread))
	paths := make([]string, 0, len(unread))
	for _, n := range unread {
		ids = append(ids, n.ID)
		paths = append(paths, NotificationPath(userID, n.ID))
	}
	return r.store.UpdateManyBoth(ctx, models.CollectionNotifications, ids, paths, map[string]interface{}{
		"isRead": true,
		"readAt": r.store.Now(),
	})
}

// ListByUser returns a user's notifications from the durable store, newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	filters := []Filter{{Field: "userId", Value: userID}}
	if unreadOnly {
		filters = append(filters, Filter{Field: "isRead", Value: false})
	}
	docs, err := r.store.Primary().Query(ctx, models.CollectionNotifications, Query{
		Filters: filters,
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Notification, 0, len(docs))
	for _, doc := range docs {
		n, err := decodeNotification(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

// CountUnread counts unread notifications in the durable store.
func (r *NotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	unread, err := r.ListByUser(ctx, userID, true, 0)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// Recipients lists every user holding at least one notification.
func (r *NotificationRepository) Recipients(ctx context.Context) ([]string, error) {
	docs, err := r.store.Primary().Query(ctx, models.CollectionNotifications, Query{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, doc := range docs {
		uid := textValue(doc.Data["userId"])
		if _, ok := seen[uid]; ok || uid == "" {
			continue
		}
		seen[uid] = struct{}{}
		users = append(users, uid)
	}
	sort.Strings(users)
	return users, nil
}

// LiveList reads a user's notifications from the live store, newest first.
func (r *NotificationRepository) LiveList(ctx context.Context, userID string) ([]models.Notification, error) {
	values, err := r.store.Secondary().Snapshot(ctx, NotificationListPath(userID))
	if err != nil {
		return nil, err
	}
	out := make([]models.Notification, 0, len(values))
	for path, raw := range values {
		var n models.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			continue
		}
		n.ID = lastSegment(path)
		out = append(out, n)
	}
	SortNotifications(out)
	return out, nil
}

// SubscribeLive streams changes to a user's live notification list.
func (r *NotificationRepository) SubscribeLive(ctx context.Context, userID string, fn func(LiveChange)) (Subscription, error) {
	return r.store.Secondary().Subscribe(ctx, NotificationListPath(userID), fn)
}

// SetUnreadCount writes the fast-path unread counter.
func (r *NotificationRepository) SetUnreadCount(ctx context.Context, userID string, count int) error {
	return r.store.Secondary().Set(ctx, UnreadCounterPath(userID), count)
}

// UnreadCount reads the fast-path counter; a missing counter reads as zero.
func (r *NotificationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	raw, err := r.store.Secondary().Get(ctx, UnreadCounterPath(userID))
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return ParseCounter(raw)
}

// SubscribeUnreadCount streams the fast-path counter.
func (r *NotificationRepository) SubscribeUnreadCount(ctx context.Context, userID string, fn func(LiveChange)) (Subscription, error) {
	return r.store.Secondary().Subscribe(ctx, UnreadCounterPath(userID), fn)
}

// SetLatestUpdate writes the latest status update flag for userID.
func (r *NotificationRepository) SetLatestUpdate(ctx context.Context, userID string, update models.LatestUpdate) error {
	return r.store.Secondary().Set(ctx, LatestUpdatePath(userID), update)
}

// ParseCounter decodes a counter value; empty and null read as zero.
func ParseCounter(raw json.RawMessage) (int, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("decode counter %q: %w", text, err)
	}
	return n, nil
}

// SortNotifications orders newest first, breaking ties by id.
func SortNotifications(list []models.Notification) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt > list[j].CreatedAt
		}
		return list[i].ID > list[j].ID
	})
}

func decodeNotification(doc Document) (*models.Notification, error) {
	var n models.Notification
	if err := FromMap(doc.Data, &n); err != nil {
		return nil, fmt.Errorf("decode notification %s: %w", doc.ID, err)
	}
	n.ID = doc.ID
	n.PrimaryID = doc.ID
	return &n, nil
}
