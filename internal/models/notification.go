package models

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationNewODRequest NotificationType = "new_od_request"
	NotificationODStatus     NotificationType = "od_request_status"
)

// Valid reports whether the type is known.
func (t NotificationType) Valid() bool {
	return t == NotificationNewODRequest || t == NotificationODStatus
}

// Notification is one in-system alert for one recipient. Timestamps are epoch milliseconds.
type Notification struct {
	ID        string           `json:"id,omitempty"`
	PrimaryID string           `json:"primaryId,omitempty"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	RequestID string           `json:"requestId,omitempty"`
	Status    Status           `json:"status,omitempty"`
	Stage     Stage            `json:"stage,omitempty"`
	Actor     UserRole         `json:"actor,omitempty"`
	Comments  string           `json:"comments,omitempty"`
	Link      string           `json:"link,omitempty"`
	IsRead    bool             `json:"isRead"`
	ReadAt    int64            `json:"readAt,omitempty"`
	CreatedAt int64            `json:"createdAt"`
	UpdatedAt int64            `json:"updatedAt,omitempty"`
}

// NotificationMeta carries the optional fields accepted by Notify. ID, when set, makes the
// write repeatable without creating a duplicate record.
type NotificationMeta struct {
	ID        string
	RequestID string
	Status    Status
	Stage     Stage
	Actor     UserRole
	Comments  string
	Link      string
}

// RequestSummary is the subset of a request used to render fan-out messages.
type RequestSummary struct {
	RequestID   string
	StudentID   string
	StudentName string
	EventName   string
	Stage       Stage
	Status      Status
}

// LatestUpdate is the per-user flag written next to the unread counter after status changes.
type LatestUpdate struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp"`
}
