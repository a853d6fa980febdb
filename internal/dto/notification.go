package dto

import "github.com/noah-isme/od-approval-api/internal/models"

// NotificationListQuery bounds the notification list.
type NotificationListQuery struct {
	Limit      int  `form:"limit"`
	UnreadOnly bool `form:"unread"`
}

// NotificationListResponse returns newest-first notifications with the unread count.
type NotificationListResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

// UnreadCountResponse exposes the fast-path counter.
type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

// MarkAllReadResponse reports how many notifications flipped to read.
type MarkAllReadResponse struct {
	Updated int `json:"updated"`
}
