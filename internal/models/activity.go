package models

// Activity actions recorded for workflow operations.
const (
	ActivityODSubmit = "od_submit"
	ActivityODDecide = "od_decide"
)

// UserActivity is an audit trail entry written alongside workflow transitions.
type UserActivity struct {
	ID        string                 `json:"id,omitempty"`
	UserID    string                 `json:"userId"`
	Role      UserRole               `json:"role,omitempty"`
	Action    string                 `json:"action"`
	RequestID string                 `json:"requestId,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}
