package models

import "strings"

// Collections and live-store roots shared by the repositories.
const (
	CollectionODRequests     = "odRequests"
	CollectionLegacyODForms  = "odForms"
	CollectionNotifications  = "notifications"
	CollectionUserActivities = "userActivities"
)

// Source identifies which store view a merged record came from.
type Source string

const (
	SourcePrimary Source = "primary"
	SourceLive    Source = "live"
	SourceLegacy  Source = "legacy"
)

// ODRequest is one student's on-duty leave request for one event. Timestamps are epoch milliseconds.
type ODRequest struct {
	ID            string `json:"id,omitempty"`
	PrimaryID     string `json:"primaryId,omitempty"`
	SecondaryKey  string `json:"secondaryKey,omitempty"`
	SecondaryPath string `json:"secondaryPath,omitempty"`
	LegacyID      string `json:"legacyId,omitempty"`

	UserID            string `json:"userId"`
	StudentID         string `json:"studentId"`
	StudentName       string `json:"studentName,omitempty"`
	UserName          string `json:"userName,omitempty"`
	StudentEmail      string `json:"studentEmail,omitempty"`
	StudentRollNumber string `json:"studentRollNumber,omitempty"`
	Branch            string `json:"branch,omitempty"`
	Year              string `json:"year,omitempty"`

	EventID             string `json:"eventId"`
	EventName           string `json:"eventName,omitempty"`
	EventStartDate      string `json:"eventStartDate,omitempty"`
	EventEndDate        string `json:"eventEndDate,omitempty"`
	EventLeaderID       string `json:"eventLeaderId,omitempty"`
	EventLeaderName     string `json:"eventLeaderName,omitempty"`
	FacultyApproverID   string `json:"facultyApproverId"`
	FacultyApproverName string `json:"facultyApproverName,omitempty"`
	Reason              string `json:"reason"`
	DocumentPath        string `json:"documentPath,omitempty"`
	DocumentURL         string `json:"documentURL,omitempty"`

	Status   Status         `json:"status"`
	Workflow *WorkflowState `json:"workflow,omitempty"`

	SubmittedAt           int64  `json:"submittedAt,omitempty"`
	CreatedAt             int64  `json:"createdAt,omitempty"`
	UpdatedAt             int64  `json:"updatedAt,omitempty"`
	StatusUpdatedAt       int64  `json:"statusUpdatedAt,omitempty"`
	EventLeaderReviewedAt int64  `json:"eventLeaderReviewedAt,omitempty"`
	FacultyReviewedAt     int64  `json:"facultyReviewedAt,omitempty"`
	UpdatedBy             string `json:"updatedBy,omitempty"`

	Source Source `json:"-"`
}

// Stage returns the workflow stage, or an empty stage for legacy records.
func (r *ODRequest) Stage() Stage {
	if r == nil || r.Workflow == nil {
		return ""
	}
	return r.Workflow.Stage
}

// IsLegacy reports whether the record predates the workflow schema.
func (r *ODRequest) IsLegacy() bool {
	return r != nil && r.Workflow == nil
}

// DisplayName prefers the explicit student name over the account display name.
func (r *ODRequest) DisplayName() string {
	if r.StudentName != "" {
		return r.StudentName
	}
	return r.UserName
}

// OwnedBy matches the current user against both the workflow userId and the legacy studentId field.
func (r *ODRequest) OwnedBy(userID string) bool {
	if userID == "" {
		return false
	}
	return r.UserID == userID || r.StudentID == userID
}

// OwnerFromSecondaryPath recovers a user id from a live path shaped odRequests/{uid}/{key}.
func OwnerFromSecondaryPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == CollectionODRequests {
		return parts[1]
	}
	return ""
}

// RequestCounts summarises a merged request list.
type RequestCounts struct {
	Pending            int `json:"pending"`
	Approved           int `json:"approved"`
	Rejected           int `json:"rejected"`
	EventLeaderPending int `json:"eventLeaderPending"`
	FacultyPending     int `json:"facultyPending"`
	Total              int `json:"total"`
}

// RequestFilter names the list filters understood by the query layer.
type RequestFilter string

const (
	FilterAll                RequestFilter = "all"
	FilterPending            RequestFilter = "pending"
	FilterApproved           RequestFilter = "approved"
	FilterRejected           RequestFilter = "rejected"
	FilterEventLeaderPending RequestFilter = "event_leader_pending"
	FilterFacultyPending     RequestFilter = "faculty_pending"
)
