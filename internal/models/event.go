package models

// CollectionEvents holds the event catalog maintained by event leaders.
const CollectionEvents = "events"

// Event is a sanctioned event students can request on-duty leave for. Dates are YYYY-MM-DD.
type Event struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Location         string `json:"location,omitempty"`
	StartDate        string `json:"startDate"`
	EndDate          string `json:"endDate"`
	MaxParticipants  *int   `json:"maxParticipants,omitempty"`
	ParticipantCount int    `json:"participantCount"`
	EventLeaderID    string `json:"eventLeaderId"`
	EventLeaderName  string `json:"eventLeaderName,omitempty"`
	Active           bool   `json:"active"`
	CreatedAt        int64  `json:"createdAt,omitempty"`
	UpdatedAt        int64  `json:"updatedAt,omitempty"`
}
