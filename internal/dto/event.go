package dto

// EventRequest is the payload for creating or editing a catalog event.
type EventRequest struct {
	Name            string `json:"name" validate:"required,max=200"`
	Description     string `json:"description" validate:"omitempty,max=2000"`
	Location        string `json:"location" validate:"omitempty,max=200"`
	StartDate       string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate         string `json:"endDate" validate:"required,datetime=2006-01-02"`
	MaxParticipants *int   `json:"maxParticipants" validate:"omitempty,min=1"`
	Active          *bool  `json:"active"`
}

// EventListQuery selects between the caller's own events and the open catalog.
type EventListQuery struct {
	Mine bool `form:"mine"`
}
