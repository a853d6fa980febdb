package dto

import "github.com/noah-isme/od-approval-api/internal/models"

// SubmitODRequest is the student submission payload. Identity fields come from the caller's token
// and event details from the catalog entry named by EventID.
type SubmitODRequest struct {
	StudentID           string `json:"studentId"`
	StudentName         string `json:"studentName"`
	StudentRollNumber   string `json:"studentRollNumber" validate:"omitempty,max=32"`
	Branch              string `json:"branch" validate:"omitempty,max=64"`
	Year                string `json:"year" validate:"omitempty,max=16"`
	EventID             string `json:"eventId" validate:"required"`
	FacultyApproverID   string `json:"facultyApproverId" validate:"required"`
	FacultyApproverName string `json:"facultyApproverName"`
	Reason              string `json:"reason" validate:"required,max=2000"`
	DocumentPath        string `json:"documentPath" validate:"omitempty,max=512"`
}

// DecisionRequest is the reviewer payload for approve/reject.
type DecisionRequest struct {
	Decision models.Decision `json:"decision" validate:"required,oneof=approve reject"`
	Comments string          `json:"comments" validate:"omitempty,max=2000"`
}

// RequestListQuery mirrors the list/export query string.
type RequestListQuery struct {
	Filter models.RequestFilter `form:"filter"`
	Search string               `form:"search"`
	Format string               `form:"format"`
}

// RequestListResponse carries the filtered list plus counts over the unfiltered merged view.
type RequestListResponse struct {
	Requests []models.ODRequest  `json:"requests"`
	Counts   models.RequestCounts `json:"counts"`
}
