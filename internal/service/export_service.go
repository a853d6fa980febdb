package service

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/export"
)

// Supported export formats.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
	RenderSlip(slip export.Slip) ([]byte, error)
}

// ExportFile is a rendered download.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportService renders request lists and approval slips.
type ExportService struct {
	csv    csvRenderer
	pdf    pdfRenderer
	logger *zap.Logger
	now    func() time.Time
}

var listHeaders = []string{"Request ID", "Student ID", "Student", "Event", "Start", "End", "Stage", "Status", "Submitted"}

// NewExportService constructs an ExportService.
func NewExportService(csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{csv: csv, pdf: pdf, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ExportList renders requests in the requested format.
func (s *ExportService) ExportList(requests []models.ODRequest, format string) (*ExportFile, error) {
	dataset := export.Dataset{Headers: listHeaders, Rows: make([]map[string]string, 0, len(requests))}
	for i := range requests {
		req := &requests[i]
		stage := string(req.Stage())
		if stage == "" {
			stage = "legacy"
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Request ID": req.ID,
			"Student ID": req.StudentID,
			"Student":    req.DisplayName(),
			"Event":      req.EventName,
			"Start":      req.EventStartDate,
			"End":        req.EventEndDate,
			"Stage":      stage,
			"Status":     string(req.Status),
			"Submitted":  formatMillis(req.SubmittedAt),
		})
	}

	stamp := s.now().Format("20060102-150405")
	switch strings.ToLower(format) {
	case "", ExportFormatCSV:
		body, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return &ExportFile{Filename: "od-requests-" + stamp + ".csv", ContentType: "text/csv", Body: body}, nil
	case ExportFormatPDF:
		body, err := s.pdf.Render(dataset, "OD Requests")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return &ExportFile{Filename: "od-requests-" + stamp + ".pdf", ContentType: "application/pdf", Body: body}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrExportNotSupported, fmt.Sprintf("unsupported export format %q", format))
}

// ApprovalSlip renders the slip of a completed request with its full history.
func (s *ExportService) ApprovalSlip(req *models.ODRequest) (*ExportFile, error) {
	if req.Stage() != models.StageCompleted {
		return nil, appErrors.Clone(appErrors.ErrConflict, "approval slip is only available for completed requests")
	}
	history := export.Dataset{Headers: []string{"Stage", "By", "Decision", "When", "Comments"}}
	for _, entry := range req.Workflow.History {
		history.Rows = append(history.Rows, map[string]string{
			"Stage":    string(entry.Stage),
			"By":       entry.By,
			"Decision": string(entry.Status),
			"When":     formatMillis(entry.Timestamp),
			"Comments": entry.Comments,
		})
	}
	slip := export.Slip{
		Title:    "On-Duty Approval Slip",
		Subtitle: "Request " + req.ID,
		Fields: []export.Field{
			{Label: "Student", Value: req.DisplayName()},
			{Label: "Student ID", Value: req.StudentID},
			{Label: "Roll Number", Value: req.StudentRollNumber},
			{Label: "Event", Value: req.EventName},
			{Label: "Dates", Value: strings.Trim(req.EventStartDate+" - "+req.EventEndDate, " -")},
			{Label: "Reason", Value: req.Reason},
			{Label: "Faculty Approver", Value: req.FacultyApproverName},
		},
		Table:  history,
		Footer: "Generated " + s.now().Format(time.RFC1123),
	}
	body, err := s.pdf.RenderSlip(slip)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render approval slip")
	}
	return &ExportFile{Filename: "od-slip-" + req.ID + ".pdf", ContentType: "application/pdf", Body: body}, nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}
