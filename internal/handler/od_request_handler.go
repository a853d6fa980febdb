package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/od-approval-api/internal/dto"
	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/service"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/response"
)

type workflowService interface {
	Submit(ctx context.Context, payload dto.SubmitODRequest, actor models.Actor) (*models.ODRequest, error)
	Decide(ctx context.Context, requestID string, role models.UserRole, decision models.Decision, comments string, actor models.Actor) (*models.ODRequest, error)
	Get(ctx context.Context, requestID string, actor models.Actor) (*models.ODRequest, error)
}

type requestSnapshotter interface {
	Snapshot(ctx context.Context, role models.UserRole, currentUserID string) ([]models.ODRequest, models.RequestCounts, error)
}

type requestExporter interface {
	ExportList(requests []models.ODRequest, format string) (*service.ExportFile, error)
	ApprovalSlip(req *models.ODRequest) (*service.ExportFile, error)
}

// ODRequestHandler exposes the OD request workflow.
type ODRequestHandler struct {
	workflow workflowService
	query    requestSnapshotter
	exporter requestExporter
}

// NewODRequestHandler constructs the handler.
func NewODRequestHandler(workflow workflowService, query requestSnapshotter, exporter requestExporter) *ODRequestHandler {
	return &ODRequestHandler{workflow: workflow, query: query, exporter: exporter}
}

// Submit godoc
// @Summary Submit an OD request
// @Tags ODRequests
// @Accept json
// @Produce json
// @Param payload body dto.SubmitODRequest true "Submission"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /od-requests [post]
func (h *ODRequestHandler) Submit(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.SubmitODRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid od request payload"))
		return
	}
	created, err := h.workflow.Submit(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// List godoc
// @Summary List OD requests visible to the caller
// @Tags ODRequests
// @Produce json
// @Param filter query string false "all|pending|approved|rejected|event_leader_pending|faculty_pending"
// @Param search query string false "Student name, event name or student id"
// @Success 200 {object} response.Envelope
// @Router /od-requests [get]
func (h *ODRequestHandler) List(c *gin.Context) {
	actor, query, ok := h.listParams(c)
	if !ok {
		return
	}
	all, counts, err := h.query.Snapshot(c.Request.Context(), actor.Role, actor.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	filtered := service.FilterForRole(all, actor.Role, query.Filter, query.Search, actor.UserID)
	response.JSON(c, http.StatusOK, dto.RequestListResponse{Requests: filtered, Counts: counts}, nil, map[string]interface{}{
		"filter": string(orAll(query.Filter)),
		"count":  len(filtered),
	})
}

// Export godoc
// @Summary Export the filtered OD request list
// @Tags ODRequests
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv|pdf"
// @Param filter query string false "List filter"
// @Param search query string false "Search term"
// @Success 200 {file} file
// @Router /od-requests/export [get]
func (h *ODRequestHandler) Export(c *gin.Context) {
	actor, query, ok := h.listParams(c)
	if !ok {
		return
	}
	all, _, err := h.query.Snapshot(c.Request.Context(), actor.Role, actor.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	format := strings.ToLower(strings.TrimSpace(query.Format))
	if format == "" {
		format = service.ExportFormatCSV
	}
	file, err := h.exporter.ExportList(service.FilterForRole(all, actor.Role, query.Filter, query.Search, actor.UserID), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Download(c, file.Filename, file.ContentType, file.Body)
}

// Get godoc
// @Summary Get an OD request
// @Tags ODRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /od-requests/{id} [get]
func (h *ODRequestHandler) Get(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, err := h.workflow.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Decision godoc
// @Summary Approve or reject an OD request at the caller's stage
// @Tags ODRequests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecisionRequest true "Decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /od-requests/{id}/decision [post]
func (h *ODRequestHandler) Decision(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}
	updated, err := h.workflow.Decide(c.Request.Context(), c.Param("id"), actor.Role, req.Decision, req.Comments, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Slip godoc
// @Summary Download the approval slip of a completed request
// @Tags ODRequests
// @Produce application/pdf
// @Param id path string true "Request ID"
// @Success 200 {file} file
// @Failure 409 {object} response.Envelope
// @Router /od-requests/{id}/slip [get]
func (h *ODRequestHandler) Slip(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, err := h.workflow.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.exporter.ApprovalSlip(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Download(c, file.Filename, file.ContentType, file.Body)
}

func (h *ODRequestHandler) listParams(c *gin.Context) (models.Actor, dto.RequestListQuery, bool) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return models.Actor{}, dto.RequestListQuery{}, false
	}
	var query dto.RequestListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return models.Actor{}, dto.RequestListQuery{}, false
	}
	query.Filter = models.RequestFilter(strings.ToLower(strings.TrimSpace(string(query.Filter))))
	if !knownFilter(query.Filter) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown filter "+string(query.Filter)))
		return models.Actor{}, dto.RequestListQuery{}, false
	}
	return actor, query, true
}

func knownFilter(filter models.RequestFilter) bool {
	switch filter {
	case "", models.FilterAll, models.FilterPending, models.FilterApproved, models.FilterRejected,
		models.FilterEventLeaderPending, models.FilterFacultyPending:
		return true
	}
	return false
}

func orAll(filter models.RequestFilter) models.RequestFilter {
	if filter == "" {
		return models.FilterAll
	}
	return filter
}
