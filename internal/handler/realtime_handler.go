package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/realtime"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/response"
)

type realtimeServer interface {
	Serve(actor models.Actor, streams []string, w http.ResponseWriter, r *http.Request)
}

// RealtimeHandler upgrades authenticated callers to the live update socket.
type RealtimeHandler struct {
	hub realtimeServer
}

// NewRealtimeHandler constructs the handler.
func NewRealtimeHandler(hub realtimeServer) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// Stream godoc
// @Summary Open the realtime WebSocket
// @Description Streams notifications, unread_count and od_requests frames as {stream, event, data}.
// @Tags Realtime
// @Param streams query string false "Comma separated stream names"
// @Param access_token query string false "Bearer token for browsers that cannot set headers"
// @Success 101
// @Router /realtime [get]
func (h *RealtimeHandler) Stream(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	streams := realtime.DefaultStreams
	if raw := strings.TrimSpace(c.Query("streams")); raw != "" {
		streams = realtime.UniqueStreams(strings.Split(raw, ","))
		for _, stream := range streams {
			if !realtime.KnownStream(stream) {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown stream "+stream))
				return
			}
		}
	}

	h.hub.Serve(actor, streams, c.Writer, c.Request)
}
