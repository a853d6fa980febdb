package service

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/models"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetricsService()

	m.RecordTransition("", models.StageEventLeaderPending)
	m.RecordTransition(models.StageEventLeaderPending, models.StageFacultyPending)
	m.RecordDualWriteFailure("write", "secondary")
	m.RecordNotification(models.NotificationODStatus, nil)
	m.RecordNotification(models.NotificationODStatus, errors.New("boom"))
	m.RecordRepair("restored", 2)
	m.RecordRepair("pushed", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("submitted", "event_leader_pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("event_leader_pending", "faculty_pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dualWriteFailures.WithLabelValues("write", "secondary")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("od_request_status", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("od_request_status", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconcileRepairs.WithLabelValues("restored")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.reconcileRepairs.WithLabelValues("pushed")))
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.ObserveHTTPRequest("GET", "/health", http.StatusOK, time.Millisecond)
		m.RecordTransition("", models.StageEventLeaderPending)
		m.RecordDualWriteFailure("write", "primary")
		m.RecordNotification(models.NotificationNewODRequest, nil)
		m.RecordRepair("restored", 1)
	})
}

func TestMetricsHandlerExposesSeries(t *testing.T) {
	m := NewMetricsService()
	m.ObserveHTTPRequest("GET", "/api/v1/od-requests", http.StatusOK, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_requests_total{method="GET",path="/api/v1/od-requests",status="200"} 1`)
}
