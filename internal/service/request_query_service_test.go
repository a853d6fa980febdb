package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
)

func requestAt(id string, stage models.Stage, createdAt int64) models.ODRequest {
	return models.ODRequest{
		ID:        id,
		UserID:    "S1",
		StudentID: "S1",
		Status:    models.StatusForStage(stage),
		Workflow:  &models.WorkflowState{Stage: stage},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Source:    models.SourcePrimary,
	}
}

func legacyRequest(id string, status models.Status, createdAt int64) models.ODRequest {
	return models.ODRequest{ID: id, UserID: "S1", StudentID: "S1", Status: status, CreatedAt: createdAt, Source: models.SourceLegacy}
}

func ids(list []models.ODRequest) []string {
	out := make([]string, 0, len(list))
	for _, req := range list {
		out = append(out, req.ID)
	}
	return out
}

func TestFilterForRolePending(t *testing.T) {
	requests := []models.ODRequest{
		requestAt("a", models.StageEventLeaderPending, 1),
		requestAt("b", models.StageFacultyPending, 2),
		requestAt("c", models.StageCompleted, 3),
		requestAt("d", models.StageRejectedByEventLeader, 4),
		legacyRequest("e", models.StatusPending, 5),
	}

	assert.Equal(t, []string{"b"}, ids(FilterForRole(requests, models.RoleFaculty, models.FilterPending, "", "F1")))
	assert.Equal(t, []string{"a"}, ids(FilterForRole(requests, models.RoleEventLeader, models.FilterPending, "", "L1")))
	assert.Equal(t, []string{"a", "b", "e"}, ids(FilterForRole(requests, models.RoleStudent, models.FilterPending, "", "S1")))
	assert.Len(t, FilterForRole(requests, models.RoleAdmin, models.FilterAll, "", ""), 5)
}

func TestFilterForRoleDecidedIncludesLegacy(t *testing.T) {
	requests := []models.ODRequest{
		requestAt("a", models.StageCompleted, 1),
		requestAt("b", models.StageRejectedByFaculty, 2),
		requestAt("c", models.StageRejectedByEventLeader, 3),
		legacyRequest("d", models.StatusApproved, 4),
		legacyRequest("e", models.StatusRejected, 5),
	}

	assert.Equal(t, []string{"a", "d"}, ids(FilterForRole(requests, models.RoleFaculty, models.FilterApproved, "", "")))
	assert.Equal(t, []string{"b", "c", "e"}, ids(FilterForRole(requests, models.RoleFaculty, models.FilterRejected, "", "")))
	assert.Empty(t, FilterForRole(requests, models.RoleFaculty, models.FilterFacultyPending, "", ""))
}

func TestFilterForRoleSearchAndScope(t *testing.T) {
	mine := requestAt("a", models.StageEventLeaderPending, 1)
	mine.EventName = "Robotics Expo"
	legacyOwned := legacyRequest("b", models.StatusPending, 2)
	legacyOwned.UserID = ""
	other := requestAt("c", models.StageFacultyPending, 3)
	other.UserID, other.StudentID, other.StudentName = "S2", "S2", "Ravi Kumar"
	requests := []models.ODRequest{mine, legacyOwned, other}

	assert.Equal(t, []string{"a", "b"}, ids(FilterForRole(requests, models.RoleStudent, models.FilterAll, "", "S1")))
	assert.Equal(t, []string{"a"}, ids(FilterForRole(requests, models.RoleFaculty, models.FilterAll, "robotics", "")))
	assert.Equal(t, []string{"c"}, ids(FilterForRole(requests, models.RoleFaculty, models.FilterAll, "  RAVI ", "")))
	assert.Empty(t, FilterForRole(requests, models.RoleStudent, models.FilterAll, "ravi", "S1"))
}

func TestComputeCountsIsRoleAware(t *testing.T) {
	requests := []models.ODRequest{
		requestAt("a", models.StageEventLeaderPending, 1),
		requestAt("b", models.StageFacultyPending, 2),
		requestAt("c", models.StageCompleted, 3),
		legacyRequest("d", models.StatusRejected, 4),
	}

	faculty := ComputeCounts(requests, models.RoleFaculty)
	assert.Equal(t, models.RequestCounts{Pending: 1, Approved: 1, Rejected: 1, EventLeaderPending: 1, FacultyPending: 1, Total: 4}, faculty)

	student := ComputeCounts(requests, models.RoleStudent)
	assert.Equal(t, 2, student.Pending)
}

func TestRequestViewMerge(t *testing.T) {
	view := newRequestView()

	current := requestAt("a", models.StageFacultyPending, 10)
	current.UpdatedAt = 200
	current.SecondaryPath = "odRequests/S1/k1"
	require.True(t, view.merge(current))

	stale := requestAt("a", models.StageEventLeaderPending, 10)
	stale.UpdatedAt = 100
	stale.Source = models.SourceLive
	assert.False(t, view.merge(stale))

	legacy := legacyRequest("a", models.StatusPending, 10)
	legacy.UpdatedAt = 999
	assert.False(t, view.merge(legacy))

	newer := requestAt("a", models.StageCompleted, 10)
	newer.UpdatedAt = 300
	require.True(t, view.merge(newer))

	list := view.list()
	require.Len(t, list, 1)
	assert.Equal(t, models.StageCompleted, list[0].Stage())
	assert.Equal(t, "odRequests/S1/k1", list[0].SecondaryPath)

	onlyLegacy := legacyRequest("b", models.StatusPending, 5)
	require.True(t, view.merge(onlyLegacy))
	upgraded := requestAt("b", models.StageEventLeaderPending, 5)
	require.True(t, view.merge(upgraded))
	assert.False(t, view.list()[1].IsLegacy())
}

type queryFixture struct {
	primary  *repository.MemoryDocumentStore
	live     *repository.MemoryLiveStore
	requests *repository.ODRequestRepository
	query    *RequestQueryService
}

func newQueryFixture() *queryFixture {
	primary := repository.NewMemoryDocumentStore()
	live := repository.NewMemoryLiveStore()
	requests := repository.NewODRequestRepository(repository.NewDualWriteStore(primary, live))
	policy := fastPolicy
	return &queryFixture{primary: primary, live: live, requests: requests, query: NewRequestQueryService(requests, nil, &policy)}
}

func (f *queryFixture) create(t *testing.T, userID string, stage models.Stage, createdAt int64) *models.ODRequest {
	t.Helper()
	req := &models.ODRequest{
		UserID:    userID,
		StudentID: userID,
		EventID:   "E1",
		Reason:    "event",
		Status:    models.StatusForStage(stage),
		Workflow:  &models.WorkflowState{Stage: stage},
		CreatedAt: createdAt,
	}
	res, err := f.requests.Create(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, f.requests.LinkSecondary(context.Background(), res.PrimaryID, res))
	req.ID = res.PrimaryID
	req.SecondaryPath = res.SecondaryPath
	return req
}

func TestSnapshotMergesStoresWithoutDuplicates(t *testing.T) {
	f := newQueryFixture()
	ctx := context.Background()
	first := f.create(t, "S1", models.StageEventLeaderPending, 100)
	f.create(t, "S2", models.StageFacultyPending, 200)

	_, err := f.primary.Create(ctx, models.CollectionLegacyODForms, "legacy-1", map[string]interface{}{
		"userId": "S1", "studentId": "S1", "status": "approved", "createdAt": 50,
	})
	require.NoError(t, err)

	list, counts, err := f.query.Snapshot(ctx, models.RoleFaculty, "F1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 2, counts.Total)

	list, counts, err = f.query.Snapshot(ctx, models.RoleStudent, "S1")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, "legacy-1"}, ids(list))
	assert.Equal(t, 1, counts.Approved)
	assert.True(t, list[1].IsLegacy())
}

func TestSnapshotIncludesLiveOnlyRecords(t *testing.T) {
	f := newQueryFixture()
	ctx := context.Background()

	require.NoError(t, f.live.Set(ctx, "odRequests/S1/k9", map[string]interface{}{
		"primaryId": "p9",
		"studentId": "S1",
		"status":    "pending",
		"workflow":  map[string]interface{}{"stage": "event_leader_pending", "history": []interface{}{}},
		"createdAt": 10,
		"updatedAt": 10,
	}))

	list, _, err := f.query.Snapshot(ctx, models.RoleStudent, "S1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p9", list[0].ID)
	assert.Equal(t, "S1", list[0].UserID)
	assert.Equal(t, models.SourceLive, list[0].Source)
}

type liveDownReader struct {
	*repository.ODRequestRepository
}

func (liveDownReader) LiveSnapshot(context.Context, string) ([]models.ODRequest, error) {
	return nil, errors.New("redis unavailable")
}

func TestSnapshotServesDurableViewWhenLiveFails(t *testing.T) {
	f := newQueryFixture()
	f.create(t, "S1", models.StageEventLeaderPending, 100)
	policy := fastPolicy
	query := NewRequestQueryService(liveDownReader{f.requests}, nil, &policy)

	list, _, err := query.Snapshot(context.Background(), models.RoleEventLeader, "L1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type primaryDownReader struct {
	*repository.ODRequestRepository
}

func (primaryDownReader) ListPrimary(context.Context, ...repository.Filter) ([]models.ODRequest, error) {
	return nil, errors.New("read tcp: i/o timeout")
}

func TestSnapshotUnavailableWhenDurableStoreDown(t *testing.T) {
	f := newQueryFixture()
	policy := fastPolicy
	query := NewRequestQueryService(primaryDownReader{f.requests}, nil, &policy)

	_, _, err := query.Snapshot(context.Background(), models.RoleFaculty, "F1")
	require.ErrorIs(t, err, appErrors.ErrUnavailable)
}

func TestObserveRequestsStreamsChanges(t *testing.T) {
	f := newQueryFixture()
	ctx := context.Background()
	req := f.create(t, "S1", models.StageEventLeaderPending, 100)

	var (
		mu    sync.Mutex
		views [][]models.ODRequest
	)
	unsubscribe, err := f.query.ObserveRequests(ctx, models.RoleEventLeader, "L1", func(list []models.ODRequest, _ models.RequestCounts) {
		mu.Lock()
		defer mu.Unlock()
		views = append(views, list)
	})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, views, 1)
	require.Len(t, views[0], 1)
	mu.Unlock()

	_, err = f.requests.Update(ctx, req.ID, req.SecondaryPath, map[string]interface{}{
		"workflow": models.WorkflowState{Stage: models.StageFacultyPending},
		"status":   models.StatusPending,
	})
	require.NoError(t, err)

	mu.Lock()
	latest := views[len(views)-1]
	require.Len(t, latest, 1)
	assert.Equal(t, models.StageFacultyPending, latest[0].Stage())
	seen := len(views)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	f.create(t, "S2", models.StageEventLeaderPending, 200)

	mu.Lock()
	assert.Equal(t, seen, len(views))
	mu.Unlock()
}

func TestObserveRequestsScopesStudents(t *testing.T) {
	f := newQueryFixture()
	ctx := context.Background()
	f.create(t, "S1", models.StageEventLeaderPending, 100)

	var (
		mu     sync.Mutex
		latest []models.ODRequest
	)
	unsubscribe, err := f.query.ObserveRequests(ctx, models.RoleStudent, "S1", func(list []models.ODRequest, _ models.RequestCounts) {
		mu.Lock()
		defer mu.Unlock()
		latest = list
	})
	require.NoError(t, err)
	defer unsubscribe()

	f.create(t, "S2", models.StageEventLeaderPending, 200)
	mine := f.create(t, "S1", models.StageEventLeaderPending, 300)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, latest, 2)
	assert.Equal(t, mine.ID, latest[0].ID)
}
