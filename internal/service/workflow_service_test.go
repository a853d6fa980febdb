package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/dto"
	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/events"
)

func validSubmission() dto.SubmitODRequest {
	return dto.SubmitODRequest{
		StudentName:       "Student One",
		EventID:           "E1",
		FacultyApproverID: "F1",
		Reason:            "Representing the department",
	}
}

func submit(t *testing.T, f *workflowFixture) *models.ODRequest {
	t.Helper()
	req, err := f.workflow.Submit(context.Background(), validSubmission(), studentActor())
	require.NoError(t, err)
	return req
}

func notificationsFor(t *testing.T, f *workflowFixture, userID string) []models.Notification {
	t.Helper()
	list, err := f.notifications.ListByUser(context.Background(), userID, false, 0)
	require.NoError(t, err)
	return list
}

func TestSubmitCreatesRequestAtEventLeaderStage(t *testing.T) {
	f := newWorkflowFixture()
	req := submit(t, f)

	require.NotEmpty(t, req.ID)
	assert.Equal(t, models.StageEventLeaderPending, req.Stage())
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, "S1", req.UserID)
	assert.Equal(t, "S1", req.StudentID)
	require.Len(t, req.Workflow.History, 1)
	assert.Equal(t, models.StageSubmitted, req.Workflow.History[0].Stage)
	assert.Equal(t, "S1", req.Workflow.History[0].By)
	assert.Equal(t, "Form submitted by student", req.Workflow.History[0].Comments)
	assert.Empty(t, req.Workflow.History[0].Status)
	assert.Equal(t, "Hackathon", req.EventName)
	assert.Equal(t, "2024-03-10", req.EventStartDate)
	assert.Equal(t, "2024-03-11", req.EventEndDate)
	assert.Equal(t, "L1", req.EventLeaderID)
	assert.Equal(t, "Leader One", req.EventLeaderName)

	stored, err := f.requests.FindByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.SecondaryPath, stored.SecondaryPath)

	live, err := f.requests.LiveGet(context.Background(), req.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, req.ID, live.ID)
	assert.Equal(t, models.StageEventLeaderPending, live.Stage())

	for _, leader := range []string{"L1", "L2"} {
		list := notificationsFor(t, f, leader)
		require.Len(t, list, 1, leader)
		assert.Equal(t, models.NotificationNewODRequest, list[0].Type)
		assert.Equal(t, req.ID, list[0].RequestID)
		assert.Equal(t, "/event-leader-dashboard", list[0].Link)
	}
	assert.Empty(t, notificationsFor(t, f, "F1"))
	assert.Equal(t, []string{events.TypeSubmitted}, f.publisher.Types())
}

func TestSubmitValidation(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	payload := validSubmission()
	payload.EventID = ""
	_, err := f.workflow.Submit(ctx, payload, studentActor())
	require.ErrorIs(t, err, appErrors.ErrValidation)

	payload = validSubmission()
	payload.Reason = "   "
	_, err = f.workflow.Submit(ctx, payload, studentActor())
	require.ErrorIs(t, err, appErrors.ErrValidation)

	payload = validSubmission()
	payload.StudentID = "S2"
	_, err = f.workflow.Submit(ctx, payload, studentActor())
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	docs, err := f.primary.Query(ctx, models.CollectionODRequests, repository.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFullApprovalPath(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)

	afterLeader, err := f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.NoError(t, err)
	assert.Equal(t, models.StageFacultyPending, afterLeader.Stage())
	assert.Equal(t, models.StatusPending, afterLeader.Status)
	assert.NotZero(t, afterLeader.EventLeaderReviewedAt)

	facultyInbox := notificationsFor(t, f, "F1")
	require.Len(t, facultyInbox, 1)
	assert.Equal(t, "/faculty-dashboard", facultyInbox[0].Link)

	done, err := f.workflow.Decide(ctx, req.ID, models.RoleFaculty, models.DecisionApprove, "Approved", reviewer("F1", models.RoleFaculty))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, done.Stage())
	assert.Equal(t, models.StatusApproved, done.Status)
	assert.Equal(t, "Faculty", done.UpdatedBy)

	history := done.Workflow.History
	require.Len(t, history, 3)
	assert.Equal(t, []models.Stage{models.StageSubmitted, models.StageFacultyPending, models.StageCompleted},
		[]models.Stage{history[0].Stage, history[1].Stage, history[2].Stage})
	assert.Equal(t, "Event Leader", history[1].By)
	assert.Equal(t, models.DecisionApprove, history[2].Status)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i].Timestamp, history[i-1].Timestamp)
	}

	studentInbox := notificationsFor(t, f, "S1")
	require.Len(t, studentInbox, 2)
	for _, n := range studentInbox {
		assert.Equal(t, models.NotificationODStatus, n.Type)
		assert.Equal(t, "/student-dashboard/requests?id="+req.ID, n.Link)
	}
	assert.Len(t, notificationsFor(t, f, "F1"), 1)

	live, err := f.requests.LiveGet(ctx, req.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, live.Stage())

	assert.Equal(t, []string{events.TypeSubmitted, events.TypeDecided, events.TypeDecided}, f.publisher.Types())
}

func TestFacultyRejectionIsTerminal(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)

	_, err := f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.NoError(t, err)
	rejected, err := f.workflow.Decide(ctx, req.ID, models.RoleFaculty, models.DecisionReject, "missing signature", reviewer("F1", models.RoleFaculty))
	require.NoError(t, err)
	assert.Equal(t, models.StageRejectedByFaculty, rejected.Stage())
	assert.Equal(t, models.StatusRejected, rejected.Status)
	last := rejected.Workflow.History[len(rejected.Workflow.History)-1]
	assert.Equal(t, "missing signature", last.Comments)
	assert.Equal(t, models.DecisionReject, last.Status)

	var facultyNotice *models.Notification
	for _, n := range notificationsFor(t, f, "S1") {
		if n.Actor == models.RoleFaculty {
			n := n
			facultyNotice = &n
		}
	}
	require.NotNil(t, facultyNotice)
	assert.Equal(t, "missing signature", facultyNotice.Comments)
	assert.Equal(t, models.StatusRejected, facultyNotice.Status)
	assert.Equal(t, models.StageRejectedByFaculty, facultyNotice.Stage)

	for _, role := range []models.UserRole{models.RoleEventLeader, models.RoleFaculty} {
		for _, decision := range []models.Decision{models.DecisionApprove, models.DecisionReject} {
			_, err := f.workflow.Decide(ctx, req.ID, role, decision, "", reviewer("X", role))
			require.ErrorIs(t, err, appErrors.ErrInvalidTransition, "%s %s", role, decision)
		}
	}

	stored, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Workflow.History, 3)
}

func TestDecideRejectsOutOfStageRoles(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)

	_, err := f.workflow.Decide(ctx, req.ID, models.RoleFaculty, models.DecisionApprove, "", reviewer("F1", models.RoleFaculty))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.NoError(t, err)
	_, err = f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionReject, "", reviewer("L2", models.RoleEventLeader))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.workflow.Decide(ctx, req.ID, models.RoleStudent, models.DecisionApprove, "", studentActor())
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.workflow.Decide(ctx, req.ID, models.RoleFaculty, models.Decision("maybe"), "", reviewer("F1", models.RoleFaculty))
	require.ErrorIs(t, err, appErrors.ErrValidation)

	stored, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFacultyPending, stored.Stage())
	assert.Len(t, stored.Workflow.History, 2)
}

func TestDecideUnknownRequest(t *testing.T) {
	f := newWorkflowFixture()
	_, err := f.workflow.Decide(context.Background(), "missing", models.RoleFaculty, models.DecisionApprove, "", reviewer("F1", models.RoleFaculty))
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestDecideLegacyRecordHasNoTransition(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	_, err := f.primary.Create(ctx, models.CollectionODRequests, "old-1", map[string]interface{}{
		"userId": "S1", "studentId": "S1", "status": "pending", "createdAt": 1,
	})
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, "old-1", models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestConcurrentDecisionsCommitOnce(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)
	_, err := f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.NoError(t, err)

	const reviewers = 2
	errs := make([]error, reviewers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.workflow.Decide(ctx, req.ID, models.RoleFaculty, models.DecisionApprove, "", reviewer("F1", models.RoleFaculty))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)

	stored, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, stored.Stage())
	assert.Len(t, stored.Workflow.History, 3)

	approvals := 0
	for _, n := range notificationsFor(t, f, "S1") {
		if n.Actor == models.RoleFaculty {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, NotificationTask) error {
	return errors.New("queue full")
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	f := newWorkflowFixture()
	f.workflow.dispatcher = failingDispatcher{}
	ctx := context.Background()

	req := submit(t, f)
	decided, err := f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionReject, "clash", reviewer("L1", models.RoleEventLeader))
	require.NoError(t, err)
	assert.Equal(t, models.StageRejectedByEventLeader, decided.Stage())
	assert.Empty(t, notificationsFor(t, f, "S1"))
}

type secondaryFailingRequests struct {
	*repository.ODRequestRepository
}

func (s secondaryFailingRequests) Update(ctx context.Context, id, _ string, patch map[string]interface{}, conds ...repository.Precondition) (*models.ODRequest, error) {
	if _, err := s.ODRequestRepository.Update(ctx, id, "", patch, conds...); err != nil {
		return nil, err
	}
	return nil, appErrors.WrapAs(appErrors.ErrStoreUpdate, &repository.StoreError{Op: "update", Store: repository.StoreSecondary, Err: errors.New("redis down")}, "")
}

func TestDecideReportsLiveFailureAfterCommit(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)

	f.workflow.requests = secondaryFailingRequests{ODRequestRepository: f.requests}
	_, err := f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.ErrorIs(t, err, appErrors.ErrStoreUpdate)

	stored, err := f.requests.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFacultyPending, stored.Stage())

	live, err := f.requests.LiveGet(ctx, req.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, models.StageEventLeaderPending, live.Stage())

	assert.Len(t, notificationsFor(t, f, "S1"), 1)
	assert.Len(t, notificationsFor(t, f, "F1"), 1)
}

type pushFailingLiveStore struct {
	*repository.MemoryLiveStore
}

func (pushFailingLiveStore) Push(context.Context, string, interface{}) (string, error) {
	return "", errors.New("redis down")
}

func TestSubmitReportsPartialWrite(t *testing.T) {
	primary := repository.NewMemoryDocumentStore()
	store := repository.NewDualWriteStore(primary, pushFailingLiveStore{MemoryLiveStore: repository.NewMemoryLiveStore()})
	workflow := NewWorkflowService(repository.NewODRequestRepository(store), newCatalog(primary), nil, nil, nil, WithWorkflowReadPolicy(fastPolicy))

	_, err := workflow.Submit(context.Background(), validSubmission(), studentActor())
	require.ErrorIs(t, err, appErrors.ErrStoreWrite)

	docs, err := primary.Query(context.Background(), models.CollectionODRequests, repository.Query{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)

	got, err := f.workflow.Get(ctx, req.ID, studentActor())
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = f.workflow.Get(ctx, req.ID, models.Actor{UserID: "S2", Role: models.RoleStudent})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.workflow.Get(ctx, req.ID, reviewer("F1", models.RoleFaculty))
	require.NoError(t, err)
}

type stubResolver struct{}

func (stubResolver) ResolveURL(subject, path string) (string, error) {
	return "/api/v1/documents/" + subject + "/" + path, nil
}

func TestSubmitAttachesDocumentURL(t *testing.T) {
	f := newWorkflowFixture(WithDocumentResolver(stubResolver{}))
	payload := validSubmission()
	payload.DocumentPath = "S1/letter.pdf"

	req, err := f.workflow.Submit(context.Background(), payload, studentActor())
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/documents/"+req.ID+"/S1/letter.pdf", req.DocumentURL)

	stored, err := f.requests.FindByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.DocumentURL)
}

func TestSubmitRecordsActivity(t *testing.T) {
	f := newWorkflowFixture()
	req := submit(t, f)

	snapshot, err := f.live.Snapshot(context.Background(), "userActivities/S1")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	for _, raw := range snapshot {
		assert.Contains(t, string(raw), req.ID)
		assert.Contains(t, string(raw), models.ActivityODSubmit)
	}
}

func TestSubmitRequiresCatalogEvent(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	for _, eventID := range []string{"nope", "E2"} {
		payload := validSubmission()
		payload.EventID = eventID
		_, err := f.workflow.Submit(ctx, payload, studentActor())
		require.ErrorIs(t, err, appErrors.ErrValidation, eventID)
	}

	docs, err := f.primary.Query(ctx, models.CollectionODRequests, repository.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, notificationsFor(t, f, "L1"))
}

func TestDecideOnFinishedRequestNamesStage(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	req := submit(t, f)

	_, err := f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionReject, "", reviewer("L1", models.RoleEventLeader))
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, req.ID, models.RoleEventLeader, models.DecisionApprove, "", reviewer("L1", models.RoleEventLeader))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "already rejected_by_event_leader")

	_, err = f.primary.Update(ctx, models.CollectionODRequests, req.ID, map[string]interface{}{
		"workflow": map[string]interface{}{"stage": "archived"},
	})
	require.NoError(t, err)
	_, err = f.workflow.Decide(ctx, req.ID, models.RoleFaculty, models.DecisionApprove, "", reviewer("F1", models.RoleFaculty))
	require.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "unknown stage")
}

type unreachableRequests struct {
	odRequestStore
}

func (unreachableRequests) FindByID(context.Context, string) (*models.ODRequest, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestReadExhaustingRetriesIsUnavailable(t *testing.T) {
	f := newWorkflowFixture()
	workflow := NewWorkflowService(unreachableRequests{odRequestStore: f.requests}, f.events, nil, nil, nil, WithWorkflowReadPolicy(fastPolicy))

	_, err := workflow.Get(context.Background(), "R1", reviewer("F1", models.RoleFaculty))
	require.ErrorIs(t, err, appErrors.ErrUnavailable)
	assert.Equal(t, 503, appErrors.FromError(err).Status)

	_, err = workflow.Decide(context.Background(), "R1", models.RoleFaculty, models.DecisionApprove, "", reviewer("F1", models.RoleFaculty))
	require.ErrorIs(t, err, appErrors.ErrUnavailable)
}
