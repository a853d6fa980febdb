package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
)

// tickingClock advances one second per reading so successive writes get distinct stamps.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		at = at.Add(time.Second)
		return at
	}
}

func TestReconcileRepairsLiveCopies(t *testing.T) {
	ctx := context.Background()
	primary := repository.NewMemoryDocumentStore()
	live := repository.NewMemoryLiveStore()
	store := repository.NewDualWriteStore(primary, live, repository.WithClock(tickingClock()))
	requests := repository.NewODRequestRepository(store)
	notifications := repository.NewNotificationRepository(store)
	ledger := NewNotificationService(notifications, repository.NewMemoryAccountRepository(), nil, nil, WithNotificationReadPolicy(fastPolicy))

	create := func(userID string) repository.WriteResult {
		req := &models.ODRequest{UserID: userID, StudentID: userID, EventID: "E1", Reason: "event",
			Status: models.StatusPending, Workflow: &models.WorkflowState{Stage: models.StageEventLeaderPending}}
		res, err := requests.Create(ctx, req)
		require.NoError(t, err)
		require.NoError(t, requests.LinkSecondary(ctx, res.PrimaryID, res))
		return res
	}

	healthy := create("S1")
	missing := create("S2")
	require.NoError(t, live.Remove(ctx, missing.SecondaryPath))
	stale := create("S3")
	_, err := requests.Update(ctx, stale.PrimaryID, "", map[string]interface{}{"status": models.StatusRejected,
		"workflow": models.WorkflowState{Stage: models.StageRejectedByEventLeader}})
	require.NoError(t, err)
	_, err = primary.Create(ctx, models.CollectionODRequests, "orphan", map[string]interface{}{
		"userId": "S4", "studentId": "S4", "status": "pending", "workflow": map[string]interface{}{"stage": "event_leader_pending"},
	})
	require.NoError(t, err)

	_, err = ledger.Notify(ctx, "S1", models.NotificationODStatus, "approved", models.NotificationMeta{})
	require.NoError(t, err)
	require.NoError(t, notifications.SetUnreadCount(ctx, "S1", 7))

	reconciler := NewReconcileService(requests, ledger, nil, "", nil)
	report, err := reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 4, Restored: 2, Pushed: 1, Counters: 1}, report)

	restored, err := requests.LiveGet(ctx, missing.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, missing.PrimaryID, restored.ID)

	refreshed, err := requests.LiveGet(ctx, stale.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejectedByEventLeader, refreshed.Stage())

	orphan, err := requests.FindByID(ctx, "orphan")
	require.NoError(t, err)
	require.NotEmpty(t, orphan.SecondaryPath)
	pushed, err := requests.LiveGet(ctx, orphan.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, "S4", pushed.UserID)

	untouched, err := requests.LiveGet(ctx, healthy.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, healthy.PrimaryID, untouched.ID)

	count, err := ledger.UnreadCount(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	second, err := reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Restored+second.Pushed)
}

func TestReconcileLinksUnlinkedLiveCopyInsteadOfPushing(t *testing.T) {
	ctx := context.Background()
	primary := repository.NewMemoryDocumentStore()
	live := repository.NewMemoryLiveStore()
	requests := repository.NewODRequestRepository(repository.NewDualWriteStore(primary, live, repository.WithClock(tickingClock())))

	res, err := requests.Create(ctx, &models.ODRequest{UserID: "S1", StudentID: "S1", EventID: "E1", Reason: "event",
		Status: models.StatusPending, Workflow: &models.WorkflowState{Stage: models.StageEventLeaderPending}})
	require.NoError(t, err)

	reconciler := NewReconcileService(requests, nil, nil, "", nil)
	report, err := reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 1, Linked: 1}, report)

	copies, err := requests.LiveSnapshot(ctx, repository.LivePathForUser("S1"))
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, res.SecondaryPath, copies[0].SecondaryPath)

	stored, err := requests.FindByID(ctx, res.PrimaryID)
	require.NoError(t, err)
	assert.Equal(t, res.SecondaryPath, stored.SecondaryPath)
	assert.Equal(t, res.SecondaryKey, stored.SecondaryKey)

	second, err := reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Scanned: 1}, second)
}

func TestReconcileRefreshesOlderUnlinkedLiveCopy(t *testing.T) {
	ctx := context.Background()
	primary := repository.NewMemoryDocumentStore()
	live := repository.NewMemoryLiveStore()
	requests := repository.NewODRequestRepository(repository.NewDualWriteStore(primary, live, repository.WithClock(tickingClock())))

	res, err := requests.Create(ctx, &models.ODRequest{UserID: "S1", StudentID: "S1", EventID: "E1", Reason: "event",
		Status: models.StatusPending, Workflow: &models.WorkflowState{Stage: models.StageEventLeaderPending}})
	require.NoError(t, err)
	_, err = requests.Update(ctx, res.PrimaryID, "", map[string]interface{}{"status": models.StatusRejected,
		"workflow": models.WorkflowState{Stage: models.StageRejectedByEventLeader}})
	require.NoError(t, err)

	report, err := NewReconcileService(requests, nil, nil, "", nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Linked)
	assert.Zero(t, report.Pushed)

	refreshed, err := requests.LiveGet(ctx, res.SecondaryPath)
	require.NoError(t, err)
	assert.Equal(t, models.StageRejectedByEventLeader, refreshed.Stage())
}

func TestReconcileRejectsBadSchedule(t *testing.T) {
	reconciler := NewReconcileService(nil, nil, nil, "every now and then", nil)
	require.Error(t, reconciler.Start())

	valid := NewReconcileService(nil, nil, nil, "@every 1h", nil)
	require.NoError(t, valid.Start())
	<-valid.Stop().Done()
}
