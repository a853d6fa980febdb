package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/dto"
	"github.com/noah-isme/od-approval-api/internal/models"
	"github.com/noah-isme/od-approval-api/internal/repository"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
)

func leaderActor(id string) models.Actor {
	return models.Actor{UserID: id, Role: models.RoleEventLeader, DisplayName: "Leader " + id}
}

func TestEventServiceCreateAssignsLeader(t *testing.T) {
	catalog := newCatalog(repository.NewMemoryDocumentStore())
	capacity := 40

	created, err := catalog.Create(context.Background(), dto.EventRequest{
		Name:            "Robotics Meet",
		Location:        "Hall B",
		StartDate:       "2024-04-02",
		EndDate:         "2024-04-03",
		MaxParticipants: &capacity,
	}, leaderActor("L2"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "L2", created.EventLeaderID)
	assert.Equal(t, "Leader L2", created.EventLeaderName)
	assert.True(t, created.Active)
	assert.Equal(t, catalogToday.UnixMilli(), created.CreatedAt)
	require.NotNil(t, created.MaxParticipants)
	assert.Equal(t, 40, *created.MaxParticipants)

	resolved, err := catalog.Resolve(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Robotics Meet", resolved.Name)
}

func TestEventServiceCreateValidatesDates(t *testing.T) {
	catalog := newCatalog(repository.NewMemoryDocumentStore())

	cases := []dto.EventRequest{
		{Name: "Backwards", StartDate: "2024-04-03", EndDate: "2024-04-02"},
		{Name: "Bad format", StartDate: "03/04/2024", EndDate: "2024-04-05"},
		{StartDate: "2024-04-03", EndDate: "2024-04-04"},
	}
	for _, payload := range cases {
		_, err := catalog.Create(context.Background(), payload, leaderActor("L2"))
		assert.ErrorIs(t, err, appErrors.ErrValidation, payload.Name)
	}
}

func TestEventServiceUpdateOwnership(t *testing.T) {
	catalog := newCatalog(repository.NewMemoryDocumentStore())
	ctx := context.Background()
	inactive := false
	payload := dto.EventRequest{Name: "Hackathon 2", StartDate: "2024-03-10", EndDate: "2024-03-12", Active: &inactive}

	_, err := catalog.Update(ctx, "E1", payload, leaderActor("L9"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	updated, err := catalog.Update(ctx, "E1", payload, leaderActor("L1"))
	require.NoError(t, err)
	assert.Equal(t, "Hackathon 2", updated.Name)
	assert.False(t, updated.Active)
	assert.Equal(t, "L1", updated.EventLeaderID)

	admin := models.Actor{UserID: "A1", Role: models.RoleAdmin}
	payload.Name = "Hackathon 3"
	updated, err = catalog.Update(ctx, "E1", payload, admin)
	require.NoError(t, err)
	assert.Equal(t, "Hackathon 3", updated.Name)
	assert.Equal(t, "L1", updated.EventLeaderID)

	_, err = catalog.Update(ctx, "missing", payload, admin)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestEventServiceListActiveDropsEndedEvents(t *testing.T) {
	catalog := newCatalog(repository.NewMemoryDocumentStore())
	ctx := context.Background()

	for _, payload := range []dto.EventRequest{
		{Name: "Later", StartDate: "2024-05-01", EndDate: "2024-05-02"},
		{Name: "Ended", StartDate: "2024-02-01", EndDate: "2024-02-02"},
		{Name: "Ends today", StartDate: "2024-02-28", EndDate: "2024-03-01"},
	} {
		_, err := catalog.Create(ctx, payload, leaderActor("L2"))
		require.NoError(t, err)
	}

	open, err := catalog.ListActive(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(open))
	for _, event := range open {
		names = append(names, event.Name)
	}
	assert.Equal(t, []string{"Ends today", "Hackathon", "Later"}, names)
}

func TestEventServiceListByLeaderIncludesInactive(t *testing.T) {
	catalog := newCatalog(repository.NewMemoryDocumentStore())

	mine, err := catalog.ListByLeader(context.Background(), "L1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := catalog.ListByLeader(context.Background(), "L2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventServiceResolveRejectsUnknownAndClosed(t *testing.T) {
	catalog := newCatalog(repository.NewMemoryDocumentStore())

	_, err := catalog.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = catalog.Resolve(context.Background(), "E2")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Contains(t, err.Error(), "not accepting requests")
}

func TestEventServiceDefaultsClock(t *testing.T) {
	catalog := NewEventService(repository.NewEventRepository(repository.NewMemoryDocumentStore()), nil, nil, nil)
	before := time.Now().UTC().Add(-time.Second).UnixMilli()

	created, err := catalog.Create(context.Background(), dto.EventRequest{Name: "Now", StartDate: "2024-01-01", EndDate: "2024-01-01"}, leaderActor("L3"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, created.CreatedAt, before)
}
