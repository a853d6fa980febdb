package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/models"
)

func TestEventRepositoryQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(NewMemoryDocumentStore())

	for _, event := range []models.Event{
		{Name: "Expo", StartDate: "2024-04-10", EndDate: "2024-04-10", EventLeaderID: "L1", Active: true, CreatedAt: 1},
		{Name: "Quiz", StartDate: "2024-04-01", EndDate: "2024-04-01", EventLeaderID: "L1", Active: false, CreatedAt: 2},
		{Name: "Meetup", StartDate: "2024-03-20", EndDate: "2024-03-21", EventLeaderID: "L2", Active: true, CreatedAt: 3},
	} {
		event := event
		created, err := repo.Create(ctx, &event)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
	}

	mine, err := repo.ListByLeader(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "Quiz", mine[0].Name)
	assert.Equal(t, "Expo", mine[1].Name)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Meetup", active[0].Name)
	assert.Equal(t, "Expo", active[1].Name)
}

func TestEventRepositoryUpdateHonoursPrecondition(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(NewMemoryDocumentStore())
	created, err := repo.Create(ctx, &models.Event{ID: "E1", Name: "Expo", EventLeaderID: "L1", Active: true})
	require.NoError(t, err)
	assert.Equal(t, "E1", created.ID)

	_, err = repo.Update(ctx, "E1", map[string]interface{}{"name": "Stolen"}, FieldEquals("eventLeaderId", "L2"))
	require.ErrorIs(t, err, ErrPreconditionFailed)

	updated, err := repo.Update(ctx, "E1", map[string]interface{}{"name": "Expo 2"}, FieldEquals("eventLeaderId", "L1"))
	require.NoError(t, err)
	assert.Equal(t, "Expo 2", updated.Name)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
