package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/od-approval-api/internal/models"
)

var accountRowColumns = []string{"id", "email", "display_name", "role", "roll_number", "active", "created_at", "updated_at"}

func TestUserRepositoryFindByRole(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(accountRowColumns).
		AddRow("F1", "f1@example.com", "Dr. Rao", string(models.RoleFaculty), nil, true, now, now).
		AddRow("F2", "", "Dr. Iyer", string(models.RoleFaculty), nil, true, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE role = $1 AND active = TRUE ORDER BY id")).
		WithArgs(string(models.RoleFaculty)).
		WillReturnRows(rows)

	accounts, err := repo.FindByRole(context.Background(), models.RoleFaculty)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "Dr. Rao", accounts[0].DisplayName)
	assert.Nil(t, accounts[1].RollNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpsert(t *testing.T) {
	db, mock, cleanup := newSQLMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO users .* ON CONFLICT \\(id\\) DO UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))

	account := &models.Account{ID: "S1", DisplayName: "Asha", Role: models.RoleStudent}
	require.NoError(t, repo.Upsert(context.Background(), account))
	assert.True(t, account.Active)
	assert.False(t, account.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryAccountRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepository(
		models.Account{ID: "L2", Role: models.RoleEventLeader},
		models.Account{ID: "L1", Role: models.RoleEventLeader},
		models.Account{ID: "F1", Role: models.RoleFaculty},
	)

	leaders, err := repo.FindByRole(ctx, models.RoleEventLeader)
	require.NoError(t, err)
	require.Len(t, leaders, 2)
	assert.Equal(t, "L1", leaders[0].ID)

	require.NoError(t, repo.Upsert(ctx, &models.Account{ID: "F2", Role: models.RoleFaculty}))
	faculty, err := repo.FindByRole(ctx, models.RoleFaculty)
	require.NoError(t, err)
	assert.Len(t, faculty, 2)

	_, err = repo.FindByID(ctx, "missing")
	require.Error(t, err)
}
