package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/od-approval-api/internal/models"
)

const accountColumns = `id, COALESCE(email, '') AS email, display_name, role, roll_number, active, created_at, updated_at`

// UserRepository provides database access to the account directory.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID returns an account by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var account models.Account
	if err := r.db.GetContext(ctx, &account, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find account by id: %w", err)
	}
	return &account, nil
}

// FindByRole returns every active account holding role.
func (r *UserRepository) FindByRole(ctx context.Context, role models.UserRole) ([]models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM users WHERE role = $1 AND active = TRUE ORDER BY id`
	var accounts []models.Account
	if err := r.db.SelectContext(ctx, &accounts, query, role); err != nil {
		return nil, fmt.Errorf("find accounts by role: %w", err)
	}
	return accounts, nil
}

// Upsert inserts the account or refreshes its identity fields.
func (r *UserRepository) Upsert(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.Active = true

	const query = `INSERT INTO users (id, email, display_name, role, roll_number, active, created_at, updated_at)
	VALUES (:id, NULLIF(:email, ''), :display_name, :role, :roll_number, :active, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name, role = EXCLUDED.role,
	active = TRUE, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// MemoryAccountRepository is the account directory used by the memory store driver.
type MemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
}

// NewMemoryAccountRepository seeds the directory with accounts.
func NewMemoryAccountRepository(accounts ...models.Account) *MemoryAccountRepository {
	repo := &MemoryAccountRepository{accounts: make(map[string]models.Account)}
	for _, account := range accounts {
		account.Active = true
		repo.accounts[account.ID] = account
	}
	return repo
}

// FindByID returns an account by identifier.
func (r *MemoryAccountRepository) FindByID(_ context.Context, id string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &account, nil
}

// FindByRole returns every active account holding role ordered by id.
func (r *MemoryAccountRepository) FindByRole(_ context.Context, role models.UserRole) ([]models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Account, 0)
	for _, account := range r.accounts {
		if account.Role == role && account.Active {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

// Upsert stores the account.
func (r *MemoryAccountRepository) Upsert(_ context.Context, account *models.Account) error {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.accounts[account.ID]; ok {
		account.CreatedAt = existing.CreatedAt
	} else if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.Active = true
	r.accounts[account.ID] = *account
	return nil
}
