package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/od-approval-api/internal/models"
	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
)

type accountUpserter interface {
	Upsert(ctx context.Context, account *models.Account) error
}

// IdentityConfig configures token validation.
type IdentityConfig struct {
	Secret string
	Issuer string
}

// IdentityService validates tokens minted by the external identity provider and keeps the
// account directory in step with the claims it sees.
type IdentityService struct {
	accounts accountUpserter
	config   IdentityConfig
	logger   *zap.Logger
	synced   sync.Map
}

// NewIdentityService constructs an IdentityService.
func NewIdentityService(accounts accountUpserter, config IdentityConfig, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{accounts: accounts, config: config, logger: logger}
}

// ValidateToken parses and validates an access token returning the claims.
func (s *IdentityService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	if claims.UserID == "" || !claims.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token missing user or role")
	}
	return claims, nil
}

// SyncAccount upserts the caller into the account directory the first time a given identity
// is seen by this process, so role fan-out can resolve it.
func (s *IdentityService) SyncAccount(ctx context.Context, claims *models.JWTClaims) error {
	if s.accounts == nil || claims == nil {
		return nil
	}
	key := claims.UserID + "|" + string(claims.Role) + "|" + claims.DisplayName + "|" + claims.Email
	if _, seen := s.synced.Load(key); seen {
		return nil
	}
	account := &models.Account{
		ID:          claims.UserID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}
	if account.DisplayName == "" {
		account.DisplayName = claims.Role.Label()
	}
	if err := s.accounts.Upsert(ctx, account); err != nil {
		return err
	}
	s.synced.Store(key, struct{}{})
	return nil
}
