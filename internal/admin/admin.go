// Package admin manages operator accounts used for manual review.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid admin credentials")

// VerifyToken checks if the provided token matches the stored hash.
func VerifyToken(hashedToken, plainToken string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedToken), []byte(plainToken)) == nil
}

// CreateOrUpdate hashes the token and upserts the operator (used for seeding).
func CreateOrUpdate(ctx context.Context, st store.Store, id, displayName, plainToken string, roles []string) error {
	id = strings.TrimSpace(id)
	if id == "" || plainToken == "" {
		return fmt.Errorf("admin id and token are required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plainToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	now := time.Now().UTC()
	return st.UpsertAdminAccount(ctx, &models.AdminAccount{
		ID:          id,
		DisplayName: displayName,
		TokenHash:   string(hashed),
		Roles:       roles,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Authenticate validates an id + token combination. Unknown ids and bad tokens
// are indistinguishable to the caller.
func Authenticate(ctx context.Context, st store.Store, id, token string) (*models.AdminAccount, error) {
	if id == "" || token == "" {
		return nil, ErrInvalidCredentials
	}
	acc, err := st.AdminAccount(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load admin %s: %w", id, err)
	}
	if !VerifyToken(acc.TokenHash, token) {
		return nil, ErrInvalidCredentials
	}
	return acc, nil
}
