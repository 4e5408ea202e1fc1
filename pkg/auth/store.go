package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeflare/tableapi/pkg/util/rand"
)

var ErrTokenNotFound = errors.New("token not found")

// Store persists token records.
type Store interface {
	// Snapshot returns every token record. The returned map is owned by the
	// caller.
	Snapshot(ctx context.Context) (map[string]Record, error)
	// Create stores rec under token, replacing any existing record.
	Create(ctx context.Context, token string, rec Record) error
	// Revoke deletes token. It returns ErrTokenNotFound if it does not exist.
	Revoke(ctx context.Context, token string) error
}

// Issue generates a new random token for rec and stores it.
func Issue(ctx context.Context, store Store, rec Record) (string, error) {
	token, err := rand.NewToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if err := store.Create(ctx, token, rec); err != nil {
		return "", err
	}
	return token, nil
}
