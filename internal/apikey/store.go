package apikey

import (
	"context"
	"time"

	"orbaccess.dev/internal/access"
)

// Store describes persistence for API key records. KeyHash is unique
// across all records; the store's unique index is the enforcement
// backstop behind the generator's entropy.
type Store interface {
	CreateKey(ctx context.Context, k *Key) error
	GetKey(ctx context.Context, id string) (Key, error)
	FindKeyByHash(ctx context.Context, keyHash string) (Key, error)
	FindActiveKey(ctx context.Context, applicationID string, env access.Environment) (Key, error)
	ListKeysByApplication(ctx context.Context, applicationID string) ([]Key, error)

	// UpdateKeyStatus is a conditional update: it fails with
	// ErrConflict when the record is no longer in the expected status.
	UpdateKeyStatus(ctx context.Context, id string, expected, next Status) error

	// RotateKey atomically marks old ROTATING (recording nextKeyHash and
	// the grace deadline) and inserts the replacement as ACTIVE. A
	// reader never observes one half of the rotation.
	RotateKey(ctx context.Context, oldID string, nextKeyHash string, rotationExpiresAt time.Time, replacement *Key) error

	// TouchKeyLastUsed updates last_used_at best-effort; failures are
	// the caller's to ignore.
	TouchKeyLastUsed(ctx context.Context, id string, usedAt time.Time) error
}
