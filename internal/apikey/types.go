package apikey

import (
	"time"

	"orbaccess.dev/internal/access"
)

// Status is the lifecycle state of an API key record.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusRotating Status = "ROTATING"
	StatusRevoked  Status = "REVOKED"
	StatusExpired  Status = "EXPIRED"
)

// Key is the stored record of a per-environment API key. The secret
// itself never touches storage: only its SHA-256 digest (KeyHash,
// globally unique) and an 8-character display prefix survive.
type Key struct {
	ID             string             `json:"id"`
	ApplicationID  string             `json:"application_id"`
	OrganizationID string             `json:"organization_id"`
	Environment    access.Environment `json:"environment"`
	KeyHash        string             `json:"-"`
	KeyPrefix      string             `json:"key_prefix"`
	Status         Status             `json:"status"`

	// NextKeyHash links a ROTATING key to its replacement.
	NextKeyHash string `json:"-"`

	// RotationExpiresAt bounds how long a ROTATING key keeps
	// authenticating after a rotation.
	RotationExpiresAt *time.Time `json:"rotation_expires_at,omitempty"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Context is the trusted identity a validated key resolves to.
type Context struct {
	ApplicationID  string             `json:"applicationId"`
	OrganizationID string             `json:"organizationId"`
	Environment    access.Environment `json:"environment"`
	KeyID          string             `json:"keyId"`
}

// GeneratedKey is returned exactly once per generation; the raw secret
// is never persisted or logged.
type GeneratedKey struct {
	Key       string     `json:"key"`
	KeyID     string     `json:"key_id"`
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RotatedKey reports the outcome of a rotation: the fresh secret and
// how long the previous key keeps validating.
type RotatedKey struct {
	NewKey           string    `json:"new_key"`
	NewKeyID         string    `json:"new_key_id"`
	OldKeyID         string    `json:"old_key_id"`
	OldKeyValidUntil time.Time `json:"old_key_valid_until"`
}
