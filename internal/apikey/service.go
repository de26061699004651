package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/ids"
	"orbaccess.dev/internal/obs"
)

const (
	keyPrefix        = "orb"
	secretLength     = 32
	secretAlphabet   = "abcdefghijklmnopqrstuvwxyz0123456789"
	displayPrefixLen = 8

	defaultGracePeriod = 24 * time.Hour
)

// Service manages the API key lifecycle: generation, rotation with a
// bounded grace window, immediate revocation, and validation.
type Service struct {
	store Store
	now   func() time.Time
	grace time.Duration
	// keyTTL bounds new keys' lifetime; zero means non-expiring.
	keyTTL time.Duration

	hookMu sync.RWMutex
	hooks  []func(keyHash string)
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithGracePeriod sets how long a rotated-out key keeps validating.
func WithGracePeriod(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithKeyTTL gives newly generated keys an expiry.
func WithKeyTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.keyTTL = d
		}
	}
}

// NewService constructs the key service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	svc := &Service{
		store: store,
		now:   time.Now,
		grace: defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// OnKeyInvalidated registers a hook fired (with the key hash) whenever
// a key stops being valid: revocation or grace-window expiry. The
// authorizer uses it to drop cached positive decisions immediately.
func (s *Service) OnKeyInvalidated(fn func(keyHash string)) {
	if fn == nil {
		return
	}
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

func (s *Service) notifyInvalidated(keyHash string) {
	s.hookMu.RLock()
	hooks := s.hooks
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(keyHash)
	}
}

// Generate creates a fresh key for (application, environment). The raw
// secret is returned exactly once; storage keeps only its SHA-256
// digest and the 8-character display prefix.
func (s *Service) Generate(ctx context.Context, applicationID, organizationID string, env access.Environment) (GeneratedKey, error) {
	applicationID = strings.TrimSpace(applicationID)
	organizationID = strings.TrimSpace(organizationID)
	if applicationID == "" || organizationID == "" {
		return GeneratedKey{}, fmt.Errorf("%w: application_id and organization_id are required", ErrInvalidInput)
	}
	if !env.Valid() {
		return GeneratedKey{}, fmt.Errorf("%w: invalid environment %q", ErrInvalidInput, env)
	}

	raw, err := newSecret(env)
	if err != nil {
		return GeneratedKey{}, err
	}

	now := s.now().UTC()
	key := Key{
		ID:             ids.New(),
		ApplicationID:  applicationID,
		OrganizationID: organizationID,
		Environment:    env,
		KeyHash:        HashKey(raw),
		KeyPrefix:      raw[:displayPrefixLen],
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.keyTTL > 0 {
		exp := now.Add(s.keyTTL)
		key.ExpiresAt = &exp
	}
	if err := s.store.CreateKey(ctx, &key); err != nil {
		if errors.Is(err, ErrConflict) {
			return GeneratedKey{}, fmt.Errorf("%w: key hash collision", ErrConflict)
		}
		return GeneratedKey{}, fmt.Errorf("%w: create key: %v", ErrUnavailable, err)
	}
	return GeneratedKey{Key: raw, KeyID: key.ID, KeyPrefix: key.KeyPrefix, ExpiresAt: key.ExpiresAt}, nil
}

// Rotate replaces the ACTIVE key of (application, environment). The old
// key moves to ROTATING and keeps validating until the grace window
// elapses or it is explicitly revoked; the new key is ACTIVE at once.
func (s *Service) Rotate(ctx context.Context, applicationID string, env access.Environment) (RotatedKey, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return RotatedKey{}, fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	if !env.Valid() {
		return RotatedKey{}, fmt.Errorf("%w: invalid environment %q", ErrInvalidInput, env)
	}

	current, err := s.store.FindActiveKey(ctx, applicationID, env)
	if err != nil {
		return RotatedKey{}, err
	}

	raw, err := newSecret(env)
	if err != nil {
		return RotatedKey{}, err
	}

	now := s.now().UTC()
	validUntil := now.Add(s.grace)
	replacement := Key{
		ID:             ids.New(),
		ApplicationID:  current.ApplicationID,
		OrganizationID: current.OrganizationID,
		Environment:    env,
		KeyHash:        HashKey(raw),
		KeyPrefix:      raw[:displayPrefixLen],
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if s.keyTTL > 0 {
		exp := now.Add(s.keyTTL)
		replacement.ExpiresAt = &exp
	}
	if err := s.store.RotateKey(ctx, current.ID, replacement.KeyHash, validUntil, &replacement); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return RotatedKey{}, err
		}
		return RotatedKey{}, fmt.Errorf("%w: rotate key: %v", ErrUnavailable, err)
	}
	return RotatedKey{
		NewKey:           raw,
		NewKeyID:         replacement.ID,
		OldKeyID:         current.ID,
		OldKeyValidUntil: validUntil,
	}, nil
}

// Revoke immediately and irreversibly revokes every ACTIVE or ROTATING
// key of (application, environment). The very next validation of a
// revoked secret fails.
func (s *Service) Revoke(ctx context.Context, applicationID string, env access.Environment) error {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	if !env.Valid() {
		return fmt.Errorf("%w: invalid environment %q", ErrInvalidInput, env)
	}

	keys, err := s.store.ListKeysByApplication(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("%w: list keys: %v", ErrUnavailable, err)
	}
	revoked := 0
	for _, k := range keys {
		if k.Environment != env {
			continue
		}
		if k.Status != StatusActive && k.Status != StatusRotating {
			continue
		}
		if err := s.store.UpdateKeyStatus(ctx, k.ID, k.Status, StatusRevoked); err != nil {
			if errors.Is(err, ErrConflict) {
				// Lost a race with another transition; the key already
				// left a revocable status, skip it.
				continue
			}
			return fmt.Errorf("%w: revoke key %s: %v", ErrUnavailable, k.ID, err)
		}
		s.notifyInvalidated(k.KeyHash)
		revoked++
	}
	if revoked == 0 {
		return fmt.Errorf("%w: no active key for %s/%s", ErrNotFound, applicationID, env)
	}
	return nil
}

// Validate turns a bearer secret into its identity context. It returns
// ErrInvalidKey/ErrKeyRevoked/ErrKeyExpired for denials and
// ErrUnavailable only for store failures. On success the record's
// last_used_at is refreshed in the background; that side effect never
// blocks or fails the decision.
func (s *Service) Validate(ctx context.Context, raw string) (Context, error) {
	raw = strings.TrimSpace(raw)
	if _, err := ParseKey(raw); err != nil {
		obs.RecordKeyValidation("invalid")
		return Context{}, ErrInvalidKey
	}

	key, err := s.store.FindKeyByHash(ctx, HashKey(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordKeyValidation("invalid")
			return Context{}, ErrInvalidKey
		}
		obs.RecordKeyValidation("unavailable")
		return Context{}, fmt.Errorf("%w: lookup key: %v", ErrUnavailable, err)
	}

	now := s.now().UTC()
	switch key.Status {
	case StatusRevoked:
		obs.RecordKeyValidation("revoked")
		return Context{}, ErrKeyRevoked
	case StatusExpired:
		obs.RecordKeyValidation("expired")
		return Context{}, ErrKeyExpired
	case StatusRotating:
		if key.RotationExpiresAt == nil || !now.Before(*key.RotationExpiresAt) {
			s.expireLazily(ctx, key)
			obs.RecordKeyValidation("expired")
			return Context{}, ErrKeyExpired
		}
	case StatusActive:
		// fall through to the expiry check
	default:
		obs.RecordKeyValidation("invalid")
		return Context{}, ErrInvalidKey
	}

	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		s.expireLazily(ctx, key)
		obs.RecordKeyValidation("expired")
		return Context{}, ErrKeyExpired
	}

	s.touchLastUsed(ctx, key.ID, now)
	obs.RecordKeyValidation("valid")
	return Context{
		ApplicationID:  key.ApplicationID,
		OrganizationID: key.OrganizationID,
		Environment:    key.Environment,
		KeyID:          key.ID,
	}, nil
}

// expireLazily flips a key whose deadline passed into EXPIRED. Best
// effort: a conditional-update conflict means someone else already
// transitioned it.
func (s *Service) expireLazily(ctx context.Context, key Key) {
	_ = s.store.UpdateKeyStatus(ctx, key.ID, key.Status, StatusExpired)
	s.notifyInvalidated(key.KeyHash)
}

func (s *Service) touchLastUsed(ctx context.Context, keyID string, usedAt time.Time) {
	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.store.TouchKeyLastUsed(touchCtx, keyID, usedAt)
	}()
}

// ListKeys returns key metadata for an application: status, prefix and
// timestamps only, never secrets.
func (s *Service) ListKeys(ctx context.Context, applicationID string) ([]Key, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	return s.store.ListKeysByApplication(ctx, applicationID)
}

// HashKey returns the hex SHA-256 digest of a raw key; the only form
// ever persisted.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ParseKey checks the orb_{env}_{secret} shape and resolves the
// environment slug. It never touches storage.
func ParseKey(raw string) (access.Environment, error) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return "", ErrInvalidKey
	}
	env, ok := access.EnvironmentFromSlug(parts[1])
	if !ok {
		return "", ErrInvalidKey
	}
	if len(parts[2]) != secretLength {
		return "", ErrInvalidKey
	}
	for _, c := range parts[2] {
		if !strings.ContainsRune(secretAlphabet, c) {
			return "", ErrInvalidKey
		}
	}
	return env, nil
}

// newSecret builds orb_{env}_{32 random alphanumeric chars} from
// crypto/rand. Rejection sampling keeps the alphabet distribution
// uniform.
func newSecret(env access.Environment) (string, error) {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte('_')
	b.WriteString(env.Slug())
	b.WriteByte('_')

	// Largest multiple of len(secretAlphabet) below 256.
	limit := byte(256 - (256 % len(secretAlphabet)))
	buf := make([]byte, 64)
	written := 0
	for written < secretLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate key secret: %w", err)
		}
		for _, c := range buf {
			if c >= limit {
				continue
			}
			b.WriteByte(secretAlphabet[int(c)%len(secretAlphabet)])
			written++
			if written == secretLength {
				break
			}
		}
	}
	return b.String(), nil
}
