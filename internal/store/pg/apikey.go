package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
)

const keyColumns = `id, application_id, organization_id, environment, key_hash, key_prefix, status, next_key_hash, rotation_expires_at, expires_at, last_used_at, created_at, updated_at`

func (s *Store) CreateKey(ctx context.Context, k *apikey.Key) error {
	_, err := s.db.ExecContext(ctx, `
		insert into api_keys (`+keyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, k.ID, k.ApplicationID, k.OrganizationID, k.Environment, k.KeyHash, k.KeyPrefix, k.Status,
		nullIfEmpty(k.NextKeyHash), k.RotationExpiresAt, k.ExpiresAt, k.LastUsedAt, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: key hash collision", apikey.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *Store) GetKey(ctx context.Context, id string) (apikey.Key, error) {
	return s.scanKey(s.db.QueryRowContext(ctx, `
		select `+keyColumns+` from api_keys where id = $1
	`, id))
}

func (s *Store) FindKeyByHash(ctx context.Context, keyHash string) (apikey.Key, error) {
	return s.scanKey(s.db.QueryRowContext(ctx, `
		select `+keyColumns+` from api_keys where key_hash = $1
	`, keyHash))
}

func (s *Store) FindActiveKey(ctx context.Context, applicationID string, env access.Environment) (apikey.Key, error) {
	return s.scanKey(s.db.QueryRowContext(ctx, `
		select `+keyColumns+` from api_keys
		where application_id = $1 and environment = $2 and status = 'ACTIVE'
		order by created_at desc
		limit 1
	`, applicationID, env))
}

func (s *Store) ListKeysByApplication(ctx context.Context, applicationID string) ([]apikey.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+keyColumns+` from api_keys
		where application_id = $1
		order by created_at, id
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []apikey.Key
	for rows.Next() {
		k, err := s.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) UpdateKeyStatus(ctx context.Context, id string, expected, next apikey.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update api_keys
		set status = $3, updated_at = now()
		where id = $1 and status = $2
	`, id, expected, next)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		if _, getErr := s.GetKey(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: key %s is not %s", apikey.ErrConflict, id, expected)
	}
	return nil
}

// RotateKey flips the old key to ROTATING and inserts its replacement
// in one transaction, so no window exists where the application has
// zero valid keys.
func (s *Store) RotateKey(ctx context.Context, oldID string, nextKeyHash string, rotationExpiresAt time.Time, replacement *apikey.Key) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update api_keys
		set status = 'ROTATING', next_key_hash = $2, rotation_expires_at = $3, updated_at = now()
		where id = $1 and status = 'ACTIVE'
	`, oldID, nextKeyHash, rotationExpiresAt)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var status string
		check := tx.QueryRowContext(ctx, `select status from api_keys where id = $1`, oldID).Scan(&status)
		if errors.Is(check, sql.ErrNoRows) {
			return fmt.Errorf("%w: key %s", apikey.ErrNotFound, oldID)
		}
		if check != nil {
			return check
		}
		return fmt.Errorf("%w: key %s is %s", apikey.ErrConflict, oldID, status)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into api_keys (`+keyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, replacement.ID, replacement.ApplicationID, replacement.OrganizationID, replacement.Environment,
		replacement.KeyHash, replacement.KeyPrefix, replacement.Status, nullIfEmpty(replacement.NextKeyHash),
		replacement.RotationExpiresAt, replacement.ExpiresAt, replacement.LastUsedAt,
		replacement.CreatedAt, replacement.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: key hash collision", apikey.ErrConflict)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) TouchKeyLastUsed(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update api_keys set last_used_at = $2 where id = $1
	`, id, usedAt)
	return err
}

func (s *Store) scanKey(row rowScanner) (apikey.Key, error) {
	var (
		k        apikey.Key
		nextHash sql.NullString
	)
	err := row.Scan(&k.ID, &k.ApplicationID, &k.OrganizationID, &k.Environment, &k.KeyHash, &k.KeyPrefix,
		&k.Status, &nextHash, &k.RotationExpiresAt, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return apikey.Key{}, fmt.Errorf("%w: key", apikey.ErrNotFound)
	}
	if err != nil {
		return apikey.Key{}, err
	}
	k.NextKeyHash = nextHash.String
	return k, nil
}
