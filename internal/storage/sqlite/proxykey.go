package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/oakmund/strider/internal"
)

// CreateKey inserts a new proxy key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.ProxyKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO proxy_keys (id, user_id, key_hash, key_prefix, name, is_active,
		 rate_limit_per_minute, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.Name,
		boolToInt(key.IsActive), key.RateLimitPerMinute,
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves a proxy key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.ProxyKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, key_hash, key_prefix, name, is_active,
		 rate_limit_per_minute, created_at, last_used_at
		 FROM proxy_keys WHERE key_hash = ?`, hash,
	)
	return scanKey(row)
}

// ListKeys returns all proxy keys for a user, newest first.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*gateway.ProxyKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, key_hash, key_prefix, name, is_active,
		 rate_limit_per_minute, created_at, last_used_at
		 FROM proxy_keys WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.ProxyKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetKeyActive toggles a key's active flag. The userID predicate scopes the
// update to the owner; another user's key id reports ErrNotFound.
func (s *Store) SetKeyActive(ctx context.Context, userID, id string, active bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxy_keys SET is_active = ? WHERE id = ? AND user_id = ?`,
		boolToInt(active), id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy key")
}

// DeleteKey removes a proxy key. Scoped to the owner like SetKeyActive.
func (s *Store) DeleteKey(ctx context.Context, userID, id string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM proxy_keys WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy key")
}

// TouchKeyUsed updates the last-used timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE proxy_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*gateway.ProxyKey, error) {
	var (
		k         gateway.ProxyKey
		active    int
		rpm       sql.NullInt64
		createdAt string
		lastUsed  sql.NullString
	)
	err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name,
		&active, &rpm, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.IsActive = active != 0
	if rpm.Valid {
		v := int(rpm.Int64)
		k.RateLimitPerMinute = &v
	}
	k.CreatedAt = mustParseTime(createdAt)
	k.LastUsedAt = parseTime(lastUsed)
	return &k, nil
}
