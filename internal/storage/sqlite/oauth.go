package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/oakmund/strider/internal"
)

// UpsertOAuthTokens atomically inserts or rotates a user's token pair.
// The single INSERT .. ON CONFLICT statement guarantees readers never
// observe a half-rotated pair.
func (s *Store) UpsertOAuthTokens(ctx context.Context, t *gateway.OAuthTokens) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO oauth_tokens (user_id, encrypted_access_token, access_iv,
		 encrypted_refresh_token, refresh_iv, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   encrypted_access_token = excluded.encrypted_access_token,
		   access_iv = excluded.access_iv,
		   encrypted_refresh_token = excluded.encrypted_refresh_token,
		   refresh_iv = excluded.refresh_iv,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		t.UserID, t.EncryptedAccessToken, t.AccessIV,
		t.EncryptedRefreshToken, t.RefreshIV,
		timeToStr(t.ExpiresAt), now, now,
	)
	return err
}

// GetOAuthTokens retrieves a user's token pair.
func (s *Store) GetOAuthTokens(ctx context.Context, userID string) (*gateway.OAuthTokens, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT user_id, encrypted_access_token, access_iv, encrypted_refresh_token,
		 refresh_iv, expires_at, created_at, updated_at
		 FROM oauth_tokens WHERE user_id = ?`, userID,
	)
	return scanOAuthTokens(row)
}

// DeleteOAuthTokens removes a user's token pair (OAuth disconnect).
func (s *Store) DeleteOAuthTokens(ctx context.Context, userID string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth tokens")
}

// ListAllOAuthTokens returns every stored token pair, for background refresh.
func (s *Store) ListAllOAuthTokens(ctx context.Context) ([]*gateway.OAuthTokens, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT user_id, encrypted_access_token, access_iv, encrypted_refresh_token,
		 refresh_iv, expires_at, created_at, updated_at
		 FROM oauth_tokens ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*gateway.OAuthTokens
	for rows.Next() {
		t, err := scanOAuthTokens(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, t)
	}
	return all, rows.Err()
}

func scanOAuthTokens(row rowScanner) (*gateway.OAuthTokens, error) {
	var (
		t         gateway.OAuthTokens
		expiresAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&t.UserID, &t.EncryptedAccessToken, &t.AccessIV,
		&t.EncryptedRefreshToken, &t.RefreshIV, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = parseTime(expiresAt)
	t.CreatedAt = mustParseTime(createdAt)
	t.UpdatedAt = mustParseTime(updatedAt)
	return &t, nil
}
