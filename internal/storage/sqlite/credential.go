package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gateway "github.com/oakmund/strider/internal"
)

// UpsertCredential inserts or replaces the credential for (userID, providerType).
func (s *Store) UpsertCredential(ctx context.Context, c *gateway.UpstreamCredential) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO upstream_credentials (user_id, provider_type, encrypted_api_key, iv, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider_type) DO UPDATE SET
		   encrypted_api_key = excluded.encrypted_api_key,
		   iv = excluded.iv,
		   updated_at = excluded.updated_at`,
		c.UserID, string(c.ProviderType), c.EncryptedAPIKey, c.IV, now, now,
	)
	return err
}

// GetCredential retrieves the credential for (userID, providerType).
func (s *Store) GetCredential(ctx context.Context, userID string, pt gateway.ProviderType) (*gateway.UpstreamCredential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT user_id, provider_type, encrypted_api_key, iv, created_at, updated_at
		 FROM upstream_credentials WHERE user_id = ? AND provider_type = ?`,
		userID, string(pt),
	)
	return scanCredential(row)
}

// ListCredentials returns all credentials for a user.
func (s *Store) ListCredentials(ctx context.Context, userID string) ([]*gateway.UpstreamCredential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT user_id, provider_type, encrypted_api_key, iv, created_at, updated_at
		 FROM upstream_credentials WHERE user_id = ? ORDER BY provider_type`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*gateway.UpstreamCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// DeleteCredential removes the credential for (userID, providerType).
func (s *Store) DeleteCredential(ctx context.Context, userID string, pt gateway.ProviderType) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM upstream_credentials WHERE user_id = ? AND provider_type = ?`,
		userID, string(pt))
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream credential")
}

func scanCredential(row rowScanner) (*gateway.UpstreamCredential, error) {
	var (
		c          gateway.UpstreamCredential
		pt         string
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&c.UserID, &pt, &c.EncryptedAPIKey, &c.IV, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ProviderType = gateway.ProviderType(pt)
	c.CreatedAt = mustParseTime(createdAt)
	c.UpdatedAt = mustParseTime(updatedAt)
	return &c, nil
}
