package sqlite

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/oakmund/strider/internal"
)

// InsertUsage batch-inserts usage log entries in a single transaction.
// The log is append-only; there are no update or delete operations.
func (s *Store) InsertUsage(ctx context.Context, entries []gateway.UsageLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_log (id, user_id, key_id, provider_type, model,
		 input_tokens, output_tokens, latency_ms, status_code, error_message,
		 endpoint, streamed, message_count, has_tools, temperature, max_tokens,
		 stop_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := stmt.ExecContext(ctx,
			e.ID, e.UserID, e.KeyID, string(e.ProviderType), e.Model,
			e.InputTokens, e.OutputTokens, e.LatencyMs, e.StatusCode,
			nullStr(e.ErrorMessage), nullStr(e.Endpoint), boolToInt(e.Streamed),
			e.MessageCount, boolToInt(e.HasTools), e.Temperature, e.MaxTokens,
			nullStr(e.StopReason), createdAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert usage entry: %w", err)
		}
	}

	return tx.Commit()
}

// SumUsageTokens returns total input and output tokens recorded for a user
// since the given time. Used by the dashboard usage endpoint.
func (s *Store) SumUsageTokens(ctx context.Context, userID string, since time.Time) (input, output int64, err error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_log WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC().Format(time.RFC3339))
	if err := row.Scan(&input, &output); err != nil {
		return 0, 0, err
	}
	return input, output, nil
}

// RecentUsage returns the most recent usage entries for a user.
func (s *Store) RecentUsage(ctx context.Context, userID string, limit int) ([]gateway.UsageLogEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, key_id, provider_type, model, input_tokens, output_tokens,
		 latency_ms, status_code, error_message, endpoint, streamed, message_count,
		 has_tools, temperature, max_tokens, stop_reason, created_at
		 FROM usage_log WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []gateway.UsageLogEntry
	for rows.Next() {
		var (
			e          gateway.UsageLogEntry
			pt         string
			errMsg     nullString
			endpoint   nullString
			stopReason nullString
			streamed   int
			hasTools   int
			createdAt  string
		)
		err := rows.Scan(&e.ID, &e.UserID, &e.KeyID, &pt, &e.Model,
			&e.InputTokens, &e.OutputTokens, &e.LatencyMs, &e.StatusCode,
			&errMsg, &endpoint, &streamed, &e.MessageCount, &hasTools,
			&e.Temperature, &e.MaxTokens, &stopReason, &createdAt)
		if err != nil {
			return nil, err
		}
		e.ProviderType = gateway.ProviderType(pt)
		e.ErrorMessage = errMsg.String
		e.Endpoint = endpoint.String
		e.StopReason = stopReason.String
		e.Streamed = streamed != 0
		e.HasTools = hasTools != 0
		e.CreatedAt = mustParseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// nullString mirrors sql.NullString but trims the Valid check at use sites.
type nullString struct {
	String string
	Valid  bool
}

// Scan implements sql.Scanner.
func (n *nullString) Scan(v any) error {
	if v == nil {
		n.String, n.Valid = "", false
		return nil
	}
	switch s := v.(type) {
	case string:
		n.String, n.Valid = s, true
	case []byte:
		n.String, n.Valid = string(s), true
	default:
		return fmt.Errorf("nullString: unsupported type %T", v)
	}
	return nil
}
