package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"time"

	gateway "github.com/oakmund/strider/internal"
)

// GetSystemPromptForModel returns the preset to inject for this user and
// model. Priority: (a) a preset whose associated models contain the exact
// model; (b) the global default (is_default and no associated models).
func (s *Store) GetSystemPromptForModel(ctx context.Context, userID, model string) (*gateway.SystemPromptPreset, error) {
	presets, err := s.ListPresets(ctx, userID)
	if err != nil {
		return nil, err
	}

	var fallback *gateway.SystemPromptPreset
	for _, p := range presets {
		if slices.Contains(p.AssociatedModels, model) {
			return p, nil
		}
		if p.IsDefault && len(p.AssociatedModels) == 0 && fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, gateway.ErrNotFound
}

// UpsertPreset inserts or updates a preset by ID.
func (s *Store) UpsertPreset(ctx context.Context, p *gateway.SystemPromptPreset) error {
	models, err := marshalModels(p.AssociatedModels)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO system_prompt_presets (id, user_id, name, content, is_default,
		 associated_models, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   content = excluded.content,
		   is_default = excluded.is_default,
		   associated_models = excluded.associated_models,
		   updated_at = excluded.updated_at`,
		p.ID, p.UserID, p.Name, p.Content, boolToInt(p.IsDefault), models, now, now,
	)
	return err
}

// ListPresets returns all presets for a user.
func (s *Store) ListPresets(ctx context.Context, userID string) ([]*gateway.SystemPromptPreset, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, name, content, is_default, associated_models, created_at, updated_at
		 FROM system_prompt_presets WHERE user_id = ? ORDER BY name`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []*gateway.SystemPromptPreset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// DeletePreset removes a preset by ID.
func (s *Store) DeletePreset(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM system_prompt_presets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "system prompt preset")
}

func marshalModels(models []string) (any, error) {
	if len(models) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(models)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanPreset(row rowScanner) (*gateway.SystemPromptPreset, error) {
	var (
		p         gateway.SystemPromptPreset
		isDefault int
		models    sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Content, &isDefault, &models, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gateway.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.IsDefault = isDefault != 0
	if models.Valid && models.String != "" {
		if err := json.Unmarshal([]byte(models.String), &p.AssociatedModels); err != nil {
			return nil, err
		}
	}
	p.CreatedAt = mustParseTime(createdAt)
	p.UpdatedAt = mustParseTime(updatedAt)
	return &p, nil
}
