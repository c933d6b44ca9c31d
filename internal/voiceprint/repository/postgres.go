package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"

	"voicegate/internal/voiceprint/domain"
)

// PostgresRepository persists voiceprints in the voiceprints table. The
// embedding is stored as a JSON array; its dimensionality is model-defined
// and opaque to the schema.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a voiceprint repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByIdentity returns the voiceprint for the identity, or nil if not enrolled.
func (r *PostgresRepository) GetByIdentity(ctx context.Context, identityID string) (*domain.Voiceprint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT identity_id, embedding, sample_count, created_at
		FROM voiceprints WHERE identity_id = $1
	`, identityID)
	var vp domain.Voiceprint
	var embedding []byte
	if err := row.Scan(&vp.IdentityID, &embedding, &vp.SampleCount, &vp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get voiceprint: %w", err)
	}
	if err := gojson.Unmarshal(embedding, &vp.Embedding); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	return &vp, nil
}

// Put inserts or replaces the identity's voiceprint.
func (r *PostgresRepository) Put(ctx context.Context, vp *domain.Voiceprint) error {
	embedding, err := gojson.Marshal(vp.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO voiceprints (identity_id, embedding, sample_count, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id)
		DO UPDATE SET embedding = EXCLUDED.embedding,
			sample_count = EXCLUDED.sample_count,
			created_at = EXCLUDED.created_at
	`, vp.IdentityID, embedding, vp.SampleCount, vp.CreatedAt)
	if err != nil {
		return fmt.Errorf("put voiceprint: %w", err)
	}
	return nil
}

// Delete removes the identity's voiceprint. Deleting a missing voiceprint is
// not an error.
func (r *PostgresRepository) Delete(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM voiceprints WHERE identity_id = $1`, identityID)
	if err != nil {
		return fmt.Errorf("delete voiceprint: %w", err)
	}
	return nil
}
