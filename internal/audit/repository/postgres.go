package repository

import (
	"context"
	"database/sql"
	"fmt"

	gojson "github.com/goccy/go-json"

	"voicegate/internal/audit/domain"
)

// PostgresRepository persists audit records in the audit_records table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create appends the record. The record must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.Record) error {
	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		b, err := gojson.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		metadata = b
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, actor, action, entity_type, entity_id, success, reason,
			similarity_score, spoof_score, phrase_match_score, threshold,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.ID, rec.Actor, rec.Action, rec.EntityType, rec.EntityID, rec.Success, rec.Reason,
		rec.SimilarityScore, rec.SpoofScore, rec.PhraseMatchScore, rec.Threshold,
		metadata, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit record: %w", err)
	}
	return nil
}

// ListByActor returns the actor's records, newest first.
func (r *PostgresRepository) ListByActor(ctx context.Context, actor string, limit, offset int32) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, success, reason,
			similarity_score, spoof_score, phrase_match_score, threshold,
			metadata, created_at
		FROM audit_records WHERE actor = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		var rec domain.Record
		var reason sql.NullString
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.EntityType, &rec.EntityID,
			&rec.Success, &reason, &rec.SimilarityScore, &rec.SpoofScore,
			&rec.PhraseMatchScore, &rec.Threshold, &metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		if len(metadata) > 0 {
			if err := gojson.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
