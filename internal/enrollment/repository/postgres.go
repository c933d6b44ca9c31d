package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	challengedomain "voicegate/internal/challenge/domain"
	"voicegate/internal/enrollment/domain"
)

// PostgresRepository persists enrollment sessions in enrollment_sessions and
// their accepted embeddings in enrollment_samples.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an enrollment session repository that uses
// the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the session. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	challengeIDs, err := gojson.Marshal(s.ChallengeIDs)
	if err != nil {
		return fmt.Errorf("marshal challenge ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO enrollment_sessions (
			id, identity_id, required_samples, difficulty, challenge_ids,
			rejected_samples, created_at, expires_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
	`, s.ID, s.IdentityID, s.RequiredSamples, string(s.Difficulty), challengeIDs,
		s.RejectedSamples, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create enrollment session: %w", err)
	}
	return nil
}

// GetByID returns the session with its embeddings in collection order, or nil
// if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, identity_id, required_samples, difficulty, challenge_ids,
			rejected_samples, created_at, expires_at, completed_at
		FROM enrollment_sessions WHERE id = $1
	`, id)
	var s domain.Session
	var difficulty string
	var challengeIDs []byte
	var completedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.IdentityID, &s.RequiredSamples, &difficulty, &challengeIDs,
		&s.RejectedSamples, &s.CreatedAt, &s.ExpiresAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get enrollment session: %w", err)
	}
	s.Difficulty = challengedomain.Difficulty(difficulty)
	if err := gojson.Unmarshal(challengeIDs, &s.ChallengeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal challenge ids: %w", err)
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT slot, embedding, created_at
		FROM enrollment_samples WHERE session_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list enrollment samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.SlotEmbedding
		var embedding []byte
		if err := rows.Scan(&e.Slot, &embedding, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := gojson.Unmarshal(embedding, &e.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		s.Embeddings = append(s.Embeddings, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendEmbedding stores one accepted sample embedding.
func (r *PostgresRepository) AppendEmbedding(ctx context.Context, sessionID string, e domain.SlotEmbedding) error {
	embedding, err := gojson.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO enrollment_samples (session_id, slot, embedding, created_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, e.Slot, embedding, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append enrollment sample: %w", err)
	}
	return nil
}

// SetSlotChallenge rebinds the slot to a replacement challenge.
func (r *PostgresRepository) SetSlotChallenge(ctx context.Context, sessionID string, slot int, challengeID string, rejectedSamples int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE enrollment_sessions
		SET challenge_ids = jsonb_set(challenge_ids, ARRAY[$2::text], to_jsonb($3::text)),
			rejected_samples = $4
		WHERE id = $1 AND completed_at IS NULL
	`, sessionID, fmt.Sprintf("%d", slot-1), challengeID, rejectedSamples)
	if err != nil {
		return fmt.Errorf("set slot challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("enrollment session %s not found or already completed", sessionID)
	}
	return nil
}

// MarkCompleted records completion. A session can only complete once.
func (r *PostgresRepository) MarkCompleted(ctx context.Context, sessionID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE enrollment_sessions SET completed_at = $2
		WHERE id = $1 AND completed_at IS NULL
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("complete enrollment session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("enrollment session %s not found or already completed", sessionID)
	}
	return nil
}

// DeleteExpired removes incomplete sessions past their TTL (samples cascade)
// and returns the count.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM enrollment_sessions WHERE completed_at IS NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired enrollment sessions: %w", err)
	}
	return res.RowsAffected()
}
