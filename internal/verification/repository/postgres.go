package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	challengedomain "voicegate/internal/challenge/domain"
	"voicegate/internal/verification/domain"
)

// PostgresRepository persists verification sessions in verification_sessions
// and their append-only results in verification_results.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a verification session repository that uses
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
		INSERT INTO verification_sessions (
			id, identity_id, required_phrases, max_retries, difficulty,
			challenge_ttl_seconds, challenge_ids, retry_count, created_at,
			expires_at, resolved_at, accepted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, FALSE)
	`, s.ID, s.IdentityID, s.RequiredPhrases, s.MaxRetries, string(s.Difficulty),
		s.ChallengeTTLSeconds, challengeIDs, s.RetryCount, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create verification session: %w", err)
	}
	return nil
}

// GetByID returns the session with its results in insertion order, or nil if
// not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, identity_id, required_phrases, max_retries, difficulty,
			challenge_ttl_seconds, challenge_ids, retry_count, created_at,
			expires_at, resolved_at, accepted
		FROM verification_sessions WHERE id = $1
	`, id)
	var s domain.Session
	var difficulty string
	var challengeIDs []byte
	var resolvedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.IdentityID, &s.RequiredPhrases, &s.MaxRetries, &difficulty,
		&s.ChallengeTTLSeconds, &challengeIDs, &s.RetryCount, &s.CreatedAt,
		&s.ExpiresAt, &resolvedAt, &s.Accepted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get verification session: %w", err)
	}
	s.Difficulty = challengedomain.Difficulty(difficulty)
	if err := gojson.Unmarshal(challengeIDs, &s.ChallengeIDs); err != nil {
		return nil, fmt.Errorf("unmarshal challenge ids: %w", err)
	}
	if resolvedAt.Valid {
		s.ResolvedAt = &resolvedAt.Time
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT phrase_number, challenge_id, similarity_score, spoof_score, spoof_detected,
			recognized_text, phrase_match_score, accepted, reason, created_at
		FROM verification_results WHERE session_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list verification results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pr domain.PhraseResult
		var reason sql.NullString
		if err := rows.Scan(&pr.PhraseNumber, &pr.ChallengeID, &pr.SimilarityScore, &pr.SpoofScore,
			&pr.SpoofDetected, &pr.RecognizedText, &pr.PhraseMatchScore, &pr.Accepted,
			&reason, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.Reason = domain.RejectReason(reason.String)
		s.Results = append(s.Results, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendResult appends one result row; the seq column preserves claim order.
func (r *PostgresRepository) AppendResult(ctx context.Context, sessionID string, pr domain.PhraseResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_results (
			session_id, phrase_number, challenge_id, similarity_score, spoof_score,
			spoof_detected, recognized_text, phrase_match_score, accepted, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sessionID, pr.PhraseNumber, pr.ChallengeID, pr.SimilarityScore, pr.SpoofScore,
		pr.SpoofDetected, pr.RecognizedText, pr.PhraseMatchScore, pr.Accepted,
		string(pr.Reason), pr.CreatedAt)
	if err != nil {
		return fmt.Errorf("append verification result: %w", err)
	}
	return nil
}

// SetSlotChallenge rebinds the slot to a replacement challenge and stores the
// new retry count.
func (r *PostgresRepository) SetSlotChallenge(ctx context.Context, sessionID string, slot int, challengeID string, retryCount int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_sessions
		SET challenge_ids = jsonb_set(challenge_ids, ARRAY[$2::text], to_jsonb($3::text)),
			retry_count = $4
		WHERE id = $1 AND resolved_at IS NULL
	`, sessionID, fmt.Sprintf("%d", slot-1), challengeID, retryCount)
	if err != nil {
		return fmt.Errorf("set slot challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("verification session %s not found or already resolved", sessionID)
	}
	return nil
}

// MarkResolved sets the terminal decision. A session can only be resolved once.
func (r *PostgresRepository) MarkResolved(ctx context.Context, sessionID string, accepted bool, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_sessions
		SET resolved_at = $2, accepted = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, sessionID, at, accepted)
	if err != nil {
		return fmt.Errorf("resolve verification session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("verification session %s not found or already resolved", sessionID)
	}
	return nil
}

// DeleteExpired removes unresolved sessions past their TTL (results cascade)
// and returns the count.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM verification_sessions WHERE resolved_at IS NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired verification sessions: %w", err)
	}
	return res.RowsAffected()
}
