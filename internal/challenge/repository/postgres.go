package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voicegate/internal/challenge/domain"
)

// PostgresRepository persists challenges in the voice_challenges table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a challenge repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the challenge. The challenge must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO voice_challenges (id, identity_id, phrase_id, phrase_text, difficulty, issued_at, expires_at, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
	`, c.ID, c.IdentityID, c.PhraseID, c.PhraseText, string(c.Difficulty), c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create challenge: %w", err)
	}
	return nil
}

// GetByID returns the challenge for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, identity_id, phrase_id, phrase_text, difficulty, issued_at, expires_at, used_at
		FROM voice_challenges WHERE id = $1
	`, id)
	c, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Claim sets used_at if and only if the challenge is unused and unexpired, in
// a single compare-and-set statement. Exactly one concurrent caller can
// succeed; the rest get domain.ErrAlreadyUsed (or ErrExpired/ErrNotFound).
func (r *PostgresRepository) Claim(ctx context.Context, id string, now time.Time) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE voice_challenges
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING id, identity_id, phrase_id, phrase_text, difficulty, issued_at, expires_at, used_at
	`, id, now)
	c, err := scanChallenge(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	// CAS missed; read the row once to report why.
	existing, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case existing == nil:
		return nil, domain.ErrNotFound
	case existing.UsedAt != nil:
		return nil, domain.ErrAlreadyUsed
	default:
		return nil, domain.ErrExpired
	}
}

// RecentPhraseIDs returns distinct phrase ids issued to the identity since the
// given time.
func (r *PostgresRepository) RecentPhraseIDs(ctx context.Context, identityID string, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT phrase_id FROM voice_challenges
		WHERE identity_id = $1 AND issued_at >= $2
	`, identityID, since)
	if err != nil {
		return nil, fmt.Errorf("recent phrases: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteExpired removes challenges past their TTL and returns the count.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM voice_challenges WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*domain.Challenge, error) {
	var c domain.Challenge
	var difficulty string
	var usedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.IdentityID, &c.PhraseID, &c.PhraseText, &difficulty, &c.IssuedAt, &c.ExpiresAt, &usedAt); err != nil {
		return nil, err
	}
	c.Difficulty = domain.Difficulty(difficulty)
	if usedAt.Valid {
		c.UsedAt = &usedAt.Time
	}
	return &c, nil
}
