package repository

import (
	"context"
	"time"

	"voicegate/internal/challenge/domain"
)

// Repository defines persistence for phrase challenges.
//
// Claim must be atomic: check expiry and set used_at in one operation so that
// concurrent claims on the same challenge yield exactly one success. It
// returns domain.ErrNotFound, domain.ErrExpired, or domain.ErrAlreadyUsed on
// failure.
type Repository interface {
	Create(ctx context.Context, c *domain.Challenge) error
	GetByID(ctx context.Context, id string) (*domain.Challenge, error)
	Claim(ctx context.Context, id string, now time.Time) (*domain.Challenge, error)
	// RecentPhraseIDs returns phrase ids issued to the identity since the
	// given time, used to keep challenge phrases unpredictable.
	RecentPhraseIDs(ctx context.Context, identityID string, since time.Time) ([]string, error)
	// DeleteExpired removes challenges whose TTL elapsed before now and
	// returns how many were removed. Idempotent.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
