package repository

import (
	"context"
	"time"

	"voicegate/internal/verification/domain"
)

// Repository defines persistence for verification sessions. Results are
// append-only; AppendResult must preserve insertion order so per-session
// results read back in the order challenges were claimed.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	AppendResult(ctx context.Context, sessionID string, r domain.PhraseResult) error
	// SetSlotChallenge rebinds a slot to a replacement challenge and records
	// the spent retry.
	SetSlotChallenge(ctx context.Context, sessionID string, slot int, challengeID string, retryCount int) error
	MarkResolved(ctx context.Context, sessionID string, accepted bool, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
