// Package repository persists enrollment sessions and their collected
// sample embeddings.
package repository

import (
	"context"
	"time"

	"voicegate/internal/enrollment/domain"
)

// Repository is the enrollment session store. GetByID returns (nil, nil) when
// the session does not exist.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// AppendEmbedding stores the accepted sample for the slot.
	AppendEmbedding(ctx context.Context, sessionID string, e domain.SlotEmbedding) error
	// SetSlotChallenge rebinds the slot to a replacement challenge and bumps
	// the rejected-sample counter.
	SetSlotChallenge(ctx context.Context, sessionID string, slot int, challengeID string, rejectedSamples int) error
	MarkCompleted(ctx context.Context, sessionID string, at time.Time) error
	// DeleteExpired removes incomplete sessions past their TTL and returns
	// the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
