package repository

import (
	"context"

	"voicegate/internal/voiceprint/domain"
)

// Repository defines persistence for voiceprints. An identity has at most one.
type Repository interface {
	GetByIdentity(ctx context.Context, identityID string) (*domain.Voiceprint, error)
	Put(ctx context.Context, vp *domain.Voiceprint) error
	Delete(ctx context.Context, identityID string) error
}
