package repository

import (
	"context"

	"voicegate/internal/audit/domain"
)

// Repository defines persistence for audit records. Records are append-only;
// there is no update or delete.
type Repository interface {
	Create(ctx context.Context, rec *domain.Record) error
	ListByActor(ctx context.Context, actor string, limit, offset int32) ([]*domain.Record, error)
}
