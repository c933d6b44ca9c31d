// Package audit records every authentication decision and its reason.
// Recording is best-effort: a failed write must never block or change an
// authentication decision, but it is logged so the failure is observable.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicegate/internal/audit/domain"
	auditrepo "voicegate/internal/audit/repository"
)

// recordTimeout bounds a single async record write so a slow store cannot
// accumulate goroutines indefinitely.
const recordTimeout = 5 * time.Second

// Recorder appends one audit record. Implementations must not block the
// caller on persistence.
type Recorder interface {
	Record(ctx context.Context, rec *domain.Record)
}

// Publisher exports records beyond the primary store (e.g. Kafka). Optional.
type Publisher interface {
	Publish(ctx context.Context, rec *domain.Record) error
}

// Sink persists records through the repository and optionally publishes them.
type Sink struct {
	repo      auditrepo.Repository
	publisher Publisher
	logger    zerolog.Logger
}

// NewSink returns a Recorder writing to repo. publisher may be nil.
func NewSink(repo auditrepo.Repository, publisher Publisher, logger zerolog.Logger) *Sink {
	return &Sink{repo: repo, publisher: publisher, logger: logger}
}

// Record fills in ID and CreatedAt if unset and writes the record
// asynchronously. The write uses context.Background so request cancellation
// does not drop audit of a decision that was already made.
func (s *Sink) Record(ctx context.Context, rec *domain.Record) {
	if s == nil || s.repo == nil || rec == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.repo.Create(writeCtx, rec); err != nil {
			s.logger.Error().Err(err).
				Str("action", rec.Action).
				Str("entity", rec.EntityType+"/"+rec.EntityID).
				Msg("audit record write failed")
		}
		if s.publisher != nil {
			if err := s.publisher.Publish(writeCtx, rec); err != nil {
				s.logger.Warn().Err(err).Str("action", rec.Action).Msg("audit record publish failed")
			}
		}
	}()
}
