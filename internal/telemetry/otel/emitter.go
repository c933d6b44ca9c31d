package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"voicegate/internal/audit"
	auditdomain "voicegate/internal/audit/domain"
)

// NewAuditEmitter returns an audit.Publisher that exports records as OTel log
// records via the given LoggerProvider. If provider is nil, returns a no-op
// publisher.
func NewAuditEmitter(provider *sdklog.LoggerProvider) audit.Publisher {
	if provider == nil {
		return noopEmitter{}
	}
	return &auditEmitter{logger: provider.Logger("voicegate.audit")}
}

type noopEmitter struct{}

func (noopEmitter) Publish(context.Context, *auditdomain.Record) error { return nil }

type auditEmitter struct {
	logger otellog.Logger
}

// Publish converts the audit record to an OTel log record and emits it.
// Best-effort; the SDK batches and exports in the background.
func (e *auditEmitter) Publish(ctx context.Context, rec *auditdomain.Record) error {
	if rec == nil {
		return nil
	}
	out := otellog.Record{}
	if !rec.CreatedAt.IsZero() {
		out.SetTimestamp(rec.CreatedAt)
	} else {
		out.SetTimestamp(time.Now().UTC())
	}
	out.SetBody(otellog.StringValue(rec.Action))
	out.AddAttributes(
		otellog.String("actor", rec.Actor),
		otellog.String("entity_type", rec.EntityType),
		otellog.String("entity_id", rec.EntityID),
		otellog.Bool("success", rec.Success),
	)
	if rec.Reason != "" {
		out.AddAttributes(otellog.String("reason", rec.Reason))
	}
	if rec.SimilarityScore != nil {
		out.AddAttributes(otellog.Float64("similarity_score", *rec.SimilarityScore))
	}
	if rec.SpoofScore != nil {
		out.AddAttributes(otellog.Float64("spoof_score", *rec.SpoofScore))
	}
	if rec.PhraseMatchScore != nil {
		out.AddAttributes(otellog.Float64("phrase_match_score", *rec.PhraseMatchScore))
	}
	for k, v := range rec.Metadata {
		out.AddAttributes(otellog.String(k, v))
	}
	e.logger.Emit(ctx, out)
	return nil
}
