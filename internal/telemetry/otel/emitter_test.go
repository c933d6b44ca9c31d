package otel

import (
	"context"
	"testing"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	auditdomain "voicegate/internal/audit/domain"
)

// captureProcessor records emitted log records in place of an exporter.
type captureProcessor struct {
	records []sdklog.Record
}

func (p *captureProcessor) OnEmit(_ context.Context, r *sdklog.Record) error {
	p.records = append(p.records, r.Clone())
	return nil
}

func (p *captureProcessor) Shutdown(context.Context) error   { return nil }
func (p *captureProcessor) ForceFlush(context.Context) error { return nil }

func (p *captureProcessor) Enabled(context.Context, sdklog.EnabledParameters) bool { return true }

func attributesOf(r sdklog.Record) map[string]otellog.Value {
	attrs := make(map[string]otellog.Value)
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	return attrs
}

func TestNewAuditEmitter_NilProvider(t *testing.T) {
	emitter := NewAuditEmitter(nil)
	if emitter == nil {
		t.Fatal("emitter should not be nil")
	}
	// No-op publish must not error or panic.
	if err := emitter.Publish(context.Background(), &auditdomain.Record{Action: "test"}); err != nil {
		t.Errorf("no-op Publish: %v", err)
	}
	if err := emitter.Publish(context.Background(), nil); err != nil {
		t.Errorf("no-op Publish nil record: %v", err)
	}
}

func TestAuditEmitter_Publish(t *testing.T) {
	capture := &captureProcessor{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(capture))
	emitter := NewAuditEmitter(provider)

	score := 0.42
	rec := &auditdomain.Record{
		ID:              "rec-1",
		Actor:           "identity-1",
		Action:          "phrase_submitted",
		EntityType:      "challenge",
		EntityID:        "ch-1",
		Success:         false,
		Reason:          "similarity_below_threshold",
		SimilarityScore: &score,
		Metadata:        map[string]string{"session_id": "s-1"},
	}
	if err := emitter.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := emitter.Publish(context.Background(), nil); err != nil {
		t.Errorf("Publish nil record: %v", err)
	}

	if len(capture.records) != 1 {
		t.Fatalf("expected 1 emitted record, got %d", len(capture.records))
	}
	out := capture.records[0]
	if got := out.Body().AsString(); got != "phrase_submitted" {
		t.Errorf("body = %q, want the action", got)
	}
	attrs := attributesOf(out)
	if got := attrs["actor"].AsString(); got != "identity-1" {
		t.Errorf("actor = %q", got)
	}
	if got := attrs["reason"].AsString(); got != "similarity_below_threshold" {
		t.Errorf("reason = %q", got)
	}
	if got := attrs["similarity_score"].AsFloat64(); got != score {
		t.Errorf("similarity_score = %v, want %v", got, score)
	}
	if got := attrs["session_id"].AsString(); got != "s-1" {
		t.Errorf("session_id = %q", got)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("provider shutdown: %v", err)
	}
}

func TestAuditEmitter_OmitsUnmeasuredScores(t *testing.T) {
	capture := &captureProcessor{}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(capture))
	emitter := NewAuditEmitter(provider)

	sim := 0.31
	rec := &auditdomain.Record{
		Actor:           "identity-1",
		Action:          "phrase_submitted",
		EntityType:      "challenge",
		EntityID:        "ch-1",
		Reason:          "similarity_below_threshold",
		SimilarityScore: &sim,
	}
	if err := emitter.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(capture.records) != 1 {
		t.Fatalf("expected 1 emitted record, got %d", len(capture.records))
	}
	attrs := attributesOf(capture.records[0])
	if _, ok := attrs["spoof_score"]; ok {
		t.Error("spoof_score must not appear when the stage never ran")
	}
	if _, ok := attrs["phrase_match_score"]; ok {
		t.Error("phrase_match_score must not appear when the stage never ran")
	}
	if _, ok := attrs["similarity_score"]; !ok {
		t.Error("similarity_score should be present")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("provider shutdown: %v", err)
	}
}
