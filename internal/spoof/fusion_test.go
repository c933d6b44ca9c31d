package spoof

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voicegate/internal/scoring"
)

type stubScorer struct {
	name  string
	score float64
	err   error
	delay time.Duration
}

func (s *stubScorer) Name() string { return s.name }

func (s *stubScorer) Score(ctx context.Context, _ scoring.Sample) (float64, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.score, nil
}

type stubQuality struct {
	features scoring.QualityFeatures
	err      error
}

func (s *stubQuality) Extract(context.Context, scoring.Sample) (scoring.QualityFeatures, error) {
	if s.err != nil {
		return scoring.QualityFeatures{}, s.err
	}
	return s.features, nil
}

func fusionConfig() Config {
	return Config{
		Threshold:           0.5,
		SNRMin:              10,
		SpectralArtifactMax: 0.8,
		BackgroundNoiseMax:  0.8,
		MinIndicatorVotes:   2,
		ScorerTimeout:       100 * time.Millisecond,
	}
}

func goodQuality() *stubQuality {
	return &stubQuality{features: scoring.QualityFeatures{SNR: 25, SpectralArtifacts: 0.1, BackgroundNoise: 0.1}}
}

func TestEvaluateNoScorersFailsClosed(t *testing.T) {
	f := NewFusion(NewEnsemble(), goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsSpoof || res.Reason != ReasonNoScorersAvailable {
		t.Fatalf("empty ensemble must fail closed, got spoof=%v reason=%s", res.IsSpoof, res.Reason)
	}
}

func TestEvaluateAllScorersErroredFailsClosed(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", err: errors.New("model down")}, 1)
	e.Register(&stubScorer{name: "b", err: errors.New("model down")}, 1)
	f := NewFusion(e, goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsSpoof || res.Reason != ReasonNoScorersAvailable {
		t.Fatalf("expected fail-closed on all errors, got spoof=%v reason=%s", res.IsSpoof, res.Reason)
	}
}

func TestEvaluateHighScoresSpoof(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.9}, 1)
	e.Register(&stubScorer{name: "b", score: 0.9}, 1)
	f := NewFusion(e, goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsSpoof || res.Reason != ReasonEnsembleThreshold {
		t.Fatalf("expected ensemble threshold spoof, got spoof=%v reason=%s", res.IsSpoof, res.Reason)
	}
	if math.Abs(res.FusedScore-0.9) > 1e-9 {
		t.Fatalf("fused score = %f, want 0.9", res.FusedScore)
	}
}

func TestEvaluateLowScoresGenuine(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.1}, 1)
	e.Register(&stubScorer{name: "b", score: 0.1}, 1)
	f := NewFusion(e, goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.IsSpoof {
		t.Fatalf("expected genuine, got reason=%s", res.Reason)
	}
	if len(res.ScorerScores) != 2 {
		t.Fatalf("expected both scorer scores recorded, got %v", res.ScorerScores)
	}
}

func TestEvaluateWeightedFusion(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "heavy", score: 0.8}, 3)
	e.Register(&stubScorer{name: "light", score: 0.0}, 1)
	f := NewFusion(e, goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// (0.8*3 + 0*1) / 4 = 0.6
	if math.Abs(res.FusedScore-0.6) > 1e-9 {
		t.Fatalf("fused score = %f, want 0.6", res.FusedScore)
	}
	if !res.IsSpoof || res.Reason != ReasonEnsembleThreshold {
		t.Fatalf("expected spoof at 0.6 >= 0.5, got spoof=%v", res.IsSpoof)
	}
}

func TestEvaluateErroredScorerSkipped(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "dead", err: errors.New("unreachable")}, 5)
	e.Register(&stubScorer{name: "live", score: 0.2}, 1)
	f := NewFusion(e, goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// The dead scorer's weight must not drag the average; only "live" counts.
	if math.Abs(res.FusedScore-0.2) > 1e-9 {
		t.Fatalf("fused score = %f, want 0.2", res.FusedScore)
	}
	if _, ok := res.ScorerScores["dead"]; ok {
		t.Fatal("errored scorer must not record a score")
	}
}

func TestEvaluateSlowScorerTimesOut(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "slow", score: 0.9, delay: time.Second}, 1)
	e.Register(&stubScorer{name: "fast", score: 0.2}, 1)
	f := NewFusion(e, goodQuality(), fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if math.Abs(res.FusedScore-0.2) > 1e-9 {
		t.Fatalf("fused score = %f, want 0.2 from the fast scorer only", res.FusedScore)
	}
}

func TestEvaluateQualityVeto(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.1}, 1)
	quality := &stubQuality{features: scoring.QualityFeatures{SNR: 5, SpectralArtifacts: 0.95, BackgroundNoise: 0.1}}
	f := NewFusion(e, quality, fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.IsSpoof || res.Reason != ReasonQualityVeto {
		t.Fatalf("expected quality veto, got spoof=%v reason=%s", res.IsSpoof, res.Reason)
	}
	if res.IndicatorVotes != 2 {
		t.Fatalf("expected 2 indicator votes, got %d", res.IndicatorVotes)
	}
}

func TestEvaluateSingleIndicatorDoesNotVeto(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.1}, 1)
	quality := &stubQuality{features: scoring.QualityFeatures{SNR: 5, SpectralArtifacts: 0.1, BackgroundNoise: 0.1}}
	f := NewFusion(e, quality, fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.IsSpoof {
		t.Fatalf("one suspicious indicator must not veto, got reason=%s", res.Reason)
	}
	if res.IndicatorVotes != 1 {
		t.Fatalf("expected 1 indicator vote, got %d", res.IndicatorVotes)
	}
}

func TestEvaluateQualityExtractionFailureSkipsVeto(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.1}, 1)
	f := NewFusion(e, &stubQuality{err: errors.New("dsp failed")}, fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.IsSpoof {
		t.Fatal("extraction failure must skip the veto, not reject")
	}
	if res.Quality != nil {
		t.Fatal("no quality features should be recorded on extraction failure")
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFusion(NewEnsemble(), nil, fusionConfig(), zerolog.Nop())
	if _, err := f.Evaluate(ctx, scoring.Sample{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEnsembleAvailability(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.9}, 1)
	e.Register(&stubScorer{name: "b", score: 0.1}, 1)
	e.SetAvailable("a", false)

	names := e.AvailableNames()
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("AvailableNames = %v, want [b]", names)
	}

	f := NewFusion(e, nil, fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, ok := res.ScorerScores["a"]; ok {
		t.Fatal("unavailable scorer must not be consulted")
	}

	e.SetAvailable("a", true)
	if got := len(e.AvailableNames()); got != 2 {
		t.Fatalf("expected 2 available after re-enable, got %d", got)
	}
}

func TestEnsembleRegisterReplacesByName(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.9}, 1)
	e.Register(&stubScorer{name: "a", score: 0.1}, 2)
	if got := len(e.AvailableNames()); got != 1 {
		t.Fatalf("expected 1 entry after replacement, got %d", got)
	}

	f := NewFusion(e, nil, fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if math.Abs(res.ScorerScores["a"]-0.1) > 1e-9 {
		t.Fatalf("replacement scorer should win, got %f", res.ScorerScores["a"])
	}
}

func TestEnsembleNonPositiveWeightDefaultsToOne(t *testing.T) {
	e := NewEnsemble()
	e.Register(&stubScorer{name: "a", score: 0.4}, 0)
	e.Register(&stubScorer{name: "b", score: 0.2}, -3)
	f := NewFusion(e, nil, fusionConfig(), zerolog.Nop())
	res, err := f.Evaluate(context.Background(), scoring.Sample{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if math.Abs(res.FusedScore-0.3) > 1e-9 {
		t.Fatalf("fused score = %f, want equal-weight mean 0.3", res.FusedScore)
	}
}
