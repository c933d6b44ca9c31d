// Package spoof decides whether an utterance is genuine or spoofed by fusing
// the outputs of an ensemble of anti-spoofing scorers with acoustic quality
// indicators. The fusion fails closed: with no usable scorer output the sample
// is treated as spoofed.
package spoof

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"voicegate/internal/scoring"
)

// Reasons recorded on Result when IsSpoof is true.
const (
	ReasonNoScorersAvailable = "no_scorers_available"
	ReasonEnsembleThreshold  = "ensemble_threshold"
	ReasonQualityVeto        = "quality_veto"
)

// Config holds the fusion thresholds. Values come from app config and can be
// changed without code changes.
type Config struct {
	// Threshold is the fused-score cutoff; fused >= Threshold means spoof.
	Threshold float64
	// SNRMin is the minimum acceptable signal-to-noise ratio in dB; below it
	// the SNR indicator votes spoof.
	SNRMin float64
	// SpectralArtifactMax is the maximum acceptable spectral-artifact
	// magnitude; above it the artifact indicator votes spoof.
	SpectralArtifactMax float64
	// BackgroundNoiseMax is the maximum acceptable background-noise floor;
	// above it the noise indicator votes spoof.
	BackgroundNoiseMax float64
	// MinIndicatorVotes is how many indicators must vote spoof to veto a
	// below-threshold fused score. Zero disables the veto.
	MinIndicatorVotes int
	// ScorerTimeout bounds each individual scorer call. Zero means no
	// per-scorer deadline beyond the caller's context.
	ScorerTimeout time.Duration
}

// Result preserves every raw input that contributed to the decision so audit
// records carry more than the final boolean.
type Result struct {
	ScorerScores   map[string]float64
	FusedScore     float64
	Quality        *scoring.QualityFeatures
	IndicatorVotes int
	IsSpoof        bool
	Reason         string
}

// Fusion combines the ensemble's scorer outputs into one genuine/spoof
// verdict. quality may be nil; then the indicator veto is disabled.
type Fusion struct {
	ensemble *Ensemble
	quality  scoring.QualityFeatureExtractor
	cfg      Config
	logger   zerolog.Logger
}

// NewFusion returns a Fusion over the given registry and quality extractor.
func NewFusion(ensemble *Ensemble, quality scoring.QualityFeatureExtractor, cfg Config, logger zerolog.Logger) *Fusion {
	return &Fusion{ensemble: ensemble, quality: quality, cfg: cfg, logger: logger}
}

// Evaluate scores the sample with every available ensemble member, fuses the
// outputs by weighted average, and applies the quality-indicator veto.
//
// A scorer that errors or times out contributes nothing; if no scorer
// produces a score the result is spoof with ReasonNoScorersAvailable. Evaluate
// itself only returns an error when ctx is already done.
func (f *Fusion) Evaluate(ctx context.Context, sample scoring.Sample) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{ScorerScores: map[string]float64{}}

	var weightSum, weighted float64
	for _, en := range f.ensemble.available() {
		score, err := f.scoreOne(ctx, en, sample)
		if err != nil {
			f.logger.Warn().Err(err).Str("scorer", en.name).Msg("spoof scorer skipped")
			continue
		}
		res.ScorerScores[en.name] = score
		weighted += score * en.weight
		weightSum += en.weight
	}

	if weightSum == 0 {
		res.IsSpoof = true
		res.Reason = ReasonNoScorersAvailable
		return res, nil
	}
	res.FusedScore = weighted / weightSum

	if res.FusedScore >= f.cfg.Threshold {
		res.IsSpoof = true
		res.Reason = ReasonEnsembleThreshold
		return res, nil
	}

	// Secondary check: synthetic audio that slips under the ensemble score can
	// still leave artifacts detectable by plain signal statistics.
	if f.quality != nil && f.cfg.MinIndicatorVotes > 0 {
		q, err := f.quality.Extract(ctx, sample)
		if err != nil {
			f.logger.Warn().Err(err).Msg("quality feature extraction failed; veto skipped")
			return res, nil
		}
		res.Quality = &q
		res.IndicatorVotes = f.indicatorVotes(q)
		if res.IndicatorVotes >= f.cfg.MinIndicatorVotes {
			res.IsSpoof = true
			res.Reason = ReasonQualityVeto
		}
	}
	return res, nil
}

func (f *Fusion) scoreOne(ctx context.Context, en entry, sample scoring.Sample) (float64, error) {
	if f.cfg.ScorerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.ScorerTimeout)
		defer cancel()
	}
	return en.scorer.Score(ctx, sample)
}

func (f *Fusion) indicatorVotes(q scoring.QualityFeatures) int {
	votes := 0
	if q.SNR < f.cfg.SNRMin {
		votes++
	}
	if q.SpectralArtifacts > f.cfg.SpectralArtifactMax {
		votes++
	}
	if q.BackgroundNoise > f.cfg.BackgroundNoiseMax {
		votes++
	}
	return votes
}
