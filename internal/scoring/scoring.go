// Package scoring defines the interfaces to the external neural scoring models.
// The core never sees model internals; it consumes probabilities and text.
package scoring

import "context"

// Sample is one captured utterance handed to the scorers. The core treats the
// payload as opaque; SampleRate is forwarded so scorers can resample if needed.
type Sample struct {
	PCM        []byte
	SampleRate int
}

// QualityFeatures holds the acoustic signal statistics used by the spoof
// fusion's indicator veto. All values are extractor-defined units: SNR in dB,
// SpectralArtifacts and BackgroundNoise as normalized magnitudes.
type QualityFeatures struct {
	SNR               float64
	SpectralArtifacts float64
	BackgroundNoise   float64
}

// MatchResult is the output of a phrase-match scorer: what the recognizer
// heard and how well it matches the expected phrase, in [0,1].
type MatchResult struct {
	RecognizedText string
	Score          float64
}

// SimilarityScorer compares an utterance against a stored reference embedding
// and returns a similarity probability in [0,1].
type SimilarityScorer interface {
	Compare(ctx context.Context, sample Sample, reference []float64) (float64, error)
}

// SpoofScorer is one member of the anti-spoofing ensemble. Score returns the
// probability in [0,1] that the sample is spoofed (replayed or synthetic).
type SpoofScorer interface {
	Name() string
	Score(ctx context.Context, sample Sample) (float64, error)
}

// QualityFeatureExtractor computes acoustic quality indicators for a sample.
type QualityFeatureExtractor interface {
	Extract(ctx context.Context, sample Sample) (QualityFeatures, error)
}

// PhraseMatchScorer checks whether the sample contains the expected phrase.
type PhraseMatchScorer interface {
	Match(ctx context.Context, sample Sample, expectedText string) (MatchResult, error)
}

// Embedder extracts a speaker embedding from a sample. Used by enrollment to
// build the voiceprint.
type Embedder interface {
	Embed(ctx context.Context, sample Sample) ([]float64, error)
}
