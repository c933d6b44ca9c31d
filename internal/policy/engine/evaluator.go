package engine

import (
	"context"

	challengedomain "voicegate/internal/challenge/domain"
)

// VerificationParams are the per-session knobs a policy can set: how many
// phrases to require, the retry budget, challenge lifetime, and phrase
// difficulty.
type VerificationParams struct {
	RequiredPhrases     int
	MaxRetries          int
	ChallengeTTLSeconds int
	Difficulty          challengedomain.Difficulty
}

// RiskContext is the caller-supplied signal a policy evaluates. All fields
// are optional; an empty context yields the defaults.
type RiskContext struct {
	IdentityID        string
	RiskLevel         string // e.g. "low", "medium", "high"
	NewDevice         bool
	FailedAttempts24h int
}

// Evaluator decides verification parameters for a session. Implementations
// must fall back to the supplied defaults when no policy applies or
// evaluation fails; policy failure must never weaken below the defaults.
type Evaluator interface {
	EvaluateVerification(ctx context.Context, risk RiskContext, defaults VerificationParams) (VerificationParams, error)
}
