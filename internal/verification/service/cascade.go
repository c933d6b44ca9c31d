// Package service implements the verification cascade: per submitted phrase,
// an ordered short-circuiting pipeline (speaker similarity, spoof ensemble
// fusion, phrase match), aggregated across the session's required phrases
// under a bounded retry policy.
//
// Similarity runs first because it is the cheapest filter and the one most
// likely to reject non-security-relevant mismatches; a failing similarity
// check alone is sufficient to reject, so later stages never run for it.
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"voicegate/internal/audit"
	auditdomain "voicegate/internal/audit/domain"
	challengedomain "voicegate/internal/challenge/domain"
	policyengine "voicegate/internal/policy/engine"
	"voicegate/internal/scoring"
	"voicegate/internal/spoof"
	"voicegate/internal/verification/domain"
	voiceprintdomain "voicegate/internal/voiceprint/domain"
)

// Sentinel errors surfaced to callers. Phrase-stage rejections are not
// errors; they come back as rejected PhraseResults.
var (
	ErrNotEnrolled          = errors.New("identity has no voiceprint")
	ErrSessionNotFound      = errors.New("verification session not found")
	ErrSessionExpired       = errors.New("verification session expired")
	ErrSessionResolved      = errors.New("verification session already resolved")
	ErrSessionIncomplete    = errors.New("verification session has unresolved phrases")
	ErrInvalidChallenge     = errors.New("challenge does not belong to session")
	ErrChallengeExpired     = errors.New("challenge expired")
	ErrChallengeAlreadyUsed = errors.New("challenge already used")
	ErrRetriesExhausted     = errors.New("retry budget exhausted")
	ErrSlotNotFailed        = errors.New("phrase slot has no failed result to retry")
)

// ChallengeLedger is the minimal ledger surface the cascade needs.
type ChallengeLedger interface {
	Issue(ctx context.Context, identityID string, count int, difficulty challengedomain.Difficulty, ttl time.Duration) ([]*challengedomain.Challenge, error)
	Claim(ctx context.Context, challengeID string) (*challengedomain.Challenge, error)
}

// VoiceprintRepo is the minimal voiceprint repository needed by the cascade.
type VoiceprintRepo interface {
	GetByIdentity(ctx context.Context, identityID string) (*voiceprintdomain.Voiceprint, error)
}

// SessionRepo is the minimal verification session repository needed by the
// cascade.
type SessionRepo interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	AppendResult(ctx context.Context, sessionID string, r domain.PhraseResult) error
	SetSlotChallenge(ctx context.Context, sessionID string, slot int, challengeID string, retryCount int) error
	MarkResolved(ctx context.Context, sessionID string, accepted bool, at time.Time) error
}

// SpoofChecker is the spoof fusion surface the cascade needs.
type SpoofChecker interface {
	Evaluate(ctx context.Context, sample scoring.Sample) (*spoof.Result, error)
}

// AssertionIssuer mints the step-up assertion on accept. Optional.
type AssertionIssuer interface {
	IssueStepUp(sessionID, identityID string) (token string, jti string, expiresAt time.Time, err error)
}

// Config holds cascade thresholds and defaults. Policy evaluation may tighten
// the per-session values derived from it.
type Config struct {
	SimilarityThreshold  float64
	PhraseMatchThreshold float64
	RequiredPhrases      int
	MaxRetries           int
	Difficulty           challengedomain.Difficulty
	ChallengeTTL         time.Duration
	SessionTTL           time.Duration
	// ScorerTimeout bounds each external scorer call; deadline expiry fails
	// closed at that stage, never open.
	ScorerTimeout time.Duration
}

// Cascade orchestrates verification sessions.
type Cascade struct {
	ledger      ChallengeLedger
	voiceprints VoiceprintRepo
	sessions    SessionRepo
	similarity  scoring.SimilarityScorer
	spoof       SpoofChecker
	phraseMatch scoring.PhraseMatchScorer
	policy      policyengine.Evaluator
	assertions  AssertionIssuer
	recorder    audit.Recorder
	cfg         Config
	logger      zerolog.Logger
	nowF        func() time.Time

	tracer    trace.Tracer
	decisions metric.Int64Counter
	phrases   metric.Int64Counter
}

// NewCascade returns a Cascade. policy and assertions may be nil; then config
// defaults apply and accepted decisions carry no assertion.
func NewCascade(
	ledger ChallengeLedger,
	voiceprints VoiceprintRepo,
	sessions SessionRepo,
	similarity scoring.SimilarityScorer,
	spoofChecker SpoofChecker,
	phraseMatch scoring.PhraseMatchScorer,
	policy policyengine.Evaluator,
	assertions AssertionIssuer,
	recorder audit.Recorder,
	cfg Config,
	logger zerolog.Logger,
) *Cascade {
	meter := otel.Meter("voicegate/verification")
	decisions, _ := meter.Int64Counter("voicegate.verification.decisions")
	phrases, _ := meter.Int64Counter("voicegate.verification.phrase_results")
	return &Cascade{
		ledger:      ledger,
		voiceprints: voiceprints,
		sessions:    sessions,
		similarity:  similarity,
		spoof:       spoofChecker,
		phraseMatch: phraseMatch,
		policy:      policy,
		assertions:  assertions,
		recorder:    recorder,
		cfg:         cfg,
		logger:      logger,
		nowF:        func() time.Time { return time.Now().UTC() },
		tracer:      otel.Tracer("voicegate/verification"),
		decisions:   decisions,
		phrases:     phrases,
	}
}

// StartSession opens a verification session for the identity, issuing its
// challenges through the ledger. Fails with ErrNotEnrolled when the identity
// has no voiceprint. The returned challenges carry the phrase texts to read.
func (c *Cascade) StartSession(ctx context.Context, identityID string, risk policyengine.RiskContext) (*domain.Session, []*challengedomain.Challenge, error) {
	vp, err := c.voiceprints.GetByIdentity(ctx, identityID)
	if err != nil {
		return nil, nil, err
	}
	if vp == nil {
		return nil, nil, ErrNotEnrolled
	}

	params := policyengine.VerificationParams{
		RequiredPhrases:     c.cfg.RequiredPhrases,
		MaxRetries:          c.cfg.MaxRetries,
		ChallengeTTLSeconds: int(c.cfg.ChallengeTTL / time.Second),
		Difficulty:          c.cfg.Difficulty,
	}
	if c.policy != nil {
		params, err = c.policy.EvaluateVerification(ctx, risk, params)
		if err != nil {
			return nil, nil, err
		}
	}

	ttl := time.Duration(params.ChallengeTTLSeconds) * time.Second
	challenges, err := c.ledger.Issue(ctx, identityID, params.RequiredPhrases, params.Difficulty, ttl)
	if err != nil {
		return nil, nil, err
	}

	now := c.nowF()
	s := &domain.Session{
		ID:                  uuid.New().String(),
		IdentityID:          identityID,
		RequiredPhrases:     params.RequiredPhrases,
		MaxRetries:          params.MaxRetries,
		Difficulty:          params.Difficulty,
		ChallengeTTLSeconds: params.ChallengeTTLSeconds,
		ChallengeIDs:        make([]string, len(challenges)),
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.cfg.SessionTTL),
	}
	for i, ch := range challenges {
		s.ChallengeIDs[i] = ch.ID
	}
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, nil, err
	}

	c.recorder.Record(ctx, &auditdomain.Record{
		Actor:      identityID,
		Action:     "verification_session_started",
		EntityType: "verification_session",
		EntityID:   s.ID,
		Success:    true,
		Metadata: map[string]string{
			"required_phrases": strconv.Itoa(params.RequiredPhrases),
			"difficulty":       string(params.Difficulty),
		},
	})
	return s, challenges, nil
}

// SubmitPhrase runs the three-stage check for one claimed challenge and
// appends the outcome to the session's result log. Stage rejections return a
// rejected PhraseResult and a nil error; session-level failures (expired,
// invalid challenge, not found) return an error and record nothing.
func (c *Cascade) SubmitPhrase(ctx context.Context, sessionID, challengeID string, sample scoring.Sample) (*domain.PhraseResult, error) {
	ctx, span := c.tracer.Start(ctx, "cascade.submit_phrase",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	s, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.Resolved() {
		return nil, ErrSessionResolved
	}
	if s.Expired(c.nowF()) {
		return nil, ErrSessionExpired
	}
	slot := s.SlotForChallenge(challengeID)
	if slot == 0 {
		return nil, ErrInvalidChallenge
	}

	// Claiming is the synchronization point: it consumes the challenge
	// atomically and fixes the order results are recorded in.
	ch, err := c.ledger.Claim(ctx, challengeID)
	if err != nil {
		switch {
		case errors.Is(err, challengedomain.ErrNotFound):
			return nil, ErrInvalidChallenge
		case errors.Is(err, challengedomain.ErrExpired):
			return nil, ErrChallengeExpired
		case errors.Is(err, challengedomain.ErrAlreadyUsed):
			return nil, ErrChallengeAlreadyUsed
		}
		return nil, err
	}
	if ch.IdentityID != s.IdentityID {
		return nil, ErrInvalidChallenge
	}

	vp, err := c.voiceprints.GetByIdentity(ctx, s.IdentityID)
	if err != nil {
		return nil, err
	}
	if vp == nil {
		return nil, ErrNotEnrolled
	}

	result := domain.PhraseResult{
		PhraseNumber: slot,
		ChallengeID:  challengeID,
	}
	if err := c.runStages(ctx, s, ch, vp, sample, &result); err != nil {
		return nil, err
	}

	// No partial credit survives expiry: even with scores in hand, an
	// expired session records nothing.
	now := c.nowF()
	if s.Expired(now) {
		return nil, ErrSessionExpired
	}
	result.CreatedAt = now
	if err := c.sessions.AppendResult(ctx, sessionID, result); err != nil {
		return nil, err
	}

	c.phrases.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("accepted", result.Accepted),
		attribute.String("reason", string(result.Reason)),
	))
	c.auditPhrase(ctx, s, &result)
	return &result, nil
}

// runStages executes similarity, spoof fusion, and phrase match in order,
// stopping at the first rejection. Infrastructure errors (anything other
// than a scorer deadline) surface to the caller.
func (c *Cascade) runStages(ctx context.Context, s *domain.Session, ch *challengedomain.Challenge, vp *voiceprintdomain.Voiceprint, sample scoring.Sample, result *domain.PhraseResult) error {
	// Stage 1: speaker similarity.
	stageCtx, cancel := c.stageContext(ctx)
	simScore, err := c.similarity.Compare(stageCtx, sample, vp.Embedding)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.Reason = domain.ReasonSimilarityTimeout
			return nil
		}
		return err
	}
	result.SimilarityScore = simScore
	if simScore < c.cfg.SimilarityThreshold {
		result.Reason = domain.ReasonSimilarityBelowThreshold
		return nil
	}

	// Stage 2: anti-spoof ensemble fusion.
	stageCtx, cancel = c.stageContext(ctx)
	spoofRes, err := c.spoof.Evaluate(stageCtx, sample)
	cancel()
	if err != nil {
		return err
	}
	result.SpoofScore = spoofRes.FusedScore
	result.SpoofDetected = spoofRes.IsSpoof
	if spoofRes.IsSpoof {
		if spoofRes.Reason == spoof.ReasonNoScorersAvailable {
			result.Reason = domain.ReasonNoScorersAvailable
		} else {
			result.Reason = domain.ReasonSpoofDetected
		}
		return nil
	}

	// Stage 3: spoken phrase match.
	stageCtx, cancel = c.stageContext(ctx)
	match, err := c.phraseMatch.Match(stageCtx, sample, ch.PhraseText)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.Reason = domain.ReasonPhraseMatchTimeout
			return nil
		}
		return err
	}
	result.RecognizedText = match.RecognizedText
	result.PhraseMatchScore = match.Score
	if match.Score < c.cfg.PhraseMatchThreshold {
		result.Reason = domain.ReasonPhraseMismatch
		return nil
	}

	result.Accepted = true
	return nil
}

// RetryPhrase issues a replacement challenge for a failed slot, spending one
// retry. The original challenge stays consumed; only the slot binding moves.
func (c *Cascade) RetryPhrase(ctx context.Context, sessionID string, slot int) (*challengedomain.Challenge, error) {
	s, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.Resolved() {
		return nil, ErrSessionResolved
	}
	if s.Expired(c.nowF()) {
		return nil, ErrSessionExpired
	}
	if slot < 1 || slot > s.RequiredPhrases {
		return nil, ErrSlotNotFailed
	}
	latest := s.LatestResultForSlot(slot)
	if latest == nil || latest.Accepted {
		return nil, ErrSlotNotFailed
	}
	if s.RetryCount >= s.MaxRetries {
		return nil, ErrRetriesExhausted
	}

	ttl := time.Duration(s.ChallengeTTLSeconds) * time.Second
	challenges, err := c.ledger.Issue(ctx, s.IdentityID, 1, s.Difficulty, ttl)
	if err != nil {
		return nil, err
	}
	ch := challenges[0]
	if err := c.sessions.SetSlotChallenge(ctx, sessionID, slot, ch.ID, s.RetryCount+1); err != nil {
		return nil, err
	}

	c.recorder.Record(ctx, &auditdomain.Record{
		Actor:      s.IdentityID,
		Action:     "phrase_retry_issued",
		EntityType: "verification_session",
		EntityID:   s.ID,
		Success:    true,
		Metadata: map[string]string{
			"slot":        strconv.Itoa(slot),
			"retry_count": strconv.Itoa(s.RetryCount + 1),
		},
	})
	return ch, nil
}

// CompleteSession aggregates the per-phrase results into the session-level
// decision: accept only when every required slot's latest result was
// accepted. A rejected session with retry budget left is returned non-final
// and stays open for RetryPhrase; once the budget is spent it resolves as
// reject with the aggregated reasons.
func (c *Cascade) CompleteSession(ctx context.Context, sessionID string) (*domain.Decision, error) {
	s, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.Resolved() {
		// Replays return the same decision the first resolution produced,
		// including the aggregated rejection reasons.
		var reasons []domain.RejectReason
		if !s.Accepted {
			for _, r := range s.SlotOutcomes() {
				if r != nil && !r.Accepted {
					reasons = append(reasons, r.Reason)
				}
			}
		}
		return &domain.Decision{
			SessionID:  s.ID,
			IdentityID: s.IdentityID,
			Accepted:   s.Accepted,
			Final:      true,
			Reasons:    reasons,
			ResolvedAt: *s.ResolvedAt,
		}, nil
	}
	now := c.nowF()
	if s.Expired(now) {
		return nil, ErrSessionExpired
	}

	outcomes := s.SlotOutcomes()
	accepted := true
	var reasons []domain.RejectReason
	for _, r := range outcomes {
		if r == nil {
			return nil, ErrSessionIncomplete
		}
		if !r.Accepted {
			accepted = false
			reasons = append(reasons, r.Reason)
		}
	}

	decision := &domain.Decision{
		SessionID:  s.ID,
		IdentityID: s.IdentityID,
		Accepted:   accepted,
		Reasons:    reasons,
		ResolvedAt: now,
	}
	if !accepted && s.RetryCount < s.MaxRetries {
		// Not terminal: the caller may replace failed slots via RetryPhrase.
		decision.Final = false
		return decision, nil
	}
	decision.Final = true

	if err := c.sessions.MarkResolved(ctx, sessionID, accepted, now); err != nil {
		return nil, err
	}
	if accepted && c.assertions != nil {
		token, _, _, err := c.assertions.IssueStepUp(s.ID, s.IdentityID)
		if err != nil {
			// The decision stands; the relying party can re-request proof.
			c.logger.Error().Err(err).Str("session_id", s.ID).Msg("step-up assertion issuance failed")
		} else {
			decision.Assertion = token
		}
	}

	c.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", decision.Outcome())))
	c.recorder.Record(ctx, &auditdomain.Record{
		Actor:      s.IdentityID,
		Action:     "verification_session_resolved",
		EntityType: "verification_session",
		EntityID:   s.ID,
		Success:    accepted,
		Reason:     joinReasons(reasons),
	})
	return decision, nil
}

func (c *Cascade) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ScorerTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.ScorerTimeout)
}

func (c *Cascade) auditPhrase(ctx context.Context, s *domain.Session, r *domain.PhraseResult) {
	rec := &auditdomain.Record{
		Actor:      s.IdentityID,
		Action:     "phrase_submitted",
		EntityType: "challenge",
		EntityID:   r.ChallengeID,
		Success:    r.Accepted,
		Reason:     string(r.Reason),
		Metadata:   map[string]string{"session_id": s.ID, "slot": strconv.Itoa(r.PhraseNumber)},
	}
	// Only stages that actually measured get a score pointer; a nil field
	// means the stage never ran for this result.
	if r.Reason != domain.ReasonSimilarityTimeout {
		sim := r.SimilarityScore
		rec.SimilarityScore = &sim
	}
	switch r.Reason {
	case domain.ReasonSimilarityTimeout, domain.ReasonSimilarityBelowThreshold:
	default:
		spoofScore := r.SpoofScore
		rec.SpoofScore = &spoofScore
	}
	if r.Accepted || r.Reason == domain.ReasonPhraseMismatch {
		phraseScore := r.PhraseMatchScore
		rec.PhraseMatchScore = &phraseScore
	}
	switch r.Reason {
	case domain.ReasonSimilarityBelowThreshold:
		t := c.cfg.SimilarityThreshold
		rec.Threshold = &t
	case domain.ReasonPhraseMismatch:
		t := c.cfg.PhraseMatchThreshold
		rec.Threshold = &t
	}
	c.recorder.Record(ctx, rec)
}

func joinReasons(reasons []domain.RejectReason) string {
	if len(reasons) == 0 {
		return ""
	}
	out := string(reasons[0])
	for _, r := range reasons[1:] {
		out += "," + string(r)
	}
	return out
}
