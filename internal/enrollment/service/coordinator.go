// Package service implements the enrollment coordinator: it collects spoken
// samples against single-use challenges, gates each through the anti-spoof
// ensemble, and aggregates the accepted embeddings into the identity's stored
// voiceprint.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicegate/internal/audit"
	auditdomain "voicegate/internal/audit/domain"
	challengedomain "voicegate/internal/challenge/domain"
	"voicegate/internal/enrollment/domain"
	enrollmentrepo "voicegate/internal/enrollment/repository"
	"voicegate/internal/scoring"
	"voicegate/internal/spoof"
	voiceprintdomain "voicegate/internal/voiceprint/domain"
)

// Sentinel errors surfaced to callers.
var (
	ErrAlreadyEnrolled      = errors.New("identity already has a voiceprint")
	ErrSessionNotFound      = errors.New("enrollment session not found")
	ErrSessionExpired       = errors.New("enrollment session expired")
	ErrSessionCompleted     = errors.New("enrollment session already completed")
	ErrInvalidChallenge     = errors.New("challenge does not belong to session")
	ErrChallengeExpired     = errors.New("challenge expired")
	ErrChallengeAlreadyUsed = errors.New("challenge already used")
	ErrSlotFilled           = errors.New("slot already holds an accepted sample")
	ErrInsufficientSamples  = errors.New("not enough accepted samples to build a voiceprint")
)

// ChallengeLedger is the minimal ledger surface the coordinator needs.
type ChallengeLedger interface {
	Issue(ctx context.Context, identityID string, count int, difficulty challengedomain.Difficulty, ttl time.Duration) ([]*challengedomain.Challenge, error)
	Claim(ctx context.Context, challengeID string) (*challengedomain.Challenge, error)
}

// VoiceprintStore is the voiceprint repository surface the coordinator needs.
type VoiceprintStore interface {
	GetByIdentity(ctx context.Context, identityID string) (*voiceprintdomain.Voiceprint, error)
	Put(ctx context.Context, vp *voiceprintdomain.Voiceprint) error
	Delete(ctx context.Context, identityID string) error
}

// SpoofChecker is the spoof fusion surface the coordinator needs. Enrollment
// samples are spoof-gated but never similarity-checked: there is nothing to
// compare against yet.
type SpoofChecker interface {
	Evaluate(ctx context.Context, sample scoring.Sample) (*spoof.Result, error)
}

// Config holds coordinator tunables.
type Config struct {
	// RequiredSamples is the number of slots a session opens with.
	RequiredSamples int
	// MinSamples is the minimum accepted samples Complete demands; at or
	// above it, unfilled slots are tolerated.
	MinSamples   int
	Difficulty   challengedomain.Difficulty
	ChallengeTTL time.Duration
	SessionTTL   time.Duration
	// ScorerTimeout bounds each spoof/embedding call; deadline expiry on the
	// spoof gate rejects the sample, it never lets one through.
	ScorerTimeout time.Duration
}

// SampleResult is the outcome of one submitted enrollment sample.
type SampleResult struct {
	Slot       int
	Accepted   bool
	SpoofScore float64
	Reason     string
	// Replacement is the fresh challenge bound to the slot after a rejection.
	Replacement *challengedomain.Challenge
	// SamplesCollected is the accepted-sample count after this submission.
	SamplesCollected int
}

// Coordinator runs enrollment sessions.
type Coordinator struct {
	ledger      ChallengeLedger
	voiceprints VoiceprintStore
	sessions    enrollmentrepo.Repository
	spoof       SpoofChecker
	embedder    scoring.Embedder
	recorder    audit.Recorder
	cfg         Config
	logger      zerolog.Logger
	nowF        func() time.Time
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(
	ledger ChallengeLedger,
	voiceprints VoiceprintStore,
	sessions enrollmentrepo.Repository,
	spoofChecker SpoofChecker,
	embedder scoring.Embedder,
	recorder audit.Recorder,
	cfg Config,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		ledger:      ledger,
		voiceprints: voiceprints,
		sessions:    sessions,
		spoof:       spoofChecker,
		embedder:    embedder,
		recorder:    recorder,
		cfg:         cfg,
		logger:      logger,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

// Start opens an enrollment session. When the identity already has a
// voiceprint, Start fails with ErrAlreadyEnrolled unless forceOverwrite is
// set, in which case the existing voiceprint is deleted first so a failed
// re-enrollment cannot fall back to the stale print.
func (c *Coordinator) Start(ctx context.Context, identityID string, forceOverwrite bool) (*domain.Session, []*challengedomain.Challenge, error) {
	existing, err := c.voiceprints.GetByIdentity(ctx, identityID)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		if !forceOverwrite {
			return nil, nil, ErrAlreadyEnrolled
		}
		if err := c.voiceprints.Delete(ctx, identityID); err != nil {
			return nil, nil, err
		}
		c.recorder.Record(ctx, &auditdomain.Record{
			Actor:      identityID,
			Action:     "voiceprint_overwritten",
			EntityType: "voiceprint",
			EntityID:   identityID,
			Success:    true,
		})
	}

	challenges, err := c.ledger.Issue(ctx, identityID, c.cfg.RequiredSamples, c.cfg.Difficulty, c.cfg.ChallengeTTL)
	if err != nil {
		return nil, nil, err
	}

	now := c.nowF()
	s := &domain.Session{
		ID:              uuid.New().String(),
		IdentityID:      identityID,
		RequiredSamples: c.cfg.RequiredSamples,
		Difficulty:      c.cfg.Difficulty,
		ChallengeIDs:    make([]string, len(challenges)),
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.cfg.SessionTTL),
	}
	for i, ch := range challenges {
		s.ChallengeIDs[i] = ch.ID
	}
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, nil, err
	}

	c.recorder.Record(ctx, &auditdomain.Record{
		Actor:      identityID,
		Action:     "enrollment_session_started",
		EntityType: "enrollment_session",
		EntityID:   s.ID,
		Success:    true,
	})
	return s, challenges, nil
}

// AddSample claims the challenge, spoof-gates the sample, and either stores
// its embedding or rebinds the slot to a replacement challenge. Rejected
// samples do not consume a slot; the caller retries with the replacement.
func (c *Coordinator) AddSample(ctx context.Context, sessionID, challengeID string, sample scoring.Sample) (*SampleResult, error) {
	s, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.Completed() {
		return nil, ErrSessionCompleted
	}
	if s.Expired(c.nowF()) {
		return nil, ErrSessionExpired
	}
	slot := s.SlotForChallenge(challengeID)
	if slot == 0 {
		return nil, ErrInvalidChallenge
	}
	if s.SlotFilled(slot) {
		return nil, ErrSlotFilled
	}

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

	spoofCtx, cancel := c.stageContext(ctx)
	spoofRes, err := c.spoof.Evaluate(spoofCtx, sample)
	cancel()
	if err != nil {
		return nil, err
	}
	result := &SampleResult{Slot: slot, SpoofScore: spoofRes.FusedScore}
	if spoofRes.IsSpoof {
		result.Reason = spoofRes.Reason
		replacement, err := c.rebindSlot(ctx, s, slot)
		if err != nil {
			return nil, err
		}
		result.Replacement = replacement
		result.SamplesCollected = len(s.Embeddings)
		c.auditSample(ctx, s, result)
		return result, nil
	}

	embedCtx, cancel := c.stageContext(ctx)
	embedding, err := c.embedder.Embed(embedCtx, sample)
	cancel()
	if err != nil {
		return nil, err
	}
	e := domain.SlotEmbedding{Slot: slot, Embedding: embedding, CreatedAt: c.nowF()}
	if err := c.sessions.AppendEmbedding(ctx, sessionID, e); err != nil {
		return nil, err
	}
	result.Accepted = true
	result.SamplesCollected = len(s.Embeddings) + 1
	c.auditSample(ctx, s, result)
	return result, nil
}

// Complete aggregates the accepted embeddings into a voiceprint and stores
// it. Fails with ErrInsufficientSamples below the configured minimum.
func (c *Coordinator) Complete(ctx context.Context, sessionID string) (*voiceprintdomain.Voiceprint, error) {
	s, err := c.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.Completed() {
		return nil, ErrSessionCompleted
	}
	now := c.nowF()
	if s.Expired(now) {
		return nil, ErrSessionExpired
	}
	if len(s.Embeddings) < c.cfg.MinSamples {
		return nil, ErrInsufficientSamples
	}

	embeddings := make([][]float64, len(s.Embeddings))
	for i, e := range s.Embeddings {
		embeddings[i] = e.Embedding
	}
	aggregated, err := aggregate(embeddings)
	if err != nil {
		return nil, err
	}

	vp := &voiceprintdomain.Voiceprint{
		IdentityID:  s.IdentityID,
		Embedding:   aggregated,
		SampleCount: len(embeddings),
		CreatedAt:   now,
	}
	if err := c.voiceprints.Put(ctx, vp); err != nil {
		return nil, err
	}
	if err := c.sessions.MarkCompleted(ctx, sessionID, now); err != nil {
		return nil, err
	}

	c.recorder.Record(ctx, &auditdomain.Record{
		Actor:      s.IdentityID,
		Action:     "enrollment_completed",
		EntityType: "voiceprint",
		EntityID:   s.IdentityID,
		Success:    true,
		Metadata:   map[string]string{"session_id": s.ID},
	})
	return vp, nil
}

// CleanupExpired purges incomplete sessions past their TTL and returns the
// count.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int64, error) {
	return c.sessions.DeleteExpired(ctx, c.nowF())
}

func (c *Coordinator) rebindSlot(ctx context.Context, s *domain.Session, slot int) (*challengedomain.Challenge, error) {
	challenges, err := c.ledger.Issue(ctx, s.IdentityID, 1, s.Difficulty, c.cfg.ChallengeTTL)
	if err != nil {
		return nil, err
	}
	ch := challenges[0]
	if err := c.sessions.SetSlotChallenge(ctx, s.ID, slot, ch.ID, s.RejectedSamples+1); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Coordinator) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ScorerTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.ScorerTimeout)
}

func (c *Coordinator) auditSample(ctx context.Context, s *domain.Session, r *SampleResult) {
	score := r.SpoofScore
	c.recorder.Record(ctx, &auditdomain.Record{
		Actor:      s.IdentityID,
		Action:     "enrollment_sample_submitted",
		EntityType: "enrollment_session",
		EntityID:   s.ID,
		Success:    r.Accepted,
		Reason:     r.Reason,
		SpoofScore: &score,
	})
}

// aggregate builds the stored voiceprint embedding: the element-wise mean of
// the sample embeddings, L2-normalized. Deterministic for a given sample set.
func aggregate(embeddings [][]float64) ([]float64, error) {
	if len(embeddings) == 0 {
		return nil, ErrInsufficientSamples
	}
	dim := len(embeddings[0])
	for _, e := range embeddings {
		if len(e) != dim {
			return nil, errors.New("embedding dimensions do not match")
		}
	}
	out := make([]float64, dim)
	for _, e := range embeddings {
		for i, v := range e {
			out[i] += v
		}
	}
	n := float64(len(embeddings))
	var norm float64
	for i := range out {
		out[i] /= n
		norm += out[i] * out[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out, nil
	}
	for i := range out {
		out[i] /= norm
	}
	return out, nil
}
