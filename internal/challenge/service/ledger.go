// Package service implements the challenge ledger: every phrase challenge is
// presented and usable at most once, within a bounded time window.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicegate/internal/challenge/domain"
	challengerepo "voicegate/internal/challenge/repository"
	"voicegate/internal/phrase"
)

// ErrRateLimited is returned by Issue when the identity has exhausted its
// challenge budget for the current window.
var ErrRateLimited = errors.New("challenge issuance rate limited")

// IssueLimiter caps challenge issuance per identity. Allow must atomically
// check and spend n units of budget.
type IssueLimiter interface {
	Allow(identityID string, n int) bool
}

// Config holds ledger tunables.
type Config struct {
	// DefaultTTL is the challenge lifetime when the caller does not override it.
	DefaultTTL time.Duration
	// RecentPhraseLookback is how far back issued phrases count as recently
	// used when selecting new ones.
	RecentPhraseLookback time.Duration
}

// Ledger issues and claims single-use phrase challenges.
type Ledger struct {
	repo     challengerepo.Repository
	selector *phrase.Selector
	limiter  IssueLimiter
	cfg      Config
	logger   zerolog.Logger
	nowF     func() time.Time
}

// NewLedger returns a Ledger. limiter may be nil to disable rate limiting.
func NewLedger(repo challengerepo.Repository, selector *phrase.Selector, limiter IssueLimiter, cfg Config, logger zerolog.Logger) *Ledger {
	return &Ledger{
		repo:     repo,
		selector: selector,
		limiter:  limiter,
		cfg:      cfg,
		logger:   logger,
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates count challenges for the identity with the given difficulty
// and TTL (DefaultTTL when ttl <= 0). Phrases recently issued to this
// identity are avoided; when the pool is too small to avoid them, reuse is
// preferred over starving the caller.
func (l *Ledger) Issue(ctx context.Context, identityID string, count int, difficulty domain.Difficulty, ttl time.Duration) ([]*domain.Challenge, error) {
	if count <= 0 {
		return nil, fmt.Errorf("challenge count must be positive, got %d", count)
	}
	if !difficulty.Valid() {
		return nil, fmt.Errorf("unknown difficulty %q", difficulty)
	}
	if l.limiter != nil && !l.limiter.Allow(identityID, count) {
		return nil, ErrRateLimited
	}
	if ttl <= 0 {
		ttl = l.cfg.DefaultTTL
	}
	now := l.nowF()

	recent, err := l.repo.RecentPhraseIDs(ctx, identityID, now.Add(-l.cfg.RecentPhraseLookback))
	if err != nil {
		// Recent-phrase avoidance is a predictability measure, not a
		// correctness requirement; issuance proceeds without it.
		l.logger.Warn().Err(err).Str("identity_id", identityID).Msg("recent phrase lookup failed")
	}
	phrases, err := l.selector.Pick(identityID, difficulty, count, recent)
	if err != nil {
		return nil, err
	}
	if len(phrases) < count {
		return nil, fmt.Errorf("phrase pool too small: need %d, have %d", count, len(phrases))
	}

	challenges := make([]*domain.Challenge, 0, count)
	for _, p := range phrases {
		c := &domain.Challenge{
			ID:         uuid.New().String(),
			IdentityID: identityID,
			PhraseID:   p.ID,
			PhraseText: p.Text,
			Difficulty: difficulty,
			IssuedAt:   now,
			ExpiresAt:  now.Add(ttl),
		}
		if err := l.repo.Create(ctx, c); err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}
	return challenges, nil
}

// Claim atomically consumes the challenge. Exactly one caller can succeed for
// a given challenge; later callers get domain.ErrAlreadyUsed, and expired
// challenges are never claimable regardless of payload correctness.
func (l *Ledger) Claim(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	return l.repo.Claim(ctx, challengeID, l.nowF())
}

// CleanupExpired purges challenges past their TTL and returns the count.
// Idempotent and safe to run concurrently with issuance.
func (l *Ledger) CleanupExpired(ctx context.Context) (int64, error) {
	return l.repo.DeleteExpired(ctx, l.nowF())
}
