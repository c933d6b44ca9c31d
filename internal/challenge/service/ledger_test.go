package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voicegate/internal/challenge/domain"
	"voicegate/internal/phrase"
	"voicegate/internal/ratelimit"
)

type fakeRepo struct {
	mu         sync.Mutex
	challenges map[string]*domain.Challenge
	recentErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{challenges: make(map[string]*domain.Challenge)}
}

func (f *fakeRepo) Create(_ context.Context, c *domain.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.challenges[c.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*domain.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) Claim(_ context.Context, id string, now time.Time) (*domain.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.challenges[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if c.UsedAt != nil {
		return nil, domain.ErrAlreadyUsed
	}
	if c.Expired(now) {
		return nil, domain.ErrExpired
	}
	used := now
	c.UsedAt = &used
	cp := *c
	return &cp, nil
}

func (f *fakeRepo) RecentPhraseIDs(_ context.Context, identityID string, since time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	var out []string
	for _, c := range f.challenges {
		if c.IdentityID == identityID && !c.IssuedAt.Before(since) {
			out = append(out, c.PhraseID)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, c := range f.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(f.challenges, id)
			n++
		}
	}
	return n, nil
}

func newTestLedger(repo *fakeRepo, limiter IssueLimiter) *Ledger {
	selector := phrase.NewSelector(phrase.DefaultCorpus(), time.Hour)
	return NewLedger(repo, selector, limiter, Config{
		DefaultTTL:           2 * time.Minute,
		RecentPhraseLookback: 24 * time.Hour,
	}, zerolog.Nop())
}

func TestIssueCreatesChallenges(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(repo, nil)

	chs, err := ledger.Issue(context.Background(), "identity-1", 3, domain.DifficultyMedium, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(chs) != 3 {
		t.Fatalf("expected 3 challenges, got %d", len(chs))
	}
	seen := make(map[string]bool)
	for _, c := range chs {
		if c.IdentityID != "identity-1" || c.Difficulty != domain.DifficultyMedium {
			t.Fatalf("challenge fields wrong: %+v", c)
		}
		if c.PhraseText == "" {
			t.Fatal("challenge must carry the phrase text")
		}
		if !c.ExpiresAt.After(c.IssuedAt) {
			t.Fatal("challenge must expire after issuance")
		}
		if seen[c.PhraseID] {
			t.Fatalf("phrase %s issued twice in one batch", c.PhraseID)
		}
		seen[c.PhraseID] = true
	}
	if len(repo.challenges) != 3 {
		t.Fatalf("expected 3 persisted challenges, got %d", len(repo.challenges))
	}
}

func TestIssueValidatesInput(t *testing.T) {
	ledger := newTestLedger(newFakeRepo(), nil)
	if _, err := ledger.Issue(context.Background(), "identity-1", 0, domain.DifficultyEasy, 0); err == nil {
		t.Fatal("zero count should be rejected")
	}
	if _, err := ledger.Issue(context.Background(), "identity-1", 1, "extreme", 0); err == nil {
		t.Fatal("unknown difficulty should be rejected")
	}
}

func TestIssueRateLimited(t *testing.T) {
	ledger := newTestLedger(newFakeRepo(), ratelimit.NewLimiter(3, time.Minute))
	if _, err := ledger.Issue(context.Background(), "identity-1", 3, domain.DifficultyEasy, 0); err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	_, err := ledger.Issue(context.Background(), "identity-1", 1, domain.DifficultyEasy, 0)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// Another identity has its own budget.
	if _, err := ledger.Issue(context.Background(), "identity-2", 1, domain.DifficultyEasy, 0); err != nil {
		t.Fatalf("Issue for other identity: %v", err)
	}
}

func TestIssueSurvivesRecentLookupFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.recentErr = errors.New("db timeout")
	ledger := newTestLedger(repo, nil)
	chs, err := ledger.Issue(context.Background(), "identity-1", 2, domain.DifficultyHard, 0)
	if err != nil {
		t.Fatalf("Issue must proceed without recent-phrase avoidance: %v", err)
	}
	if len(chs) != 2 {
		t.Fatalf("expected 2 challenges, got %d", len(chs))
	}
}

func TestIssuePoolExhaustionPrefersReuse(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(repo, nil)
	// hard pool has 6 phrases; repeated issuance must reuse rather than fail.
	for i := 0; i < 3; i++ {
		if _, err := ledger.Issue(context.Background(), "identity-1", 4, domain.DifficultyHard, 0); err != nil {
			t.Fatalf("Issue round %d: %v", i+1, err)
		}
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(repo, nil)
	chs, err := ledger.Issue(context.Background(), "identity-1", 1, domain.DifficultyEasy, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const claimers = 16
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Claim(context.Background(), chs[0].ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyUsed int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrAlreadyUsed):
			alreadyUsed++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("exactly one claim must succeed, got %d", successes)
	}
	if alreadyUsed != claimers-1 {
		t.Fatalf("expected %d already-used errors, got %d", claimers-1, alreadyUsed)
	}
}

func TestClaimExpired(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(repo, nil)
	chs, err := ledger.Issue(context.Background(), "identity-1", 1, domain.DifficultyEasy, time.Millisecond)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ledger.nowF = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	_, err = ledger.Claim(context.Background(), chs[0].ID)
	if !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestClaimUnknown(t *testing.T) {
	ledger := newTestLedger(newFakeRepo(), nil)
	_, err := ledger.Claim(context.Background(), "no-such-challenge")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupExpiredIdempotent(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(repo, nil)
	if _, err := ledger.Issue(context.Background(), "identity-1", 2, domain.DifficultyEasy, time.Millisecond); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ledger.Issue(context.Background(), "identity-1", 1, domain.DifficultyEasy, time.Hour); err != nil {
		t.Fatalf("Issue long-lived: %v", err)
	}
	ledger.nowF = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	n, err := ledger.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	n, err = ledger.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("second CleanupExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("second cleanup must purge nothing, got %d", n)
	}
	if len(repo.challenges) != 1 {
		t.Fatalf("long-lived challenge must survive, have %d", len(repo.challenges))
	}
}
