package domain

import (
	"time"

	challengedomain "voicegate/internal/challenge/domain"
)

// RejectReason classifies why a phrase or session was rejected. Reasons are
// recorded in full for audit; external callers only see the coarse Outcome.
type RejectReason string

const (
	ReasonSimilarityBelowThreshold RejectReason = "similarity_below_threshold"
	ReasonSimilarityTimeout        RejectReason = "similarity_timeout"
	ReasonSpoofDetected            RejectReason = "spoof_detected"
	ReasonNoScorersAvailable       RejectReason = "no_scorers_available"
	ReasonPhraseMismatch           RejectReason = "phrase_mismatch"
	ReasonPhraseMatchTimeout       RejectReason = "phrase_match_timeout"
	ReasonRetriesExhausted         RejectReason = "retries_exhausted"
)

// State of a verification session.
type State string

const (
	StateAwaitingPhrases State = "awaiting_phrases"
	StateResolved        State = "resolved"
	StateExpired         State = "expired"
)

// PhraseResult is the recorded outcome of one submitted phrase. Results are
// append-only: once a result exists for a challenge, that challenge cannot be
// resubmitted (a retry issues a fresh challenge for the slot).
type PhraseResult struct {
	PhraseNumber     int // 1-based slot within the session
	ChallengeID      string
	SimilarityScore  float64
	SpoofScore       float64
	SpoofDetected    bool
	RecognizedText   string
	PhraseMatchScore float64
	Accepted         bool
	Reason           RejectReason // empty when accepted
	CreatedAt        time.Time
}

// Session is one verification attempt: a fixed number of phrase slots, each
// bound to a current challenge, plus the append-only result log and the
// retry budget.
type Session struct {
	ID              string
	IdentityID      string
	RequiredPhrases int
	MaxRetries      int
	// Difficulty and ChallengeTTLSeconds are fixed at session start (possibly
	// by policy) and reused for replacement challenges.
	Difficulty          challengedomain.Difficulty
	ChallengeTTLSeconds int
	ChallengeIDs        []string // current challenge per slot; index = slot-1
	Results             []PhraseResult
	RetryCount          int
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ResolvedAt          *time.Time
	Accepted            bool // meaningful once ResolvedAt is set
}

// Expired reports whether the session TTL elapsed at now. A resolved session
// does not expire.
func (s *Session) Expired(now time.Time) bool {
	return s.ResolvedAt == nil && !now.Before(s.ExpiresAt)
}

// Resolved reports whether the session reached a terminal decision.
func (s *Session) Resolved() bool {
	return s.ResolvedAt != nil
}

// State returns the session state at now.
func (s *Session) State(now time.Time) State {
	switch {
	case s.Resolved():
		return StateResolved
	case s.Expired(now):
		return StateExpired
	default:
		return StateAwaitingPhrases
	}
}

// SlotForChallenge returns the 1-based slot currently bound to the challenge,
// or 0 if the challenge does not belong to this session.
func (s *Session) SlotForChallenge(challengeID string) int {
	for i, id := range s.ChallengeIDs {
		if id == challengeID {
			return i + 1
		}
	}
	return 0
}

// LatestResultForSlot returns the most recent result recorded for the slot,
// or nil if none exists yet.
func (s *Session) LatestResultForSlot(slot int) *PhraseResult {
	for i := len(s.Results) - 1; i >= 0; i-- {
		if s.Results[i].PhraseNumber == slot {
			return &s.Results[i]
		}
	}
	return nil
}

// SlotOutcomes returns the latest result per slot, indexed by slot-1, with
// nil entries for slots that have no result.
func (s *Session) SlotOutcomes() []*PhraseResult {
	out := make([]*PhraseResult, s.RequiredPhrases)
	for slot := 1; slot <= s.RequiredPhrases; slot++ {
		out[slot-1] = s.LatestResultForSlot(slot)
	}
	return out
}

// Decision is the session-level verdict. Final is false when the session was
// not accepted but the retry budget still allows replacement challenges.
type Decision struct {
	SessionID  string
	IdentityID string
	Accepted   bool
	Final      bool
	Reasons    []RejectReason
	ResolvedAt time.Time
	Assertion  string // signed step-up assertion, set only on accept
}

// Outcome values exposed to external callers. Stage-specific reasons are
// deliberately collapsed so rejection signals do not coach attackers.
const (
	OutcomeAccepted       = "accepted"
	OutcomeRetryAvailable = "retry_available"
	OutcomeDenied         = "denied"
)

// Outcome returns the caller-facing result: enough to know whether to retry,
// nothing about which check failed.
func (d *Decision) Outcome() string {
	switch {
	case d.Accepted:
		return OutcomeAccepted
	case !d.Final:
		return OutcomeRetryAvailable
	default:
		return OutcomeDenied
	}
}
