// Package domain holds the enrollment session model: the collection of voice
// samples that produces an identity's stored voiceprint.
package domain

import (
	"time"

	challengedomain "voicegate/internal/challenge/domain"
)

// SlotEmbedding is one accepted sample's embedding, bound to the slot it was
// collected for.
type SlotEmbedding struct {
	Slot      int // 1-based
	Embedding []float64
	CreatedAt time.Time
}

// Session is one enrollment attempt. Each slot is bound to a current
// challenge; a rejected sample rebinds the slot to a replacement challenge,
// an accepted sample fills the slot with its embedding.
type Session struct {
	ID              string
	IdentityID      string
	RequiredSamples int
	Difficulty      challengedomain.Difficulty
	ChallengeIDs    []string // current challenge per slot; index = slot-1
	Embeddings      []SlotEmbedding
	RejectedSamples int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CompletedAt     *time.Time
}

// Expired reports whether the session TTL elapsed at now. A completed session
// does not expire.
func (s *Session) Expired(now time.Time) bool {
	return s.CompletedAt == nil && !now.Before(s.ExpiresAt)
}

// Completed reports whether the session produced a voiceprint.
func (s *Session) Completed() bool {
	return s.CompletedAt != nil
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

// SlotFilled reports whether the slot already holds an accepted embedding.
func (s *Session) SlotFilled(slot int) bool {
	for _, e := range s.Embeddings {
		if e.Slot == slot {
			return true
		}
	}
	return false
}
