package domain

import (
	"errors"
	"time"
)

// Claim and lookup failures shared by repositories and the ledger.
var (
	ErrNotFound    = errors.New("challenge not found")
	ErrExpired     = errors.New("challenge expired")
	ErrAlreadyUsed = errors.New("challenge already used")
)

// Difficulty selects the phrase pool a challenge is drawn from.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// Challenge is a one-time phrase issued to an identity. UsedAt transitions
// nil -> set exactly once; a used or expired challenge is invalid for any
// future use regardless of payload correctness.
type Challenge struct {
	ID         string
	IdentityID string
	PhraseID   string
	PhraseText string
	Difficulty Difficulty
	IssuedAt   time.Time
	ExpiresAt  time.Time
	UsedAt     *time.Time // nil until claimed
}

// Expired reports whether the challenge TTL has elapsed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Usable reports whether the challenge can still be claimed at now.
func (c *Challenge) Usable(now time.Time) bool {
	return c.UsedAt == nil && !c.Expired(now)
}
