package domain

import "time"

// Voiceprint is the stored reference embedding for an enrolled identity.
// Immutable once created; the only mutation is full replacement via an
// explicit enrollment overwrite.
type Voiceprint struct {
	IdentityID  string
	Embedding   []float64
	SampleCount int
	CreatedAt   time.Time
}
