package domain

import "time"

// Actor used for records not attributable to an identity (e.g. the janitor).
const SystemActor = "_system"

// Record is one append-only audit event. Decision-relevant values (scores,
// thresholds, reason, success) are first-class typed fields; Metadata is the
// loosely-typed boundary for genuinely open-ended context and must never
// carry decision inputs.
type Record struct {
	ID         string
	Actor      string // identity id or SystemActor
	Action     string // e.g. "challenge_issued", "phrase_submitted", "session_resolved"
	EntityType string // e.g. "challenge", "verification_session"
	EntityID   string
	Success    bool
	Reason     string // rejection reason, empty on success

	SimilarityScore  *float64
	SpoofScore       *float64
	PhraseMatchScore *float64
	Threshold        *float64 // threshold of the stage named in Reason, if any

	Metadata  map[string]string
	CreatedAt time.Time
}
