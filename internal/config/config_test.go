package config

import (
	"os"
	"testing"
	"time"

	challengedomain "voicegate/internal/challenge/domain"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.SimilarityThreshold != 0.65 {
		t.Errorf("SimilarityThreshold = %v, want 0.65", cfg.SimilarityThreshold)
	}
	if cfg.PhraseMatchThreshold != 0.70 {
		t.Errorf("PhraseMatchThreshold = %v, want 0.70", cfg.PhraseMatchThreshold)
	}
	if cfg.SpoofEnsembleThreshold != 0.50 {
		t.Errorf("SpoofEnsembleThreshold = %v, want 0.50", cfg.SpoofEnsembleThreshold)
	}
	if cfg.SpoofMinIndicatorVotes != 2 {
		t.Errorf("SpoofMinIndicatorVotes = %d, want 2", cfg.SpoofMinIndicatorVotes)
	}
	if cfg.RequiredPhrases != 3 {
		t.Errorf("RequiredPhrases = %d, want 3", cfg.RequiredPhrases)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.MaxRetries)
	}
	if cfg.Difficulty() != challengedomain.DifficultyMedium {
		t.Errorf("Difficulty = %q, want medium", cfg.Difficulty())
	}
	if cfg.JWTIssuer != "voicegate" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "voicegate")
	}
	if cfg.AuditKafkaTopic != "voicegate-audit" {
		t.Errorf("AuditKafkaTopic = %q, want %q", cfg.AuditKafkaTopic, "voicegate-audit")
	}
	if cfg.ChallengeTTLDuration() != 2*time.Minute {
		t.Errorf("ChallengeTTLDuration = %v, want 2m", cfg.ChallengeTTLDuration())
	}
	if cfg.SessionTTLDuration() != 10*time.Minute {
		t.Errorf("SessionTTLDuration = %v, want 10m", cfg.SessionTTLDuration())
	}
	if cfg.ScorerTimeoutDuration() != 3*time.Second {
		t.Errorf("ScorerTimeoutDuration = %v, want 3s", cfg.ScorerTimeoutDuration())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("SIMILARITY_THRESHOLD", "0.8")
	os.Setenv("REQUIRED_PHRASES", "5")
	os.Setenv("CHALLENGE_DIFFICULTY", "hard")
	os.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SimilarityThreshold != 0.8 {
		t.Errorf("SimilarityThreshold = %v, want 0.8", cfg.SimilarityThreshold)
	}
	if cfg.RequiredPhrases != 5 {
		t.Errorf("RequiredPhrases = %d, want 5", cfg.RequiredPhrases)
	}
	if cfg.Difficulty() != challengedomain.DifficultyHard {
		t.Errorf("Difficulty = %q, want hard", cfg.Difficulty())
	}
	brokers := cfg.AuditKafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Errorf("AuditKafkaBrokersList = %v, want two trimmed brokers", brokers)
	}
}

func TestLoad_InvalidThreshold(t *testing.T) {
	os.Clearenv()
	os.Setenv("SIMILARITY_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject SIMILARITY_THRESHOLD > 1")
	}
}

func TestLoad_InvalidDifficulty(t *testing.T) {
	os.Clearenv()
	os.Setenv("CHALLENGE_DIFFICULTY", "impossible")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject unknown difficulty")
	}
}

func TestLoad_EnrollmentSampleBounds(t *testing.T) {
	os.Clearenv()
	os.Setenv("ENROLLMENT_REQUIRED_SAMPLES", "2")
	os.Setenv("ENROLLMENT_MIN_SAMPLES", "3")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject required samples below the minimum")
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := &Config{ChallengeTTL: "not-a-duration", SessionTTL: "-5m", StepUpTTL: ""}
	if cfg.ChallengeTTLDuration() != 2*time.Minute {
		t.Errorf("ChallengeTTLDuration fallback = %v, want 2m", cfg.ChallengeTTLDuration())
	}
	if cfg.SessionTTLDuration() != 10*time.Minute {
		t.Errorf("SessionTTLDuration fallback = %v, want 10m", cfg.SessionTTLDuration())
	}
	if cfg.StepUpTTLDuration() != 5*time.Minute {
		t.Errorf("StepUpTTLDuration fallback = %v, want 5m", cfg.StepUpTTLDuration())
	}
}

func TestAuditKafkaBrokersList_Empty(t *testing.T) {
	cfg := &Config{}
	if got := cfg.AuditKafkaBrokersList(); got != nil {
		t.Errorf("AuditKafkaBrokersList on empty config = %v, want nil", got)
	}
}
