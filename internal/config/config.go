// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	challengedomain "voicegate/internal/challenge/domain"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zerolog level (trace|debug|info|warn|error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// SimilarityThreshold is the minimum speaker similarity score (0..1) to pass stage one.
	SimilarityThreshold float64 `mapstructure:"SIMILARITY_THRESHOLD"`
	// PhraseMatchThreshold is the minimum phrase match score (0..1) to pass stage three.
	PhraseMatchThreshold float64 `mapstructure:"PHRASE_MATCH_THRESHOLD"`
	// SpoofEnsembleThreshold is the fused spoof score (0..1) at or above which a sample is spoof.
	SpoofEnsembleThreshold float64 `mapstructure:"SPOOF_ENSEMBLE_THRESHOLD"`
	// SpoofSNRMin is the minimum signal-to-noise ratio in dB before the quality indicator votes suspicious.
	SpoofSNRMin float64 `mapstructure:"SPOOF_SNR_MIN"`
	// SpoofSpectralArtifactMax is the spectral artifact level (0..1) above which the indicator votes suspicious.
	SpoofSpectralArtifactMax float64 `mapstructure:"SPOOF_SPECTRAL_ARTIFACT_MAX"`
	// SpoofBackgroundNoiseMax is the background noise level (0..1) above which the indicator votes suspicious.
	SpoofBackgroundNoiseMax float64 `mapstructure:"SPOOF_BACKGROUND_NOISE_MAX"`
	// SpoofMinIndicatorVotes is how many quality indicators must vote suspicious to veto a sample.
	SpoofMinIndicatorVotes int `mapstructure:"SPOOF_MIN_INDICATOR_VOTES"`

	// RequiredPhrases is the number of phrases per verification session.
	RequiredPhrases int `mapstructure:"REQUIRED_PHRASES"`
	// MaxRetries is the per-session retry budget for failed phrase slots.
	MaxRetries int `mapstructure:"MAX_RETRIES"`
	// ChallengeDifficulty is the default phrase difficulty (easy|medium|hard).
	ChallengeDifficulty string `mapstructure:"CHALLENGE_DIFFICULTY"`
	// ChallengeTTL is the challenge lifetime (e.g. "2m").
	ChallengeTTL string `mapstructure:"CHALLENGE_TTL"`
	// SessionTTL is the verification session lifetime (e.g. "10m").
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// ScorerTimeout bounds each external scorer call (e.g. "3s").
	ScorerTimeout string `mapstructure:"SCORER_TIMEOUT"`
	// RecentPhraseLookback is how far back issued phrases count as recently used (e.g. "24h").
	RecentPhraseLookback string `mapstructure:"RECENT_PHRASE_LOOKBACK"`

	// EnrollmentRequiredSamples is the number of sample slots an enrollment session opens with.
	EnrollmentRequiredSamples int `mapstructure:"ENROLLMENT_REQUIRED_SAMPLES"`
	// EnrollmentMinSamples is the minimum accepted samples needed to build a voiceprint.
	EnrollmentMinSamples int `mapstructure:"ENROLLMENT_MIN_SAMPLES"`
	// EnrollmentSessionTTL is the enrollment session lifetime (e.g. "15m").
	EnrollmentSessionTTL string `mapstructure:"ENROLLMENT_SESSION_TTL"`

	// ChallengeRateLimit caps challenges issued per identity per window; 0 disables limiting.
	ChallengeRateLimit int `mapstructure:"CHALLENGE_RATE_LIMIT"`
	// ChallengeRateWindow is the rate limit window (e.g. "1m").
	ChallengeRateWindow string `mapstructure:"CHALLENGE_RATE_WINDOW"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file, for step-up assertions.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim on step-up assertions.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim on step-up assertions.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// StepUpTTL is the step-up assertion lifetime (e.g. "5m").
	StepUpTTL string `mapstructure:"STEP_UP_TTL"`

	// VerificationPolicy is an optional path to a Rego policy overriding the built-in one.
	VerificationPolicy string `mapstructure:"VERIFICATION_POLICY"`

	// AuditKafkaBrokers is a comma-separated list of Kafka broker addresses; empty disables publishing.
	AuditKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic audit records are published to.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the audit worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is the Loki base URL the audit worker pushes to (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics/logs; empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`

	// JanitorInterval is how often the janitor purges expired rows (e.g. "1m").
	JanitorInterval string `mapstructure:"JANITOR_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SIMILARITY_THRESHOLD", 0.65)
	v.SetDefault("PHRASE_MATCH_THRESHOLD", 0.70)
	v.SetDefault("SPOOF_ENSEMBLE_THRESHOLD", 0.50)
	v.SetDefault("SPOOF_SNR_MIN", 10.0)
	v.SetDefault("SPOOF_SPECTRAL_ARTIFACT_MAX", 0.80)
	v.SetDefault("SPOOF_BACKGROUND_NOISE_MAX", 0.80)
	v.SetDefault("SPOOF_MIN_INDICATOR_VOTES", 2)
	v.SetDefault("REQUIRED_PHRASES", 3)
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("CHALLENGE_DIFFICULTY", "medium")
	v.SetDefault("CHALLENGE_TTL", "2m")
	v.SetDefault("SESSION_TTL", "10m")
	v.SetDefault("SCORER_TIMEOUT", "3s")
	v.SetDefault("RECENT_PHRASE_LOOKBACK", "24h")
	v.SetDefault("ENROLLMENT_REQUIRED_SAMPLES", 3)
	v.SetDefault("ENROLLMENT_MIN_SAMPLES", 3)
	v.SetDefault("ENROLLMENT_SESSION_TTL", "15m")
	v.SetDefault("CHALLENGE_RATE_LIMIT", 30)
	v.SetDefault("CHALLENGE_RATE_WINDOW", "1m")
	v.SetDefault("JWT_ISSUER", "voicegate")
	v.SetDefault("JWT_AUDIENCE", "voicegate-relying-party")
	v.SetDefault("STEP_UP_TTL", "5m")
	v.SetDefault("VERIFICATION_POLICY", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "voicegate-audit")
	v.SetDefault("KAFKA_GROUP_ID", "voicegate-audit-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("JANITOR_INTERVAL", "1m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	for name, val := range map[string]float64{
		"SIMILARITY_THRESHOLD":     cfg.SimilarityThreshold,
		"PHRASE_MATCH_THRESHOLD":   cfg.PhraseMatchThreshold,
		"SPOOF_ENSEMBLE_THRESHOLD": cfg.SpoofEnsembleThreshold,
	} {
		if val <= 0 || val > 1 {
			return nil, fmt.Errorf("config: %s must be in (0, 1], got %v", name, val)
		}
	}
	if !challengedomain.Difficulty(cfg.ChallengeDifficulty).Valid() {
		return nil, fmt.Errorf("config: CHALLENGE_DIFFICULTY must be easy, medium or hard, got %q", cfg.ChallengeDifficulty)
	}
	if cfg.RequiredPhrases < 1 {
		return nil, errors.New("config: REQUIRED_PHRASES must be at least 1")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("config: MAX_RETRIES must not be negative")
	}
	if cfg.EnrollmentMinSamples < 1 || cfg.EnrollmentRequiredSamples < cfg.EnrollmentMinSamples {
		return nil, errors.New("config: ENROLLMENT_REQUIRED_SAMPLES must be at least ENROLLMENT_MIN_SAMPLES (>= 1)")
	}

	return &cfg, nil
}

// Difficulty returns ChallengeDifficulty as a typed value. Load validated it.
func (c *Config) Difficulty() challengedomain.Difficulty {
	return challengedomain.Difficulty(c.ChallengeDifficulty)
}

// ChallengeTTLDuration parses ChallengeTTL. Returns 2m if unset or invalid.
func (c *Config) ChallengeTTLDuration() time.Duration {
	return parseDuration(c.ChallengeTTL, 2*time.Minute)
}

// SessionTTLDuration parses SessionTTL. Returns 10m if unset or invalid.
func (c *Config) SessionTTLDuration() time.Duration {
	return parseDuration(c.SessionTTL, 10*time.Minute)
}

// ScorerTimeoutDuration parses ScorerTimeout. Returns 3s if unset or invalid.
func (c *Config) ScorerTimeoutDuration() time.Duration {
	return parseDuration(c.ScorerTimeout, 3*time.Second)
}

// RecentPhraseLookbackDuration parses RecentPhraseLookback. Returns 24h if unset or invalid.
func (c *Config) RecentPhraseLookbackDuration() time.Duration {
	return parseDuration(c.RecentPhraseLookback, 24*time.Hour)
}

// EnrollmentSessionTTLDuration parses EnrollmentSessionTTL. Returns 15m if unset or invalid.
func (c *Config) EnrollmentSessionTTLDuration() time.Duration {
	return parseDuration(c.EnrollmentSessionTTL, 15*time.Minute)
}

// ChallengeRateWindowDuration parses ChallengeRateWindow. Returns 1m if unset or invalid.
func (c *Config) ChallengeRateWindowDuration() time.Duration {
	return parseDuration(c.ChallengeRateWindow, time.Minute)
}

// StepUpTTLDuration parses StepUpTTL. Returns 5m if unset or invalid.
func (c *Config) StepUpTTLDuration() time.Duration {
	return parseDuration(c.StepUpTTL, 5*time.Minute)
}

// JanitorIntervalDuration parses JanitorInterval. Returns 1m if unset or invalid.
func (c *Config) JanitorIntervalDuration() time.Duration {
	return parseDuration(c.JanitorInterval, time.Minute)
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if audit publishing is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil || c.AuditKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AuditKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
