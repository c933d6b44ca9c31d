// Package engine evaluates verification policy with OPA Rego. Rules decide
// how many phrases a session requires, its retry budget, challenge TTL, and
// phrase difficulty from a caller-supplied risk context.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	challengedomain "voicegate/internal/challenge/domain"
)

const policyPackage = "voicegate.verification"

// Default Rego policy: escalate phrase count and difficulty for risky
// contexts, otherwise pass the configured defaults through. A zero value
// (-1 for max_retries, "" for difficulty) means "no opinion".
const defaultRegoPolicy = `package voicegate.verification

default required_phrases = 0
default max_retries = -1
default challenge_ttl_seconds = 0
default difficulty = ""

required_phrases = input.defaults.required_phrases + 1 if {
	input.risk.risk_level == "high"
}

required_phrases = input.defaults.required_phrases + 1 if {
	input.risk.new_device
	input.risk.risk_level != "high"
}

difficulty = "hard" if {
	input.risk.risk_level == "high"
}

difficulty = "hard" if {
	input.risk.failed_attempts_24h >= 3
}

max_retries = 0 if {
	input.risk.failed_attempts_24h >= 5
}
`

// OPAEvaluator evaluates verification policy using in-process OPA Rego.
// Rules may come from configuration; with none, the built-in default policy
// applies.
type OPAEvaluator struct {
	rules  []string
	logger zerolog.Logger
}

// NewOPAEvaluator returns an evaluator over the given Rego modules. With no
// rules the built-in default policy is used.
func NewOPAEvaluator(rules []string, logger zerolog.Logger) *OPAEvaluator {
	return &OPAEvaluator{rules: rules, logger: logger}
}

// HealthCheck verifies the Rego engine can compile and evaluate the default
// policy. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	compiler, err := ast.CompileModules(map[string]string{"policy_0.rego": defaultRegoPolicy})
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query("data."+policyPackage+".required_phrases"),
		rego.Compiler(compiler),
		rego.Input(map[string]any{
			"defaults": map[string]any{"required_phrases": 3},
			"risk":     map[string]any{"risk_level": "low"},
		}),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// EvaluateVerification evaluates the policy for the risk context. Rule
// outputs meaning "no opinion" keep the configured default, and on any
// evaluation failure the defaults are returned unchanged, so policy trouble
// never weakens verification below configuration.
func (e *OPAEvaluator) EvaluateVerification(ctx context.Context, risk RiskContext, defaults VerificationParams) (VerificationParams, error) {
	rules := e.rules
	if len(rules) == 0 {
		rules = []string{defaultRegoPolicy}
	}
	modules := make(map[string]string, len(rules))
	for i, r := range rules {
		modules[fmt.Sprintf("policy_%d.rego", i)] = r
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		e.logger.Error().Err(err).Msg("policy compile failed; using defaults")
		return defaults, nil
	}

	input := map[string]any{
		"defaults": map[string]any{
			"required_phrases":      defaults.RequiredPhrases,
			"max_retries":           defaults.MaxRetries,
			"challenge_ttl_seconds": defaults.ChallengeTTLSeconds,
			"difficulty":            string(defaults.Difficulty),
		},
		"risk": map[string]any{
			"identity_id":         risk.IdentityID,
			"risk_level":          risk.RiskLevel,
			"new_device":          risk.NewDevice,
			"failed_attempts_24h": risk.FailedAttempts24h,
		},
	}

	out := defaults
	if v, ok := e.queryInt(ctx, compiler, input, "required_phrases"); ok && v > 0 {
		out.RequiredPhrases = v
	}
	if v, ok := e.queryInt(ctx, compiler, input, "max_retries"); ok && v >= 0 {
		out.MaxRetries = v
	}
	if v, ok := e.queryInt(ctx, compiler, input, "challenge_ttl_seconds"); ok && v > 0 {
		out.ChallengeTTLSeconds = v
	}
	if v, ok := e.queryString(ctx, compiler, input, "difficulty"); ok {
		if d := challengedomain.Difficulty(v); d.Valid() {
			out.Difficulty = d
		}
	}
	return out, nil
}

func (e *OPAEvaluator) queryInt(ctx context.Context, compiler *ast.Compiler, input map[string]any, name string) (int, bool) {
	v, ok := e.query(ctx, compiler, input, name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	case float64:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

func (e *OPAEvaluator) queryString(ctx context.Context, compiler *ast.Compiler, input map[string]any, name string) (string, bool) {
	v, ok := e.query(ctx, compiler, input, name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func (e *OPAEvaluator) query(ctx context.Context, compiler *ast.Compiler, input map[string]any, name string) (any, bool) {
	q := rego.New(
		rego.Query("data."+policyPackage+"."+name),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("query", name).Msg("policy query failed")
		return nil, false
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, false
	}
	return rs[0].Expressions[0].Value, true
}
