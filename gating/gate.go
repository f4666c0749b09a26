package gating

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// DefaultThreshold is the minimum combined confidence for an Accept.
const DefaultThreshold = 0.65

// Decision reasons.
const (
	ReasonAccepted      = "accepted"
	ReasonLowConfidence = "low_confidence"
	ReasonGuardrail     = "guardrail"
	ReasonNoEvidence    = "no_evidence"
)

// Input carries everything a gate decision depends on.
type Input struct {
	RetrievalConfidence float64
	BackendConfidence   float64
	Flags               []schema.GuardrailFlag
	// BypassRetrieval marks routes answered without evidence; the combined
	// confidence is then the backend confidence alone.
	BypassRetrieval bool
	EvidenceCount   int
	RequestID       string
	Route           schema.Route
}

// Decision is the deterministic gate verdict together with its inputs.
type Decision struct {
	Outcome   schema.Outcome
	Combined  float64
	Threshold float64
	Reason    string
	Input     Input
}

// Accepted reports whether the generated answer may be returned.
func (d Decision) Accepted() bool { return d.Outcome == schema.OutcomeAccept }

// Gate combines retrieval and backend confidence conjunctively.
type Gate struct {
	threshold float64
	messages  *Messages
}

// New builds a Gate from cfg.
func New(cfg config.GateConfig) *Gate {
	th := cfg.Threshold
	if th <= 0 {
		th = DefaultThreshold
	}
	return &Gate{
		threshold: th,
		messages:  NewMessages(cfg.DefaultLanguage, cfg.FallbackMessages),
	}
}

// Threshold returns the configured threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Below reports whether a single confidence already rules out an Accept.
func (g *Gate) Below(confidence float64) bool { return sanitize(confidence) < g.threshold }

// Decide is the plain form of Evaluate for retrieval-backed answers.
func (g *Gate) Decide(retrieval, backend float64, flags []schema.GuardrailFlag) Decision {
	return g.Evaluate(Input{RetrievalConfidence: retrieval, BackendConfidence: backend, Flags: flags, EvidenceCount: -1})
}

// Evaluate returns Fallback when any guardrail flag is set or the minimum of
// the two confidences is below the threshold. A combined confidence equal to
// the threshold is accepted. A negative EvidenceCount skips the evidence check.
func (g *Gate) Evaluate(in Input) Decision {
	combined := sanitize(in.BackendConfidence)
	if !in.BypassRetrieval {
		combined = math.Min(sanitize(in.RetrievalConfidence), combined)
	}
	d := Decision{Outcome: schema.OutcomeAccept, Combined: combined, Threshold: g.threshold, Reason: ReasonAccepted, Input: in}
	switch {
	case len(in.Flags) > 0:
		d.Outcome = schema.OutcomeFallback
		d.Reason = ReasonGuardrail + ":" + joinFlags(in.Flags)
	case combined < g.threshold:
		d.Outcome = schema.OutcomeFallback
		d.Reason = ReasonLowConfidence
	case !in.BypassRetrieval && in.EvidenceCount == 0:
		d.Outcome = schema.OutcomeFallback
		d.Reason = ReasonNoEvidence
	}

	metrics.IncGate(string(d.Outcome), reasonLabel(d.Reason))
	logger.L().Info("confidence gate decision",
		zap.String("request_id", in.RequestID),
		zap.String("route", string(in.Route)),
		zap.Float64("retrieval_confidence", in.RetrievalConfidence),
		zap.Float64("backend_confidence", in.BackendConfidence),
		zap.Bool("bypass_retrieval", in.BypassRetrieval),
		zap.Int("evidence", in.EvidenceCount),
		zap.Strings("flags", flagStrings(in.Flags)),
		zap.Float64("combined", combined),
		zap.Float64("threshold", g.threshold),
		zap.String("outcome", string(d.Outcome)),
		zap.String("reason", d.Reason),
	)
	return d
}

// FallbackMessage returns the apology-and-escalation text for lang.
func (g *Gate) FallbackMessage(lang string) string { return g.messages.For(lang) }

// FallbackLanguage returns the language FallbackMessage(lang) is written in.
func (g *Gate) FallbackLanguage(lang string) string { return g.messages.Resolve(lang) }

func sanitize(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func reasonLabel(reason string) string {
	if strings.HasPrefix(reason, ReasonGuardrail) {
		return ReasonGuardrail
	}
	return reason
}

func flagStrings(flags []schema.GuardrailFlag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func joinFlags(flags []schema.GuardrailFlag) string {
	return strings.Join(flagStrings(flags), ",")
}
