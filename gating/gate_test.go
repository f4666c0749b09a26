package gating

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

func TestGate_Decide(t *testing.T) {
	g := New(config.GateConfig{})
	tests := []struct {
		name      string
		retrieval float64
		backend   float64
		flags     []schema.GuardrailFlag
		outcome   schema.Outcome
		combined  float64
		reason    string
	}{
		{"both confident", 0.9, 0.9, nil, schema.OutcomeAccept, 0.9, ReasonAccepted},
		{"weak retrieval", 0.3, 0.99, nil, schema.OutcomeFallback, 0.3, ReasonLowConfidence},
		{"weak backend", 0.95, 0.5, nil, schema.OutcomeFallback, 0.5, ReasonLowConfidence},
		{"exactly at threshold", 0.65, 0.65, nil, schema.OutcomeAccept, 0.65, ReasonAccepted},
		{"just below threshold", 0.65, 0.6499999, nil, schema.OutcomeFallback, 0.6499999, ReasonLowConfidence},
		{"no evidence", 0, 0.95, nil, schema.OutcomeFallback, 0, ReasonLowConfidence},
		{"guardrail wins", 0.99, 0.99, []schema.GuardrailFlag{schema.FlagUnsafe}, schema.OutcomeFallback, 0.99, "guardrail:unsafe_content"},
		{"out of range clamped", 1.7, 0.8, nil, schema.OutcomeAccept, 0.8, ReasonAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Decide(tt.retrieval, tt.backend, tt.flags)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.InDelta(t, tt.combined, d.Combined, 1e-9)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, 0.65, d.Threshold)
		})
	}
}

func TestGate_BypassRetrievalUsesBackendOnly(t *testing.T) {
	g := New(config.GateConfig{Threshold: 0.7})
	d := g.Evaluate(Input{BackendConfidence: 0.8, BypassRetrieval: true, Route: schema.RouteTranslation})
	assert.True(t, d.Accepted())
	assert.Equal(t, 0.8, d.Combined)
}

func TestGate_ConfidentWithoutEvidenceFallsBack(t *testing.T) {
	g := New(config.GateConfig{})
	d := g.Evaluate(Input{RetrievalConfidence: 0.9, BackendConfidence: 0.9, EvidenceCount: 0})
	assert.False(t, d.Accepted())
	assert.Equal(t, ReasonNoEvidence, d.Reason)
}

func TestGate_Below(t *testing.T) {
	g := New(config.GateConfig{})
	assert.True(t, g.Below(0.3))
	assert.False(t, g.Below(0.65))
}

func TestMessages(t *testing.T) {
	g := New(config.GateConfig{
		DefaultLanguage:  "de",
		FallbackMessages: map[string]string{"en-GB": "Sorry, escalated."},
	})
	assert.Equal(t, "Sorry, escalated.", g.FallbackMessage("en"))
	assert.Equal(t, builtinMessages["fr"], g.FallbackMessage("fr-CA"))
	assert.Equal(t, builtinMessages["de"], g.FallbackMessage("pt"))
	assert.Equal(t, "de", g.FallbackLanguage("not a tag!"))
	assert.Equal(t, "zh", g.FallbackLanguage("zh-Hans-CN"))
}
