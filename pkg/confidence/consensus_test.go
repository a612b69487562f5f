package confidence_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/model"
)

func testTriangulationConfig() config.TriangulationConfig {
	return config.TriangulationConfig{
		AcceptThreshold:   0.8,
		RejectThreshold:   0.3,
		ConflictThreshold: 0.4,
		MaxEscalations:    1,
		AgentWeights:      map[string]float64{"primary": 2, "secondary": 1},
	}
}

func TestConsensusAcceptsOnHighAgreement(t *testing.T) {
	c := confidence.NewConsensus(testTriangulationConfig())
	analyses := []model.SubagentAnalysis{
		{AgentType: "primary", ConfidenceScore: 0.9},
		{AgentType: "secondary", ConfidenceScore: 0.85},
	}

	result := c.Decide(analyses, 0)

	assert.Equal(t, model.DecisionAccept, result.Decision)
	assert.False(t, result.ConflictDetected)
	assert.InDelta(t, (2*0.9+1*0.85)/3, result.WeightedConsensus, 1e-9)
}

func TestConsensusRejectsOnLowAgreement(t *testing.T) {
	c := confidence.NewConsensus(testTriangulationConfig())
	analyses := []model.SubagentAnalysis{
		{AgentType: "primary", ConfidenceScore: 0.1},
		{AgentType: "secondary", ConfidenceScore: 0.2},
	}

	result := c.Decide(analyses, 0)
	assert.Equal(t, model.DecisionReject, result.Decision)
}

func TestConsensusDetectsConflictAndEscalates(t *testing.T) {
	c := confidence.NewConsensus(testTriangulationConfig())
	analyses := []model.SubagentAnalysis{
		{AgentType: "primary", ConfidenceScore: 0.95},
		{AgentType: "secondary", ConfidenceScore: 0.4},
	}

	result := c.Decide(analyses, 0)

	assert.True(t, result.ConflictDetected)
	assert.Equal(t, model.DecisionEscalate, result.Decision)
}

func TestConsensusForcesRejectAfterMaxEscalations(t *testing.T) {
	c := confidence.NewConsensus(testTriangulationConfig())
	analyses := []model.SubagentAnalysis{
		{AgentType: "primary", ConfidenceScore: 0.95},
		{AgentType: "secondary", ConfidenceScore: 0.4},
	}

	result := c.Decide(analyses, 1) // already at MaxEscalations

	assert.Equal(t, model.DecisionReject, result.Decision, "a session that has already escalated MaxEscalations times must not escalate again")
}

func TestConsensusUnweightedAgentTypeDefaultsToWeightOne(t *testing.T) {
	c := confidence.NewConsensus(testTriangulationConfig())
	analyses := []model.SubagentAnalysis{
		{AgentType: "unknown-agent", ConfidenceScore: 0.5},
	}

	result := c.Decide(analyses, 0)
	assert.InDelta(t, 0.5, result.WeightedConsensus, 1e-9)
}
