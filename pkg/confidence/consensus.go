package confidence

import (
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/model"
)

// ConsensusResult is the outcome of running consensus arithmetic over one
// TriangulatedAnalysisSession's SubagentAnalysis rows.
type ConsensusResult struct {
	WeightedConsensus float64
	ConflictDetected  bool
	Decision          model.ConsensusFinalDecision
}

// Consensus computes weighted-consensus arithmetic (spec §4.10 steps 7-9)
// over a session's subagent analyses.
type Consensus struct {
	cfg config.TriangulationConfig
}

// NewConsensus builds a Consensus. cfg.AgentWeights maps AgentType to its
// weight; an agent type absent from the map defaults to weight 1.
func NewConsensus(cfg config.TriangulationConfig) *Consensus {
	return &Consensus{cfg: cfg}
}

// Decide computes weightedConsensus = Σwᵢcᵢ/Σwᵢ, detects conflict as
// max-min > conflictThreshold, and reaches ACCEPT/REJECT/ESCALATE.
// escalationCount is the number of triangulation sessions already recorded
// for the relationship before this one (TriangulationCoordinator counts
// them before creating the new session); once it reaches
// cfg.MaxEscalations, ESCALATE is forced to
// REJECT (spec §4.10 step 9: "bounded to one re-escalation").
func (c *Consensus) Decide(analyses []model.SubagentAnalysis, escalationCount int) ConsensusResult {
	if len(analyses) == 0 {
		return ConsensusResult{Decision: model.DecisionReject}
	}

	var sumW, sumWC float64
	min, max := analyses[0].ConfidenceScore, analyses[0].ConfidenceScore
	for _, a := range analyses {
		w := c.weightFor(a.AgentType)
		sumW += w
		sumWC += w * a.ConfidenceScore
		if a.ConfidenceScore < min {
			min = a.ConfidenceScore
		}
		if a.ConfidenceScore > max {
			max = a.ConfidenceScore
		}
	}

	weightedConsensus := 0.0
	if sumW > 0 {
		weightedConsensus = sumWC / sumW
	}
	conflict := (max - min) > c.cfg.ConflictThreshold

	var decision model.ConsensusFinalDecision
	switch {
	case weightedConsensus >= c.cfg.AcceptThreshold && !conflict:
		decision = model.DecisionAccept
	case weightedConsensus <= c.cfg.RejectThreshold:
		decision = model.DecisionReject
	default:
		decision = model.DecisionEscalate
	}

	if decision == model.DecisionEscalate && escalationCount >= c.cfg.MaxEscalations {
		decision = model.DecisionReject
	}

	return ConsensusResult{
		WeightedConsensus: weightedConsensus,
		ConflictDetected:  conflict,
		Decision:          decision,
	}
}

func (c *Consensus) weightFor(agentType string) float64 {
	if w, ok := c.cfg.AgentWeights[agentType]; ok {
		return w
	}
	return 1
}
