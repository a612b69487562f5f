// Package confidence implements the ConfidenceScorer and consensus
// arithmetic (spec §4.10): per-relationship factor scoring, escalation
// decisions, and multi-agent consensus over TriangulationCoordinator
// subagent results.
package confidence

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/model"
)

// Level is the coarse confidence bucket a Score maps to for reporting.
type Level string

const (
	LevelHigh    Level = "HIGH"
	LevelMedium  Level = "MEDIUM"
	LevelLow     Level = "LOW"
	LevelVeryLow Level = "VERY_LOW"
)

// Factors holds the four deterministic [0,1] feature scores spec §4.10
// step 1 requires.
type Factors struct {
	Syntax   float64
	Semantic float64
	Context  float64
	CrossRef float64
}

// Score is the full result of scoring one relationship against its
// evidence set.
type Score struct {
	Factors   Factors
	Weighted  float64
	Penalty   float64
	Uncertainty float64
	Final     float64
	Level     Level
	Escalate  bool
}

// Scorer computes ConfidenceScorer results using configured weights and
// thresholds.
type Scorer struct {
	cfg config.ConfidenceConfig
}

// NewScorer builds a Scorer. cfg.Weights is assumed already validated to
// sum to 1 (config.Validator enforces this at load time, spec §7 Fatal).
func NewScorer(cfg config.ConfidenceConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the full ConfidenceScorer pipeline (spec §4.10 steps 1-6)
// for one relationship given its accumulated evidence.
func (s *Scorer) Score(rel *model.Relationship, evidence []model.RelationshipEvidence) Score {
	f := extractFactors(rel, evidence)

	if hasNonFinite(f) {
		return Score{Factors: f, Final: 0, Level: LevelVeryLow, Escalate: true}
	}

	w := s.cfg.Weights
	weighted := w.Syntax*f.Syntax + w.Semantic*f.Semantic + w.Context*f.Context + w.CrossRef*f.CrossRef

	penalty := antiPatternPenalty(rel)
	uncertainty := 1 - 1/math.Pow(1+float64(len(evidence)), s.cfg.Alpha)

	final := clamp(weighted*penalty*uncertainty, 0, 1)
	level := levelFor(final)
	escalate := final < s.cfg.EscalationThreshold

	return Score{
		Factors:     f,
		Weighted:    weighted,
		Penalty:     penalty,
		Uncertainty: uncertainty,
		Final:       final,
		Level:       level,
		Escalate:    escalate,
	}
}

func hasNonFinite(f Factors) bool {
	for _, v := range []float64{f.Syntax, f.Semantic, f.Context, f.CrossRef} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func levelFor(final float64) Level {
	switch {
	case final >= 0.85:
		return LevelHigh
	case final >= 0.65:
		return LevelMedium
	case final >= 0.45:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extractFactors is the implementer-defined feature extraction spec §4.10
// step 1 leaves open ("the contract is determinism and boundedness"):
// syntax is the mean per-evidence agent confidence, semantic rewards
// agreement between the relationship's declared type and the dominant
// evidence type, context rewards evidence volume saturating quickly, and
// crossRef rewards evidence explicitly derived from another relationship
// (a cross-reference into the graph, as opposed to a direct textual
// match).
func extractFactors(rel *model.Relationship, evidence []model.RelationshipEvidence) Factors {
	if len(evidence) == 0 {
		return Factors{Syntax: 0.3, Semantic: 0.3, Context: 0, CrossRef: 0}
	}

	var sumAgentConfidence float64
	var crossRefCount int
	typeMatches := 0
	for _, e := range evidence {
		sumAgentConfidence += e.AgentConfidence
		if e.SourceRelationshipID != 0 {
			crossRefCount++
		}
		if strings.Contains(strings.ToLower(rel.EvidenceType), strings.ToLower(ruleFamily(e))) {
			typeMatches++
		}
	}
	n := float64(len(evidence))

	syntax := clamp(sumAgentConfidence/n, 0, 1)
	semantic := clamp(float64(typeMatches)/n, 0, 1)
	context := clamp(n/5, 0, 1) // saturates at 5 pieces of evidence
	crossRef := clamp(float64(crossRefCount)/n, 0, 1)

	return Factors{Syntax: syntax, Semantic: semantic, Context: context, CrossRef: crossRef}
}

// ruleFamily extracts the extractor-assigned rule tag from e.Payload's
// opaque JSON, if any, so semantic can discriminate between evidence types
// instead of degenerating to a constant. Payload carries no guaranteed
// schema, so a missing or unparsable tag falls back to "" — determinism and
// boundedness (spec §4.10 step 1) hold either way.
func ruleFamily(e model.RelationshipEvidence) string {
	var tagged struct {
		Rule    string `json:"rule"`
		RuleTag string `json:"rule_tag"`
	}
	if err := json.Unmarshal(e.Payload, &tagged); err != nil {
		return ""
	}
	if tagged.Rule != "" {
		return tagged.Rule
	}
	return tagged.RuleTag
}

// antiPatternPenalty applies spec §4.10 step 3's penalty ∈ (0,1] for known
// anti-patterns; relationships with an empty reason carry no penalty
// information and default to 1 (no penalty).
func antiPatternPenalty(rel *model.Relationship) float64 {
	if strings.Contains(strings.ToLower(rel.Reason), "circular") {
		return 0.7
	}
	return 1
}
