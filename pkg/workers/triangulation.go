package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/confidence"
	"github.com/poigraph/corepipeline/pkg/config"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
)

// defaultAgentTypes is used when cfg.AgentWeights names fewer than two agent
// types —
// spec §4.7 requires "≥2 SubagentAnalysis tasks (distinct agent types)".
var defaultAgentTypes = []string{"syntax-agent", "semantic-agent", "context-agent"}

// subagentVerdict is the JSON shape each subagent's LLM call is prompted
// to return.
type subagentVerdict struct {
	Confidence float64 `json:"confidence"`
}

// TriangulationCoordinator implements spec §4.7's TriangulationCoordinator:
// fan out to ≥2 independent subagents, reach consensus, and make the
// session transition the only write.
type TriangulationCoordinator struct {
	store     *store.Store
	llm       collab.LLMClient
	consensus *confidence.Consensus
	cfg       config.TriangulationConfig
}

// NewTriangulationCoordinator builds a TriangulationCoordinator.
func NewTriangulationCoordinator(st *store.Store, llm collab.LLMClient, consensus *confidence.Consensus, cfg config.TriangulationConfig) *TriangulationCoordinator {
	return &TriangulationCoordinator{store: st, llm: llm, consensus: consensus, cfg: cfg}
}

// Handle implements Handler.
func (c *TriangulationCoordinator) Handle(ctx context.Context, job *model.Job) error {
	var in model.TriangulationInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return corerr.DomainErr("TriangulationCoordinator.Handle", fmt.Errorf("decode payload: %w", err))
	}

	db := c.store.DB()
	rel, err := store.GetRelationship(ctx, db, in.RelationshipID)
	if err != nil {
		return err
	}
	escalationCount, err := store.CountTriangulationSessionsForRelationship(ctx, db, in.RelationshipID)
	if err != nil {
		return err
	}

	var sessionID int64
	if err := c.store.Tx(ctx, func(tx *sqlx.Tx) error {
		sessionID, err = store.CreateTriangulationSession(ctx, tx, in.RunID, rel.ID)
		return err
	}); err != nil {
		return err
	}

	agentTypes := defaultAgentTypes
	if len(c.cfg.AgentWeights) >= 2 {
		agentTypes = make([]string, 0, len(c.cfg.AgentWeights))
		for name := range c.cfg.AgentWeights {
			agentTypes = append(agentTypes, name)
		}
	}

	analyses, runErr := c.runSubagents(ctx, rel, agentTypes)
	if runErr != nil {
		failErr := c.store.Tx(ctx, func(tx *sqlx.Tx) error {
			return store.FailTriangulationSession(ctx, tx, sessionID, runErr.Error())
		})
		if failErr != nil {
			return failErr
		}
		return corerr.TransientErr("TriangulationCoordinator.Handle", runErr)
	}

	decision := c.consensus.Decide(analyses, escalationCount)

	return c.store.Tx(ctx, func(tx *sqlx.Tx) error {
		for i := range analyses {
			if _, err := store.InsertSubagentAnalysis(ctx, tx, &model.SubagentAnalysis{
				SessionID:        sessionID,
				AgentType:        analyses[i].AgentType,
				Status:           analyses[i].Status,
				ConfidenceScore:  analyses[i].ConfidenceScore,
				ProcessingTimeMS: analyses[i].ProcessingTimeMS,
			}); err != nil {
				return err
			}
		}

		finalConfidence := decision.WeightedConsensus
		cd := &model.ConsensusDecision{
			FinalDecision:     decision.Decision,
			WeightedConsensus: decision.WeightedConsensus,
			ConflictDetected:  decision.ConflictDetected,
		}
		if err := store.CompleteTriangulationSession(ctx, tx, sessionID, cd, finalConfidence); err != nil {
			return err
		}

		relStatus := model.RelationshipFailed
		if decision.Decision == model.DecisionAccept {
			relStatus = model.RelationshipValidated
		}
		reason := fmt.Sprintf("triangulation %s: consensus %.2f", decision.Decision, decision.WeightedConsensus)
		if err := store.UpdateRelationshipOutcome(ctx, tx, rel.ID, relStatus, finalConfidence, reason); err != nil {
			return err
		}
		if relStatus != model.RelationshipValidated {
			return nil
		}
		payload, err := json.Marshal(model.GraphIngestPayload{RunID: in.RunID, RelationshipID: rel.ID})
		if err != nil {
			return corerr.DomainErr("TriangulationCoordinator.Handle", err)
		}
		_, err = store.InsertOutboxEvent(ctx, tx, in.RunID, model.EventGraphIngest, payload)
		return err
	})
}

// runSubagents fans out one LLM call per agent type, each bounded by
// cfg.SubagentTimeout, and waits for all of them.
func (c *TriangulationCoordinator) runSubagents(ctx context.Context, rel *model.Relationship, agentTypes []string) ([]model.SubagentAnalysis, error) {
	results := make([]model.SubagentAnalysis, len(agentTypes))
	errs := make([]error, len(agentTypes))

	var wg sync.WaitGroup
	for i, agentType := range agentTypes {
		wg.Add(1)
		go func(i int, agentType string) {
			defer wg.Done()
			results[i], errs[i] = c.runOneSubagent(ctx, rel, agentType)
		}(i, agentType)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (c *TriangulationCoordinator) runOneSubagent(ctx context.Context, rel *model.Relationship, agentType string) (model.SubagentAnalysis, error) {
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubagentTimeout)
	defer cancel()

	start := time.Now()
	prompt := fmt.Sprintf(
		"As a %s, assess relationship %q between POI %d and POI %d. Respond as JSON {\"confidence\": <0..1>}.",
		agentType, rel.Type, rel.SourcePoiID, rel.TargetPoiID,
	)
	resp, err := c.llm.Call(subCtx, prompt)
	elapsed := time.Since(start)
	if err != nil {
		return model.SubagentAnalysis{}, corerr.TransientErr("TriangulationCoordinator.runOneSubagent", err)
	}

	var verdict subagentVerdict
	if err := json.Unmarshal([]byte(resp.Body), &verdict); err != nil {
		return model.SubagentAnalysis{}, corerr.DomainErr("TriangulationCoordinator.runOneSubagent", err)
	}

	return model.SubagentAnalysis{
		AgentType:        agentType,
		Status:           "completed",
		ConfidenceScore:  verdict.Confidence,
		ProcessingTimeMS: elapsed.Milliseconds(),
	}, nil
}

