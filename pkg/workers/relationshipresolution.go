package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
)

// evidenceTypeFor maps a POI category to the evidence_type tag spec §4.11
// names for the matching rule.
func evidenceTypeFor(category string) string {
	switch category {
	case "function":
		return "function-call-pattern"
	case "import", "export":
		return "import-export-match"
	case "class":
		return "class-reference-pattern"
	default:
		return "variable-reference-pattern"
	}
}

// relationshipTypeFor maps a POI category to the relationship edge type it
// produces when referenced.
func relationshipTypeFor(category string) string {
	switch category {
	case "function":
		return "calls"
	case "import", "export":
		return "imports"
	default:
		return "references"
	}
}

// RelationshipResolutionWorker implements spec §4.7's
// RelationshipResolutionWorker: build the §4.11 lookup maps for a POI's
// file and directory scope, then synthesize PENDING relationships for every
// reference it resolves.
type RelationshipResolutionWorker struct {
	store *store.Store
}

// NewRelationshipResolutionWorker builds a RelationshipResolutionWorker.
func NewRelationshipResolutionWorker(st *store.Store) *RelationshipResolutionWorker {
	return &RelationshipResolutionWorker{store: st}
}

// scopedPOI pairs a POI with its lookup priority: 0 (in-file) beats 1
// (directory), the collision order spec §4.11 requires.
type scopedPOI struct {
	poi  model.POI
	rank int
}

// Handle implements Handler.
func (w *RelationshipResolutionWorker) Handle(ctx context.Context, job *model.Job) error {
	var in model.RelationshipResolutionInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return corerr.DomainErr("RelationshipResolutionWorker.Handle", fmt.Errorf("decode payload: %w", err))
	}

	db := w.store.DB()
	poi, err := store.GetPOI(ctx, db, in.POIID)
	if err != nil {
		return err
	}
	refs, err := poi.References()
	if err != nil {
		return corerr.DomainErr("RelationshipResolutionWorker.Handle", err)
	}
	if len(refs) == 0 {
		return nil
	}

	dirPath := filepath.Dir(poi.FilePath)
	dirFileIDs, err := store.ListFileIDsInDirectory(ctx, db, in.RunID, dirPath)
	if err != nil {
		return err
	}

	scoped := make([]scopedPOI, 0, len(dirFileIDs)+1)
	inFile, err := store.ListPOIsForScope(ctx, db, in.RunID, []int64{poi.FileID})
	if err != nil {
		return err
	}
	for _, p := range inFile {
		scoped = append(scoped, scopedPOI{poi: p, rank: 0})
	}
	if len(dirFileIDs) > 0 {
		dirPeers, err := store.ListPOIsForScope(ctx, db, in.RunID, dirFileIDs)
		if err != nil {
			return err
		}
		for _, p := range dirPeers {
			if p.FileID == poi.FileID {
				continue
			}
			scoped = append(scoped, scopedPOI{poi: p, rank: 1})
		}
	}

	// Deterministic collision order: in-file (rank 0) before directory
	// (rank 1); within equal rank, earliest id wins (spec §4.11).
	sort.SliceStable(scoped, func(i, j int) bool {
		if scoped[i].rank != scoped[j].rank {
			return scoped[i].rank < scoped[j].rank
		}
		return scoped[i].poi.ID < scoped[j].poi.ID
	})

	byName := make(map[string]model.POI, len(scoped))
	for _, sp := range scoped {
		if sp.poi.ID == poi.ID {
			continue
		}
		if _, ok := byName[sp.poi.Name]; !ok {
			byName[sp.poi.Name] = sp.poi
		}
	}

	for _, ref := range refs {
		target, ok := byName[ref]
		if !ok {
			continue
		}
		if err := w.persistCandidate(ctx, in.RunID, poi, &target); err != nil {
			return err
		}
	}
	return nil
}

func (w *RelationshipResolutionWorker) persistCandidate(ctx context.Context, runID string, source *model.POI, target *model.POI) error {
	relType := relationshipTypeFor(target.Category)

	exists, err := store.RelationshipExists(ctx, w.store.DB(), runID, source.ID, target.ID, relType)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	evidenceType := evidenceTypeFor(target.Category)
	hash := sha256.Sum256(fmt.Appendf(nil, "%d:%d:%s", source.ID, target.ID, relType))

	return w.store.Tx(ctx, func(tx *sqlx.Tx) error {
		relID, err := store.InsertRelationship(ctx, tx, &model.Relationship{
			RunID:        runID,
			SourcePoiID:  source.ID,
			TargetPoiID:  target.ID,
			Type:         relType,
			Confidence:   0,
			Reason:       fmt.Sprintf("%s matched %s", source.Name, target.Name),
			EvidenceType: evidenceType,
			EvidenceHash: hex.EncodeToString(hash[:]),
		})
		if err != nil {
			return err
		}

		payload, err := json.Marshal(model.RelationshipFoundPayload{RunID: runID, RelationshipID: relID})
		if err != nil {
			return corerr.DomainErr("RelationshipResolutionWorker.persistCandidate", err)
		}
		_, err = store.InsertOutboxEvent(ctx, tx, runID, model.EventRelationshipFound, payload)
		return err
	})
}
