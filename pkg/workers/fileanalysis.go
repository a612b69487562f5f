package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/collab"
	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
)

// maxFileBytes bounds how much of a file FileAnalysisWorker sends to the
// LLM; larger files are truncated at the boundary and the prompt is
// annotated so the model knows the tail is missing (spec §4.7: "oversize
// files are truncated at the boundary and annotated").
const maxFileBytes = 256 * 1024

// extractedPOI is the shape FileAnalysisWorker expects back from the LLM:
// one entry per point of interest found in the file.
type extractedPOI struct {
	Name                 string   `json:"name"`
	Category             string   `json:"category"`
	StartLine            int      `json:"startLine"`
	EndLine              int      `json:"endLine"`
	IsExported           bool     `json:"isExported"`
	SemanticID           string   `json:"semanticId"`
	AnalysisQualityScore *float64 `json:"analysisQualityScore"`
	References           []string `json:"references"`
}

// FileAnalysisWorker implements spec §4.7's FileAnalysisWorker: read,
// extract via LLM, persist POIs and their poi-created event atomically.
type FileAnalysisWorker struct {
	store *store.Store
	llm   collab.LLMClient
}

// NewFileAnalysisWorker builds a FileAnalysisWorker.
func NewFileAnalysisWorker(st *store.Store, llm collab.LLMClient) *FileAnalysisWorker {
	return &FileAnalysisWorker{store: st, llm: llm}
}

// Handle implements Handler.
func (w *FileAnalysisWorker) Handle(ctx context.Context, job *model.Job) error {
	var in model.FileAnalysisInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return corerr.DomainErr("FileAnalysisWorker.Handle", fmt.Errorf("decode payload: %w", err))
	}

	content, truncated, err := readBounded(in.FilePath, maxFileBytes)
	if err != nil {
		return corerr.TransientErr("FileAnalysisWorker.Handle", fmt.Errorf("read %s: %w", in.FilePath, err))
	}
	hash := sha256.Sum256(content)
	hashHex := hex.EncodeToString(hash[:])

	prompt := buildAnalysisPrompt(in.FilePath, content, truncated)
	resp, err := w.llm.Call(ctx, prompt)
	if err != nil {
		return corerr.TransientErr("FileAnalysisWorker.Handle", fmt.Errorf("llm call: %w", err))
	}

	var extracted []extractedPOI
	if err := json.Unmarshal([]byte(resp.Body), &extracted); err != nil {
		return corerr.DomainErr("FileAnalysisWorker.Handle", fmt.Errorf("parse llm response: %w", err))
	}

	return w.store.Tx(ctx, func(tx *sqlx.Tx) error {
		fileID, err := store.UpsertFile(ctx, tx, in.RunID, in.FilePath, hashHex)
		if err != nil {
			return err
		}

		pois := make([]model.POI, len(extracted))
		for i, e := range extracted {
			p := model.POI{
				RunID:                in.RunID,
				FileID:               fileID,
				FilePath:             in.FilePath,
				Name:                 e.Name,
				Category:             e.Category,
				StartLine:            e.StartLine,
				EndLine:              e.EndLine,
				IsExported:           e.IsExported,
				SemanticID:           e.SemanticID,
				AnalysisQualityScore: e.AnalysisQualityScore,
			}
			if err := p.SetReferences(e.References); err != nil {
				return corerr.DomainErr("FileAnalysisWorker.Handle", err)
			}
			pois[i] = p
		}

		ids, err := store.UpsertPOIs(ctx, tx, pois)
		if err != nil {
			return err
		}

		if err := store.SetFileStatus(ctx, tx, fileID, model.FileStatusProcessed); err != nil {
			return err
		}

		payload, err := json.Marshal(model.POICreatedPayload{RunID: in.RunID, FileID: fileID, POIIDs: ids})
		if err != nil {
			return corerr.DomainErr("FileAnalysisWorker.Handle", err)
		}
		_, err = store.InsertOutboxEvent(ctx, tx, in.RunID, model.EventPOICreated, payload)
		return err
	})
}

// readBounded reads at most limit bytes of path, reporting whether the
// file was longer than that.
func readBounded(path string, limit int64) (content []byte, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	buf := make([]byte, limit+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, false, err
	}
	if int64(n) > limit {
		return buf[:limit], true, nil
	}
	return buf[:n], false, nil
}

func buildAnalysisPrompt(path string, content []byte, truncated bool) string {
	note := ""
	if truncated {
		note = fmt.Sprintf("\n\n[truncated at %d bytes; remainder omitted]", maxFileBytes)
	}
	return fmt.Sprintf(
		"Extract points of interest (functions, classes, variables, imports, exports) from %s as a JSON array of {name, category, startLine, endLine, isExported, semanticId, analysisQualityScore, references}.\n\n%s%s",
		path, string(content), note,
	)
}
