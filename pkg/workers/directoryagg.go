package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/poigraph/corepipeline/pkg/corerr"
	"github.com/poigraph/corepipeline/pkg/model"
	"github.com/poigraph/corepipeline/pkg/store"
)

// DirectoryAggWorker implements the DirectoryAgg worker named in spec §3's
// component table: it records which files the run's discovery step placed
// in each directory, populating directory_file_mappings so
// RelationshipResolutionWorker's §4.11 directory-scope lookup maps have
// something to query.
type DirectoryAggWorker struct {
	store *store.Store
}

// NewDirectoryAggWorker builds a DirectoryAggWorker.
func NewDirectoryAggWorker(st *store.Store) *DirectoryAggWorker {
	return &DirectoryAggWorker{store: st}
}

// Handle implements Handler. Idempotent: only file ids missing from the
// directory's existing mapping are inserted, so redelivery after a crash
// mid-transaction never duplicates rows.
func (w *DirectoryAggWorker) Handle(ctx context.Context, job *model.Job) error {
	var in model.DirectoryResolutionInput
	if err := json.Unmarshal(job.Payload, &in); err != nil {
		return corerr.DomainErr("DirectoryAggWorker.Handle", fmt.Errorf("decode payload: %w", err))
	}

	existing, err := store.ListFileIDsInDirectory(ctx, w.store.DB(), in.RunID, in.DirectoryPath)
	if err != nil {
		return err
	}
	have := make(map[int64]bool, len(existing))
	for _, id := range existing {
		have[id] = true
	}

	missing := make([]int64, 0, len(in.FileIDs))
	for _, id := range in.FileIDs {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	return w.store.Tx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range missing {
			if err := store.InsertDirectoryFileMapping(ctx, tx, in.RunID, in.DirectoryPath, id); err != nil {
				return err
			}
		}
		return nil
	})
}
