package registry

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

// Store is the slice of the metadata store reconciliation needs.
type Store interface {
	All() map[string]types.ArtifactRecord
	Upsert(types.ArtifactRecord)
}

// Reconciler synthesizes metadata records for artifacts found on disk that
// the store does not yet track. Runs once at startup; running it again on
// the same state is a no-op.
type Reconciler struct {
	dir string
	log zerolog.Logger
	now func() time.Time
}

// NewReconciler builds a Reconciler over the given models directory.
func NewReconciler(dir string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		dir: dir,
		log: log.With().Str("component", "reconcile").Logger(),
		now: time.Now,
	}
}

// Run scans the models directory and upserts a synthesized record for every
// file missing from the store. Family is inferred from the filename;
// DownloadDate is the reconciliation time (approximate provenance);
// SizeBytes is left nil when the size query fails.
func (r *Reconciler) Run(store Store) error {
	names, err := ScanDir(r.dir)
	if err != nil {
		return err
	}
	known := store.All()
	dir, err := fsutil.ExpandHome(r.dir)
	if err != nil {
		return err
	}
	synthesized := 0
	for _, name := range names {
		if _, ok := known[name]; ok {
			continue
		}
		rec := types.ArtifactRecord{
			Filename:     name,
			Family:       InferFamily(name),
			DownloadDate: r.now(),
		}
		if size, err := fsutil.FileSize(filepath.Join(dir, name)); err != nil {
			r.log.Warn().Err(err).Str("file", name).Msg("size query failed, leaving unset")
		} else {
			rec.SizeBytes = &size
		}
		store.Upsert(rec)
		synthesized++
		r.log.Info().Str("file", name).Str("family", string(rec.Family)).Msg("synthesized record for untracked artifact")
	}
	if synthesized > 0 {
		r.log.Info().Int("count", synthesized).Msg("reconciliation complete")
	}
	return nil
}
