package pipeline

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"

	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/blobstore"
)

// ResetCount is what a reset removes, or would remove, for one type. For an
// unlinked count the rows survive and only Column is set to NULL.
type ResetCount struct {
	Entity   *store.EntityType
	Rows     int
	Blobs    int
	Unlinked bool
	Column   string
}

// blobTypes are the entity types whose imports write to the blob store.
var blobTypes = map[*store.EntityType]bool{store.Images: true, store.Documents: true}

// Reset deletes every imported row of et together with its cascading
// dependents, and the blobs imported for any of them. Rows that refer to a
// deleted type without cascading are kept and counted as unlinked. With
// dryRun it only counts. Rows are removed before blobs so an interrupted reset leaves
// orphan blobs, which relink reports, rather than rows pointing nowhere.
func Reset(ctx context.Context, st store.Store, blobs blobstore.Store, importSource string, et *store.EntityType, dryRun bool) ([]ResetCount, error) {
	log := zerolog.Ctx(ctx)
	affected := append([]*store.EntityType{et}, store.Cascades(et)...)
	gone := make(map[*store.EntityType]bool, len(affected))
	for _, t := range affected {
		gone[t] = true
	}

	counts := make([]ResetCount, 0, len(affected))
	for _, t := range affected {
		n, err := st.Count(ctx, t)
		if err != nil {
			return nil, errors.Wrapf(err, "count %s", t.Table)
		}
		c := ResetCount{Entity: t, Rows: n}
		if blobs != nil && blobTypes[t] {
			objs, err := blobs.List(ctx, blobstore.SourcePrefix(importSource, t.Name)+"/")
			if err != nil {
				return nil, errors.Wrapf(err, "list %s blobs", t.Name)
			}
			c.Blobs = len(objs)
		}
		counts = append(counts, c)
	}
	for _, t := range store.Unlinked(et) {
		for _, ref := range t.References {
			if ref.Cascade || !gone[ref.Target] {
				continue
			}
			total, err := st.Count(ctx, t)
			if err != nil {
				return nil, errors.Wrapf(err, "count %s", t.Table)
			}
			missing, err := st.CountMissing(ctx, t, ref.Column)
			if err != nil {
				return nil, errors.Wrapf(err, "count %s.%s", t.Table, ref.Column)
			}
			counts = append(counts, ResetCount{Entity: t, Rows: total - missing, Unlinked: true, Column: ref.Column})
		}
	}
	if dryRun {
		return counts, nil
	}

	removed, err := st.Purge(ctx, et)
	if err != nil {
		return nil, errors.Wrapf(err, "purge %s", et.Table)
	}
	log.Info().Str("entity", et.Name).Int("rows", removed).Msg("purged")

	if blobs == nil {
		return counts, nil
	}
	for _, t := range affected {
		if !blobTypes[t] {
			continue
		}
		objs, err := blobs.List(ctx, blobstore.SourcePrefix(importSource, t.Name)+"/")
		if err != nil {
			return nil, errors.Wrapf(err, "list %s blobs", t.Name)
		}
		for _, obj := range objs {
			if err := blobs.Delete(ctx, obj.Key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
				return nil, errors.Wrapf(err, "delete blob %s", obj.Key)
			}
		}
		log.Info().Str("entity", t.Name).Int("blobs", len(objs)).Msg("blobs deleted")
	}
	return counts, nil
}
