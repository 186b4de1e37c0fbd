package attach

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"

	"github.com/clinic/importer/internal/importer/linker"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/blobstore"
)

// RelinkResult counts what a relink did for one entity type.
type RelinkResult struct {
	Entity    *store.EntityType
	Blobs     int
	Linked    int
	Unchanged int
	// Orphans are blobs whose record id matches no stored record.
	Orphans []string
}

// Relinker points records at blobs already in the store. It recovers from
// imports whose uploads succeeded but whose row writes did not, and from
// database restores that predate the uploads.
type Relinker struct {
	Store        store.Store
	Blobs        blobstore.Store
	ImportSource string
}

type linkedBlob struct {
	key         string
	contentType string
	thumbnail   string
}

// Relink patches the blob columns of et's records from the blobs listed
// under the type's import prefix. With dryRun nothing is written.
func (r *Relinker) Relink(ctx context.Context, et *store.EntityType, dryRun bool) (*RelinkResult, error) {
	log := zerolog.Ctx(ctx).With().Str("entity", et.Name).Logger()
	prefix := blobstore.SourcePrefix(r.ImportSource, et.Name) + "/"
	objs, err := r.Blobs.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}

	byRecord := map[string]*linkedBlob{}
	for _, obj := range objs {
		parts, ok := blobstore.ParseKey(obj.Key)
		if !ok {
			log.Warn().Str("key", obj.Key).Msg("unrecognised blob key")
			continue
		}
		lb := byRecord[parts.RecordID]
		if lb == nil {
			lb = &linkedBlob{}
			byRecord[parts.RecordID] = lb
		}
		if parts.Thumbnail {
			lb.thumbnail = obj.Key
		} else {
			lb.key = obj.Key
			lb.contentType = obj.ContentType
		}
	}

	st := r.Store
	if dryRun {
		st = store.NewOverlay(st)
	}
	up := linker.NewUpserter(st, linker.NewResolver(st))
	result := &RelinkResult{Entity: et, Blobs: len(objs)}

	ids := make([]string, 0, len(byRecord))
	for id := range byRecord {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		lb := byRecord[id]
		if lb.key == "" {
			result.Orphans = append(result.Orphans, lb.thumbnail)
			continue
		}
		fields := map[string]any{"blob_key": lb.key}
		if lb.contentType != "" {
			fields["content_type"] = lb.contentType
		}
		if _, ok := et.Column("thumbnail_key"); ok && lb.thumbnail != "" {
			fields["thumbnail_key"] = lb.thumbnail
		}
		res, err := up.Patch(ctx, et, id, fields)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result.Orphans = append(result.Orphans, lb.key)
			log.Warn().Str("key", lb.key).Msg("orphan blob")
			continue
		case err != nil:
			return result, errors.Wrapf(err, "relink %s", id)
		}
		if res.Action == linker.Unchanged {
			result.Unchanged++
		} else {
			result.Linked++
		}
	}
	log.Info().
		Int("blobs", result.Blobs).
		Int("linked", result.Linked).
		Int("unchanged", result.Unchanged).
		Int("orphans", len(result.Orphans)).
		Bool("dry_run", dryRun).
		Msg("relink finished")
	return result, nil
}
