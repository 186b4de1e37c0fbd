// Package attach imports the files behind image and document records into
// the blob store, and relinks stored blobs to their records.
package attach

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
	"github.com/rs/zerolog"

	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/pipeline"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/blobstore"
)

// Importer is the pipeline hook for the images and documents phases. It
// stores the record's file under a deterministic key and fills the blob
// columns. For images it also creates the image batch the record belongs
// to. Nothing is uploaded in a dry run, but the columns are filled the
// same way so the preview classifies records as a live run would.
type Importer struct {
	Blobs        blobstore.Store
	Fetch        Fetcher
	ImportSource string
}

var _ pipeline.Hook = (*Importer)(nil)

// extContentTypes guesses content types for previews, where the file is
// never read.
var extContentTypes = map[string]string{
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"heic": "image/heic",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"txt":  "text/plain",
}

// thumbnailable reports whether Thumbnail can decode contentType.
func thumbnailable(contentType string) bool {
	switch contentType {
	case "image/jpeg", "image/png", "image/gif":
		return true
	}
	return false
}

// Key returns the blob key for a record of et.
func (im *Importer) Key(et *store.EntityType, rec *normalize.Record) string {
	a := rec.Attachment
	return blobstore.Key(blobstore.SourcePrefix(im.ImportSource, et.Name), a.Category, rec.ExternalID, a.Ext)
}

func (im *Importer) Prepare(ctx context.Context, env *pipeline.Env, et *store.EntityType, rec *normalize.Record) error {
	if et == store.Images {
		if err := im.ensureBatch(ctx, env, rec); err != nil {
			return errors.Wrap(err, "image batch")
		}
	}
	if rec.Attachment == nil {
		return nil
	}

	log := zerolog.Ctx(ctx).With().Str("external_id", rec.ExternalID).Logger()
	key := im.Key(et, rec)
	rec.Fields["blob_key"] = key

	if !env.Force {
		obj, err := im.Blobs.Stat(ctx, key)
		switch {
		case err == nil:
			log.Debug().Str("key", key).Msg("blob already stored")
			rec.Fields["content_type"] = obj.ContentType
			if et == store.Images {
				return im.linkThumbnail(ctx, rec, key)
			}
			return nil
		case !errors.Is(err, blobstore.ErrBlobNotFound):
			return errors.Wrapf(err, "stat %s", key)
		}
	}

	if env.DryRun {
		ct := extContentTypes[strings.ToLower(rec.Attachment.Ext)]
		if ct == "" {
			ct = "application/octet-stream"
		}
		rec.Fields["content_type"] = ct
		if et == store.Images {
			rec.Fields["thumbnail_key"] = nil
			if thumbnailable(ct) {
				rec.Fields["thumbnail_key"] = blobstore.ThumbnailKey(key)
			}
		}
		log.Debug().Str("key", key).Str("source", rec.Attachment.Source).Msg("would upload")
		return nil
	}

	data, err := im.read(ctx, rec.Attachment.Source)
	if err != nil {
		return err
	}
	mt := mimetype.Detect(data)
	ct := strings.TrimSpace(strings.SplitN(mt.String(), ";", 2)[0])
	if !blobstore.KnownContentTypes[ct] {
		log.Warn().Str("content_type", ct).Str("source", rec.Attachment.Source).Msg("unusual attachment type")
	}
	if _, err := im.Blobs.Put(ctx, key, ct, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "store %s", key)
	}
	rec.Fields["content_type"] = ct
	log.Info().Str("key", key).Int("bytes", len(data)).Msg("blob stored")

	if et != store.Images {
		return nil
	}
	rec.Fields["thumbnail_key"] = nil
	if !thumbnailable(ct) {
		return nil
	}
	thumb, err := blobstore.Thumbnail(bytes.NewReader(data), blobstore.ThumbnailSize)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("thumbnail not generated")
		return nil
	}
	thumbKey := blobstore.ThumbnailKey(key)
	if _, err := im.Blobs.Put(ctx, thumbKey, "image/jpeg", bytes.NewReader(thumb)); err != nil {
		return errors.Wrapf(err, "store %s", thumbKey)
	}
	rec.Fields["thumbnail_key"] = thumbKey
	return nil
}

func (im *Importer) read(ctx context.Context, source string) ([]byte, error) {
	rc, err := im.Fetch.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, blobstore.MaxFileSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", source)
	}
	if len(data) > blobstore.MaxFileSize {
		return nil, errors.Wrap(blobstore.ErrFileTooLarge, path.Base(source))
	}
	if len(data) == 0 {
		return nil, errors.Errorf("attachment %s is empty", source)
	}
	return data, nil
}

func (im *Importer) linkThumbnail(ctx context.Context, rec *normalize.Record, key string) error {
	thumbKey := blobstore.ThumbnailKey(key)
	ok, err := blobstore.Exists(ctx, im.Blobs, thumbKey)
	if err != nil {
		return errors.Wrapf(err, "stat %s", thumbKey)
	}
	if ok {
		rec.Fields["thumbnail_key"] = thumbKey
	} else {
		rec.Fields["thumbnail_key"] = nil
	}
	return nil
}

// ensureBatch upserts the image batch the record's batch reference points
// at, so the reference resolves when the image is written. Images whose
// patient does not resolve get no batch.
func (im *Importer) ensureBatch(ctx context.Context, env *pipeline.Env, rec *normalize.Record) error {
	batchRef, ok := rec.Ref("batch_id")
	if !ok || batchRef.Empty() {
		return nil
	}
	patientRef, _ := rec.Ref("patient_id")
	id, _, err := env.Upserter.Resolver().Resolve(ctx, patientRef)
	if err != nil || id == nil {
		return err
	}
	batch := &normalize.Record{
		ExternalID: batchRef.ExternalID,
		Fields:     map[string]any{"patient_id": *id, "taken_on": rec.Fields["taken_on"]},
	}
	res, err := env.Upserter.Upsert(ctx, store.ImageBatches, batch)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("batch", batch.ExternalID).Str("action", res.Action.String()).Msg("image batch")
	return nil
}
