package blobstore

import (
	"net/url"
	"path"
	"strings"
)

// ThumbnailSuffix is appended to a blob's base name to form its thumbnail
// key. Thumbnails are always JPEG.
const ThumbnailSuffix = "_thumb"

// SourcePrefix is the first key segment of everything imported for one
// entity type, e.g. "filemaker_images".
func SourcePrefix(importSource, entity string) string {
	return importSource + "_" + strings.ReplaceAll(entity, "-", "_")
}

// Key builds "<source>/<category>/<record-id>.<ext>". The category and
// record id are path-escaped so the key keeps three segments and ParseKey
// recovers the record id exactly.
func Key(source, category, recordID, ext string) string {
	if category == "" {
		category = "other"
	}
	key := source + "/" + url.PathEscape(strings.TrimSpace(category)) + "/" + url.PathEscape(strings.TrimSpace(recordID))
	if ext != "" {
		key += "." + strings.TrimPrefix(strings.ToLower(ext), ".")
	}
	return key
}

// ThumbnailKey derives the thumbnail key by suffixing the base name before
// the extension: "a/b/42.png" becomes "a/b/42_thumb.jpg".
func ThumbnailKey(key string) string {
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + ThumbnailSuffix + ".jpg"
}

// KeyParts is a parsed blob key.
type KeyParts struct {
	Source    string
	Category  string
	RecordID  string
	Ext       string
	Thumbnail bool
}

// ParseKey splits a key built by Key or ThumbnailKey. It reports false for
// keys with a different shape.
func ParseKey(key string) (KeyParts, bool) {
	segs := strings.Split(key, "/")
	if len(segs) != 3 || segs[0] == "" || segs[1] == "" || segs[2] == "" {
		return KeyParts{}, false
	}
	name := segs[2]
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	p := KeyParts{
		Source:   segs[0],
		Category: segs[1],
		Ext:      strings.TrimPrefix(ext, "."),
	}
	if strings.HasSuffix(base, ThumbnailSuffix) && p.Ext == "jpg" {
		p.Thumbnail = true
		base = strings.TrimSuffix(base, ThumbnailSuffix)
	}
	if base == "" {
		return KeyParts{}, false
	}
	var err error
	if p.Category, err = url.PathUnescape(p.Category); err != nil {
		return KeyParts{}, false
	}
	if p.RecordID, err = url.PathUnescape(base); err != nil {
		return KeyParts{}, false
	}
	return p, true
}
