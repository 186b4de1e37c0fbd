package blobstore

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
)

// ThumbnailSize is the longest edge of generated thumbnails, in pixels.
const ThumbnailSize = 256

// Thumbnail decodes a GIF, JPEG or PNG image and returns a JPEG scaled so
// its longest edge is at most maxEdge. Smaller images are re-encoded as is.
func Thumbnail(r io.Reader, maxEdge int) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decode image: empty bounds")
	}

	tw, th := w, h
	if w > maxEdge || h > maxEdge {
		if w >= h {
			tw, th = maxEdge, max(1, h*maxEdge/w)
		} else {
			tw, th = max(1, w*maxEdge/h), maxEdge
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
