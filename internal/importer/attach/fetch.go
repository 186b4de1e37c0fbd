package attach

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
)

// ErrUnsafePath is returned for local attachment paths that leave the
// export directory.
var ErrUnsafePath = errors.New("attachment path escapes export directory")

// Fetcher opens the file behind an attachment source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (io.ReadCloser, error)
}

// SourceFetcher reads http(s) sources over the network and everything else
// from Dir, the directory FileMaker exported container fields to.
type SourceFetcher struct {
	Client *http.Client
	Dir    string
}

func (f *SourceFetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return f.fetchURL(ctx, source)
	}
	return f.open(source)
}

func (f *SourceFetcher) fetchURL(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *SourceFetcher) open(source string) (io.ReadCloser, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(source, "file:"))
	if f.Dir == "" {
		return nil, errors.Errorf("no attachment directory configured for %q", source)
	}
	if filepath.IsAbs(rel) {
		rel = filepath.Base(rel)
	}
	if !filepath.IsLocal(rel) {
		return nil, errors.Wrap(ErrUnsafePath, source)
	}
	file, err := os.Open(filepath.Join(f.Dir, rel))
	if err != nil {
		return nil, errors.Wrapf(err, "open attachment %s", source)
	}
	return file, nil
}
