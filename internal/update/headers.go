package update

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/models"
)

// DateStampLayout formats Last-Modified into a synthetic version
const DateStampLayout = "2006.01.02.1504"

// Headers derives a version from the package's Last-Modified header using
// a small ranged request
type Headers struct {
	Client Doer
}

const headersName = "headers"

func (s *Headers) Name() string { return headersName }

func (s *Headers) Discover(ctx context.Context, cfg models.PackageConfig) (*Remote, error) {
	resp, err := s.Client.Do(ctx, fetch.Request{URL: cfg.URL, RangeEnd: 1023})
	if err != nil {
		return nil, err
	}

	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return nil, fmt.Errorf("no Last-Modified header")
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return nil, fmt.Errorf("invalid Last-Modified %q: %w", lm, err)
	}

	remote := &Remote{Version: t.UTC().Format(DateStampLayout), URL: cfg.URL}
	remote.Size = totalSize(resp)
	return remote, nil
}

// totalSize reads the full length from Content-Range, falling back to
// Content-Length for servers that ignore Range
func totalSize(resp *fetch.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.StatusCode == http.StatusOK {
		if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			return n
		}
		return int64(len(resp.Body))
	}
	return 0
}
