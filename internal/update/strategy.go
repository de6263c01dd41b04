package update

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/models"
)

// Remote is what a strategy learned about the latest published version
type Remote struct {
	Version string
	URL     string
	Size    int64
	Notes   string
}

// Strategy discovers the latest version of a package
type Strategy interface {
	Name() string
	Discover(ctx context.Context, cfg models.PackageConfig) (*Remote, error)
}

// Doer issues HTTP GETs
type Doer interface {
	Do(ctx context.Context, r fetch.Request) (*fetch.Response, error)
}

// DefaultAPIBase is the hosted-release API root
const DefaultAPIBase = "https://api.github.com"

var (
	releaseAssetRe = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/releases/download/[^/]+/[^/]+$`)
	rawContentRe   = regexp.MustCompile(`^https?://raw\.githubusercontent\.com/([^/]+)/([^/]+)/[^/]+/.+$`)
	pagesRe        = regexp.MustCompile(`^https?://([^./]+)\.github\.io/([^/]+)/.+$`)
	jsdelivrRe     = regexp.MustCompile(`^https?://(?:cdn|fastly|gcore|testingcf)\.jsdelivr\.net/gh/([^/]+)/([^/@]+)(?:@[^/]+)?/.+$`)
)

// unwrapProxy strips mirror prefixes such as https://mirror.example/https://github.com/...
func unwrapProxy(raw string) string {
	for _, scheme := range []string{"/https://", "/http://"} {
		if i := strings.LastIndex(raw, scheme); i > 0 {
			return raw[i+1:]
		}
	}
	return raw
}

// ParseRepo extracts the owner and repository a package URL is published
// from, for the four hosted-release URL shapes
func ParseRepo(raw string) (owner, repo string, ok bool) {
	u := unwrapProxy(strings.TrimSpace(raw))
	for _, re := range []*regexp.Regexp{releaseAssetRe, rawContentRe, pagesRe, jsdelivrRe} {
		if m := re.FindStringSubmatch(u); m != nil {
			return m[1], strings.TrimSuffix(m[2], ".git"), true
		}
	}
	return "", "", false
}

// ReleaseAPI queries the latest release of the repository behind the URL
type ReleaseAPI struct {
	Client Doer
	Base   string
}

func (s *ReleaseAPI) Name() string { return "release-api" }

type release struct {
	TagName string `json:"tag_name"`
	Body    string `json:"body"`
	Assets  []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
		Size int64  `json:"size"`
	} `json:"assets"`
}

func (s *ReleaseAPI) Discover(ctx context.Context, cfg models.PackageConfig) (*Remote, error) {
	owner, repo, ok := ParseRepo(cfg.URL)
	if !ok {
		return nil, fmt.Errorf("url does not match a hosted-release pattern")
	}
	base := strings.TrimRight(s.Base, "/")
	if base == "" {
		base = DefaultAPIBase
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases/latest", base, owner, repo)
	resp, err := s.Client.Do(ctx, fetch.Request{URL: endpoint, Accept: "application/vnd.github+json"})
	if err != nil {
		return nil, err
	}

	var rel release
	if err := json.Unmarshal(resp.Body, &rel); err != nil {
		return nil, fmt.Errorf("invalid release response: %w", err)
	}
	if rel.TagName == "" {
		return nil, fmt.Errorf("release has no tag")
	}

	remote := &Remote{Version: rel.TagName, URL: cfg.URL, Notes: rel.Body}
	want := path.Base(unwrapProxy(cfg.URL))
	matched := false
	for _, a := range rel.Assets {
		if a.Name == want {
			remote.URL, remote.Size = a.URL, a.Size
			matched = true
			break
		}
	}
	if !matched && len(rel.Assets) == 1 {
		remote.URL, remote.Size = rel.Assets[0].URL, rel.Assets[0].Size
	}
	return remote, nil
}
