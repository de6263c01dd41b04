package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ralt/resolvd/internal/fetch"
	"github.com/ralt/resolvd/internal/models"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SidecarName is the version file looked up next to a package
const SidecarName = "version.json"

const sidecarSchema = `{
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "url": {"type": "string"},
    "download_url": {"type": "string"},
    "size": {"type": "integer", "minimum": 0},
    "notes": {"type": "string"},
    "release_notes": {"type": "string"}
  }
}`

var compiledSidecarSchema = mustCompileSchema("inmemory://version.json", sidecarSchema)

func mustCompileSchema(id, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(id, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(id)
}

// Sidecar reads an explicit version file from the package's directory
type Sidecar struct {
	Client Doer
}

func (s *Sidecar) Name() string { return "sidecar" }

type sidecarFile struct {
	Version      string `json:"version"`
	URL          string `json:"url"`
	DownloadURL  string `json:"download_url"`
	Size         int64  `json:"size"`
	Notes        string `json:"notes"`
	ReleaseNotes string `json:"release_notes"`
}

// SidecarURL returns where the version file of a package lives
func SidecarURL(pkgURL string) (string, error) {
	u, err := url.Parse(pkgURL)
	if err != nil {
		return "", err
	}
	return u.ResolveReference(&url.URL{Path: SidecarName}).String(), nil
}

func (s *Sidecar) Discover(ctx context.Context, cfg models.PackageConfig) (*Remote, error) {
	sidecar, err := SidecarURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(ctx, fetch.Request{URL: sidecar, Accept: "application/json"})
	if err != nil {
		return nil, err
	}

	var raw interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", SidecarName, err)
	}
	if err := compiledSidecarSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", SidecarName, err)
	}

	var f sidecarFile
	if err := json.Unmarshal(resp.Body, &f); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", SidecarName, err)
	}

	remote := &Remote{Version: f.Version, URL: cfg.URL, Size: f.Size, Notes: f.Notes}
	if remote.Notes == "" {
		remote.Notes = f.ReleaseNotes
	}
	link := f.DownloadURL
	if link == "" {
		link = f.URL
	}
	if link != "" {
		base, _ := url.Parse(sidecar)
		ref, err := url.Parse(link)
		if err != nil {
			return nil, fmt.Errorf("invalid download url in %s: %w", SidecarName, err)
		}
		remote.URL = base.ResolveReference(ref).String()
	}
	return remote, nil
}
