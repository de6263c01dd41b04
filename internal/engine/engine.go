// Package engine serves content requests through a set of resolution
// engines, falling back from one engine to the next until one succeeds.
package engine

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/ralt/resolvd/internal/models"
)

// Engine executes content requests for a source
type Engine interface {
	Type() models.EngineType
	Execute(ctx context.Context, src models.Source, req models.Request) (string, error)
}

// closer is implemented by engines holding per-source state
type closer interface {
	Close()
}

var scriptExtensions = []string{".lua", ".js"}

var altScriptExtensions = []string{".py"}

// Candidates returns the engines to try for src, preferred engine first.
// Ordering depends only on the source descriptor.
func Candidates(src models.Source) []models.EngineType {
	ext := apiExtension(src.API)
	switch {
	case hasExtension(ext, scriptExtensions):
		return []models.EngineType{models.EngineScript, models.EngineMarkup, models.EnginePackage}
	case src.Type == models.SourceTypeCustom:
		return []models.EngineType{models.EngineMarkup, models.EngineScript, models.EnginePackage}
	case hasExtension(ext, altScriptExtensions) || strings.HasPrefix(src.API, "py_"):
		return []models.EngineType{models.EngineAltScript, models.EngineScript, models.EngineMarkup}
	case src.Type == models.SourceTypeJSON:
		return []models.EngineType{models.EnginePackage, models.EngineMarkup, models.EngineScript}
	default:
		return []models.EngineType{models.EnginePackage, models.EngineMarkup, models.EngineScript, models.EngineAltScript}
	}
}

func apiExtension(api string) string {
	if i := strings.IndexAny(api, "?#"); i >= 0 {
		api = api[:i]
	}
	return strings.ToLower(path.Ext(api))
}

func hasExtension(ext string, exts []string) bool {
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Stats are the rolling counters kept for one engine
type Stats struct {
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastUsed      time.Time     `json:"last_used"`
}

// SuccessRate is the fraction of successful attempts, 0 before any attempt
func (s Stats) SuccessRate() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Successes) / float64(total)
}

// AverageDuration is the mean attempt latency
func (s Stats) AverageDuration() time.Duration {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

func (s Stats) with(success bool, d time.Duration, at time.Time) Stats {
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.TotalDuration += d
	s.LastUsed = at
	return s
}
