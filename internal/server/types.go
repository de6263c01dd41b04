package server

import (
	"time"

	"github.com/ralt/resolvd/internal/models"
)

// ExecuteRequest is the body of POST /v1/execute
type ExecuteRequest struct {
	Source    models.Source  `json:"source"`
	Operation string         `json:"op"`
	Params    models.Request `json:"params"`
}

// PackageView is the state of one configured package
type PackageView struct {
	Config     models.PackageConfig      `json:"config"`
	Status     models.PackageStatus      `json:"status"`
	Descriptor *models.PackageDescriptor `json:"descriptor,omitempty"`
	Security   *models.SecurityInfo      `json:"security,omitempty"`
	Metrics    models.PerformanceMetrics `json:"metrics"`
	Update     *models.UpdateInfo        `json:"update,omitempty"`
}

// EngineView reports the counters of one registered engine
type EngineView struct {
	Engine          models.EngineType `json:"engine"`
	Successes       int64             `json:"successes"`
	Failures        int64             `json:"failures"`
	SuccessRate     float64           `json:"success_rate"`
	AverageDuration time.Duration     `json:"average_duration"`
	LastUsed        *time.Time        `json:"last_used,omitempty"`
}

// UpdateResponse is the outcome of POST /v1/packages/{key}/update
type UpdateResponse struct {
	Key         string `json:"key"`
	Outcome     string `json:"outcome"`
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version,omitempty"`
	RolledBack  bool   `json:"rolled_back,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UpdatesResponse is the outcome of GET /v1/updates
type UpdatesResponse struct {
	Updates []models.UpdateInfo `json:"updates"`
	Errors  map[string]string   `json:"errors,omitempty"`
}

// ErrorResponse carries a failure message
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}
