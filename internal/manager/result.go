package manager

import (
	"time"

	"github.com/ralt/resolvd/internal/models"
)

// LoadResult is either LoadSuccess or LoadFailure
type LoadResult interface {
	loadResult()
}

// LoadSuccess carries the descriptor of the package now active
type LoadSuccess struct {
	Descriptor models.PackageDescriptor
	Security   models.SecurityInfo
	FromCache  bool
	Duration   time.Duration
}

// LoadFailure explains why a load did not happen
type LoadFailure struct {
	Message string
	Cause   error
}

func (LoadSuccess) loadResult() {}
func (LoadFailure) loadResult() {}

// Err returns the failure as an error, or nil for a success
func Err(r LoadResult) error {
	switch v := r.(type) {
	case LoadSuccess:
		return nil
	case LoadFailure:
		if v.Cause != nil {
			return v.Cause
		}
		return models.NewError(models.ErrLoadFailed, "", "%s", v.Message)
	default:
		return models.NewError(models.ErrLoadFailed, "", "unexpected load result %T", r)
	}
}

func failure(cause error) LoadFailure {
	return LoadFailure{Message: cause.Error(), Cause: cause}
}
