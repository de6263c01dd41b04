package update

import (
	"github.com/ralt/resolvd/internal/models"
)

// Result is one of Success, UpToDate or Failure
type Result interface {
	updateResult()
}

// Success means the new version is active
type Success struct {
	Key         string
	FromVersion string
	Descriptor  models.PackageDescriptor
}

// UpToDate means no newer version was found
type UpToDate struct {
	Info models.UpdateInfo
}

// Failure means the update did not happen. RolledBack is set when the
// previous version was restored.
type Failure struct {
	Key        string
	Err        error
	RolledBack bool
}

func (Success) updateResult()  {}
func (UpToDate) updateResult() {}
func (Failure) updateResult()  {}
