// Package events carries package lifecycle notifications to observers.
package events

import (
	"time"

	"github.com/ralt/resolvd/internal/models"
)

// Kind names an event variant
type Kind string

const (
	KindLoadStarted      Kind = "load_started"
	KindLoadSuccess      Kind = "load_success"
	KindLoadFailure      Kind = "load_failure"
	KindUnloaded         Kind = "unloaded"
	KindUpdateAvailable  Kind = "update_available"
	KindUpdateStarted    Kind = "update_started"
	KindUpdateCompleted  Kind = "update_completed"
	KindUpdateRolledBack Kind = "update_rolled_back"
	KindUpdateFailed     Kind = "update_failed"
	KindResolverCreated  Kind = "resolver_created"
	KindResolverFailed   Kind = "resolver_failed"
	KindSecurityWarning  Kind = "security_warning"
)

// Event is implemented only by the types in this package
type Event interface {
	Kind() Kind
	PackageKey() string
	sealed()
}

type LoadStarted struct {
	Key   string `json:"key"`
	Force bool   `json:"force"`
}

type LoadSuccess struct {
	Key        string                   `json:"key"`
	Descriptor models.PackageDescriptor `json:"descriptor"`
	Duration   time.Duration            `json:"duration"`
	FromCache  bool                     `json:"from_cache"`
}

type LoadFailure struct {
	Key     string `json:"key"`
	Reason  string `json:"reason"`
	ErrType string `json:"error_type,omitempty"`
}

type Unloaded struct {
	Key string `json:"key"`
}

type UpdateAvailable struct {
	Key  string            `json:"key"`
	Info models.UpdateInfo `json:"info"`
}

type UpdateStarted struct {
	Key         string `json:"key"`
	FromVersion string `json:"from_version"`
	URL         string `json:"url"`
}

type UpdateCompleted struct {
	Key         string `json:"key"`
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
}

// UpdateRolledBack reports that the previous version was restored after a
// failed update
type UpdateRolledBack struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	Reason  string `json:"reason"`
}

type UpdateFailed struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

type ResolverCreated struct {
	Key      string        `json:"key"`
	Class    string        `json:"class"`
	Duration time.Duration `json:"duration"`
}

type ResolverFailed struct {
	Key    string `json:"key"`
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

// SecurityWarning is emitted when a package loads despite scan findings
type SecurityWarning struct {
	Key      string              `json:"key"`
	Security models.SecurityInfo `json:"security"`
}

func (LoadStarted) Kind() Kind      { return KindLoadStarted }
func (LoadSuccess) Kind() Kind      { return KindLoadSuccess }
func (LoadFailure) Kind() Kind      { return KindLoadFailure }
func (Unloaded) Kind() Kind         { return KindUnloaded }
func (UpdateAvailable) Kind() Kind  { return KindUpdateAvailable }
func (UpdateStarted) Kind() Kind    { return KindUpdateStarted }
func (UpdateCompleted) Kind() Kind  { return KindUpdateCompleted }
func (UpdateRolledBack) Kind() Kind { return KindUpdateRolledBack }
func (UpdateFailed) Kind() Kind     { return KindUpdateFailed }
func (ResolverCreated) Kind() Kind  { return KindResolverCreated }
func (ResolverFailed) Kind() Kind   { return KindResolverFailed }
func (SecurityWarning) Kind() Kind  { return KindSecurityWarning }

func (e LoadStarted) PackageKey() string      { return e.Key }
func (e LoadSuccess) PackageKey() string      { return e.Key }
func (e LoadFailure) PackageKey() string      { return e.Key }
func (e Unloaded) PackageKey() string         { return e.Key }
func (e UpdateAvailable) PackageKey() string  { return e.Key }
func (e UpdateStarted) PackageKey() string    { return e.Key }
func (e UpdateCompleted) PackageKey() string  { return e.Key }
func (e UpdateRolledBack) PackageKey() string { return e.Key }
func (e UpdateFailed) PackageKey() string     { return e.Key }
func (e ResolverCreated) PackageKey() string  { return e.Key }
func (e ResolverFailed) PackageKey() string   { return e.Key }
func (e SecurityWarning) PackageKey() string  { return e.Key }

func (LoadStarted) sealed()      {}
func (LoadSuccess) sealed()      {}
func (LoadFailure) sealed()      {}
func (Unloaded) sealed()         {}
func (UpdateAvailable) sealed()  {}
func (UpdateStarted) sealed()    {}
func (UpdateCompleted) sealed()  {}
func (UpdateRolledBack) sealed() {}
func (UpdateFailed) sealed()     {}
func (ResolverCreated) sealed()  {}
func (ResolverFailed) sealed()   {}
func (SecurityWarning) sealed()  {}

// Envelope stamps an event with identity and time for delivery
type Envelope struct {
	ID    string    `json:"id"`
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Event Event     `json:"event"`
}

// Describe renders an event as a single log line
func Describe(e Event) string {
	switch ev := e.(type) {
	case LoadStarted:
		return "load started for " + ev.Key
	case LoadSuccess:
		return "loaded " + ev.Key + " version " + ev.Descriptor.Version
	case LoadFailure:
		return "load of " + ev.Key + " failed: " + ev.Reason
	case Unloaded:
		return "unloaded " + ev.Key
	case UpdateAvailable:
		return "update available for " + ev.Key + ": " + ev.Info.CurrentVersion + " -> " + ev.Info.LatestVersion
	case UpdateStarted:
		return "updating " + ev.Key + " from " + ev.FromVersion
	case UpdateCompleted:
		return "updated " + ev.Key + " to " + ev.ToVersion
	case UpdateRolledBack:
		return "rolled back " + ev.Key + " to " + ev.Version + ": " + ev.Reason
	case UpdateFailed:
		return "update of " + ev.Key + " failed: " + ev.Reason
	case ResolverCreated:
		return "created resolver " + ev.Class + " from " + ev.Key
	case ResolverFailed:
		return "resolver " + ev.Class + " from " + ev.Key + " failed: " + ev.Reason
	case SecurityWarning:
		return "security warning for " + ev.Key + ": " + ev.Security.Result.String()
	default:
		return string(e.Kind())
	}
}
