package models

import "fmt"

// Source types as declared by content-source configuration.
const (
	SourceTypeXML    = 0
	SourceTypeJSON   = 1
	SourceTypeCustom = 3
)

// Source describes one configured content origin.
type Source struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Type int    `json:"type"`
	// API is either a script URL, a resolver class name, or a content API endpoint.
	API string `json:"api"`
	// Ext is free-form extra configuration handed to the resolver.
	Ext string `json:"ext,omitempty"`
	// Jar is the URL of the package providing the resolver class.
	Jar string `json:"jar,omitempty"`
}

// EngineType identifies a resolution engine.
type EngineType int

const (
	EngineScript EngineType = iota
	EngineMarkup
	EnginePackage
	EngineAltScript
)

func (e EngineType) String() string {
	switch e {
	case EngineScript:
		return "script"
	case EngineMarkup:
		return "markup"
	case EnginePackage:
		return "package"
	case EngineAltScript:
		return "alt-script"
	default:
		return "unknown"
	}
}

// MarshalText renders the engine by name in JSON output.
func (e EngineType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses an engine name.
func (e *EngineType) UnmarshalText(text []byte) error {
	for t := EngineScript; t <= EngineAltScript; t++ {
		if t.String() == string(text) {
			*e = t
			return nil
		}
	}
	return fmt.Errorf("unknown engine %q", text)
}
