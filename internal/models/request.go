package models

import "fmt"

// Operation is a content query a resolver can answer.
type Operation int

const (
	OpHome Operation = iota
	OpCategory
	OpDetail
	OpPlayback
	OpSearch
	OpAction
)

func (o Operation) String() string {
	switch o {
	case OpHome:
		return "home"
	case OpCategory:
		return "category"
	case OpDetail:
		return "detail"
	case OpPlayback:
		return "playback"
	case OpSearch:
		return "search"
	case OpAction:
		return "action"
	default:
		return "unknown"
	}
}

// ParseOperation maps an operation name to an Operation.
func ParseOperation(name string) (Operation, error) {
	for op := OpHome; op <= OpAction; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// Request carries the parameters of one content query. Only the fields
// relevant to Op are read.
type Request struct {
	Op         Operation         `json:"-"`
	Filter     bool              `json:"filter,omitempty"`
	CategoryID string            `json:"tid,omitempty"`
	Page       string            `json:"pg,omitempty"`
	Extend     map[string]string `json:"extend,omitempty"`
	IDs        []string          `json:"ids,omitempty"`
	Flag       string            `json:"flag,omitempty"`
	ID         string            `json:"id,omitempty"`
	VipFlags   []string          `json:"vip_flags,omitempty"`
	Keyword    string            `json:"wd,omitempty"`
	Quick      bool              `json:"quick,omitempty"`
	Action     string            `json:"action,omitempty"`
}
