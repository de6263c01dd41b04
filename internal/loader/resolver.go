package loader

import (
	"context"
	"fmt"

	"github.com/ralt/resolvd/internal/models"
)

// Resolver is the capability interface package code implements.
type Resolver interface {
	Initialize(ctx context.Context, extra string) error
	Home(ctx context.Context, filter bool) (string, error)
	Category(ctx context.Context, tid, page string, filter bool, extend map[string]string) (string, error)
	Detail(ctx context.Context, ids []string) (string, error)
	Playback(ctx context.Context, flag, id string, vipFlags []string) (string, error)
	Search(ctx context.Context, keyword string, quick bool) (string, error)
	Action(ctx context.Context, action string) (string, error)
	Destroy()
}

// Invoke dispatches req to the matching resolver method. Panics raised by
// resolver code are captured and returned as errors.
func Invoke(ctx context.Context, r Resolver, req models.Request) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resolver panicked during %s: %v", req.Op, p)
		}
	}()

	switch req.Op {
	case models.OpHome:
		return r.Home(ctx, req.Filter)
	case models.OpCategory:
		return r.Category(ctx, req.CategoryID, req.Page, req.Filter, req.Extend)
	case models.OpDetail:
		return r.Detail(ctx, req.IDs)
	case models.OpPlayback:
		return r.Playback(ctx, req.Flag, req.ID, req.VipFlags)
	case models.OpSearch:
		return r.Search(ctx, req.Keyword, req.Quick)
	case models.OpAction:
		return r.Action(ctx, req.Action)
	default:
		return "", fmt.Errorf("unsupported operation %s", req.Op)
	}
}
