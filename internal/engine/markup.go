package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/ralt/resolvd/internal/loader"
	"github.com/ralt/resolvd/internal/models"
)

// Rules drive the markup engine. They are read from the source's ext,
// either inline JSON or a URL pointing at a JSON document.
type Rules struct {
	HomeURL     string     `json:"homeUrl"`
	CategoryURL string     `json:"categoryUrlTemplate"`
	DetailURL   string     `json:"detailUrlTemplate"`
	SearchURL   string     `json:"searchUrlTemplate"`
	Categories  []Category `json:"categories,omitempty"`

	ListSelector    string `json:"homeListSelector"`
	TitleSelector   string `json:"titleSelector"`
	LinkSelector    string `json:"linkSelector"`
	PicSelector     string `json:"picSelector"`
	RemarksSelector string `json:"remarksSelector"`

	DetailNameSelector    string `json:"detailNameSelector"`
	DetailPicSelector     string `json:"detailPicSelector"`
	DetailContentSelector string `json:"detailContentSelector"`
	PlaySelector          string `json:"playSelector"`
	PlayFrom              string `json:"playFrom"`
}

// Category is one entry of the home class list
type Category struct {
	ID   string `json:"type_id"`
	Name string `json:"type_name"`
}

type vod struct {
	ID       string `json:"vod_id"`
	Name     string `json:"vod_name"`
	Pic      string `json:"vod_pic,omitempty"`
	Remarks  string `json:"vod_remarks,omitempty"`
	Content  string `json:"vod_content,omitempty"`
	PlayFrom string `json:"vod_play_from,omitempty"`
	PlayURL  string `json:"vod_play_url,omitempty"`
}

type listing struct {
	Class []Category `json:"class,omitempty"`
	List  []vod      `json:"list"`
	Page  int        `json:"page,omitempty"`
}

type playback struct {
	Parse int    `json:"parse"`
	URL   string `json:"url"`
}

var errNoRule = errors.New("no markup rule for this operation")

// MarkupEngine scrapes HTML pages with CSS selector rules
type MarkupEngine struct {
	fetcher loader.Getter

	mu    sync.Mutex
	rules map[string]*Rules
}

// NewMarkupEngine creates a MarkupEngine fetching pages through fetcher
func NewMarkupEngine(fetcher loader.Getter) *MarkupEngine {
	return &MarkupEngine{fetcher: fetcher, rules: make(map[string]*Rules)}
}

// Type implements Engine
func (e *MarkupEngine) Type() models.EngineType { return models.EngineMarkup }

// Execute implements Engine
func (e *MarkupEngine) Execute(ctx context.Context, src models.Source, req models.Request) (string, error) {
	rules, err := e.loadRules(ctx, src)
	if err != nil {
		return "", err
	}

	var out interface{}
	switch req.Op {
	case models.OpHome:
		out, err = e.home(ctx, rules)
	case models.OpCategory:
		out, err = e.category(ctx, rules, req.CategoryID, req.Page)
	case models.OpDetail:
		out, err = e.detail(ctx, rules, req.IDs)
	case models.OpSearch:
		out, err = e.search(ctx, rules, req.Keyword)
	case models.OpPlayback:
		out = playback{Parse: 0, URL: req.ID}
	default:
		err = fmt.Errorf("markup engine does not support %s", req.Op)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", src.Key, err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *MarkupEngine) loadRules(ctx context.Context, src models.Source) (*Rules, error) {
	ext := strings.TrimSpace(src.Ext)
	if ext == "" {
		return nil, fmt.Errorf("source %s has no markup rules", src.Key)
	}

	e.mu.Lock()
	r, ok := e.rules[ext]
	e.mu.Unlock()
	if ok {
		return r, nil
	}

	raw := []byte(ext)
	if strings.HasPrefix(ext, "http://") || strings.HasPrefix(ext, "https://") {
		data, err := e.fetcher.Get(ctx, ext)
		if err != nil {
			return nil, fmt.Errorf("fetch markup rules: %w", err)
		}
		raw = data
	}

	r = &Rules{}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("parse markup rules of %s: %w", src.Key, err)
	}

	e.mu.Lock()
	e.rules[ext] = r
	e.mu.Unlock()
	return r, nil
}

func (e *MarkupEngine) document(ctx context.Context, pageURL string) (*goquery.Document, error) {
	data, err := e.fetcher.Get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	doc.Url, _ = url.Parse(pageURL)
	return doc, nil
}

func (e *MarkupEngine) home(ctx context.Context, r *Rules) (listing, error) {
	out := listing{Class: r.Categories, List: []vod{}}
	if r.HomeURL == "" {
		if len(r.Categories) == 0 {
			return out, errNoRule
		}
		return out, nil
	}
	doc, err := e.document(ctx, r.HomeURL)
	if err != nil {
		return out, err
	}
	out.List = r.parseList(doc)
	return out, nil
}

func (e *MarkupEngine) category(ctx context.Context, r *Rules, tid, page string) (listing, error) {
	if r.CategoryURL == "" {
		return listing{}, errNoRule
	}
	if page == "" {
		page = "1"
	}
	pageURL := expand(r.CategoryURL, map[string]string{"{tid}": tid, "{pg}": page})
	doc, err := e.document(ctx, pageURL)
	if err != nil {
		return listing{}, err
	}
	out := listing{List: r.parseList(doc)}
	out.Page, _ = strconv.Atoi(page)
	return out, nil
}

func (e *MarkupEngine) search(ctx context.Context, r *Rules, keyword string) (listing, error) {
	if r.SearchURL == "" {
		return listing{}, errNoRule
	}
	q := url.QueryEscape(keyword)
	doc, err := e.document(ctx, expand(r.SearchURL, map[string]string{"{key}": q, "{wd}": q}))
	if err != nil {
		return listing{}, err
	}
	return listing{List: r.parseList(doc)}, nil
}

func (e *MarkupEngine) detail(ctx context.Context, r *Rules, ids []string) (listing, error) {
	if len(ids) == 0 {
		return listing{}, errors.New("detail requires an id")
	}
	id := ids[0]
	pageURL := id
	if r.DetailURL != "" {
		pageURL = expand(r.DetailURL, map[string]string{"{id}": id})
	} else if r.HomeURL != "" {
		pageURL = resolveURL(r.HomeURL, id)
	}

	doc, err := e.document(ctx, pageURL)
	if err != nil {
		return listing{}, err
	}

	v := vod{ID: id}
	sel := doc.Selection
	v.Name = text(sel, r.DetailNameSelector)
	v.Pic = attr(sel, r.DetailPicSelector, "src", pageURL)
	v.Content = text(sel, r.DetailContentSelector)

	if r.PlaySelector != "" {
		var episodes []string
		doc.Find(r.PlaySelector).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok || href == "" {
				return
			}
			episodes = append(episodes, strings.TrimSpace(s.Text())+"$"+resolveURL(pageURL, href))
		})
		if len(episodes) > 0 {
			v.PlayFrom = r.PlayFrom
			if v.PlayFrom == "" {
				v.PlayFrom = "default"
			}
			v.PlayURL = strings.Join(episodes, "#")
		}
	}
	return listing{List: []vod{v}}, nil
}

func (r *Rules) parseList(doc *goquery.Document) []vod {
	list := []vod{}
	if r.ListSelector == "" {
		return list
	}
	base := ""
	if doc.Url != nil {
		base = doc.Url.String()
	}
	doc.Find(r.ListSelector).Each(func(_ int, s *goquery.Selection) {
		v := vod{
			ID:      attr(s, r.LinkSelector, "href", base),
			Name:    text(s, r.TitleSelector),
			Pic:     attr(s, r.PicSelector, "src", base),
			Remarks: text(s, r.RemarksSelector),
		}
		if v.ID == "" && v.Name == "" {
			return
		}
		list = append(list, v)
	})
	return list
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func attr(s *goquery.Selection, selector, name, base string) string {
	if selector == "" {
		return ""
	}
	v, ok := s.Find(selector).First().Attr(name)
	if !ok {
		return ""
	}
	v = strings.TrimSpace(v)
	if base == "" || v == "" {
		return v
	}
	return resolveURL(base, v)
}

func expand(tmpl string, vars map[string]string) string {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, k, v)
	}
	return tmpl
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
