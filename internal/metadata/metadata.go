// Package metadata looks up human readable titles for embed templates that
// need one. The resolver only sees the Lookup interface.
package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"streamwalk/internal/failure"
	"streamwalk/internal/httputil"
	"streamwalk/internal/media"
)

// Lookup maps a request to its title.
type Lookup interface {
	Title(ctx context.Context, req media.ContentRequest) (string, error)
}

// Static is a fixed id -> title table.
type Static map[string]string

func (s Static) Title(_ context.Context, req media.ContentRequest) (string, error) {
	t, ok := s[req.ExternalID]
	if !ok || t == "" {
		return "", failure.New(failure.NotFound, "no title for %s", req.ExternalID)
	}
	return t, nil
}

// DefaultSelector reads the Open Graph title.
const DefaultSelector = "meta[property='og:title']"

// Page reads titles from a catalog page. Results are memoized for the life
// of the Page.
type Page struct {
	client   *http.Client
	template string // {id} and {type}
	selector string

	mu     sync.Mutex
	titles map[string]string
}

// NewPage creates a page lookup. An empty selector means og:title, then the
// document <title>.
func NewPage(client *http.Client, template, selector string) (*Page, error) {
	if err := httputil.ValidateURL(strings.NewReplacer("{id}", "x", "{type}", "movie").Replace(template)); err != nil {
		return nil, fmt.Errorf("metadata url: %w", err)
	}
	return &Page{
		client:   client,
		template: template,
		selector: selector,
		titles:   map[string]string{},
	}, nil
}

func (p *Page) Title(ctx context.Context, req media.ContentRequest) (string, error) {
	key := req.Type.String() + ":" + req.ExternalID
	p.mu.Lock()
	t, ok := p.titles[key]
	p.mu.Unlock()
	if ok {
		return t, nil
	}

	doc, err := p.fetchDocument(ctx, strings.NewReplacer(
		"{id}", url.PathEscape(req.ExternalID),
		"{type}", req.Type.String(),
	).Replace(p.template))
	if err != nil {
		return "", err
	}
	t = p.read(doc)
	if t == "" {
		return "", failure.New(failure.NotFound, "no title on catalog page for %s", req.ExternalID)
	}

	p.mu.Lock()
	p.titles[key] = t
	p.mu.Unlock()
	return t, nil
}

func (p *Page) read(doc *goquery.Document) string {
	if p.selector != "" {
		sel := doc.Find(p.selector).First()
		if v, ok := sel.Attr("content"); ok {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(sel.Text())
	}
	if v, ok := doc.Find(DefaultSelector).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// fetchDocument fetches a URL and parses it into a goquery Document.
func (p *Page) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	resp, err := httputil.Fetch(ctx, p.client, httputil.Request{URL: pageURL})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	return doc, nil
}
