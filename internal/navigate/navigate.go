// Package navigate walks a provider's chain of hops, from the embed page to
// the encoded payload, propagating the Referer each hop expects.
package navigate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"streamwalk/internal/browser"
	"streamwalk/internal/extract"
	"streamwalk/internal/failure"
	"streamwalk/internal/httputil"
	"streamwalk/internal/logging"
	"streamwalk/internal/media"
	"streamwalk/internal/provider"
)

const (
	defaultWalkTimeout    = 45 * time.Second
	defaultBrowserTimeout = 30 * time.Second
	fingerprintPrefix     = "fp."
)

// ErrNoBrowser is returned for browser providers when no launcher is set.
var ErrNoBrowser = errors.New("provider needs a browser but none is configured")

// Navigator runs provider chains. It is safe for concurrent use; every
// Navigate call owns its own browser session, if it needs one.
type Navigator struct {
	client         *http.Client
	launcher       browser.Launcher
	browserOpts    browser.Options
	browserTimeout time.Duration
	walkTimeout    time.Duration
	overrides      map[string]time.Duration
	logger         *log.Logger
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithLauncher enables browserNavigate steps.
func WithLauncher(l browser.Launcher, opts browser.Options) Option {
	return func(n *Navigator) {
		n.launcher = l
		n.browserOpts = opts
	}
}

// WithBrowserTimeout bounds each page load and in-page wait.
func WithBrowserTimeout(d time.Duration) Option {
	return func(n *Navigator) {
		if d > 0 {
			n.browserTimeout = d
		}
	}
}

// WithTimeouts sets the default walk timeout and per-provider overrides.
// An override beats the provider's own timeout, which beats the default.
func WithTimeouts(def time.Duration, overrides map[string]time.Duration) Option {
	return func(n *Navigator) {
		if def > 0 {
			n.walkTimeout = def
		}
		n.overrides = overrides
	}
}

// WithLogger sets the logger. Nil discards.
func WithLogger(l *log.Logger) Option {
	return func(n *Navigator) { n.logger = logging.OrDiscard(l) }
}

// New creates a Navigator fetching through client.
func New(client *http.Client, opts ...Option) *Navigator {
	n := &Navigator{
		client:         client,
		browserOpts:    browser.Options{Headless: true},
		browserTimeout: defaultBrowserTimeout,
		walkTimeout:    defaultWalkTimeout,
		logger:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// HasBrowser reports whether browser providers can run.
func (n *Navigator) HasBrowser() bool { return n.launcher != nil }

// TimeoutFor returns the walk budget for a provider.
func (n *Navigator) TimeoutFor(spec provider.Spec) time.Duration {
	if d, ok := n.overrides[spec.ID]; ok && d > 0 {
		return d
	}
	if d := spec.WalkTimeout(); d > 0 {
		return d
	}
	return n.walkTimeout
}

// Navigate walks spec's chain for req and returns the encoded payload. title
// fills {title} in the embed template. A failing step ends the walk; retries
// are the caller's business.
func (n *Navigator) Navigate(ctx context.Context, spec provider.Spec, req media.ContentRequest, title string) (media.Payload, error) {
	chain := spec.Chain()
	if len(chain) == 0 {
		return media.Payload{}, failure.New(failure.NotFound, "provider has no chain").At(spec.ID, -1)
	}
	if spec.RequiresBrowser && n.launcher == nil {
		return media.Payload{}, failure.Wrap(failure.Unknown, ErrNoBrowser, "cannot walk chain").At(spec.ID, -1)
	}

	timeout := n.TimeoutFor(spec)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w := &walk{
		n:       n,
		spec:    spec,
		current: spec.EmbedURL(req, title),
		referer: headerValue(spec.Headers, "Referer"),
		aux:     map[string]string{},
		logger:  n.logger.With("provider", spec.ID),
	}
	defer w.close()

	for i, step := range chain {
		w.hop = i
		w.logger.Debug("walking hop", "step", i, "kind", step.Kind, "url", httputil.RedactURL(w.current))

		out, err := w.run(ctx, step)
		if err != nil {
			return media.Payload{}, tag(ctx, err, spec.ID, i)
		}
		if step.Target == extract.TargetPayload {
			return media.Payload{
				Data:      out,
				StepIndex: i,
				SourceURL: w.current,
				Aux:       w.aux,
			}, nil
		}

		next, err := httputil.ResolveReference(w.current, out)
		if err != nil {
			return media.Payload{}, failure.Wrap(failure.NotFound, err, "next hop %q", out).At(spec.ID, i)
		}
		w.referer = w.current
		w.current = next
	}
	// Registry validation guarantees the last step targets the payload.
	return media.Payload{}, failure.New(failure.NotFound, "chain ended without a payload").At(spec.ID, len(chain)-1)
}

// walk is the state of one Navigate call.
type walk struct {
	n       *Navigator
	spec    provider.Spec
	current string
	referer string
	aux     map[string]string
	session browser.Session
	logger  *log.Logger
	hop     int

	fingerprinted bool
}

func (w *walk) run(ctx context.Context, step provider.CompiledStep) (string, error) {
	switch step.Kind {
	case provider.Fetch:
		return w.fetch(ctx, step)
	case provider.BrowserNavigate:
		return w.browse(ctx, step)
	default:
		return "", failure.New(failure.NotFound, "unknown step kind %q", step.Kind)
	}
}

func (w *walk) fetch(ctx context.Context, step provider.CompiledStep) (string, error) {
	resp, err := httputil.Fetch(ctx, w.n.client, httputil.Request{
		URL:     w.current,
		Referer: w.referer,
		Headers: w.headers(step),
	})
	if err != nil {
		return "", err
	}
	w.current = resp.FinalURL

	if err := w.capture(step, resp.Body); err != nil {
		return "", err
	}
	return step.Matcher.Apply(resp.Body)
}

func (w *walk) browse(ctx context.Context, step provider.CompiledStep) (string, error) {
	s, err := w.open(ctx)
	if err != nil {
		return "", err
	}
	timeout := w.n.browserTimeout
	if err := s.Goto(ctx, browser.PageRequest{
		URL:     w.current,
		Referer: w.referer,
		Headers: w.headers(step),
		Wait:    step.Wait,
	}, timeout); err != nil {
		return "", err
	}
	if err := w.fingerprint(ctx, s); err != nil {
		return "", err
	}

	var value string
	if step.InPage != nil {
		if value, err = s.WaitForValue(ctx, *step.InPage, timeout); err != nil {
			return "", err
		}
	}

	var html string
	if len(step.Captures) > 0 || step.InPage == nil {
		if html, err = s.HTML(ctx); err != nil {
			return "", err
		}
	}
	if err := w.capture(step, html); err != nil {
		return "", err
	}

	switch {
	case step.Matcher == nil:
		return value, nil
	case step.InPage != nil:
		return step.Matcher.Apply(value)
	default:
		return step.Matcher.Apply(html)
	}
}

// open starts the walk's browser session on first use.
func (w *walk) open(ctx context.Context) (browser.Session, error) {
	if w.session != nil {
		return w.session, nil
	}
	s, err := w.n.launcher.Open(ctx, w.n.browserOpts)
	if err != nil {
		return nil, err
	}
	w.session = s
	return s, nil
}

// fingerprint evaluates the provider's fingerprint script once per walk and
// stores each attribute as an "fp.<name>" aux token.
func (w *walk) fingerprint(ctx context.Context, s browser.Session) error {
	if w.spec.FingerprintScript == "" {
		return nil
	}
	if w.fingerprinted {
		return nil
	}
	var attrs map[string]any
	if err := s.Evaluate(ctx, w.spec.FingerprintScript, &attrs); err != nil {
		return err
	}
	if len(attrs) == 0 {
		return failure.New(failure.NotFound, "fingerprint script returned nothing")
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.aux[fingerprintPrefix+name] = fmt.Sprint(attrs[name])
	}
	w.fingerprinted = true
	w.logger.Debug("captured fingerprint", "attrs", strings.Join(names, ","))
	return nil
}

func (w *walk) capture(step provider.CompiledStep, body string) error {
	for name, rule := range step.Captures {
		v, err := rule.Apply(body)
		if err != nil {
			return fmt.Errorf("capture %q: %w", name, err)
		}
		w.aux[name] = v
	}
	return nil
}

// headers merges provider and step headers. Referer and Origin are owned by
// the walk and never taken from configuration after the first hop. Referer
// travels separately; a configured Origin is sent as is on the first hop.
func (w *walk) headers(step provider.CompiledStep) map[string]string {
	out := make(map[string]string, len(w.spec.Headers)+len(step.Headers))
	for _, src := range []map[string]string{w.spec.Headers, step.Headers} {
		for k, v := range src {
			switch strings.ToLower(k) {
			case "referer":
				continue
			case "origin":
				if w.hop > 0 {
					continue
				}
			}
			out[k] = v
		}
	}
	return out
}

func (w *walk) close() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.logger.Warn("closing browser session", "err", err)
	}
	w.session = nil
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// tag classifies err and ties it to the provider step that produced it.
func tag(ctx context.Context, err error, providerID string, step int) error {
	if fe, ok := err.(*failure.Error); ok {
		return fe.At(providerID, step)
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return failure.Wrap(fe.Kind, err, "hop failed").At(providerID, step)
	}
	kind := failure.NetworkError
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		kind = failure.Timeout
	}
	return failure.Wrap(kind, err, "hop failed").At(providerID, step)
}
