// Package resolve turns a content request into a validated stream URL,
// trying providers in priority order until one succeeds.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"streamwalk/internal/cache"
	"streamwalk/internal/decode"
	"streamwalk/internal/failure"
	"streamwalk/internal/logging"
	"streamwalk/internal/media"
	"streamwalk/internal/metadata"
	"streamwalk/internal/provider"
)

const (
	maxBackoff = 10 * time.Second
	maxRetries = 2
)

// Navigator produces the encoded payload for one provider attempt.
type Navigator interface {
	Navigate(ctx context.Context, spec provider.Spec, req media.ContentRequest, title string) (media.Payload, error)
}

// Checker accepts or rejects a decoded candidate. referer is the hop the
// payload came from.
type Checker interface {
	Check(ctx context.Context, candidate, referer string) (string, error)
}

// EventSink receives one event per Resolve call. Errors are logged.
type EventSink interface {
	Record(ctx context.Context, e Event) error
}

// Event is what the dashboard side sees of a resolution.
type Event struct {
	Request  media.ContentRequest
	Result   *media.ResolutionResult // nil on failure
	Reasons  []failure.Reason        // failed attempts in order, also on success
	Cached   bool
	Duration time.Duration
	At       time.Time
}

// Success reports whether the event carries a result.
func (e Event) Success() bool { return e.Result != nil }

// Resolver is safe for concurrent use. Distinct requests share nothing but
// the cache.
type Resolver struct {
	registry  *provider.Registry
	nav       Navigator
	checker   Checker
	cache     *cache.Cache
	titles    metadata.Lookup
	retries   int
	backoff   time.Duration
	only      []string
	observer  Observer
	sink      EventSink
	sinkLimit time.Duration
	now       func() time.Time
	logger    *log.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRetries sets how many times a transient failure is retried in place
// and the first backoff, doubled on every retry. n is capped at maxRetries.
func WithRetries(n int, backoff time.Duration) Option {
	return func(r *Resolver) {
		if n >= 0 {
			r.retries = min(n, maxRetries)
		}
		r.backoff = backoff
	}
}

// WithMetadata sets the title lookup used by templates with {title}.
func WithMetadata(l metadata.Lookup) Option {
	return func(r *Resolver) { r.titles = l }
}

// WithProviders restricts resolution to the given provider ids.
func WithProviders(ids ...string) Option {
	return func(r *Resolver) { r.only = ids }
}

// WithObserver reports state transitions.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

// WithEventSink emits every outcome to s.
func WithEventSink(s EventSink) Option {
	return func(r *Resolver) { r.sink = s }
}

// WithClock replaces time.Now for timestamps and decode contexts.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger. Nil discards.
func WithLogger(l *log.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrDiscard(l) }
}

// New creates a Resolver. A nil cache disables caching but keeps
// coalescing of identical concurrent attempts.
func New(reg *provider.Registry, nav Navigator, checker Checker, c *cache.Cache, opts ...Option) *Resolver {
	if c == nil {
		c = cache.New(0)
	}
	r := &Resolver{
		registry:  reg,
		nav:       nav,
		checker:   checker,
		cache:     c,
		retries:   2,
		backoff:   500 * time.Millisecond,
		sinkLimit: 5 * time.Second,
		now:       time.Now,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve finds a stream for req. When every candidate fails the error is a
// *failure.AllProvidersFailed carrying one reason per attempted provider.
func (r *Resolver) Resolve(ctx context.Context, req media.ContentRequest) (media.ResolutionResult, error) {
	if err := req.Validate(); err != nil {
		return media.ResolutionResult{}, err
	}
	start := r.now()
	r.observe(Transition{State: Pending, Request: req, Index: -1})
	defer r.observe(Transition{State: Done, Request: req, Index: -1})

	specs, err := r.candidates(req)
	if err != nil {
		return media.ResolutionResult{}, err
	}

	for i, s := range specs {
		if res, ok := r.cache.Get(cache.Key(req, s.ID)); ok {
			r.logger.Debug("cache hit", "provider", s.ID, "request", req.String())
			r.observe(Transition{State: Success, Request: req, ProviderID: s.ID, Index: i, Result: &res})
			r.emit(ctx, Event{Request: req, Result: &res, Cached: true, Duration: r.now().Sub(start), At: r.now()})
			return res, nil
		}
	}

	var reasons []failure.Reason
	for i, s := range specs {
		r.observe(Transition{State: TryingProvider, Request: req, ProviderID: s.ID, Index: i})

		res, err := r.cache.Do(ctx, cache.Key(req, s.ID), func(ctx context.Context) (media.ResolutionResult, error) {
			return r.attempt(ctx, s, req)
		})
		if err == nil {
			r.logger.Info("resolved", "provider", s.ID, "request", req.String())
			r.observe(Transition{State: Success, Request: req, ProviderID: s.ID, Index: i, Result: &res})
			r.emit(ctx, Event{Request: req, Result: &res, Reasons: reasons, Duration: r.now().Sub(start), At: r.now()})
			return res, nil
		}

		reason := failure.ReasonFor(s.ID, err)
		reasons = append(reasons, reason)
		r.logger.Warn("provider failed", "provider", s.ID, "kind", reason.Kind, "err", err)
		r.observe(Transition{State: ProviderFailed, Request: req, ProviderID: s.ID, Index: i, Err: err})

		if ctx.Err() != nil {
			break
		}
	}

	agg := &failure.AllProvidersFailed{Request: req.String(), Reasons: reasons}
	r.observe(Transition{State: AllFailed, Request: req, Index: -1, Err: agg})
	r.emit(ctx, Event{Request: req, Reasons: reasons, Duration: r.now().Sub(start), At: r.now()})
	return media.ResolutionResult{}, agg
}

func (r *Resolver) candidates(req media.ContentRequest) ([]provider.Spec, error) {
	if len(r.only) == 0 {
		return r.registry.List(req.Type), nil
	}
	var out []provider.Spec
	for _, id := range r.only {
		s, err := r.registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		if !s.Supports(req.Type) {
			return nil, fmt.Errorf("provider %s does not serve %s content", id, req.Type)
		}
		out = append(out, s)
	}
	return out, nil
}

// attempt runs one provider with in-place retries for transient failures.
func (r *Resolver) attempt(ctx context.Context, s provider.Spec, req media.ContentRequest) (media.ResolutionResult, error) {
	var err error
	for try := 0; try <= r.retries; try++ {
		if try > 0 {
			delay := backoffDelay(r.backoff, try)
			r.logger.Debug("retrying provider", "provider", s.ID, "attempt", try+1, "delay", delay)
			if werr := sleep(ctx, delay); werr != nil {
				return media.ResolutionResult{}, err
			}
		}

		var res media.ResolutionResult
		res, err = r.once(ctx, s, req)
		if err == nil {
			return res, nil
		}
		if !failure.KindOf(err).Retryable() {
			return media.ResolutionResult{}, err
		}
	}
	return media.ResolutionResult{}, err
}

// once is one walk, decode and validate pass.
func (r *Resolver) once(ctx context.Context, s provider.Spec, req media.ContentRequest) (media.ResolutionResult, error) {
	var title string
	if s.NeedsTitle() {
		if r.titles == nil {
			return media.ResolutionResult{}, failure.New(failure.KeyDerivationFailed, "embed template needs a title but no metadata lookup is configured").At(s.ID, -1)
		}
		t, err := r.titles.Title(ctx, req)
		if err != nil {
			return media.ResolutionResult{}, at(err, s.ID, -1)
		}
		title = t
	}

	p, err := r.nav.Navigate(ctx, s, req, title)
	if err != nil {
		return media.ResolutionResult{}, at(err, s.ID, -1)
	}

	dctx := decode.NewContext(s.ID, p, s.Credential, s.Fingerprint, r.now())
	plain, err := s.Strategy().Decode(p, dctx)
	if err != nil {
		return media.ResolutionResult{}, at(err, s.ID, p.StepIndex)
	}

	stream, err := r.checker.Check(ctx, plain, p.SourceURL)
	if err != nil {
		return media.ResolutionResult{}, at(err, s.ID, p.StepIndex)
	}

	return media.ResolutionResult{
		StreamURL:  stream,
		ProviderID: s.ID,
		ResolvedAt: r.now(),
		Referer:    p.SourceURL,
	}, nil
}

func (r *Resolver) observe(t Transition) {
	if r.observer != nil {
		r.observer(t)
	}
}

func (r *Resolver) emit(ctx context.Context, e Event) {
	if r.sink == nil {
		return
	}
	// Outcomes are recorded even when the caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sinkLimit)
	defer cancel()
	if err := r.sink.Record(ctx, e); err != nil {
		r.logger.Warn("recording resolution event", "err", err)
	}
}

// at ties err to a provider, keeping kinds already assigned.
func at(err error, providerID string, step int) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.Provider != "" {
			return err
		}
		if e, ok := err.(*failure.Error); ok {
			return e.At(providerID, step)
		}
		return failure.Wrap(fe.Kind, err, "attempt failed").At(providerID, step)
	}
	return failure.Wrap(failure.KindOf(err), err, "attempt failed").At(providerID, step)
}

func backoffDelay(base time.Duration, try int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (try - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
