// Package browser drives a real browser for providers that only reveal their
// payload after in-page script runs. Sessions are single use and always
// closed by the caller that opened them.
package browser

import (
	"context"
	"fmt"
	"time"

	"streamwalk/internal/failure"
)

// Options configures one session.
type Options struct {
	Headless bool
}

// Wait is the condition Goto waits for after the load event. An empty Wait
// returns as soon as the page has loaded.
type Wait struct {
	Selector string `toml:"selector" yaml:"selector"` // CSS selector that must be present
}

// PageRequest is one browser hop. Referer and Headers are sent with every
// request the page makes, the same way fetch hops send them.
type PageRequest struct {
	URL     string
	Referer string
	Headers map[string]string
	Wait    Wait
}

// Target names a value that appears once the page's own script has run.
// Exactly one field besides Attr is set.
type Target struct {
	Selector   string // CSS selector; element text, or Attr when set
	Attr       string
	Expression string // JavaScript expression
	Global     string // Regex over window's own property names
}

func (t Target) String() string {
	switch {
	case t.Selector != "" && t.Attr != "":
		return fmt.Sprintf("selector %q attr %q", t.Selector, t.Attr)
	case t.Selector != "":
		return fmt.Sprintf("selector %q", t.Selector)
	case t.Expression != "":
		return fmt.Sprintf("expression %q", t.Expression)
	default:
		return fmt.Sprintf("global %q", t.Global)
	}
}

// Validate checks that exactly one way of reading the value is set.
func (t Target) Validate() error {
	n := 0
	for _, s := range []string{t.Selector, t.Expression, t.Global} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("browser target needs exactly one of selector, expression or global")
	}
	if t.Attr != "" && t.Selector == "" {
		return fmt.Errorf("browser target attr requires a selector")
	}
	return nil
}

// Launcher opens browser sessions.
type Launcher interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// Session is one page-rendering context.
type Session interface {
	Goto(ctx context.Context, req PageRequest, timeout time.Duration) error
	WaitForValue(ctx context.Context, target Target, timeout time.Duration) (string, error)
	Evaluate(ctx context.Context, expression string, out any) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Poll calls fn every interval until it reports done, returns an error, or
// timeout passes. Running out of time or a cancelled ctx is a
// failure.Timeout.
func Poll(ctx context.Context, interval, timeout time.Duration, fn func(context.Context) (string, bool, error)) (string, error) {
	if timeout <= 0 {
		return "", failure.New(failure.Timeout, "wait has no time budget")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, done, err := fn(ctx)
		if err != nil {
			return "", err
		}
		if done {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return "", failure.Wrap(failure.Timeout, ctx.Err(), "value did not appear within %s", timeout)
		case <-ticker.C:
		}
	}
}
