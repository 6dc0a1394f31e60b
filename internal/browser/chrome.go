package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"streamwalk/internal/failure"
	"streamwalk/internal/logging"
)

const pollInterval = 250 * time.Millisecond

// Chrome launches Chromium through the DevTools protocol. With Endpoint set
// it attaches to a running browser instead of starting one.
type Chrome struct {
	ExecPath string
	Endpoint string
	Logger   *log.Logger
}

// Open starts a fresh browser context. Nothing is shared with earlier
// sessions.
func (c *Chrome) Open(ctx context.Context, opts Options) (Session, error) {
	logger := logging.OrDiscard(c.Logger)

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if c.Endpoint != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.Endpoint)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("mute-audio", true),
		)
		if c.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(c.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		logger.Debugf(format, args...)
	}))
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	// Starting the browser honours the caller's deadline.
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, failure.Wrap(failure.Timeout, err, "starting browser")
		}
		return nil, failure.Wrap(failure.NetworkError, err, "starting browser")
	}

	logger.Debug("browser session opened", "remote", c.Endpoint != "", "headless", opts.Headless)
	return &chromeSession{ctx: tabCtx, cancel: cancel, logger: logger}, nil
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
	once   sync.Once
}

// bind derives a context that ends with the session, the caller's ctx or
// the timeout, whichever comes first.
func (s *chromeSession) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) Goto(ctx context.Context, req PageRequest, timeout time.Duration) error {
	runCtx, cancel := s.bind(ctx, timeout)
	defer cancel()

	headers := network.Headers{}
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Referer != "" {
		headers["Referer"] = req.Referer
	}

	actions := []chromedp.Action{network.Enable()}
	if len(headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	actions = append(actions, chromedp.Navigate(req.URL))
	if req.Wait.Selector != "" {
		actions = append(actions, chromedp.WaitReady(req.Wait.Selector, chromedp.ByQuery))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if runCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return failure.Wrap(failure.Timeout, err, "loading %s", req.URL)
		}
		return failure.Wrap(failure.NetworkError, err, "loading %s", req.URL)
	}
	return nil
}

func (s *chromeSession) WaitForValue(ctx context.Context, target Target, timeout time.Duration) (string, error) {
	script, err := targetScript(target)
	if err != nil {
		return "", err
	}
	runCtx, cancel := s.bind(ctx, 0)
	defer cancel()

	var lastErr error
	v, err := Poll(runCtx, pollInterval, timeout, func(pctx context.Context) (string, bool, error) {
		var out string
		// Evaluation fails transiently while the page is still navigating.
		if err := chromedp.Run(pctx, chromedp.Evaluate(script, &out)); err != nil {
			lastErr = err
			return "", false, nil
		}
		return out, out != "", nil
	})
	if err != nil && lastErr != nil {
		s.logger.Debug("last evaluation error before timeout", "target", target.String(), "err", lastErr)
	}
	return v, err
}

func (s *chromeSession) Evaluate(ctx context.Context, expression string, out any) error {
	runCtx, cancel := s.bind(ctx, 0)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, out)); err != nil {
		if runCtx.Err() != nil {
			return failure.Wrap(failure.Timeout, err, "evaluating expression")
		}
		return failure.Wrap(failure.NotFound, err, "evaluating expression")
	}
	return nil
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := s.bind(ctx, 0)
	defer cancel()
	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		if runCtx.Err() != nil {
			return "", failure.Wrap(failure.Timeout, err, "reading page HTML")
		}
		return "", failure.Wrap(failure.NetworkError, err, "reading page HTML")
	}
	return html, nil
}

// Close tears the browser context down. Safe to call more than once.
func (s *chromeSession) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.logger.Debug("browser session closed")
	})
	return nil
}

// targetScript renders a Target as a JavaScript expression returning a
// string, "" while the value is not there yet.
func targetScript(t Target) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	const render = `(v === undefined || v === null) ? "" : (typeof v === "string" ? v : JSON.stringify(v))`

	switch {
	case t.Selector != "":
		sel, _ := json.Marshal(t.Selector)
		if t.Attr != "" {
			attr, _ := json.Marshal(t.Attr)
			return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return ""; const v = el.getAttribute(%s); return %s; })()`, sel, attr, render), nil
		}
		return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return ""; const v = el.textContent.trim(); return %s; })()`, sel, render), nil
	case t.Expression != "":
		return fmt.Sprintf(`(() => { let v; try { v = (%s); } catch (e) { return ""; } return %s; })()`, t.Expression, render), nil
	default:
		pat, _ := json.Marshal(t.Global)
		return fmt.Sprintf(`(() => { const re = new RegExp(%s); for (const k of Object.getOwnPropertyNames(window)) { if (!re.test(k)) continue; let v; try { v = window[k]; } catch (e) { continue; } if (v === undefined || v === null || typeof v === "function") continue; return %s; } return ""; })()`, pat, render), nil
	}
}
