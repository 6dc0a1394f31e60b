package cmd

import (
	"fmt"
	"time"

	"streamwalk/internal/browser"
	"streamwalk/internal/cache"
	"streamwalk/internal/history"
	"streamwalk/internal/httputil"
	"streamwalk/internal/metadata"
	"streamwalk/internal/navigate"
	"streamwalk/internal/provider"
	"streamwalk/internal/resolve"
	"streamwalk/internal/validate"
)

// newResolver assembles the resolver from cfg. The returned func releases
// the history store.
func newResolver(extra ...resolve.Option) (*resolve.Resolver, func(), error) {
	reg, err := provider.Load(cfg.Registry)
	if err != nil {
		return nil, nil, fmt.Errorf("loading providers: %w", err)
	}
	debugf("loaded %d providers from %s", reg.Len(), cfg.Registry)

	client, err := httputil.NewClient(httputil.Options{
		Timeout:  cfg.RequestTimeout.Std(),
		ProxyURL: cfg.Proxy,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating http client: %w", err)
	}

	overrides := make(map[string]time.Duration, len(cfg.Timeouts))
	for id, d := range cfg.Timeouts {
		overrides[id] = d.Std()
	}
	navOpts := []navigate.Option{
		navigate.WithTimeouts(0, overrides),
		navigate.WithBrowserTimeout(cfg.Browser.Timeout.Std()),
		navigate.WithLogger(logger),
	}
	if !flagNoBrowser {
		navOpts = append(navOpts, navigate.WithLauncher(&browser.Chrome{
			ExecPath: cfg.Browser.Path,
			Endpoint: cfg.Browser.Endpoint,
			Logger:   logger,
		}, browser.Options{Headless: cfg.Browser.Headless}))
	}
	nav := navigate.New(client, navOpts...)

	var valOpts []validate.Option
	if cfg.Probe {
		valOpts = append(valOpts, validate.WithProbe(client, cfg.RequestTimeout.Std()))
	}

	opts := []resolve.Option{
		resolve.WithRetries(cfg.Retries, cfg.RetryBackoff.Std()),
		resolve.WithLogger(logger),
	}
	if cfg.Metadata.URL != "" {
		page, err := metadata.NewPage(client, cfg.Metadata.URL, cfg.Metadata.Selector)
		if err != nil {
			return nil, nil, fmt.Errorf("metadata: %w", err)
		}
		opts = append(opts, resolve.WithMetadata(page))
	}

	cleanup := func() {}
	if cfg.History {
		store, err := history.OpenDefault(logger)
		if err != nil {
			// History is a side channel; resolution works without it.
			logger.Warn("history disabled", "err", err)
		} else {
			opts = append(opts, resolve.WithEventSink(store))
			cleanup = func() {
				if err := store.Close(); err != nil {
					logger.Warn("closing history", "err", err)
				}
			}
		}
	}

	opts = append(opts, extra...)
	r := resolve.New(reg, nav, validate.New(valOpts...), cache.New(cfg.CacheTTL.Std()), opts...)
	return r, cleanup, nil
}
