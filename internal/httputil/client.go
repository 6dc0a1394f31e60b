// Package httputil provides a hardened HTTP client for walking provider chains
// and the URL helpers the navigator relies on.
package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"

	"streamwalk/internal/failure"
)

// UserAgent is sent on every hop unless a provider overrides it.
const UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/121.0"

// maxBody caps how much of a hop response is read.
const maxBody = 5 * 1024 * 1024

// Options configures NewClient.
type Options struct {
	Timeout  time.Duration
	ProxyURL string // http(s):// or socks5://
}

// NewClient creates a hardened HTTP client with secure defaults. Each client
// carries its own cookie jar so chain hops that set cookies keep them.
func NewClient(opts Options) (*http.Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConnsPerHost:   5,
	}
	if opts.ProxyURL != "" {
		if err := configureProxy(transport, opts.ProxyURL); err != nil {
			return nil, err
		}
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}, nil
}

// configureProxy routes the transport through an HTTP or SOCKS5 proxy.
func configureProxy(transport *http.Transport, proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("creating SOCKS5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return nil
}

// Request describes one chain hop.
type Request struct {
	URL     string
	Referer string            // Previous hop; providers reject mismatched chains
	Headers map[string]string // Provider specific headers, applied last

	// AllowHTTP permits plain http. Chain hops are https only; manifests on
	// http CDNs are still playable and may be probed.
	AllowHTTP bool
}

// Response is the body of a hop plus the URL it finally landed on.
type Response struct {
	Body     string
	FinalURL string
	Status   int
}

// Fetch performs a GET with browser-like headers and classifies failures:
// deadline -> Timeout, transport/5xx/429 -> NetworkError, other non-2xx -> NotFound.
func Fetch(ctx context.Context, client *http.Client, r Request) (*Response, error) {
	validate := ValidateURL
	if r.AllowHTTP {
		validate = validateStreamURL
	}
	if err := validate(r.URL); err != nil {
		return nil, failure.Wrap(failure.NotFound, err, "invalid hop URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, failure.Wrap(failure.NotFound, err, "creating request")
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
		if origin := Origin(r.Referer); origin != "" {
			req.Header.Set("Origin", origin)
		}
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, failure.New(failure.NetworkError, "unexpected status %d for %s", resp.StatusCode, RedactURL(r.URL))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, failure.New(failure.NotFound, "unexpected status %d for %s", resp.StatusCode, RedactURL(r.URL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("reading response: %w", err))
	}

	return &Response{
		Body:     string(body),
		FinalURL: resp.Request.URL.String(),
		Status:   resp.StatusCode,
	}, nil
}

// classify maps a transport error to a failure kind.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.Timeout, err, "request timed out")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failure.Wrap(failure.Timeout, err, "request timed out")
	}
	return failure.Wrap(failure.NetworkError, err, "request failed")
}
