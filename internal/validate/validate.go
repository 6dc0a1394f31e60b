// Package validate decides whether a decoded string is a stream manifest a
// player can open. It never decodes anything itself.
package validate

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"streamwalk/internal/failure"
	"streamwalk/internal/httputil"
)

// DefaultExtensions are the manifest types accepted when none are configured.
var DefaultExtensions = []string{".m3u8", ".mpd"}

// Verdict is the outcome of Validate.
type Verdict struct {
	Valid  bool
	URL    string
	Reason string
}

// Validator checks candidate stream URLs.
type Validator struct {
	extensions []string
	client     *http.Client
	timeout    time.Duration
}

// Option configures a Validator.
type Option func(*Validator)

// WithExtensions replaces the accepted manifest extensions.
func WithExtensions(exts ...string) Option {
	return func(v *Validator) {
		v.extensions = nil
		for _, e := range exts {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			v.extensions = append(v.extensions, e)
		}
	}
}

// WithProbe enables a reachability check through client, bounded by timeout.
func WithProbe(client *http.Client, timeout time.Duration) Option {
	return func(v *Validator) {
		v.client = client
		v.timeout = timeout
	}
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{extensions: DefaultExtensions, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Probing reports whether Check also probes the manifest.
func (v *Validator) Probing() bool { return v.client != nil }

// Validate checks the candidate's shape: an absolute http(s) URL with a host
// whose path ends in a known manifest extension.
func (v *Validator) Validate(candidate string) Verdict {
	s := strings.TrimSpace(candidate)
	if s == "" {
		return reject("empty candidate")
	}
	u, err := url.Parse(s)
	if err != nil {
		return reject(fmt.Sprintf("not a URL: %v", err))
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return reject(fmt.Sprintf("scheme %q is not http(s)", u.Scheme))
	}
	if u.Host == "" {
		return reject("URL has no host")
	}
	ext := strings.ToLower(path.Ext(u.Path))
	for _, want := range v.extensions {
		if ext == want {
			return Verdict{Valid: true, URL: u.String()}
		}
	}
	return reject(fmt.Sprintf("path %q is not a manifest (want %s)", u.Path, strings.Join(v.extensions, ", ")))
}

// Check validates candidate and, when probing is enabled, probes it. Any
// rejection is a failure.DecodeMismatch: decoding worked but produced
// something that is not a stream.
func (v *Validator) Check(ctx context.Context, candidate, referer string) (string, error) {
	verdict := v.Validate(candidate)
	if !verdict.Valid {
		return "", failure.New(failure.DecodeMismatch, "decoded value rejected: %s", verdict.Reason)
	}
	if v.client == nil {
		return verdict.URL, nil
	}
	if err := v.Probe(ctx, verdict.URL, referer); err != nil {
		return "", err
	}
	return verdict.URL, nil
}

// Probe GETs the manifest and checks its first line. Network trouble keeps
// its transient kind; a body that is not a manifest is a DecodeMismatch.
func (v *Validator) Probe(ctx context.Context, manifestURL, referer string) error {
	if v.client == nil {
		return fmt.Errorf("probe is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := httputil.Fetch(ctx, v.client, httputil.Request{URL: manifestURL, Referer: referer, AllowHTTP: true})
	if err != nil {
		if failure.KindOf(err) == failure.NotFound {
			return failure.Wrap(failure.DecodeMismatch, err, "manifest not reachable")
		}
		return err
	}
	if !looksLikeManifest(manifestURL, resp.Body) {
		return failure.New(failure.DecodeMismatch, "%s did not return a manifest", httputil.RedactURL(manifestURL))
	}
	return nil
}

func looksLikeManifest(manifestURL, body string) bool {
	sc := bufio.NewScanner(strings.NewReader(body))
	first := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			first = line
			break
		}
	}
	first = strings.TrimPrefix(first, "\ufeff")
	switch {
	case strings.HasSuffix(strings.ToLower(pathOf(manifestURL)), ".m3u8"):
		return strings.HasPrefix(first, "#EXTM3U")
	case strings.HasSuffix(strings.ToLower(pathOf(manifestURL)), ".mpd"):
		return strings.HasPrefix(first, "<MPD") || (strings.HasPrefix(first, "<?xml") && strings.Contains(body, "<MPD"))
	default:
		return first != ""
	}
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}
