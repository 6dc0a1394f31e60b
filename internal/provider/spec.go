package provider

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"streamwalk/internal/browser"
	"streamwalk/internal/decode"
	"streamwalk/internal/extract"
	"streamwalk/internal/media"
)

// StepKind says how a chain hop is fetched.
type StepKind string

const (
	Fetch           StepKind = "fetch"
	BrowserNavigate StepKind = "browserNavigate"
)

// BrowserValue names an in-page value a browserNavigate step waits for.
type BrowserValue struct {
	Selector   string `toml:"selector" yaml:"selector"`
	Attr       string `toml:"attr" yaml:"attr"`
	Expression string `toml:"expression" yaml:"expression"`
	Global     string `toml:"global" yaml:"global"` // Regex over window property names
}

func (v BrowserValue) empty() bool {
	return v == BrowserValue{}
}

func (v BrowserValue) target() browser.Target {
	return browser.Target{Selector: v.Selector, Attr: v.Attr, Expression: v.Expression, Global: v.Global}
}

// Step is one hop of a provider chain.
//
// Fetch steps apply Rule to the response body. Browser steps wait for Value
// when set and apply Rule to it, or apply Rule to the rendered page HTML.
// Capture rules run on the same input and store named tokens (session ids,
// timestamps, client keys) for the decoder.
type Step struct {
	Kind    StepKind                `toml:"kind" yaml:"kind"`
	Rule    extract.Rule            `toml:"rule" yaml:"rule"`
	Value   BrowserValue            `toml:"value" yaml:"value"`
	Wait    browser.Wait            `toml:"wait" yaml:"wait"`
	Capture map[string]extract.Rule `toml:"capture" yaml:"capture"`
	Headers map[string]string       `toml:"headers" yaml:"headers"`
}

// CompiledStep is a Step with its rules compiled at load.
type CompiledStep struct {
	Step
	Target   extract.Target
	Matcher  *extract.Compiled // nil for a browser step that uses its value as is
	InPage   *browser.Target   // browser steps with a value only
	Captures map[string]*extract.Compiled
}

// Spec is one declarative provider record.
type Spec struct {
	ID                 string            `toml:"id" yaml:"id"`
	Priority           int               `toml:"priority" yaml:"priority"`
	ContentTypes       []string          `toml:"content_types" yaml:"content_types"`
	EmbedURLTemplate   string            `toml:"embed_url" yaml:"embed_url"`
	EmbedURLTemplateTV string            `toml:"embed_url_tv" yaml:"embed_url_tv"`
	Steps              []Step            `toml:"steps" yaml:"steps"`
	DecodeStrategy     string            `toml:"decode" yaml:"decode"`
	DecodeParams       map[string]string `toml:"decode_params" yaml:"decode_params"`
	RequiresBrowser    bool              `toml:"requires_browser" yaml:"requires_browser"`
	Headers            map[string]string `toml:"headers" yaml:"headers"`
	Timeout            string            `toml:"timeout" yaml:"timeout"`
	Credential         string            `toml:"credential" yaml:"credential"`
	CredentialEnv      string            `toml:"credential_env" yaml:"credential_env"`
	Fingerprint        map[string]string `toml:"fingerprint" yaml:"fingerprint"`
	FingerprintScript  string            `toml:"fingerprint_script" yaml:"fingerprint_script"`
	Disabled           bool              `toml:"disabled" yaml:"disabled"`

	types    []media.ContentType
	chain    []CompiledStep
	strategy decode.Strategy
	timeout  time.Duration
}

// Supports reports whether the provider serves ct.
func (s Spec) Supports(ct media.ContentType) bool {
	for _, t := range s.types {
		if t == ct {
			return true
		}
	}
	return false
}

// Types returns the parsed content types.
func (s Spec) Types() []media.ContentType { return s.types }

// Chain returns the compiled steps in order.
func (s Spec) Chain() []CompiledStep { return s.chain }

// Strategy returns the decode strategy bound at load.
func (s Spec) Strategy() decode.Strategy { return s.strategy }

// WalkTimeout is the provider's own timeout, zero when unset.
func (s Spec) WalkTimeout() time.Duration { return s.timeout }

// NeedsTitle reports whether an embed template references {title}.
func (s Spec) NeedsTitle() bool {
	return strings.Contains(s.EmbedURLTemplate, "{title}") || strings.Contains(s.EmbedURLTemplateTV, "{title}")
}

// EmbedURL expands the embed template for req. TV requests use the TV
// template when one is set.
func (s Spec) EmbedURL(req media.ContentRequest, title string) string {
	tmpl := s.EmbedURLTemplate
	if req.Type == media.TV && s.EmbedURLTemplateTV != "" {
		tmpl = s.EmbedURLTemplateTV
	}
	r := strings.NewReplacer(
		"{id}", url.PathEscape(req.ExternalID),
		"{type}", req.Type.String(),
		"{season}", strconv.Itoa(req.Season),
		"{episode}", strconv.Itoa(req.Episode),
		"{title}", url.PathEscape(title),
	)
	return r.Replace(tmpl)
}

// compile validates the record and resolves everything that can fail, so a
// broken registry never reaches request time.
func (s *Spec) compile(lookupEnv func(string) string) error {
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("invalid provider id %q", s.ID)
	}

	s.types = nil
	if len(s.ContentTypes) == 0 {
		s.types = []media.ContentType{media.Movie, media.TV}
	}
	for _, raw := range s.ContentTypes {
		switch strings.ToLower(raw) {
		case "movie":
			s.types = append(s.types, media.Movie)
		case "tv":
			s.types = append(s.types, media.TV)
		default:
			return fmt.Errorf("unknown content type %q (valid: movie, tv)", raw)
		}
	}

	if s.EmbedURLTemplate == "" {
		return fmt.Errorf("embed_url is required")
	}
	for _, tmpl := range []string{s.EmbedURLTemplate, s.EmbedURLTemplateTV} {
		if tmpl == "" {
			continue
		}
		if !strings.HasPrefix(tmpl, "https://") {
			return fmt.Errorf("embed template %q must be https", tmpl)
		}
	}

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid timeout %q", s.Timeout)
		}
		s.timeout = d
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("chain needs at least one step")
	}
	s.chain = make([]CompiledStep, len(s.Steps))
	for i, st := range s.Steps {
		cs, err := compileStep(st, i == len(s.Steps)-1, s.RequiresBrowser)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		s.chain[i] = cs
	}
	if s.FingerprintScript != "" && !s.RequiresBrowser {
		return fmt.Errorf("fingerprint_script needs requires_browser = true")
	}

	if s.DecodeStrategy == "" {
		return fmt.Errorf("decode strategy is required")
	}
	strategy, err := decode.Build(s.DecodeStrategy, s.DecodeParams)
	if err != nil {
		return err
	}
	s.strategy = strategy

	if s.CredentialEnv != "" && s.Credential == "" {
		s.Credential = lookupEnv(s.CredentialEnv)
	}
	return nil
}

func compileStep(st Step, last, browserAllowed bool) (CompiledStep, error) {
	cs := CompiledStep{Step: st, Captures: map[string]*extract.Compiled{}}

	cs.Target = st.Rule.Target
	if cs.Target == "" {
		cs.Target = extract.TargetNext
		if last {
			cs.Target = extract.TargetPayload
		}
	}
	if last && cs.Target != extract.TargetPayload {
		return cs, fmt.Errorf("the last step must target payload")
	}
	if !last && cs.Target != extract.TargetNext {
		return cs, fmt.Errorf("only the last step may target payload")
	}

	switch st.Kind {
	case Fetch:
		if !st.Value.empty() || st.Wait.Selector != "" {
			return cs, fmt.Errorf("value and wait apply to browserNavigate steps only")
		}
		if st.Rule.Type == "" {
			return cs, fmt.Errorf("fetch step needs a rule")
		}
	case BrowserNavigate:
		if !browserAllowed {
			return cs, fmt.Errorf("browserNavigate step needs requires_browser = true")
		}
		if st.Value.empty() && st.Rule.Type == "" {
			return cs, fmt.Errorf("browserNavigate step needs a value or a rule")
		}
		if !st.Value.empty() {
			t := st.Value.target()
			if err := t.Validate(); err != nil {
				return cs, err
			}
			cs.InPage = &t
		}
	default:
		return cs, fmt.Errorf("unknown step kind %q (valid: fetch, browserNavigate)", st.Kind)
	}

	if st.Rule.Type != "" {
		c, err := extract.Compile(st.Rule)
		if err != nil {
			return cs, err
		}
		cs.Matcher = c
	}
	for name, r := range st.Capture {
		if name == "" {
			return cs, fmt.Errorf("capture with an empty name")
		}
		c, err := extract.Compile(r)
		if err != nil {
			return cs, fmt.Errorf("capture %q: %w", name, err)
		}
		cs.Captures[name] = c
	}
	return cs, nil
}
