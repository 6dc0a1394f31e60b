package provider

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"streamwalk/internal/extract"
	"streamwalk/internal/failure"
	"streamwalk/internal/media"
)

const sampleTOML = `
[[provider]]
id = "beta"
priority = 2
content_types = ["movie", "tv"]
embed_url = "https://beta.example/embed/{type}/{id}"
embed_url_tv = "https://beta.example/embed/tv/{id}/{season}/{episode}"
decode = "xor-with-session-id"

[provider.headers]
Referer = "https://beta.example/"

[[provider.steps]]
kind = "fetch"
rule = { type = "selector", pattern = "iframe#player", attr = "src" }

[[provider.steps]]
kind = "fetch"
rule = { type = "regex", pattern = 'data-payload="([^"]+)"' }
capture = { session_id = { type = "regex", pattern = 'sid=([a-z0-9]+)' } }

[[provider]]
id = "alpha"
priority = 1
content_types = ["movie"]
embed_url = "https://alpha.example/e/{id}"
decode = "rotate"
timeout = "20s"

[[provider.steps]]
kind = "fetch"
rule = { type = "regex", pattern = 'file:"([^"]+)"', target = "payload" }

[[provider]]
id = "gamma"
priority = 3
embed_url = "https://gamma.example/watch/{id}"
decode = "aes-ctr-fingerprint"
requires_browser = true
credential_env = "GAMMA_TEST_CREDENTIAL"
fingerprint_script = "({ua: navigator.userAgent})"

[[provider.steps]]
kind = "browserNavigate"
value = { global = '^_[a-z0-9]{8}$' }
wait = { selector = "#player" }
capture = { timestamp = { type = "regex", pattern = 'ts=(\d+)' } }

[[provider]]
id = "delta"
priority = 0
embed_url = "https://delta.example/{id}"
decode = "base64-urlsafe"
disabled = true

[[provider.steps]]
kind = "fetch"
rule = { type = "regex", pattern = "x" }
`

func TestParseTOML(t *testing.T) {
	t.Setenv("GAMMA_TEST_CREDENTIAL", "from-env")

	reg, err := Parse([]byte(sampleTOML), TOML)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if reg.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (disabled provider dropped)", reg.Len())
	}

	var ids []string
	for _, s := range reg.All() {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "alpha,beta,gamma" {
		t.Errorf("priority order = %s", got)
	}

	alpha, err := reg.Lookup("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if alpha.WalkTimeout().String() != "20s" {
		t.Errorf("alpha timeout = %v", alpha.WalkTimeout())
	}
	if alpha.Strategy().ID() != "rotate" {
		t.Errorf("alpha strategy = %s", alpha.Strategy().ID())
	}

	beta, _ := reg.Lookup("beta")
	chain := beta.Chain()
	if len(chain) != 2 {
		t.Fatalf("beta chain has %d steps", len(chain))
	}
	if chain[0].Target != extract.TargetNext || chain[1].Target != extract.TargetPayload {
		t.Errorf("targets = %s, %s; want next, payload", chain[0].Target, chain[1].Target)
	}
	if chain[1].Captures["session_id"] == nil {
		t.Error("session_id capture not compiled")
	}
	if beta.Headers["Referer"] != "https://beta.example/" {
		t.Errorf("beta headers = %v", beta.Headers)
	}

	gamma, _ := reg.Lookup("gamma")
	if gamma.Credential != "from-env" {
		t.Errorf("gamma credential = %q, want value from env", gamma.Credential)
	}
	if !gamma.Supports(media.Movie) || !gamma.Supports(media.TV) {
		t.Error("provider without content_types should serve both")
	}
	if gamma.Chain()[0].InPage == nil || gamma.Chain()[0].InPage.Global == "" {
		t.Error("gamma browser value not compiled")
	}
	if gamma.Chain()[0].Matcher != nil {
		t.Error("browser step without a rule should have no matcher")
	}
}

func TestParseYAML(t *testing.T) {
	data := `
providers:
  - id: alpha
    priority: 1
    content_types: [movie]
    embed_url: "https://alpha.example/e/{id}"
    decode: base64-alphabet
    decode_params:
      alphabet: "zyxwvutsrqponmlkjihgfedcbaZYXWVUTSRQPONMLKJIHGFEDCBA9876543210-_"
    steps:
      - kind: fetch
        rule: {type: json, pattern: sources.0.file}
`
	reg, err := Parse([]byte(data), YAML)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	s, err := reg.Lookup("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if s.Strategy().ID() != "base64-alphabet" {
		t.Errorf("strategy = %s", s.Strategy().ID())
	}
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	data := `
providers:
  - id: alpha
    embed_url: "https://alpha.example/e/{id}"
    decode: rotate
    decoder_params: {}
    steps:
      - kind: fetch
        rule: {type: regex, pattern: x}
`
	if _, err := Parse([]byte(data), YAML); err == nil {
		t.Error("misspelled YAML field should fail")
	}
}

func TestRegistryRejects(t *testing.T) {
	step := Step{Kind: Fetch, Rule: extract.Rule{Type: extract.Regex, Pattern: "(x)"}}
	base := func() Spec {
		return Spec{
			ID:               "alpha",
			EmbedURLTemplate: "https://alpha.example/{id}",
			DecodeStrategy:   "rotate",
			Steps:            []Step{step},
		}
	}

	tests := []struct {
		name   string
		modify func(*Spec)
	}{
		{"unknown strategy", func(s *Spec) { s.DecodeStrategy = "guess" }},
		{"missing strategy", func(s *Spec) { s.DecodeStrategy = "" }},
		{"bad strategy params", func(s *Spec) { s.DecodeParams = map[string]string{"shift": "x"} }},
		{"no steps", func(s *Spec) { s.Steps = nil }},
		{"bad id", func(s *Spec) { s.ID = "Has Spaces" }},
		{"empty id", func(s *Spec) { s.ID = "" }},
		{"bad content type", func(s *Spec) { s.ContentTypes = []string{"podcast"} }},
		{"no embed url", func(s *Spec) { s.EmbedURLTemplate = "" }},
		{"plain http embed", func(s *Spec) { s.EmbedURLTemplate = "http://alpha.example/{id}" }},
		{"bad timeout", func(s *Spec) { s.Timeout = "soon" }},
		{"unknown step kind", func(s *Spec) { s.Steps = []Step{{Kind: "teleport", Rule: step.Rule}} }},
		{"browser step without flag", func(s *Spec) {
			s.Steps = []Step{{Kind: BrowserNavigate, Value: BrowserValue{Selector: "#src"}}}
		}},
		{"browser step without value or rule", func(s *Spec) {
			s.RequiresBrowser = true
			s.Steps = []Step{{Kind: BrowserNavigate}}
		}},
		{"browser value with two reads", func(s *Spec) {
			s.RequiresBrowser = true
			s.Steps = []Step{{Kind: BrowserNavigate, Value: BrowserValue{Selector: "a", Global: "b"}}}
		}},
		{"fetch step with wait", func(s *Spec) {
			s.Steps = []Step{{Kind: Fetch, Rule: step.Rule, Value: BrowserValue{Selector: "a"}}}
		}},
		{"fetch step without rule", func(s *Spec) { s.Steps = []Step{{Kind: Fetch}} }},
		{"last step targets next", func(s *Spec) {
			r := step.Rule
			r.Target = extract.TargetNext
			s.Steps = []Step{{Kind: Fetch, Rule: r}}
		}},
		{"middle step targets payload", func(s *Spec) {
			r := step.Rule
			r.Target = extract.TargetPayload
			s.Steps = []Step{{Kind: Fetch, Rule: r}, step}
		}},
		{"broken rule", func(s *Spec) {
			s.Steps = []Step{{Kind: Fetch, Rule: extract.Rule{Type: extract.Regex, Pattern: "("}}}
		}},
		{"broken capture", func(s *Spec) {
			s.Steps = []Step{{Kind: Fetch, Rule: step.Rule, Capture: map[string]extract.Rule{"sid": {Type: "nope"}}}}
		}},
		{"fingerprint script without browser", func(s *Spec) { s.FingerprintScript = "({})" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.modify(&s)
			if _, err := NewRegistry(s); err == nil {
				t.Error("NewRegistry() should fail")
			}
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		if _, err := NewRegistry(base(), base()); err == nil {
			t.Error("duplicate ids should fail")
		}
	})
	t.Run("valid base", func(t *testing.T) {
		if _, err := NewRegistry(base()); err != nil {
			t.Errorf("base spec should be valid: %v", err)
		}
	})
}

func TestLookupUnknown(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.Lookup("nope")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Lookup() error = %v, want ErrUnknownProvider", err)
	}
	if failure.KindOf(err) != failure.NotFound {
		t.Errorf("KindOf = %v, want NotFound", failure.KindOf(err))
	}
}

func TestListByContentType(t *testing.T) {
	reg, err := Parse([]byte(sampleTOML), TOML)
	if err != nil {
		t.Fatal(err)
	}
	var tv []string
	for _, s := range reg.List(media.TV) {
		tv = append(tv, s.ID)
	}
	if got := strings.Join(tv, ","); got != "beta,gamma" {
		t.Errorf("List(tv) = %s, want beta,gamma", got)
	}
	if got := len(reg.List(media.Movie)); got != 3 {
		t.Errorf("List(movie) has %d providers, want 3", got)
	}
}

func TestEmbedURL(t *testing.T) {
	s := Spec{
		EmbedURLTemplate:   "https://p.example/{type}/{id}?t={title}",
		EmbedURLTemplateTV: "https://p.example/tv/{id}/{season}/{episode}",
	}
	movie := media.ContentRequest{Type: media.Movie, ExternalID: "tt0111161"}
	if got := s.EmbedURL(movie, "The Shawshank Redemption"); got != "https://p.example/movie/tt0111161?t=The%20Shawshank%20Redemption" {
		t.Errorf("movie EmbedURL = %q", got)
	}
	ep := media.ContentRequest{Type: media.TV, ExternalID: "1399", Season: 2, Episode: 5}
	if got := s.EmbedURL(ep, ""); got != "https://p.example/tv/1399/2/5" {
		t.Errorf("tv EmbedURL = %q", got)
	}
	if !s.NeedsTitle() {
		t.Error("NeedsTitle() should be true")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0644); err != nil {
		t.Fatal(err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if reg.Len() != 3 {
		t.Errorf("Len() = %d", reg.Len())
	}

	if _, err := Load(filepath.Join(dir, "providers.json")); err == nil {
		t.Error("unsupported extension should fail")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestExampleRegistryLoads(t *testing.T) {
	t.Setenv("VAULT_CREDENTIAL", "example-credential")

	reg, err := Load(filepath.Join("..", "..", "providers.example.toml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	var ids []string
	for _, s := range reg.All() {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "relay,mirror,vault" {
		t.Errorf("providers = %s", got)
	}
	vault, err := reg.Lookup("vault")
	if err != nil {
		t.Fatal(err)
	}
	if vault.Credential != "example-credential" {
		t.Errorf("credential_env not resolved: %q", vault.Credential)
	}
}
