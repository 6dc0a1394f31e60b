package extract

import (
	"testing"

	"streamwalk/internal/failure"
)

const embedPage = `<html><head><title>Player</title>
<meta name="_gg_fb" content="ckey77">
</head><body>
<iframe id="player" src="/e/abc123?autoplay=1"></iframe>
<div class="server" data-link="https://cdn.example/hls/x.m3u8">Server 1</div>
<script>var sessionId = "sess-42"; var blob = 'QUJDREVG';</script>
</body></html>`

func TestCompileRejectsBrokenRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown type", Rule{Type: "xpath", Pattern: "//a"}},
		{"empty regex", Rule{Type: Regex}},
		{"bad regex", Rule{Type: Regex, Pattern: "(unclosed"}},
		{"missing group", Rule{Type: Regex, Pattern: `src="([^"]+)"`, Group: 2}},
		{"empty selector", Rule{Type: Selector, Pattern: "  "}},
		{"bad selector", Rule{Type: Selector, Pattern: "div[[["}},
		{"empty json path", Rule{Type: JSON}},
		{"json empty segment", Rule{Type: JSON, Pattern: "a..b"}},
		{"bad target", Rule{Type: ClientKey, Target: "elsewhere"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.rule); err == nil {
				t.Errorf("Compile(%+v) should fail", tt.rule)
			}
		})
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		body string
		want string
	}{
		{"regex first group by default", Rule{Type: Regex, Pattern: `sessionId = "([^"]+)"`}, embedPage, "sess-42"},
		{"regex whole match", Rule{Type: Regex, Pattern: `sess-\d+`}, embedPage, "sess-42"},
		{"regex explicit group", Rule{Type: Regex, Pattern: `(var) blob = '([^']+)'`, Group: 2}, embedPage, "QUJDREVG"},
		{"selector attribute", Rule{Type: Selector, Pattern: "iframe#player", Attr: "src"}, embedPage, "/e/abc123?autoplay=1"},
		{"selector text", Rule{Type: Selector, Pattern: "div.server"}, embedPage, "Server 1"},
		{"selector data attribute", Rule{Type: Selector, Pattern: "div.server", Attr: "data-link"}, embedPage, "https://cdn.example/hls/x.m3u8"},
		{"json nested", Rule{Type: JSON, Pattern: "sources.0.file"}, `{"sources":[{"file":"enc-data"}],"encrypted":true}`, "enc-data"},
		{"json non-string", Rule{Type: JSON, Pattern: "meta.count"}, `{"meta":{"count":3}}`, "3"},
		{"client key", Rule{Type: ClientKey}, embedPage, "ckey77"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(tt.rule)
			if err != nil {
				t.Fatalf("Compile() error: %v", err)
			}
			got, err := c.Apply(tt.body)
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyNoMatchIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		body string
	}{
		{"regex", Rule{Type: Regex, Pattern: `token=(\w+)`}, embedPage},
		{"selector", Rule{Type: Selector, Pattern: "video source", Attr: "src"}, embedPage},
		{"selector missing attr", Rule{Type: Selector, Pattern: "iframe", Attr: "data-src"}, embedPage},
		{"json missing key", Rule{Type: JSON, Pattern: "sources.0.url"}, `{"sources":[{"file":"x"}]}`},
		{"json index out of range", Rule{Type: JSON, Pattern: "sources.3"}, `{"sources":[]}`},
		{"json invalid document", Rule{Type: JSON, Pattern: "a"}, `<html>`},
		{"client key", Rule{Type: ClientKey}, `<html></html>`},
		{"empty value", Rule{Type: Regex, Pattern: `src="([^"]*)"`}, `<a src="">`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MustCompile(tt.rule).Apply(tt.body)
			if got := failure.KindOf(err); got != failure.NotFound {
				t.Errorf("KindOf = %v, want NotFound (err %v)", got, err)
			}
		})
	}
}
