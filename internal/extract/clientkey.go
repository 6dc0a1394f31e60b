package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// keyShape is one of the rotating ways an embed page hides its client key.
// read pulls the key out of the text the pattern matched.
type keyShape struct {
	name    string
	pattern *regexp.Regexp
	read    func(match string) (string, error)
}

var (
	quotedValue = regexp.MustCompile(`"([a-zA-Z0-9]+)"`)
	commentKey  = regexp.MustCompile(`:([a-zA-Z0-9]+)\s`)
	splitParts  = []*regexp.Regexp{
		regexp.MustCompile(`x:\s+["']([a-zA-Z0-9]+)["']`),
		regexp.MustCompile(`y:\s+["']([a-zA-Z0-9]+)["']`),
		regexp.MustCompile(`z:\s+["']([a-zA-Z0-9]+)["']`),
	}
	backtickValue = regexp.MustCompile("['\"`]([0-9a-zA-Z]+)['\"`]")
)

// keyShapes are tried in order; the first that matches wins.
var keyShapes = []keyShape{
	{"meta", regexp.MustCompile(`<meta name="_gg_fb" content="[a-zA-Z0-9]+">`), readQuoted(quotedValue)},
	{"comment", regexp.MustCompile(`<!--\s+_is_th:[0-9a-zA-Z]+\s+-->`), readQuoted(commentKey)},
	{"split", regexp.MustCompile(`<script>window\._lk_db\s+=\s+\{[xyz]:\s+["'][a-zA-Z0-9]+["'],\s+[xyz]:\s+["'][a-zA-Z0-9]+["'],\s+[xyz]:\s+["'][a-zA-Z0-9]+["']\};</script>`), readSplit},
	{"data-attr", regexp.MustCompile(`<div\s+data-dpi="[0-9a-zA-Z]+"\s+[^>]*></div>`), readQuoted(quotedValue)},
	{"nonce", regexp.MustCompile(`<script nonce="[0-9a-zA-Z]+">`), readQuoted(quotedValue)},
	{"global", regexp.MustCompile("<script>window\\._xy_ws = ['\"`][0-9a-zA-Z]+['\"`];</script>"), readQuoted(backtickValue)},
}

func readQuoted(re *regexp.Regexp) func(string) (string, error) {
	return func(match string) (string, error) {
		m := re.FindStringSubmatch(match)
		if m == nil {
			return "", fmt.Errorf("no key value in %q", match)
		}
		return m[1], nil
	}
}

// readSplit joins a key that is spread over x, y and z fields.
func readSplit(match string) (string, error) {
	var b strings.Builder
	for _, re := range splitParts {
		m := re.FindStringSubmatch(match)
		if m == nil {
			return "", fmt.Errorf("split key is missing a part")
		}
		b.WriteString(m[1])
	}
	return b.String(), nil
}

// extractClientKey finds the per-request client key an embed page hides in
// one of several rotating shapes.
func extractClientKey(html string) (string, error) {
	for _, shape := range keyShapes {
		match := shape.pattern.FindString(html)
		if match == "" {
			continue
		}
		key, err := shape.read(match)
		if err != nil {
			return "", fmt.Errorf("reading %s client key: %w", shape.name, err)
		}
		return key, nil
	}
	return "", fmt.Errorf("no client key shape matched")
}
