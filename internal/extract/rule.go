// Package extract pulls the next hop URL, the final payload, or auxiliary
// tokens out of a fetched page according to declarative rules.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"streamwalk/internal/failure"
)

// RuleType selects how a rule reads a page.
type RuleType string

const (
	Regex     RuleType = "regex"
	Selector  RuleType = "selector"
	JSON      RuleType = "json"
	ClientKey RuleType = "clientKey"
)

// Target says what a step's main rule produces.
type Target string

const (
	TargetNext    Target = "next"
	TargetPayload Target = "payload"
)

// Rule describes how to pull one value out of a response body.
//
// For regex rules Pattern is the expression and Group picks the capture
// group (the first group when zero and the pattern has groups). For
// selector rules Pattern is a CSS selector and Attr names the attribute to
// read, empty meaning the element text. For json rules Pattern is a dotted
// path such as "sources.0.file". clientKey rules take no pattern.
type Rule struct {
	Type    RuleType `toml:"type" yaml:"type"`
	Pattern string   `toml:"pattern" yaml:"pattern"`
	Group   int      `toml:"group" yaml:"group"`
	Attr    string   `toml:"attr" yaml:"attr"`
	Target  Target   `toml:"target" yaml:"target"`
}

// Compiled is a validated rule ready to apply.
type Compiled struct {
	rule Rule
	re   *regexp.Regexp
	path []string
}

// Compile validates a rule. Registry loading calls it so broken rules fail
// at startup instead of mid-walk.
func Compile(r Rule) (*Compiled, error) {
	c := &Compiled{rule: r}
	switch r.Type {
	case Regex:
		if r.Pattern == "" {
			return nil, fmt.Errorf("regex rule needs a pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling regex %q: %w", r.Pattern, err)
		}
		if r.Group < 0 || r.Group > re.NumSubexp() {
			return nil, fmt.Errorf("regex %q has no group %d", r.Pattern, r.Group)
		}
		if r.Group == 0 && re.NumSubexp() > 0 {
			c.rule.Group = 1
		}
		c.re = re
	case Selector:
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("selector rule needs a pattern")
		}
		// goquery silently matches nothing on a bad selector.
		if _, err := cascadia.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", r.Pattern, err)
		}
	case JSON:
		if r.Pattern == "" {
			return nil, fmt.Errorf("json rule needs a path")
		}
		c.path = strings.Split(r.Pattern, ".")
		for _, seg := range c.path {
			if seg == "" {
				return nil, fmt.Errorf("json path %q has an empty segment", r.Pattern)
			}
		}
	case ClientKey:
	default:
		return nil, fmt.Errorf("unknown rule type %q (valid: regex, selector, json, clientKey)", r.Type)
	}

	switch r.Target {
	case "", TargetNext, TargetPayload:
	default:
		return nil, fmt.Errorf("unknown rule target %q (valid: next, payload)", r.Target)
	}
	return c, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// fixed rules.
func MustCompile(r Rule) *Compiled {
	c, err := Compile(r)
	if err != nil {
		panic(err)
	}
	return c
}

// Rule returns the rule as compiled.
func (c *Compiled) Rule() Rule { return c.rule }

// Apply runs the rule against body. A rule that does not match yields a
// failure.NotFound error: the page layout changed.
func (c *Compiled) Apply(body string) (string, error) {
	var (
		v   string
		err error
	)
	switch c.rule.Type {
	case Regex:
		v, err = c.applyRegex(body)
	case Selector:
		v, err = c.applySelector(body)
	case JSON:
		v, err = c.applyJSON(body)
	case ClientKey:
		v, err = extractClientKey(body)
	default:
		err = fmt.Errorf("unknown rule type %q", c.rule.Type)
	}
	if err != nil {
		return "", failure.Wrap(failure.NotFound, err, "%s rule did not match", c.rule.Type)
	}
	if strings.TrimSpace(v) == "" {
		return "", failure.New(failure.NotFound, "%s rule matched an empty value", c.rule.Type)
	}
	return strings.TrimSpace(v), nil
}

func (c *Compiled) applyRegex(body string) (string, error) {
	m := c.re.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("pattern %q not found", c.rule.Pattern)
	}
	return m[c.rule.Group], nil
}

func (c *Compiled) applySelector(body string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	sel := doc.Find(c.rule.Pattern).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("selector %q matched nothing", c.rule.Pattern)
	}
	if c.rule.Attr == "" {
		return sel.Text(), nil
	}
	v, ok := sel.Attr(c.rule.Attr)
	if !ok {
		return "", fmt.Errorf("selector %q has no attribute %q", c.rule.Pattern, c.rule.Attr)
	}
	return v, nil
}

func (c *Compiled) applyJSON(body string) (string, error) {
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "", fmt.Errorf("parsing JSON: %w", err)
	}
	cur := doc
	for _, seg := range c.path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", fmt.Errorf("json path %q: key %q missing", c.rule.Pattern, seg)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", fmt.Errorf("json path %q: bad index %q", c.rule.Pattern, seg)
			}
			cur = node[i]
		default:
			return "", fmt.Errorf("json path %q: cannot descend into %q", c.rule.Pattern, seg)
		}
	}
	switch v := cur.(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("json path %q is null", c.rule.Pattern)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
