// Package decode turns a provider's obfuscated payload into a plaintext
// stream URL. Each provider names exactly one strategy in the registry; the
// strategy is resolved once at load time and applied as a pure function of
// the payload and an immutable Context.
package decode

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"time"

	"streamwalk/internal/failure"
	"streamwalk/internal/media"
)

// fingerprintPrefix marks payload aux entries that carry browser
// fingerprint attributes.
const fingerprintPrefix = "fp."

// Context is everything a strategy may read besides the payload itself.
// Strategies must not modify it.
type Context struct {
	ProviderID       string
	Fingerprint      map[string]string
	RequestTimestamp time.Time
	Credential       string
	Aux              map[string]string
}

// NewContext snapshots the inputs of one decode. Static fingerprint
// attributes from the provider spec are overlaid by any "fp.<name>" values
// captured during the walk.
func NewContext(providerID string, p media.Payload, credential string, fingerprint map[string]string, now time.Time) Context {
	fp := maps.Clone(fingerprint)
	if fp == nil {
		fp = map[string]string{}
	}
	aux := map[string]string{}
	for k, v := range p.Aux {
		aux[k] = v
		if name, ok := strings.CutPrefix(k, fingerprintPrefix); ok && name != "" {
			fp[name] = v
		}
	}
	return Context{
		ProviderID:       providerID,
		Fingerprint:      fp,
		RequestTimestamp: now,
		Credential:       credential,
		Aux:              aux,
	}
}

// Value returns a captured aux token.
func (c Context) Value(name string) (string, bool) {
	v, ok := c.Aux[name]
	return v, ok && v != ""
}

// Strategy decodes one family of obfuscation.
type Strategy interface {
	ID() string
	Decode(p media.Payload, ctx Context) (string, error)
}

// Encoder is implemented by strategies that can produce their own input.
// It exists for fixtures and round-trip tests.
type Encoder interface {
	Encode(plaintext string, ctx Context) (media.Payload, error)
}

// Factory builds a strategy from registry params.
type Factory func(params map[string]string) (Strategy, error)

var factories map[string]Factory

// Populated in init because newEnvelope calls Build, which reads factories;
// a static initializer would be an initialization cycle.
func init() {
	factories = map[string]Factory{
		"base64-alphabet":     newAlphabet,
		"base64-urlsafe":      newURLSafe,
		"rotate":              newRotate,
		"reverse-hex-offset":  newHexOffset,
		"xor-with-session-id": newSessionXOR,
		"envelope":            newEnvelope,
		"layered-shuffle":     newLayered,
		"aes-ctr-fingerprint": newFingerprintAES,
	}
}

// Build resolves a strategy id. Unknown ids and bad params are errors; the
// registry treats them as fatal at load.
func Build(id string, params map[string]string) (Strategy, error) {
	f, ok := factories[id]
	if !ok {
		return nil, fmt.Errorf("unknown decode strategy %q (valid: %s)", id, strings.Join(IDs(), ", "))
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("decode strategy %q: %w", id, err)
	}
	return s, nil
}

// IDs lists the registered strategy ids in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(factories))
	for id := range factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func malformed(format string, args ...any) error {
	return failure.New(failure.MalformedPayload, format, args...)
}

func keyFailure(format string, args ...any) error {
	return failure.New(failure.KeyDerivationFailed, format, args...)
}

// checkData rejects empty payloads before any strategy work.
func checkData(p media.Payload) (string, error) {
	data := strings.TrimSpace(p.Data)
	if data == "" {
		return "", malformed("empty payload")
	}
	return data, nil
}

func intParam(params map[string]string, name string, def int) (int, error) {
	raw, ok := params[name]
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %q is not an integer", name, raw)
	}
	return v, nil
}

func boolParam(params map[string]string, name string) (bool, error) {
	raw, ok := params[name]
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("param %s: %q is not a boolean", name, raw)
	}
	return v, nil
}

func stringParam(params map[string]string, name, def string) string {
	if v, ok := params[name]; ok && v != "" {
		return v
	}
	return def
}

// allowParams rejects params a strategy does not understand, so typos in the
// registry fail at load.
func allowParams(params map[string]string, allowed ...string) error {
	for k := range params {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown param %q", k)
		}
	}
	return nil
}
