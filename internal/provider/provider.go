// Package provider holds the declarative registry of stream providers: how
// to build each embed URL, the chain of hops to walk, and which decode
// strategy unwraps the final payload.
package provider

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"streamwalk/internal/failure"
	"streamwalk/internal/media"
)

// ErrUnknownProvider is returned by Lookup for ids not in the registry.
var ErrUnknownProvider = errors.New("unknown provider")

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Format is a registry file encoding.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return "", fmt.Errorf("unsupported registry file %q (want .toml, .yaml or .yml)", path)
	}
}

type file struct {
	Providers []Spec `toml:"provider" yaml:"providers"`
}

// Registry is the immutable set of loaded providers.
type Registry struct {
	byID    map[string]Spec
	ordered []Spec
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	reg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes and validates registry data.
func Parse(data []byte, format Format) (*Registry, error) {
	var f file
	switch format {
	case TOML:
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported registry format %q", format)
	}
	return NewRegistry(f.Providers...)
}

// NewRegistry validates specs and builds a registry. Disabled specs are
// dropped. Any invalid spec fails the whole registry.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{byID: make(map[string]Spec, len(specs))}
	for i := range specs {
		s := specs[i]
		if s.Disabled {
			continue
		}
		if err := s.compile(os.Getenv); err != nil {
			name := s.ID
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", s.ID)
		}
		r.byID[s.ID] = s
		r.ordered = append(r.ordered, s)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Priority != r.ordered[j].Priority {
			return r.ordered[i].Priority < r.ordered[j].Priority
		}
		return r.ordered[i].ID < r.ordered[j].ID
	})
	return r, nil
}

// Lookup returns the provider registered under id.
func (r *Registry) Lookup(id string) (Spec, error) {
	s, ok := r.byID[id]
	if !ok {
		return Spec{}, failure.Wrap(failure.NotFound, ErrUnknownProvider, "provider %q", id)
	}
	return s, nil
}

// List returns the providers serving ct, lowest priority value first.
func (r *Registry) List(ct media.ContentType) []Spec {
	var out []Spec
	for _, s := range r.ordered {
		if s.Supports(ct) {
			out = append(out, s)
		}
	}
	return out
}

// All returns every provider in priority order.
func (r *Registry) All() []Spec {
	return append([]Spec(nil), r.ordered...)
}

// Len is the number of registered providers.
func (r *Registry) Len() int { return len(r.ordered) }
