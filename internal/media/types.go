// Package media defines the shared request and result types for streamwalk.
package media

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ContentType represents whether content is a movie or a TV episode.
type ContentType int

const (
	Movie ContentType = iota
	TV
)

func (c ContentType) String() string {
	switch c {
	case Movie:
		return "movie"
	case TV:
		return "tv"
	default:
		return "unknown"
	}
}

// ParseContentType accepts "movie" or "tv" (plus a few common aliases).
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "movie", "movies", "film":
		return Movie, nil
	case "tv", "show", "series", "episode":
		return TV, nil
	default:
		return Movie, fmt.Errorf("unknown content type %q (valid: movie, tv)", s)
	}
}

// externalIDPattern matches catalog ids such as "tt0111161" or "1399".
var externalIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ContentRequest identifies the movie or episode to resolve. It is never
// modified once created.
type ContentRequest struct {
	Type       ContentType
	ExternalID string
	Season     int // TV only
	Episode    int // TV only
}

// Validate checks that the request is complete for its content type.
func (r ContentRequest) Validate() error {
	if !externalIDPattern.MatchString(r.ExternalID) {
		return fmt.Errorf("invalid external id %q", r.ExternalID)
	}
	switch r.Type {
	case Movie:
		if r.Season != 0 || r.Episode != 0 {
			return fmt.Errorf("movie request cannot carry season/episode")
		}
	case TV:
		if r.Season < 1 || r.Episode < 1 {
			return fmt.Errorf("tv request needs season and episode >= 1 (got s%d e%d)", r.Season, r.Episode)
		}
	default:
		return fmt.Errorf("unknown content type %d", r.Type)
	}
	return nil
}

// Key is the stable cache/coalescing identity of the requested content.
func (r ContentRequest) Key() string {
	if r.Type == TV {
		return fmt.Sprintf("tv:%s:s%de%d", r.ExternalID, r.Season, r.Episode)
	}
	return "movie:" + r.ExternalID
}

func (r ContentRequest) String() string {
	if r.Type == TV {
		return fmt.Sprintf("%s S%02dE%02d", r.ExternalID, r.Season, r.Episode)
	}
	return r.ExternalID
}

// Payload is the encoded value a provider chain ends in. It is produced by the
// navigator, handed to exactly one decode strategy and then dropped.
type Payload struct {
	Data      string            // Raw encoded text pulled out of the last hop
	StepIndex int               // Index of the chain step that produced Data
	SourceURL string            // URL of the hop Data came from
	Aux       map[string]string // Captured session ids, timestamps, nonces, fingerprint attrs
}

// AuxValue returns a captured auxiliary value.
func (p Payload) AuxValue(name string) (string, bool) {
	if p.Aux == nil {
		return "", false
	}
	v, ok := p.Aux[name]
	return v, ok && v != ""
}

// ResolutionResult is a validated stream URL for a request.
type ResolutionResult struct {
	StreamURL  string    `json:"stream_url"`
	ProviderID string    `json:"provider_id"`
	ResolvedAt time.Time `json:"resolved_at"`
	Referer    string    `json:"referer,omitempty"` // Last hop URL; most CDNs check it
}
