// Package failure defines the resolution error taxonomy shared by every stage
// of the pipeline.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a provider attempt failed.
type Kind int

const (
	Unknown Kind = iota
	NetworkError
	Timeout
	NotFound
	MalformedPayload
	KeyDerivationFailed
	DecodeMismatch
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case NetworkError:
		return "NetworkError"
	case Timeout:
		return "Timeout"
	case NotFound:
		return "NotFound"
	case MalformedPayload:
		return "MalformedPayload"
	case KeyDerivationFailed:
		return "KeyDerivationFailed"
	case DecodeMismatch:
		return "DecodeMismatch"
	default:
		return "Unknown"
	}
}

// ParseKind is the inverse of String. Unrecognized names are Unknown.
func ParseKind(name string) Kind {
	for k := NetworkError; k <= DecodeMismatch; k++ {
		if k.String() == name {
			return k
		}
	}
	return Unknown
}

// Retryable reports whether an attempt failing with k may be repeated in place.
// Structural kinds mean the provider changed and must surface immediately.
func (k Kind) Retryable() bool {
	return k == NetworkError || k == Timeout
}

// Error is a classified failure. Provider and Step are optional context.
type Error struct {
	Kind     Kind
	Provider string
	Step     int // chain step index, -1 when not tied to a step
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, "provider "+e.Provider)
	}
	if e.Step >= 0 {
		parts = append(parts, fmt.Sprintf("step %d", e.Step))
	}
	head := e.Kind.String()
	if len(parts) > 0 {
		head += " (" + strings.Join(parts, ", ") + ")"
	}
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if msg == "" {
		return head
	}
	return head + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone: errors.Is(err, &Error{Kind: Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == "" && t.Message == "" && t.Err == nil
}

// New creates a classified error not tied to a chain step.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Step: -1, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Step: -1, Message: fmt.Sprintf(format, args...), Err: err}
}

// At returns a copy of e tied to a provider and step.
func (e *Error) At(provider string, step int) *Error {
	cp := *e
	cp.Provider = provider
	cp.Step = step
	return &cp
}

// KindOf extracts the failure kind from err. Context cancellation and
// deadlines map to Timeout; anything unclassified is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// Reason is one provider's contribution to an aggregate failure.
type Reason struct {
	ProviderID string `json:"provider_id"`
	Kind       Kind   `json:"-"`
	KindName   string `json:"kind"`
	Message    string `json:"message"`
}

// ReasonFor builds a Reason from an attempt error.
func ReasonFor(providerID string, err error) Reason {
	k := KindOf(err)
	return Reason{ProviderID: providerID, Kind: k, KindName: k.String(), Message: err.Error()}
}

// AllProvidersFailed is returned when every candidate provider failed. It
// always carries one reason per attempted provider.
type AllProvidersFailed struct {
	Request string   `json:"request"`
	Reasons []Reason `json:"reasons"`
}

func (e *AllProvidersFailed) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("all providers failed for %s: no provider supports this request", e.Request)
	}
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s: %s", r.ProviderID, r.Kind))
	}
	return fmt.Sprintf("all providers failed for %s (%s)", e.Request, strings.Join(parts, "; "))
}

// Has reports whether a provider failed with the given kind.
func (e *AllProvidersFailed) Has(providerID string, kind Kind) bool {
	for _, r := range e.Reasons {
		if r.ProviderID == providerID && r.Kind == kind {
			return true
		}
	}
	return false
}
