package decode

import (
	"encoding/base64"
	"fmt"
	"strings"

	"streamwalk/internal/media"
)

// alphabet is base64 over a provider-specific 64 character alphabet.
type alphabet struct {
	enc *base64.Encoding
}

func newAlphabet(params map[string]string) (Strategy, error) {
	if err := allowParams(params, "alphabet"); err != nil {
		return nil, err
	}
	a := params["alphabet"]
	if len(a) != 64 {
		return nil, fmt.Errorf("alphabet must be 64 ASCII characters, got %d bytes", len(a))
	}
	seen := make(map[byte]bool, 64)
	for i := 0; i < len(a); i++ {
		c := a[i]
		if c < 0x21 || c > 0x7e || c == '=' {
			return nil, fmt.Errorf("alphabet contains unusable character %q", c)
		}
		if seen[c] {
			return nil, fmt.Errorf("alphabet repeats %q", c)
		}
		seen[c] = true
	}
	return &alphabet{enc: base64.NewEncoding(a).WithPadding(base64.NoPadding)}, nil
}

func (s *alphabet) ID() string { return "base64-alphabet" }

func (s *alphabet) Decode(p media.Payload, _ Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	out, err := s.enc.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", malformed("custom alphabet: %v", err)
	}
	return string(out), nil
}

func (s *alphabet) Encode(plaintext string, _ Context) (media.Payload, error) {
	return media.Payload{Data: s.enc.EncodeToString([]byte(plaintext))}, nil
}

// urlSafe is URL-safe base64 with optional padding.
type urlSafe struct{}

func newURLSafe(params map[string]string) (Strategy, error) {
	if err := allowParams(params); err != nil {
		return nil, err
	}
	return urlSafe{}, nil
}

func (urlSafe) ID() string { return "base64-urlsafe" }

func (urlSafe) Decode(p media.Payload, _ Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	out, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", malformed("url-safe base64: %v", err)
	}
	return string(out), nil
}

func (urlSafe) Encode(plaintext string, _ Context) (media.Payload, error) {
	return media.Payload{Data: base64.URLEncoding.EncodeToString([]byte(plaintext))}, nil
}

// rotate shifts letters (and optionally digits) by a fixed amount.
type rotate struct {
	shift  int
	digits bool
}

func newRotate(params map[string]string) (Strategy, error) {
	if err := allowParams(params, "shift", "digits"); err != nil {
		return nil, err
	}
	shift, err := intParam(params, "shift", 13)
	if err != nil {
		return nil, err
	}
	digits, err := boolParam(params, "digits")
	if err != nil {
		return nil, err
	}
	return &rotate{shift: shift, digits: digits}, nil
}

func (s *rotate) ID() string { return "rotate" }

func (s *rotate) Decode(p media.Payload, _ Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	return s.apply(data, -s.shift), nil
}

func (s *rotate) Encode(plaintext string, _ Context) (media.Payload, error) {
	return media.Payload{Data: s.apply(plaintext, s.shift)}, nil
}

func (s *rotate) apply(in string, shift int) string {
	out := []byte(in)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = 'a' + byte(mod(int(c-'a')+shift, 26))
		case c >= 'A' && c <= 'Z':
			out[i] = 'A' + byte(mod(int(c-'A')+shift, 26))
		case s.digits && c >= '0' && c <= '9':
			out[i] = '0' + byte(mod(int(c-'0')+shift, 10))
		}
	}
	return string(out)
}

func mod(a, n int) int {
	return ((a % n) + n) % n
}
