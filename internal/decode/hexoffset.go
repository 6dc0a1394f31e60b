package decode

import (
	"encoding/hex"

	"streamwalk/internal/media"
)

// hexOffset reverses the payload, hex-decodes it and subtracts a fixed
// offset from every byte.
type hexOffset struct {
	offset int
}

func newHexOffset(params map[string]string) (Strategy, error) {
	if err := allowParams(params, "offset"); err != nil {
		return nil, err
	}
	off, err := intParam(params, "offset", 0)
	if err != nil {
		return nil, err
	}
	return &hexOffset{offset: mod(off, 256)}, nil
}

func (s *hexOffset) ID() string { return "reverse-hex-offset" }

func (s *hexOffset) Decode(p media.Payload, _ Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	if len(data)%2 != 0 {
		return "", malformed("hex payload has odd length %d", len(data))
	}
	raw, err := hex.DecodeString(reverseString(data))
	if err != nil {
		return "", malformed("hex payload: %v", err)
	}
	for i := range raw {
		raw[i] -= byte(s.offset)
	}
	return string(raw), nil
}

func (s *hexOffset) Encode(plaintext string, _ Context) (media.Payload, error) {
	raw := []byte(plaintext)
	for i := range raw {
		raw[i] += byte(s.offset)
	}
	return media.Payload{Data: reverseString(hex.EncodeToString(raw))}, nil
}

// reverseString reverses a string byte-wise. Payloads are ASCII.
func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
