package decode

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"streamwalk/internal/media"
)

// sessionXOR is a repeating-key XOR whose key is a per-session identifier
// captured during the walk.
type sessionXOR struct {
	keyField string
	encoding string // base64 or hex
}

func newSessionXOR(params map[string]string) (Strategy, error) {
	if err := allowParams(params, "key_field", "encoding"); err != nil {
		return nil, err
	}
	enc := stringParam(params, "encoding", "base64")
	if enc != "base64" && enc != "hex" {
		return nil, fmt.Errorf("encoding must be base64 or hex, got %q", enc)
	}
	return &sessionXOR{
		keyField: stringParam(params, "key_field", "session_id"),
		encoding: enc,
	}, nil
}

func (s *sessionXOR) ID() string { return "xor-with-session-id" }

func (s *sessionXOR) Decode(p media.Payload, ctx Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	key, ok := ctx.Value(s.keyField)
	if !ok {
		return "", keyFailure("xor key %q was not captured", s.keyField)
	}
	raw, err := s.unwrap(data)
	if err != nil {
		return "", err
	}
	return string(xorBytes(raw, []byte(key))), nil
}

func (s *sessionXOR) Encode(plaintext string, ctx Context) (media.Payload, error) {
	key, ok := ctx.Value(s.keyField)
	if !ok {
		return media.Payload{}, keyFailure("xor key %q was not captured", s.keyField)
	}
	raw := xorBytes([]byte(plaintext), []byte(key))
	var data string
	if s.encoding == "hex" {
		data = hex.EncodeToString(raw)
	} else {
		data = base64.StdEncoding.EncodeToString(raw)
	}
	return media.Payload{Data: data, Aux: map[string]string{s.keyField: key}}, nil
}

func (s *sessionXOR) unwrap(data string) ([]byte, error) {
	if s.encoding == "hex" {
		raw, err := hex.DecodeString(data)
		if err != nil {
			return nil, malformed("xor hex payload: %v", err)
		}
		return raw, nil
	}
	return decodeStdBase64(data)
}

// envelope is a two-stage format: an outer substitution yields
// "<id><sep><blob>" and the base64 blob is XOR-ed with the id.
type envelope struct {
	outer Strategy
	sep   string
}

// envelopeIDField names the aux value Encode uses as the inner identifier.
const envelopeIDField = "envelope_id"

func newEnvelope(params map[string]string) (Strategy, error) {
	outerID := params["outer"]
	if outerID == "" {
		return nil, fmt.Errorf("envelope needs an outer strategy")
	}
	if outerID == "envelope" {
		return nil, fmt.Errorf("envelope cannot nest itself")
	}
	outerParams := map[string]string{}
	for k, v := range params {
		switch {
		case k == "outer", k == "separator":
		case strings.HasPrefix(k, "outer."):
			outerParams[strings.TrimPrefix(k, "outer.")] = v
		default:
			return nil, fmt.Errorf("unknown param %q", k)
		}
	}
	outer, err := Build(outerID, outerParams)
	if err != nil {
		return nil, err
	}
	return &envelope{outer: outer, sep: stringParam(params, "separator", ":")}, nil
}

func (s *envelope) ID() string { return "envelope" }

func (s *envelope) Decode(p media.Payload, ctx Context) (string, error) {
	inner, err := s.outer.Decode(p, ctx)
	if err != nil {
		return "", err
	}
	id, blob, ok := strings.Cut(inner, s.sep)
	if !ok || id == "" || blob == "" {
		return "", malformed("envelope is not <id>%s<blob>", s.sep)
	}
	raw, err := decodeStdBase64(blob)
	if err != nil {
		return "", err
	}
	return string(xorBytes(raw, []byte(id))), nil
}

func (s *envelope) Encode(plaintext string, ctx Context) (media.Payload, error) {
	enc, ok := s.outer.(Encoder)
	if !ok {
		return media.Payload{}, fmt.Errorf("outer strategy %s cannot encode", s.outer.ID())
	}
	id, ok := ctx.Value(envelopeIDField)
	if !ok {
		id = ctx.ProviderID
	}
	if id == "" || strings.Contains(id, s.sep) {
		return media.Payload{}, keyFailure("envelope id %q is unusable", id)
	}
	blob := base64.StdEncoding.EncodeToString(xorBytes([]byte(plaintext), []byte(id)))
	return enc.Encode(id+s.sep+blob, ctx)
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}

// decodeStdBase64 accepts standard base64 with or without padding.
func decodeStdBase64(data string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(data), "="))
	if err != nil {
		return nil, malformed("base64: %v", err)
	}
	return raw, nil
}

func encodeStdBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
