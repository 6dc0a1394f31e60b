package decode

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"streamwalk/internal/media"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	gcmPrefix    = gcmNonceSize + gcmTagSize
)

// fingerprintAES is AES-256 in counter mode with a GCM tag. The key is
// SHA-256 over the canonical browser fingerprint, the session timestamp and
// the caller credential. The payload is base64(nonce | tag | ciphertext).
type fingerprintAES struct {
	timestampField string
	requestTime    bool      // key on the request time when no timestamp was captured
	random         io.Reader // nonce source for Encode
}

func newFingerprintAES(params map[string]string) (Strategy, error) {
	if err := allowParams(params, "timestamp_field", "request_time"); err != nil {
		return nil, err
	}
	requestTime, err := boolParam(params, "request_time")
	if err != nil {
		return nil, err
	}
	return &fingerprintAES{
		timestampField: stringParam(params, "timestamp_field", "timestamp"),
		requestTime:    requestTime,
		random:         rand.Reader,
	}, nil
}

func (s *fingerprintAES) ID() string { return "aes-ctr-fingerprint" }

func (s *fingerprintAES) Decode(p media.Payload, ctx Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	aead, err := s.cipher(ctx)
	if err != nil {
		return "", err
	}
	raw, err := decodeStdBase64(data)
	if err != nil {
		return "", err
	}
	if len(raw) <= gcmPrefix {
		return "", malformed("cipher payload is %d bytes, need more than the %d byte prefix", len(raw), gcmPrefix)
	}

	nonce := raw[:gcmNonceSize]
	tag := raw[gcmNonceSize:gcmPrefix]
	sealed := make([]byte, 0, len(raw)-gcmNonceSize)
	sealed = append(sealed, raw[gcmPrefix:]...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", malformed("cipher payload failed authentication")
	}
	return string(plain), nil
}

func (s *fingerprintAES) Encode(plaintext string, ctx Context) (media.Payload, error) {
	aead, err := s.cipher(ctx)
	if err != nil {
		return media.Payload{}, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return media.Payload{}, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, gcmPrefix+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return media.Payload{Data: encodeStdBase64(out)}, nil
}

func (s *fingerprintAES) cipher(ctx Context) (cipher.AEAD, error) {
	key, err := s.deriveKey(ctx)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *fingerprintAES) deriveKey(ctx Context) ([]byte, error) {
	if len(ctx.Fingerprint) == 0 {
		return nil, keyFailure("browser fingerprint is empty")
	}
	if ctx.Credential == "" {
		return nil, keyFailure("provider credential is not configured")
	}
	ts, ok := ctx.Value(s.timestampField)
	if !ok {
		if !s.requestTime {
			return nil, keyFailure("no %q captured from the page", s.timestampField)
		}
		if ctx.RequestTimestamp.IsZero() {
			return nil, keyFailure("no session timestamp")
		}
		ts = strconv.FormatInt(ctx.RequestTimestamp.UnixMilli(), 10)
	}
	sum := sha256.Sum256([]byte(CanonicalFingerprint(ctx.Fingerprint) + "|" + ts + "|" + ctx.Credential))
	return sum[:], nil
}

// CanonicalFingerprint renders fingerprint attributes as sorted "k=v" pairs
// joined by ";".
func CanonicalFingerprint(fp map[string]string) string {
	keys := make([]string, 0, len(fp))
	for k := range fp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + fp[k]
	}
	return strings.Join(pairs, ";")
}
