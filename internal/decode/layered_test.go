package decode

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"streamwalk/internal/failure"
	"streamwalk/internal/media"
)

func TestShuffledSymbolsDeterministic(t *testing.T) {
	a := shuffledSymbols("testkey123")
	b := shuffledSymbols("testkey123")
	if !bytes.Equal(a, b) {
		t.Error("shuffledSymbols not deterministic for the same key")
	}
	if bytes.Equal(a, shuffledSymbols("differentkey")) {
		t.Error("shuffledSymbols produced identical results for different keys")
	}

	seen := make(map[byte]bool, symbolCount)
	for _, c := range a {
		if !isSymbol(c) || seen[c] {
			t.Fatalf("shuffledSymbols is not a permutation: %q", a)
		}
		seen[c] = true
	}
}

func TestColumnsInverse(t *testing.T) {
	key := "secret"
	src := []byte("Hello, World! This is a test.")

	enc := writeColumns(src, key)
	if len(enc)%len(key) != 0 {
		t.Fatalf("writeColumns length %d is not a multiple of %d", len(enc), len(key))
	}
	dec := readColumns(enc, key)
	if got := strings.TrimRight(string(dec), " "); got != string(src) {
		t.Errorf("readColumns(writeColumns(x)) = %q, want %q", got, src)
	}
}

func TestDeriveRoundKey(t *testing.T) {
	k1 := deriveRoundKey("megakey123", "clientkey456")
	k2 := deriveRoundKey("megakey123", "clientkey456")
	if k1 != k2 {
		t.Error("deriveRoundKey not deterministic")
	}
	if k1 == "" {
		t.Fatal("deriveRoundKey returned empty string")
	}
	for i := 0; i < len(k1); i++ {
		if !isSymbol(k1[i]) {
			t.Errorf("deriveRoundKey produced non-printable byte at %d: %d", i, k1[i])
		}
	}
	if k1 == deriveRoundKey("megakey123", "clientkey457") {
		t.Error("different client keys should derive different round keys")
	}
}

func TestLayeredWrongKeyFails(t *testing.T) {
	s, err := Build("layered-shuffle", nil)
	if err != nil {
		t.Fatal(err)
	}
	aux := map[string]string{"client_key": "Zk29xQ"}
	ctx := NewContext("alpha", media.Payload{Aux: aux}, "right", nil, time.Time{})
	p, err := s.(Encoder).Encode("https://cdn.example/x.m3u8", ctx)
	if err != nil {
		t.Fatal(err)
	}

	wrong := NewContext("alpha", p, "wrong", nil, time.Time{})
	got, err := s.Decode(p, wrong)
	if err == nil && got == "https://cdn.example/x.m3u8" {
		t.Error("decoding with the wrong credential should not recover the plaintext")
	}
	if err != nil && failure.KindOf(err) != failure.MalformedPayload {
		t.Errorf("KindOf = %v, want MalformedPayload", failure.KindOf(err))
	}
}

func TestTrimLengthPrefix(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"exact", "0005hello", "hello", false},
		{"padding after data", "0002hi    ", "hi", false},
		{"shorter than prefix", "00", "", true},
		{"non-numeric prefix", "ab12hello", "", true},
		{"zero length", "0000abc", "", true},
		{"length past end", "0009hi", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := trimLengthPrefix([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("trimLengthPrefix() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && failure.KindOf(err) != failure.MalformedPayload {
				t.Errorf("KindOf = %v, want MalformedPayload", failure.KindOf(err))
			}
			if got != tt.want {
				t.Errorf("trimLengthPrefix() = %q, want %q", got, tt.want)
			}
		})
	}
}
