package decode

import (
	"fmt"
	"math/big"
	"strconv"

	"streamwalk/internal/media"
)

const (
	layerCount = 3

	// Printable ASCII, the symbol set every layer works over.
	firstSymbol = 32
	symbolCount = 95

	keygenXOR   = 247
	keygenShift = 5
)

// layered undoes three rounds of seeded shift, columnar transposition and
// seeded substitution. The round key mixes the caller credential with the
// client key scraped from the embed page. The plaintext carries a four
// digit length prefix.
type layered struct {
	keyField string
}

func newLayered(params map[string]string) (Strategy, error) {
	if err := allowParams(params, "key_field"); err != nil {
		return nil, err
	}
	return &layered{keyField: stringParam(params, "key_field", "client_key")}, nil
}

func (s *layered) ID() string { return "layered-shuffle" }

func (s *layered) Decode(p media.Payload, ctx Context) (string, error) {
	data, err := checkData(p)
	if err != nil {
		return "", err
	}
	key, err := s.roundKey(ctx)
	if err != nil {
		return "", err
	}
	raw, err := decodeStdBase64(data)
	if err != nil {
		return "", err
	}

	for i := layerCount; i > 0; i-- {
		raw = unshuffleLayer(raw, key+strconv.Itoa(i))
	}

	return trimLengthPrefix(raw)
}

// trimLengthPrefix reads the four digit length and returns that many bytes
// after it. Trailing bytes are column padding.
func trimLengthPrefix(raw []byte) (string, error) {
	if len(raw) < 4 {
		return "", malformed("layered payload shorter than its length prefix")
	}
	n, err := strconv.Atoi(string(raw[:4]))
	if err != nil || n <= 0 || 4+n > len(raw) {
		return "", malformed("layered payload has a bad length prefix %q", raw[:4])
	}
	return string(raw[4 : 4+n]), nil
}

func (s *layered) Encode(plaintext string, ctx Context) (media.Payload, error) {
	if len(plaintext) > 9999 {
		return media.Payload{}, fmt.Errorf("plaintext too long for a four digit prefix")
	}
	for i := 0; i < len(plaintext); i++ {
		if !isSymbol(plaintext[i]) {
			return media.Payload{}, fmt.Errorf("plaintext must be printable ASCII")
		}
	}
	key, err := s.roundKey(ctx)
	if err != nil {
		return media.Payload{}, err
	}

	raw := []byte(fmt.Sprintf("%04d%s", len(plaintext), plaintext))
	for i := 1; i <= layerCount; i++ {
		raw = shuffleLayer(raw, key+strconv.Itoa(i))
	}
	return media.Payload{
		Data: encodeStdBase64(raw),
		Aux:  map[string]string{s.keyField: ctx.Aux[s.keyField]},
	}, nil
}

func (s *layered) roundKey(ctx Context) (string, error) {
	clientKey, ok := ctx.Value(s.keyField)
	if !ok {
		return "", keyFailure("client key %q was not captured", s.keyField)
	}
	if ctx.Credential == "" {
		return "", keyFailure("provider credential is not configured")
	}
	return deriveRoundKey(ctx.Credential, clientKey), nil
}

// unshuffleLayer reverses one round.
func unshuffleLayer(src []byte, layerKey string) []byte {
	next := lcg(stringHash(layerKey))
	out := make([]byte, len(src))
	for i, c := range src {
		if !isSymbol(c) {
			out[i] = c
			continue
		}
		out[i] = symbol(int(c-firstSymbol) - next(symbolCount))
	}

	out = readColumns(out, layerKey)

	sub := shuffledSymbols(layerKey)
	var inverse [256]byte
	for i := range inverse {
		inverse[i] = byte(i)
	}
	for i, c := range sub {
		inverse[c] = byte(firstSymbol + i)
	}
	for i, c := range out {
		out[i] = inverse[c]
	}
	return out
}

// shuffleLayer applies one round.
func shuffleLayer(src []byte, layerKey string) []byte {
	sub := shuffledSymbols(layerKey)
	out := make([]byte, len(src))
	for i, c := range src {
		if isSymbol(c) {
			out[i] = sub[c-firstSymbol]
		} else {
			out[i] = c
		}
	}

	out = writeColumns(out, layerKey)

	next := lcg(stringHash(layerKey))
	for i, c := range out {
		if isSymbol(c) {
			out[i] = symbol(int(c-firstSymbol) + next(symbolCount))
		}
	}
	return out
}

// deriveRoundKey mixes the credential and client key into a printable key.
func deriveRoundKey(credential, clientKey string) string {
	temp := credential + clientKey

	// h = c + 31h + (h << 7) - h, unbounded
	h := big.NewInt(0)
	for i := 0; i < len(temp); i++ {
		prev := new(big.Int).Set(h)
		h.Mul(prev, big.NewInt(31))
		h.Add(h, big.NewInt(int64(temp[i])))
		h.Add(h, new(big.Int).Lsh(prev, 7))
		h.Sub(h, prev)
	}
	h.Abs(h)
	limited := new(big.Int).Mod(h, new(big.Int).SetUint64(0x7fffffffffffffff)).Int64()

	xored := make([]byte, len(temp))
	for i := 0; i < len(temp); i++ {
		xored[i] = temp[i] ^ keygenXOR
	}

	pivot := (int(limited%int64(len(xored))) + keygenShift) % len(xored)
	rotated := append(xored[pivot:len(xored):len(xored)], xored[:pivot]...)

	leaf := reverseString(clientKey)
	n := max(len(rotated), len(leaf))
	key := make([]byte, 0, len(rotated)+len(leaf))
	for i := 0; i < n; i++ {
		if i < len(rotated) {
			key = append(key, rotated[i])
		}
		if i < len(leaf) {
			key = append(key, leaf[i])
		}
	}

	key = key[:min(96+int(limited%33), len(key))]
	for i, c := range key {
		key[i] = byte(int(c)%symbolCount + firstSymbol)
	}
	return string(key)
}

// shuffledSymbols is a Fisher-Yates shuffle of the symbol set seeded by key.
func shuffledSymbols(key string) []byte {
	out := make([]byte, symbolCount)
	for i := range out {
		out[i] = byte(firstSymbol + i)
	}
	next := lcg(stringHash(key))
	for i := len(out) - 1; i > 0; i-- {
		j := next(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// columnOrder returns column indexes sorted stably by key byte.
func columnOrder(key string) []int {
	order := make([]int, len(key))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && key[order[j]] < key[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	return order
}

// readColumns fills a grid column by column in key order and reads it row
// by row. Short input leaves trailing cells as spaces.
func readColumns(src []byte, key string) []byte {
	cols := len(key)
	if cols == 0 {
		return src
	}
	rows := (len(src) + cols - 1) / cols
	grid := make([]byte, rows*cols)
	for i := range grid {
		grid[i] = ' '
	}
	k := 0
	for _, col := range columnOrder(key) {
		for row := 0; row < rows && k < len(src); row++ {
			grid[row*cols+col] = src[k]
			k++
		}
	}
	return grid
}

// writeColumns is the inverse of readColumns: fill row by row, padding with
// spaces, then read column by column in key order.
func writeColumns(src []byte, key string) []byte {
	cols := len(key)
	if cols == 0 {
		return src
	}
	rows := (len(src) + cols - 1) / cols
	grid := make([]byte, rows*cols)
	for i := range grid {
		grid[i] = ' '
	}
	copy(grid, src)
	out := make([]byte, 0, len(grid))
	for _, col := range columnOrder(key) {
		for row := 0; row < rows; row++ {
			out = append(out, grid[row*cols+col])
		}
	}
	return out
}

// stringHash is a 32-bit polynomial hash.
func stringHash(s string) uint64 {
	var h uint64
	for i := 0; i < len(s); i++ {
		h = (h*31 + uint64(s[i])) & 0xffffffff
	}
	return h
}

// lcg returns a seeded generator yielding values in [0, n).
func lcg(seed uint64) func(n int) int {
	return func(n int) int {
		seed = (seed*1103515245 + 12345) & 0x7fffffff
		return int(seed % uint64(n))
	}
}

func isSymbol(c byte) bool {
	return c >= firstSymbol && c < firstSymbol+symbolCount
}

func symbol(idx int) byte {
	return byte(firstSymbol + mod(idx, symbolCount))
}
