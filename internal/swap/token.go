package swap

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"github.com/atmx/settlement-engine/internal/model"
)

// Kind distinguishes the two conversion protocols.
type Kind string

const (
	KindExactIn  Kind = "exact_in"  // fixed source, QuoteSwapOut/SwapOut
	KindExactOut Kind = "exact_out" // fixed target, QuoteSwapIn/SwapIn
)

const tokenVersion = 1

// QuoteToken is the typed form of quoteData. Amount is the fixed side of the
// request and Quoted the other side as computed at quote time.
type QuoteToken struct {
	Version  int                  `json:"v"`
	Venue    string               `json:"venue"`
	Kind     Kind                 `json:"kind"`
	Source   model.CurrencyCode   `json:"src"`
	Target   model.CurrencyCode   `json:"dst"`
	Amount   decimal.Decimal      `json:"amt"`
	Quoted   decimal.Decimal      `json:"quoted"`
	Path     []model.CurrencyCode `json:"path"`
	Pools    []string             `json:"pools"`
	IssuedAt time.Time            `json:"iat"`
}

// Sealer encodes and authenticates quote tokens with a keyed blake3 MAC.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer. The key must be 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: quote key must be 32 bytes, got %d", model.ErrParam, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal renders tok as "v1.<payload>.<mac>".
func (s *Sealer) Seal(tok QuoteToken) (string, error) {
	tok.Version = tokenVersion
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encode quote token: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return fmt.Sprintf("v%d.%s.%s", tokenVersion, payload, s.mac(payload)), nil
}

// Open verifies and decodes a sealed token. Any malformed, foreign or
// tampered token is a parameter error.
func (s *Sealer) Open(data string) (QuoteToken, error) {
	parts := strings.Split(data, ".")
	if len(parts) != 3 || parts[0] != fmt.Sprintf("v%d", tokenVersion) {
		return QuoteToken{}, fmt.Errorf("%w: unrecognized quote token", model.ErrParam)
	}
	want := []byte(s.mac(parts[1]))
	if subtle.ConstantTimeCompare(want, []byte(parts[2])) != 1 {
		return QuoteToken{}, fmt.Errorf("%w: quote token signature mismatch", model.ErrParam)
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return QuoteToken{}, fmt.Errorf("%w: quote token payload: %v", model.ErrParam, err)
	}
	var tok QuoteToken
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tok); err != nil {
		return QuoteToken{}, fmt.Errorf("%w: quote token payload: %v", model.ErrParam, err)
	}
	if tok.Version != tokenVersion {
		return QuoteToken{}, fmt.Errorf("%w: quote token version %d", model.ErrParam, tok.Version)
	}
	return tok, nil
}

func (s *Sealer) mac(payload string) string {
	h := blake3.New(32, s.key)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
