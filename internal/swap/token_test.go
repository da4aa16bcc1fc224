package swap

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer([]byte(strings.Repeat("a", 32)))
	require.NoError(t, err)

	tok := QuoteToken{Venue: "local", Kind: KindExactIn, Source: "EURC", Target: "USDC",
		Amount: d(10), Quoted: d(9), Path: []model.CurrencyCode{"EURC", "USDC"}, Pools: []string{"p"},
		IssuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	data, err := s.Seal(tok)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(data, "v1."))

	got, err := s.Open(data)
	require.NoError(t, err)
	assert.Equal(t, tok.Pools, got.Pools)
	assert.True(t, got.Quoted.Equal(d(9)))
	assert.Equal(t, 1, got.Version)
}

func TestSealer_RejectsForeignTokens(t *testing.T) {
	s, _ := NewSealer([]byte(strings.Repeat("a", 32)))
	other, _ := NewSealer([]byte(strings.Repeat("b", 32)))

	data, err := other.Seal(QuoteToken{Venue: "x"})
	require.NoError(t, err)

	for _, bad := range []string{"", "garbage", "v2.abc.def", data} {
		_, err := s.Open(bad)
		assert.True(t, errors.Is(err, model.ErrParam), "input %q: %v", bad, err)
	}

	_, err = NewSealer([]byte("short"))
	assert.True(t, errors.Is(err, model.ErrParam))
}
