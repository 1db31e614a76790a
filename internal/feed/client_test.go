package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTick(t *testing.T) {
	tick, ok := parseTick([]byte(`{"event":"price","symbol":"BTC/USD","price":60123.5}`))
	require.True(t, ok)
	assert.Equal(t, "BTC/USD", tick.Symbol)
	assert.Equal(t, 60123.5, tick.Price)
	assert.False(t, tick.ReceivedAt.IsZero())

	// Providers that quote prices as strings are accepted too.
	tick, ok = parseTick([]byte(`{"event":"price","symbol":"EUR/USD","price":"1.0842"}`))
	require.True(t, ok)
	assert.Equal(t, 1.0842, tick.Price)
}

func TestParseTickDropsMalformed(t *testing.T) {
	frames := [][]byte{
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`{"event":"heartbeat"}`),
		[]byte(`{"event":"price","symbol":"","price":1}`),
		[]byte(`{"event":"price","symbol":"BTC/USD"}`),
		[]byte(`{"event":"price","symbol":"BTC/USD","price":0}`),
		[]byte(`{"event":"price","symbol":"BTC/USD","price":-5}`),
		[]byte(`{"event":"price","symbol":"BTC/USD","price":"abc"}`),
	}
	for _, raw := range frames {
		_, ok := parseTick(raw)
		assert.False(t, ok, "frame %s should be dropped", raw)
	}
}
