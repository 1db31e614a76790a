package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuxto/eutrading/internal/domain"
	"github.com/shuxto/eutrading/internal/engine"
)

type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{messages: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.messages[channel] = append(b.messages[channel], payload)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func TestBroadcasterPublishClosure(t *testing.T) {
	bus := newRecordingBus()
	b := NewBroadcaster(bus, nil, testLogger())

	closedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	b.PublishClosure(context.Background(), domain.Settlement{
		PositionID: "p1",
		Symbol:     "BTC/USD",
		ExitPrice:  57900,
		PnL:        -210,
		Credit:     390,
		Reason:     domain.CloseReasonStopLoss,
		ClosedAt:   closedAt,
	})

	msgs := bus.messages[engine.ChannelClosures]
	require.Len(t, msgs, 1)

	var frame struct {
		ID     string  `json:"id"`
		PnL    float64 `json:"pnl"`
		Reason string  `json:"reason"`
		Symbol string  `json:"symbol"`
	}
	require.NoError(t, json.Unmarshal(msgs[0], &frame))
	assert.Equal(t, "p1", frame.ID)
	assert.Equal(t, -210.0, frame.PnL)
	assert.Equal(t, "STOP_LOSS", frame.Reason)
	assert.Equal(t, "BTC/USD", frame.Symbol)
}
