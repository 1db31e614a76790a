package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuxto/eutrading/internal/domain"
)

func longPosition(stop, take, liq float64) domain.Position {
	return domain.Position{
		ID:               "p1",
		AccountID:        "a1",
		Symbol:           "BTC/USD",
		Side:             domain.SideLong,
		EntryPrice:       100,
		Size:             1000,
		Leverage:         10,
		Margin:           100,
		StopLoss:         stop,
		TakeProfit:       take,
		LiquidationPrice: liq,
		Status:           domain.PositionStatusOpen,
	}
}

func shortPosition(stop, take, liq float64) domain.Position {
	p := longPosition(stop, take, liq)
	p.Side = domain.SideShort
	return p
}

func TestEvaluateLong(t *testing.T) {
	tests := []struct {
		name       string
		pos        domain.Position
		price      float64
		wantHit    bool
		wantReason domain.CloseReason
	}{
		{"no trigger between levels", longPosition(95, 120, 90), 100, false, ""},
		{"stop loss at exact level", longPosition(95, 120, 90), 95, true, domain.CloseReasonStopLoss},
		{"take profit crossed", longPosition(95, 120, 90), 121, true, domain.CloseReasonTakeProfit},
		{"liquidation wins over stop on gap", longPosition(95, 0, 90), 89, true, domain.CloseReasonLiquidation},
		{"liquidation at exact level", longPosition(0, 0, 90), 90, true, domain.CloseReasonLiquidation},
		{"zero stop never triggers", longPosition(0, 0, 0), 0.01, false, ""},
		{"zero take profit never triggers", longPosition(0, 0, 0), 1e9, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, hit := Evaluate(tt.pos, tt.price)
			require.Equal(t, tt.wantHit, hit)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestEvaluateShort(t *testing.T) {
	tests := []struct {
		name       string
		pos        domain.Position
		price      float64
		wantHit    bool
		wantReason domain.CloseReason
	}{
		{"no trigger between levels", shortPosition(105, 80, 110), 100, false, ""},
		{"stop loss above entry", shortPosition(105, 80, 110), 106, true, domain.CloseReasonStopLoss},
		{"take profit below entry", shortPosition(105, 80, 110), 79, true, domain.CloseReasonTakeProfit},
		{"liquidation wins over stop on gap", shortPosition(105, 0, 110), 111, true, domain.CloseReasonLiquidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, hit := Evaluate(tt.pos, tt.price)
			require.Equal(t, tt.wantHit, hit)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestEvaluateTick(t *testing.T) {
	book := newTestBook(t)

	hit := longPosition(95, 0, 90)
	hit.ID = "hit"
	safe := longPosition(50, 0, 40)
	safe.ID = "safe"
	otherSymbol := longPosition(95, 0, 90)
	otherSymbol.ID = "other"
	otherSymbol.Symbol = "ETH/USD"

	for _, p := range []domain.Position{hit, safe, otherSymbol} {
		book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p})
	}

	triggers := EvaluateTick(book, domain.Tick{Symbol: "BTC/USD", Price: 94})
	require.Len(t, triggers, 1)
	assert.Equal(t, "hit", triggers[0].Position.ID)
	assert.Equal(t, domain.CloseReasonStopLoss, triggers[0].Reason)
	assert.Equal(t, 94.0, triggers[0].Price)

	assert.Empty(t, EvaluateTick(book, domain.Tick{Symbol: "XAU/USD", Price: 1}))
}
