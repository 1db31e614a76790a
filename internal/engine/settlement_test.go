package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuxto/eutrading/internal/domain"
)

func newTestSettler(store *fakePositionStore, pub *fakePublisher) (*Settler, *Book) {
	book := NewBook(store, &fakeChangeFeed{ch: make(chan domain.ChangeEvent)}, testLogger())
	// Avoid a typed-nil interface when the caller passes a nil *fakePublisher.
	var publisher ClosurePublisher
	if pub != nil {
		publisher = pub
	}
	return NewSettler(store, book, newFakeLocks(), publisher, testLogger()), book
}

func TestCloseSettlesOnce(t *testing.T) {
	store := newFakePositionStore()
	pub := &fakePublisher{}
	settler, book := newTestSettler(store, pub)

	pos := domain.Position{
		ID:               "btc-1",
		AccountID:        "a1",
		Symbol:           "BTC/USD",
		Side:             domain.SideLong,
		EntryPrice:       60000,
		Size:             6000,
		Leverage:         10,
		Margin:           600,
		StopLoss:         58000,
		LiquidationPrice: 54000,
		Status:           domain.PositionStatusOpen,
	}
	store.add(pos)
	book.Load(context.Background())

	got, err := settler.Close(context.Background(), pos, 57900, domain.CloseReasonStopLoss)
	require.NoError(t, err)

	assert.InDelta(t, -210, got.PnL, 1e-9)
	assert.InDelta(t, 390, got.Credit, 1e-9)
	assert.Equal(t, domain.CloseReasonStopLoss, got.Reason)
	assert.Equal(t, 57900.0, got.ExitPrice)

	assert.Equal(t, 1, store.settleCount())
	assert.InDelta(t, 390, store.balance("a1"), 1e-9)

	// Evicted from the book, so the next tick cannot re-trigger it.
	_, ok := book.Get(pos.ID)
	assert.False(t, ok)

	settlements := pub.published()
	require.Len(t, settlements, 1)
	assert.Equal(t, pos.ID, settlements[0].PositionID)
}

func TestCloseConcurrentExactlyOnce(t *testing.T) {
	store := newFakePositionStore()
	pub := &fakePublisher{}
	settler, book := newTestSettler(store, pub)

	pos := longPosition(95, 0, 90)
	store.add(pos)
	book.Load(context.Background())

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := settler.Close(context.Background(), pos, 94, domain.CloseReasonStopLoss)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, alreadyClosed int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrAlreadyClosed):
			alreadyClosed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, alreadyClosed)
	assert.Equal(t, 1, store.settleCount())
	require.Len(t, pub.published(), 1)
}

func TestCloseCreditFloorsAtZero(t *testing.T) {
	store := newFakePositionStore()
	settler, book := newTestSettler(store, nil)

	// 10x long liquidated: loss equals margin exactly at the liquidation
	// price; a gap through it must not produce a negative credit.
	pos := domain.Position{
		ID:               "p1",
		AccountID:        "a1",
		Symbol:           "BTC/USD",
		Side:             domain.SideLong,
		EntryPrice:       100,
		Size:             1000,
		Leverage:         10,
		Margin:           100,
		LiquidationPrice: 90,
		Status:           domain.PositionStatusOpen,
	}
	store.add(pos)
	book.Load(context.Background())

	got, err := settler.Close(context.Background(), pos, 85, domain.CloseReasonLiquidation)
	require.NoError(t, err)
	assert.InDelta(t, -150, got.PnL, 1e-9)
	assert.Zero(t, got.Credit)
	assert.Zero(t, store.balance("a1"))
}

func TestCloseAlreadyClosedInStore(t *testing.T) {
	store := newFakePositionStore()
	settler, _ := newTestSettler(store, nil)

	pos := longPosition(95, 0, 90)
	pos.Status = domain.PositionStatusClosed
	store.add(pos)

	_, err := settler.Close(context.Background(), pos, 94, domain.CloseReasonManual)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	assert.Equal(t, 0, store.settleCount())
}

func TestCloseRestoresOnTransientFailure(t *testing.T) {
	store := newFakePositionStore()
	settler, book := newTestSettler(store, nil)

	pos := longPosition(95, 0, 90)
	store.add(pos)
	book.Load(context.Background())

	store.settleErr = errors.New("connection reset")
	_, err := settler.Close(context.Background(), pos, 94, domain.CloseReasonStopLoss)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAlreadyClosed)

	// Back in the book so the next tick retries.
	_, ok := book.Get(pos.ID)
	assert.True(t, ok)

	// Retry after the store recovers.
	store.settleErr = nil
	_, err = settler.Close(context.Background(), pos, 94, domain.CloseReasonStopLoss)
	require.NoError(t, err)
	assert.Equal(t, 1, store.settleCount())
}

func TestCloseDistributedLockHeld(t *testing.T) {
	store := newFakePositionStore()
	locks := newFakeLocks()
	book := NewBook(store, &fakeChangeFeed{ch: make(chan domain.ChangeEvent)}, testLogger())
	settler := NewSettler(store, book, locks, nil, testLogger())

	pos := longPosition(95, 0, 90)
	store.add(pos)

	// Simulate another process holding the close lock.
	unlock, err := locks.Acquire(context.Background(), "close:"+pos.ID, closeLockTTL)
	require.NoError(t, err)
	defer unlock()

	_, err = settler.Close(context.Background(), pos, 94, domain.CloseReasonManual)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	assert.Equal(t, 0, store.settleCount())
}
