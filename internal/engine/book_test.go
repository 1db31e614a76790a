package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuxto/eutrading/internal/domain"
)

func TestBookLoad(t *testing.T) {
	store := newFakePositionStore()
	store.add(longPosition(95, 0, 90))
	closed := longPosition(95, 0, 90)
	closed.ID = "closed"
	closed.Status = domain.PositionStatusClosed
	store.add(closed)

	book := NewBook(store, &fakeChangeFeed{ch: make(chan domain.ChangeEvent)}, testLogger())
	book.Load(context.Background())

	assert.Equal(t, 1, book.Len())
	_, ok := book.Get("p1")
	assert.True(t, ok)
	_, ok = book.Get("closed")
	assert.False(t, ok)
}

func TestBookApplyChange(t *testing.T) {
	book := newTestBook(t)

	p := longPosition(95, 0, 90)
	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p})
	require.Equal(t, 1, book.Len())

	// Updating levels replaces the stored copy.
	p.StopLoss = 97
	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpUpdate, Position: p})
	got, ok := book.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 97.0, got.StopLoss)

	// An update that leaves the open state evicts.
	p.Status = domain.PositionStatusClosed
	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpUpdate, Position: p})
	assert.Equal(t, 0, book.Len())
	assert.Empty(t, book.PositionsFor(p.Symbol))
}

func TestBookDelete(t *testing.T) {
	book := newTestBook(t)
	p := longPosition(95, 0, 90)
	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p})

	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpDelete, Position: p})
	assert.Equal(t, 0, book.Len())
}

func TestBookRemoveAndRestore(t *testing.T) {
	book := newTestBook(t)
	p := longPosition(95, 0, 90)
	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p})

	book.Remove(p.ID)
	assert.Equal(t, 0, book.Len())

	book.Restore(p)
	assert.Equal(t, 1, book.Len())

	// A closed position never comes back.
	closed := p
	closed.ID = "closed"
	closed.Status = domain.PositionStatusClosed
	book.Restore(closed)
	_, ok := book.Get("closed")
	assert.False(t, ok)
}

func TestBookPositionsForIsSnapshot(t *testing.T) {
	book := newTestBook(t)
	p := longPosition(95, 0, 90)
	book.ApplyChange(domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p})

	snap := book.PositionsFor(p.Symbol)
	require.Len(t, snap, 1)

	book.Remove(p.ID)
	// The earlier snapshot is unaffected by the eviction.
	assert.Len(t, snap, 1)
	assert.Empty(t, book.PositionsFor(p.Symbol))
}

func TestBookRunAppliesFeedEvents(t *testing.T) {
	feedCh := make(chan domain.ChangeEvent)
	store := newFakePositionStore()
	book := NewBook(store, &fakeChangeFeed{ch: feedCh}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- book.Run(ctx) }()

	p := longPosition(95, 0, 90)
	feedCh <- domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p}

	// The event above is applied before the next send is accepted.
	p2 := p
	p2.ID = "p2"
	feedCh <- domain.ChangeEvent{Op: domain.ChangeOpInsert, Position: p2}

	assert.Eventually(t, func() bool { return book.Len() == 2 }, time.Second, 10*time.Millisecond)

	// The real feed closes its channel on cancellation.
	cancel()
	close(feedCh)
	assert.ErrorIs(t, <-done, context.Canceled)
}
