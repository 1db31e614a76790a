package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name  string
	err   error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.calls++
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyEventFilter(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"liquidation"}, testLogger())

	require.NoError(t, n.Notify(context.Background(), "closure", "t", "m"))
	assert.Zero(t, s.calls)

	require.NoError(t, n.Notify(context.Background(), "liquidation", "t", "m"))
	assert.Equal(t, 1, s.calls)
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	s := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Equal(t, 1, s.calls)
}

func TestNotifyPartialFailure(t *testing.T) {
	bad := &fakeSender{name: "telegram", err: errors.New("429 too many requests")}
	good := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), "closure", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	// The failing sender does not block the healthy one.
	assert.Equal(t, 1, good.calls)
}
