package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

func event(orderID string, t domain.EventType) domain.OrderEvent {
	return domain.OrderEvent{
		ID:         orderID + "-" + string(t),
		Type:       t,
		OrderID:    orderID,
		Pair:       "XFI_USDT",
		OccurredAt: time.Now().UTC(),
	}
}

func TestWALStore_EventsAfter(t *testing.T) {
	ctx := context.Background()
	s, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, event("a", domain.EventOrderExecuted)))
	require.NoError(t, s.Save(ctx, event("b", domain.EventOrderFailed)))
	require.NoError(t, s.Save(ctx, event("c", domain.EventOrderExpired)))

	all, err := s.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].Event.OrderID)
	require.Equal(t, domain.EventOrderExpired, all[2].Event.Type)

	tail, err := s.EventsAfter(all[1].Index)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "c", tail[0].Event.OrderID)

	none, err := s.EventsAfter(s.CurrentIndex())
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestWALStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewWALStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, event("a", domain.EventOrderCancelled)))
	require.NoError(t, s.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(1), reopened.CurrentIndex())
	all, err := reopened.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, domain.EventOrderCancelled, all[0].Event.Type)
}

func TestWALStore_RejectsEventWithoutOrder(t *testing.T) {
	s, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Save(context.Background(), domain.OrderEvent{Type: domain.EventOrderFailed}))
	require.Zero(t, s.CurrentIndex())
}
