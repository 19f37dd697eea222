package syncengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReconcilerCollapsesRequestsWithinWindow(t *testing.T) {
	clock := newFakeClock()
	var fetched []string
	reconciler := NewReconciler(clock, 0, func(storeID string) {
		fetched = append(fetched, storeID)
	})

	reconciler.Request("s1")
	clock.Advance(40 * time.Millisecond)
	reconciler.Request("s1")
	reconciler.Request("s1")
	require.Empty(t, fetched)

	clock.Advance(60 * time.Millisecond)
	require.Equal(t, []string{"s1"}, fetched)

	requested, fetches := reconciler.Stats()
	require.Equal(t, 3, requested)
	require.Equal(t, 1, fetches)
}

func TestReconcilerFetchesAgainAfterFlush(t *testing.T) {
	clock := newFakeClock()
	count := 0
	reconciler := NewReconciler(clock, DefaultDebounceWindow, func(string) { count++ })

	reconciler.Request("s1")
	clock.Advance(DefaultDebounceWindow)
	reconciler.Request("s1")
	clock.Advance(DefaultDebounceWindow)
	require.Equal(t, 2, count)
}

func TestReconcilerNewStoreReplacesPendingRequest(t *testing.T) {
	clock := newFakeClock()
	var fetched []string
	reconciler := NewReconciler(clock, DefaultDebounceWindow, func(storeID string) {
		fetched = append(fetched, storeID)
	})

	reconciler.Request("s1")
	reconciler.Request("s2")
	clock.Advance(time.Second)
	require.Equal(t, []string{"s2"}, fetched)
}

func TestReconcilerCloseCancelsPendingFetch(t *testing.T) {
	clock := newFakeClock()
	count := 0
	reconciler := NewReconciler(clock, DefaultDebounceWindow, func(string) { count++ })

	reconciler.Request("s1")
	reconciler.Close()
	reconciler.Request("s1")
	clock.Advance(time.Second)
	require.Zero(t, count)
}
