package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

func TestMemoryStoreWindowOrderAndBound(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.AppendEvent(ctx, &models.Event{
			EventID:   fmt.Sprintf("evt-%d", i),
			UserID:    "u-1",
			Timestamp: time.Now(),
		}))
	}

	window, err := s.RecentEvents(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, window, 5)

	// Oldest first, newest last, oldest entries evicted.
	assert.Equal(t, "evt-3", window[0].EventID)
	assert.Equal(t, "evt-7", window[4].EventID)
}

func TestMemoryStoreIsolatesUsers(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &models.Event{EventID: "a", UserID: "u-1"}))
	require.NoError(t, s.AppendEvent(ctx, &models.Event{EventID: "b", UserID: "u-2"}))

	window, err := s.RecentEvents(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "a", window[0].EventID)

	empty, err := s.RecentEvents(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreIgnoresAnonymousEvents(t *testing.T) {
	s := NewMemoryStore(10)
	require.NoError(t, s.AppendEvent(context.Background(), &models.Event{EventID: "no-user"}))
	window, err := s.RecentEvents(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &models.Event{EventID: "evt-1", UserID: "u-1"}))

	window, err := s.RecentEvents(ctx, "u-1")
	require.NoError(t, err)
	window[0].EventID = "mutated"

	again, err := s.RecentEvents(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-1", again[0].EventID)
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	s := NewMemoryStore(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.AppendEvent(ctx, &models.Event{
					EventID: fmt.Sprintf("evt-%d-%d", g, i),
					UserID:  "shared",
				})
			}
		}(g)
	}
	wg.Wait()

	window, err := s.RecentEvents(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, window, 400)
}
