package correlate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_ResolveOnce(t *testing.T) {
	s := NewSlot[[]byte]()
	assert.False(t, s.Settled())

	require.NoError(t, s.Resolve([]byte{0x01, 0x02}))
	assert.ErrorIs(t, s.Resolve([]byte{0xFF}), gatt.ErrAlreadyResolved, "second Resolve MUST be rejected")
	assert.ErrorIs(t, s.Fail(errors.New("late")), gatt.ErrAlreadyResolved, "Fail after Resolve MUST be rejected")

	v, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, v, "first value MUST NOT be overwritten")
}

func TestSlot_FailOnce(t *testing.T) {
	s := NewSlot[int]()
	boom := errors.New("boom")

	require.NoError(t, s.Fail(boom))
	assert.ErrorIs(t, s.Resolve(7), gatt.ErrAlreadyResolved)

	_, err := s.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSlot_WaitCancelled(t *testing.T) {
	s := NewSlot[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.Settled(), "abandoning a wait MUST leave the slot unset")

	require.NoError(t, s.Resolve(3), "a late resolve MUST still succeed harmlessly")
}

func TestSlot_ConcurrentSettle(t *testing.T) {
	// GOAL: Verify exactly one of many concurrent settlers wins
	//
	// TEST SCENARIO: 32 goroutines race Resolve → exactly one nil error → all waiters observe the winner

	s := NewSlot[int]()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if s.Resolve(v) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one settle MUST win")
	v1, _ := s.Result()
	v2, _ := s.Wait(context.Background())
	assert.Equal(t, v1, v2)
}
