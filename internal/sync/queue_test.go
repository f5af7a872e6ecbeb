package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiQueue_StrictPriority(t *testing.T) {
	q := NewMultiQueue[string](priorityBands)
	q.Put("low", LowPriority)
	q.Put("high", HighPriority)
	q.Put("normal", NormalPriority)

	ctx := context.Background()
	var got []string
	for range 3 {
		item, err := q.Get(ctx)
		require.NoError(t, err)
		got = append(got, item)
	}
	assert.Equal(t, []string{"high", "normal", "low"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestMultiQueue_FIFOWithinBand(t *testing.T) {
	q := NewMultiQueue[int](priorityBands)
	for i := range 5 {
		q.Put(i, NormalPriority)
	}
	q.Put(100, HighPriority)

	assert.Equal(t, []int{100, 0, 1, 2, 3, 4}, q.Snapshot())
	for _, want := range []int{100, 0, 1, 2, 3, 4} {
		got, ok := q.TryGet()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryGet()
	assert.False(t, ok)
}

func TestMultiQueue_GetBlocksUntilPut(t *testing.T) {
	q := NewMultiQueue[string](priorityBands)
	got := make(chan string, 1)
	go func() {
		item, err := q.Get(context.Background())
		if err == nil {
			got <- item
		}
	}()

	select {
	case <-got:
		t.Fatal("Get returned from an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put("wake", LowPriority)
	select {
	case item := <-got:
		assert.Equal(t, "wake", item)
	case <-time.After(time.Second):
		t.Fatal("Get was not woken by Put")
	}
}

func TestMultiQueue_WakesEveryWaitingGet(t *testing.T) {
	q := NewMultiQueue[int](priorityBands)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan int, 2)
	for range 2 {
		go func() {
			item, err := q.Get(ctx)
			if err == nil {
				got <- item
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	q.Put(1, NormalPriority)
	q.Put(2, NormalPriority)

	var items []int
	for range 2 {
		select {
		case item := <-got:
			items = append(items, item)
		case <-time.After(time.Second):
			t.Fatalf("only %d of 2 waiting Gets returned", len(items))
		}
	}
	assert.ElementsMatch(t, []int{1, 2}, items)
	assert.Equal(t, 0, q.Len())
}

func TestMultiQueue_GetHonorsContext(t *testing.T) {
	q := NewMultiQueue[string](priorityBands)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultiQueue_ClampsPriority(t *testing.T) {
	q := NewMultiQueue[string](priorityBands)
	q.Put("beyond-low", Priority(10))
	q.Put("above-high", Priority(-3))

	first, _ := q.TryGet()
	second, _ := q.TryGet()
	assert.Equal(t, "above-high", first)
	assert.Equal(t, "beyond-low", second)
}

func TestMultiQueue_Find(t *testing.T) {
	q := NewMultiQueue[string](priorityBands)
	q.Put("a", NormalPriority)
	q.Put("b", NormalPriority)
	q.Put("b", LowPriority)

	got, ok := q.Find(NormalPriority, func(s string) bool { return s == "b" })
	require.True(t, ok)
	assert.Equal(t, "b", got)

	_, ok = q.Find(HighPriority, func(s string) bool { return s == "b" })
	assert.False(t, ok)
}
