package healthid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockStore_AddAllAndPop(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll(nil))
	assert.Equal(t, 0, s.Count())

	require.NoError(t, s.AddAll([]string{"a", "b", "c"}))
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, []string{"a", "b", "c"}, s.Snapshot())

	id, err := s.Pop()
	require.NoError(t, err)
	assert.Equal(t, "c", id)
	assert.True(t, s.InFlight("c"))
	assert.Equal(t, []string{"a", "b"}, s.Snapshot())
}

func TestBlockStore_PopEmpty(t *testing.T) {
	s := NewBlockStore()
	_, err := s.Pop()
	assert.ErrorIs(t, err, ErrSeriesExhausted)
}

func TestBlockStore_AddAllReportsDuplicates(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll([]string{"a", "b"}))
	popped, err := s.Pop()
	require.NoError(t, err)

	err = s.AddAll([]string{"a", popped, "c", "c"})
	assert.ErrorIs(t, err, ErrDuplicateHealthID)
	// Unique ids are still added once.
	assert.Equal(t, []string{"a", "c"}, s.Snapshot())
}

func TestBlockStore_PutBackThenPop(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll([]string{"a", "b"}))

	id, err := s.Pop()
	require.NoError(t, err)
	s.PutBack(id)
	assert.False(t, s.InFlight(id))
	assert.Equal(t, 2, s.Count())

	again, err := s.Pop()
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestBlockStore_PutBackIdempotent(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll([]string{"a"}))
	id, err := s.Pop()
	require.NoError(t, err)

	s.PutBack(id)
	s.PutBack(id)
	assert.Equal(t, 1, s.Count())
}

func TestBlockStore_Release(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll([]string{"a"}))
	id, err := s.Pop()
	require.NoError(t, err)

	s.Release(id)
	assert.False(t, s.InFlight(id))
	assert.Equal(t, 0, s.Count())
	// A released id may come back from the authority only as a duplicate-free add.
	require.NoError(t, s.AddAll([]string{id}))
}

func TestBlockStore_SnapshotIsCopy(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll([]string{"a", "b"}))
	snap := s.Snapshot()
	snap[0] = "z"
	assert.Equal(t, []string{"a", "b"}, s.Snapshot())
}

func TestBlockStore_Clear(t *testing.T) {
	s := NewBlockStore()
	require.NoError(t, s.AddAll([]string{"a", "b"}))
	_, err := s.Pop()
	require.NoError(t, err)

	s.Clear()
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.InFlight("b"))
}

func TestBlockStore_ConcurrentPopsAreUnique(t *testing.T) {
	s := NewBlockStore()
	ids := make([]string, 500)
	for i := range ids {
		ids[i] = Encode(Min10DigitNumber + int64(i))
	}
	require.NoError(t, s.AddAll(ids))

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := s.Pop()
				if err != nil {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, len(ids))
	for id, n := range seen {
		assert.Equal(t, 1, n, "id %s handed out more than once", id)
	}
}
