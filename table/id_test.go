package table

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_NextIsUnique(t *testing.T) {
	r := NewRegistry()
	var (
		mu   sync.Mutex
		seen = make(map[ID]bool)
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id, err := r.Next()
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
	assert.False(t, seen[0])
}

func mustNext(t *testing.T, r *Registry) ID {
	t.Helper()
	id, err := r.Next()
	require.NoError(t, err)
	return id
}

func TestRegistry_ReleasedNeverReused(t *testing.T) {
	r := NewRegistry()
	a := mustNext(t, r)
	r.Release(a)

	assert.False(t, r.Live(a))
	assert.NotEqual(t, a, mustNext(t, r))
	assert.ErrorIs(t, r.Claim(a), ErrDuplicateIdentifier)
}

func TestRegistry_Claim(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Claim(40))
	assert.ErrorIs(t, r.Claim(40), ErrDuplicateIdentifier)
	assert.ErrorIs(t, r.Claim(0), ErrInvalidCommand)
	assert.Equal(t, ID(41), mustNext(t, r))
}

func TestRegistry_ClaimAboveMaxRejected(t *testing.T) {
	r := NewRegistry()
	a := mustNext(t, r)
	assert.ErrorIs(t, r.Claim(ID(^uint64(0))), ErrInvalidCommand)
	assert.ErrorIs(t, r.Claim(MaxID+1), ErrInvalidCommand)

	b, c := mustNext(t, r), mustNext(t, r)
	assert.NotZero(t, b)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
}

func TestRegistry_ExhaustedAtMaxID(t *testing.T) {
	r := NewRegistry()
	a := mustNext(t, r)
	require.NoError(t, r.Claim(MaxID-1))
	assert.Equal(t, MaxID, mustNext(t, r))

	// 不再分配超过 MaxID 的标识，也不回绕
	for i := 0; i < 2; i++ {
		id, err := r.Next()
		assert.ErrorIs(t, err, ErrIdentifiersExhausted)
		assert.Zero(t, id)
	}
	assert.True(t, r.Live(a))
	assert.Equal(t, MaxID+1, r.state().Next)
}

func TestRegistry_RestoreIgnoresOutOfRange(t *testing.T) {
	r := NewRegistry()
	r.restore(RegistryState{Next: ID(^uint64(0)), Retired: []ID{0, ID(^uint64(0)), 7}})
	assert.Equal(t, ID(8), mustNext(t, r))
	assert.ErrorIs(t, r.Claim(7), ErrDuplicateIdentifier)
}
