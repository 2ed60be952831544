package file

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanxfer/resume"
)

func TestChunkTableGeometry(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		chunkSize uint32
		chunks    int
		last      uint32
	}{
		{"empty", 0, 4096, 0, 0},
		{"exact", 8192, 4096, 2, 4096},
		{"remainder", 10000, 4096, 3, 10000 - 8192},
		{"single short", 10, 4096, 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := NewChunkTable(tt.size, tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, tt.chunks, table.Len())
			assert.NoError(t, table.Verify())
			if tt.chunks > 0 {
				assert.Equal(t, tt.last, table.Get(tt.chunks-1).Length)
				assert.Equal(t, tt.size, table.Get(tt.chunks-1).End())
			}
			assert.Equal(t, tt.chunks == 0, table.AllAcked())
		})
	}
}

func TestChunkTablePartitionHoldsUnderMutation(t *testing.T) {
	table, err := NewChunkTable(1<<20+123, 4096)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 5000; step++ {
		i := rng.Intn(table.Len())
		to := ChunkStatus(rng.Intn(4))
		err := table.Set(i, to)
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidTransition)
		}
		require.NoError(t, table.Verify(), "step %d", step)
	}

	total := 0
	for s := ChunkPending; s <= ChunkFailed; s++ {
		total += table.Count(s)
	}
	assert.Equal(t, table.Len(), total)
}

func TestChunkTableTransitions(t *testing.T) {
	table, err := NewChunkTable(3*4096, 4096)
	require.NoError(t, err)

	require.NoError(t, table.Set(0, ChunkInFlight))
	assert.ErrorIs(t, table.Set(0, ChunkInFlight), ErrInvalidTransition)
	require.NoError(t, table.Set(0, ChunkPending))
	assert.Equal(t, 1, table.Retries(0))

	require.NoError(t, table.Set(0, ChunkInFlight))
	require.NoError(t, table.Set(0, ChunkAcked))
	assert.ErrorIs(t, table.Set(0, ChunkPending), ErrInvalidTransition)
	assert.NoError(t, table.Set(0, ChunkAcked), "re-acking is idempotent")

	require.NoError(t, table.Set(1, ChunkFailed))
	assert.ErrorIs(t, table.Set(1, ChunkPending), ErrInvalidTransition)

	assert.ErrorIs(t, table.Set(3, ChunkAcked), ErrInvalidTransition)
	assert.ErrorIs(t, table.Set(-1, ChunkAcked), ErrInvalidTransition)
}

func TestChunkTableNextPendingLowestFirst(t *testing.T) {
	table, err := NewChunkTable(4*4096, 4096)
	require.NoError(t, err)

	i, ok := table.NextPending()
	require.True(t, ok)
	assert.Equal(t, 0, i)

	require.NoError(t, table.Set(0, ChunkInFlight))
	require.NoError(t, table.Set(1, ChunkInFlight))
	i, _ = table.NextPending()
	assert.Equal(t, 2, i)

	require.NoError(t, table.Set(1, ChunkPending))
	i, _ = table.NextPending()
	assert.Equal(t, 1, i, "a requeued chunk goes before higher ones")

	for _, j := range []int{1, 2, 3} {
		require.NoError(t, table.Set(j, ChunkAcked))
	}
	require.NoError(t, table.Set(0, ChunkAcked))
	_, ok = table.NextPending()
	assert.False(t, ok)
	assert.True(t, table.AllAcked())
}

func TestChunkTableBitmap(t *testing.T) {
	acked := resume.NewBitmap(10)
	acked.Set(0)
	acked.Set(3)
	acked.Set(9)

	table, err := NewChunkTableFromBitmap(10*4096-100, 4096, acked)
	require.NoError(t, err)
	assert.Equal(t, 3, table.Count(ChunkAcked))
	assert.Equal(t, 7, table.Count(ChunkPending))
	assert.Equal(t, uint64(2*4096+4096-100), table.AckedBytes())
	assert.Equal(t, acked, table.Bitmap())
	require.NoError(t, table.Verify())

	_, err = NewChunkTableFromBitmap(10*4096, 4096, resume.NewBitmap(20))
	assert.Error(t, err)
}
