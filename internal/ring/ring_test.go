package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func TestSinceIsStrictlyAfter(t *testing.T) {
	r := New(10)
	r.Write(at(1), "one")
	r.Write(at(2), "two")
	r.Write(at(3), "three")

	got := r.Since(at(1))
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Line)
	assert.Equal(t, "three", got[1].Line)
}

func TestSinceBeforeOldestReturnsAll(t *testing.T) {
	r := New(4)
	r.Write(at(5), "a")
	r.Write(at(6), "b")

	got := r.Since(at(0))
	require.Len(t, got, 2)
}

func TestSinceWithNoQualifyingEntriesIsEmptyNotNil(t *testing.T) {
	r := New(4)
	r.Write(at(5), "a")

	got := r.Since(at(10))
	assert.NotNil(t, got)
	assert.Len(t, got, 0)
}

func TestDuplicateTimestampsExcludedWhenEqualToSince(t *testing.T) {
	r := New(4)
	r.Write(at(1), "a")
	r.Write(at(1), "b")
	r.Write(at(2), "c")

	got := r.Since(at(1))
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Line)
}

func TestOverflowKeepsNMostRecent(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Write(at(int64(i)), string(rune('a'+i-1)))
	}

	got := r.Since(at(0))
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Line)
	assert.Equal(t, "d", got[1].Line)
	assert.Equal(t, "e", got[2].Line)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Capacity())
}

func TestWriteNeverFailsOnEmptyRing(t *testing.T) {
	r := New(1)
	assert.Equal(t, 0, r.Len())
	r.Write(at(1), "only")
	assert.Equal(t, 1, r.Len())
	r.Write(at(2), "replacement")
	assert.Equal(t, 1, r.Len())
	got := r.Since(at(0))
	require.Len(t, got, 1)
	assert.Equal(t, "replacement", got[0].Line)
}
