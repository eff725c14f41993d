package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfRange(t *testing.T) {
	for i := 0; i < 10000; i++ {
		p := Of(fmt.Sprintf("key-%d", i))
		require.GreaterOrEqual(t, p, int32(0))
		require.Less(t, p, int32(Count))
	}
}

func TestOfStable(t *testing.T) {
	assert.Equal(t, Of("order-7"), Of("order-7"))
	assert.Equal(t, int32(Hash32([]byte("order-7"))%Count), Of("order-7"))
}

func TestOwnerOfEmpty(t *testing.T) {
	assert.Equal(t, "", OwnerOf(3, nil))
}

func TestOwnerOfDeterministicAndOrderIndependent(t *testing.T) {
	ids := []string{"c", "a", "b"}
	for p := int32(0); p < Count; p++ {
		assert.Equal(t, OwnerOf(p, ids), OwnerOf(p, []string{"b", "c", "a"}))
	}
	// modulo over the sorted set
	assert.Equal(t, "a", OwnerOf(0, ids))
	assert.Equal(t, "b", OwnerOf(1, ids))
	assert.Equal(t, "c", OwnerOf(2, ids))
	assert.Equal(t, "a", OwnerOf(3, ids))
}

func TestAssignSingleInstanceOwnsEverything(t *testing.T) {
	owned := Assign("only", []string{"only"})
	require.Len(t, owned, Count)
	for i, p := range owned {
		assert.Equal(t, int32(i), p)
	}
}

func TestAssignUnknownInstance(t *testing.T) {
	assert.Nil(t, Assign("ghost", []string{"a", "b"}))
	assert.Nil(t, Assign("a", nil))
}

func TestAssignEvenLoad(t *testing.T) {
	tests := []struct {
		n            int
		maxDeviation int
	}{
		{1, 0}, {2, 0}, {4, 0}, {8, 0}, {16, 0}, // 256 mod n == 0
		{3, 2}, {5, 2}, {7, 2}, {10, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			var ids []string
			for i := 0; i < tt.n; i++ {
				ids = append(ids, fmt.Sprintf("instance-%02d", i))
			}
			mean := Count / tt.n
			total := 0
			for _, id := range ids {
				owned := Assign(id, ids)
				total += len(owned)
				diff := len(owned) - mean
				if diff < 0 {
					diff = -diff
				}
				assert.LessOrEqual(t, diff, tt.maxDeviation)
			}
			assert.Equal(t, Count, total)
		})
	}
}

func TestAssignPartitionsCoveredExactlyOnce(t *testing.T) {
	ids := []string{"i-1", "i-2", "i-3", "i-4", "i-5"}
	owners := map[int32]int{}
	for _, id := range ids {
		for _, p := range Assign(id, ids) {
			owners[p]++
		}
	}
	require.Len(t, owners, Count)
	for p, n := range owners {
		assert.Equal(t, 1, n, "partition %d", p)
	}
}

func TestAssignMatchesOwnerOf(t *testing.T) {
	ids := []string{"i-1", "i-2", "i-3"}
	for _, id := range ids {
		for _, p := range Assign(id, ids) {
			assert.Equal(t, id, OwnerOf(p, ids))
		}
	}
}

// When one instance leaves, partitions it did not own may still change hands
// with the modulo assignor, but any partition whose owner is unchanged by the
// recomputation must stay put.
func TestOwnershipStableWithoutMembershipChange(t *testing.T) {
	ids := []string{"i-1", "i-2", "i-3"}
	first := map[int32]string{}
	for p := int32(0); p < Count; p++ {
		first[p] = OwnerOf(p, ids)
	}
	for p := int32(0); p < Count; p++ {
		assert.Equal(t, first[p], OwnerOf(p, ids))
	}
}
