package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndFromData(t *testing.T) {
	x := New(2, 3, 3, 1)
	assert.Equal(t, 18, x.Len())
	assert.Equal(t, []int{2, 3, 3, 1}, x.Shape)

	_, err := FromData(make([]float32, 5), 2, 3)
	assert.Error(t, err)

	y, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, y.Row(1))
}

func TestSliceSharesStorage(t *testing.T) {
	x, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, err)

	s := x.Slice(1, 3)
	assert.Equal(t, []int{2, 2}, s.Shape)
	s.Data[0] = 9
	assert.Equal(t, float32(9), x.Data[2])
}

func TestCloneIsDeep(t *testing.T) {
	x := New(2)
	c := x.Clone()
	c.Data[0] = 1
	assert.Equal(t, float32(0), x.Data[0])
	assert.True(t, x.SameShape(c))
}

func TestArgMaxPrefersFirstOnTies(t *testing.T) {
	assert.Equal(t, 0, ArgMax([]float32{0.6, 0.3, 0.1}))
	assert.Equal(t, 1, ArgMax([]float32{0.2, 0.4, 0.4}))
}

func TestHasNaN(t *testing.T) {
	x := New(3)
	assert.False(t, x.HasNaN())
	x.Data[1] = float32(math.Inf(1))
	assert.True(t, x.HasNaN())
}
