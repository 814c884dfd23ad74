package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	assert.False(t, Invalid().Ok())
	assert.False(t, Invalid().IsScalar())

	for _, tc := range []struct {
		shape        Shape
		rank, size   int
		memory       uintptr
		scalar       bool
		stableHLO    string
		wantsStrides []int
	}{
		{Make(dtypes.Float64), 0, 1, 8, true, "tensor<f64>", []int{}},
		{Make(dtypes.Float32, 4, 3, 2), 3, 24, 96, false, "tensor<4x3x2xf32>", []int{6, 2, 1}},
		{Make(dtypes.Int32, 1, 10), 2, 10, 40, false, "tensor<1x10xi32>", []int{10, 1}},
		// Empty shards are valid shapes.
		{Make(dtypes.BFloat16, 0, 3), 2, 0, 0, false, "tensor<0x3xbf16>", []int{3, 1}},
	} {
		t.Run(tc.shape.String(), func(t *testing.T) {
			require.True(t, tc.shape.Ok())
			assert.Equal(t, tc.rank, tc.shape.Rank())
			assert.Equal(t, tc.size, tc.shape.Size())
			assert.Equal(t, tc.memory, tc.shape.Memory())
			assert.Equal(t, tc.scalar, tc.shape.IsScalar())
			assert.Equal(t, tc.stableHLO, tc.shape.ToStableHLO())
			if len(tc.wantsStrides) == 0 {
				assert.Empty(t, tc.shape.Strides())
			} else {
				assert.Equal(t, tc.wantsStrides, tc.shape.Strides())
			}
		})
	}
	assert.Panics(t, func() { _ = Make(dtypes.Float32, -1) })
}

func TestShapeEqual(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	assert.True(t, shape.Equal(Make(dtypes.Float32, 4, 3, 2)))
	assert.False(t, shape.Equal(Make(dtypes.Float64, 4, 3, 2)))
	assert.False(t, shape.Equal(Make(dtypes.Float32, 4, 3)))
	assert.True(t, shape.EqualDimensions(Make(dtypes.Float64, 4, 3, 2)))

	clone := shape.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 4, shape.Dim(0), "Clone must not share dimensions")

	require.NoError(t, shape.Check(dtypes.Float32, 4, 3, 2))
	assert.Error(t, shape.Check(dtypes.Float32, 4, 3))
	assert.Error(t, shape.Check(dtypes.Int64, 4, 3, 2))
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	for axis, want := range map[int]int{0: 4, 1: 3, 2: 2, -1: 2, -2: 3, -3: 4} {
		assert.Equal(t, want, shape.Dim(axis), "Dim(%d)", axis)
	}
	assert.Panics(t, func() { _ = shape.Dim(3) })
	assert.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestFromAnyValue(t *testing.T) {
	for _, tc := range []struct {
		value any
		want  Shape
	}{
		{[]int32{1, 2, 3}, Make(dtypes.Int32, 3)},
		{[][][]complex64{{{1, 2, -3}, {3, 4 + 2i, -7 - 1i}}}, Make(dtypes.Complex64, 1, 2, 3)},
		{float32(7), Make(dtypes.Float32)},
		{[][]uint8{{1}, {2}}, Make(dtypes.Uint8, 2, 1)},
	} {
		got, err := FromAnyValue(tc.value)
		require.NoError(t, err, "FromAnyValue(%#v)", tc.value)
		assert.True(t, tc.want.Equal(got), "FromAnyValue(%#v) = %s, want %s", tc.value, got, tc.want)
	}

	for name, value := range map[string]any{
		"nil":         nil,
		"empty":       [][]float32{{}},
		"unsupported": []string{"a"},
		"irregular":   [][]float32{{1, 2, 3}, {4, 5}},
		"deep":        [][]int64{{1}, {2}, {3, 4}},
	} {
		got, err := FromAnyValue(value)
		assert.Error(t, err, "%s: FromAnyValue(%v) = %s", name, value, got)
		assert.False(t, got.Ok())
	}
}
