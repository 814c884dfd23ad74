package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue returns the shape of a Go scalar or of a (multi-level) slice of scalars, e.g.
// [][]float64{{0, 0}} has shape (Float64)[1 2].
//
// Slices at the same level must have the same length, and they cannot be empty since the inner dimensions
// couldn't be inferred.
func FromAnyValue(v any) (Shape, error) {
	if v == nil {
		return Invalid(), errors.New("cannot infer the shape of a nil value")
	}
	value := reflect.ValueOf(v)

	// Dimensions are taken from the first element at each level, and then checked against every element.
	var shape Shape
	t := value.Type()
	for first := value; t.Kind() == reflect.Slice; t = t.Elem() {
		if first.Len() == 0 {
			return Invalid(), errors.Errorf("empty slice at axis %d of %T: inner dimensions cannot be inferred",
				len(shape.Dimensions), v)
		}
		shape.Dimensions = append(shape.Dimensions, first.Len())
		first = first.Index(0)
	}
	shape.DType = dtypes.FromGoType(t)
	if shape.DType == dtypes.InvalidDType {
		return Invalid(), errors.Errorf("cannot infer the shape of %T: element type %s not supported", v, t)
	}
	if err := checkDimensions(value, shape.Dimensions, 0); err != nil {
		return Invalid(), errors.WithMessagef(err, "irregular slices in %T", v)
	}
	return shape, nil
}

func checkDimensions(value reflect.Value, dimensions []int, axis int) error {
	if axis == len(dimensions) {
		return nil
	}
	if value.Len() != dimensions[axis] {
		return errors.Errorf("axis %d has length %d, expected %d", axis, value.Len(), dimensions[axis])
	}
	for i := range value.Len() {
		if err := checkDimensions(value.Index(i), dimensions, axis+1); err != nil {
			return err
		}
	}
	return nil
}
