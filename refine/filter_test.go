package refine

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestInterpolateData(t *testing.T) {
	nan := math.NaN()
	out := interpolateData([]float64{nan, 1, nan, 3, nan})
	test.That(t, out[0], test.ShouldAlmostEqual, 1)
	test.That(t, out[1], test.ShouldAlmostEqual, 1)
	test.That(t, out[2], test.ShouldAlmostEqual, 2)
	test.That(t, out[3], test.ShouldAlmostEqual, 3)
	test.That(t, out[4], test.ShouldAlmostEqual, 3)

	allNaN := interpolateData([]float64{nan, nan})
	test.That(t, allNaN, test.ShouldResemble, []float64{0, 0})

	clean := []float64{1, 2, 3}
	test.That(t, interpolateData(clean), test.ShouldResemble, clean)
}

func TestMedfilt(t *testing.T) {
	// a lone spike disappears under a width-3 median
	out := medfilt([]float64{1, 1, 100, 1, 1}, 3)
	test.That(t, out, test.ShouldResemble, []float64{1, 1, 1, 1, 1})

	// monotone data is preserved in the interior; reflect padding pulls the
	// endpoints inward
	out = medfilt([]float64{1, 2, 3, 4, 5, 6, 7}, 3)
	test.That(t, out, test.ShouldResemble, []float64{2, 2, 3, 4, 5, 6, 6})

	test.That(t, medfilt([]float64{5}, 7), test.ShouldResemble, []float64{5})
	test.That(t, medfilt(nil, 3), test.ShouldBeEmpty)
}

func TestReflectIndex(t *testing.T) {
	// mirrors around the endpoints without repeating them
	test.That(t, reflectIndex(-1, 4), test.ShouldEqual, 1)
	test.That(t, reflectIndex(-2, 4), test.ShouldEqual, 2)
	test.That(t, reflectIndex(4, 4), test.ShouldEqual, 2)
	test.That(t, reflectIndex(5, 4), test.ShouldEqual, 1)
	test.That(t, reflectIndex(2, 4), test.ShouldEqual, 2)
	test.That(t, reflectIndex(7, 4), test.ShouldEqual, 1)
}
