package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestAxisAngleRoundTrip(t *testing.T) {
	for _, aa := range []r3.Vector{
		{X: 0.1, Y: 0.2, Z: 0.3},
		{X: -1.2, Y: 0.5, Z: 0.0},
		{X: 0, Y: 0, Z: 0},
		{X: 3.0, Y: 0, Z: 0},
	} {
		got := MatrixToAxisAngle(AxisAngleToMatrix(aa))
		test.That(t, got.X, test.ShouldAlmostEqual, aa.X, 1e-9)
		test.That(t, got.Y, test.ShouldAlmostEqual, aa.Y, 1e-9)
		test.That(t, got.Z, test.ShouldAlmostEqual, aa.Z, 1e-9)
	}
}

func TestAxisAngleToMatrixKnown(t *testing.T) {
	// 90 degrees about Z maps x-hat to y-hat
	r := AxisAngleToMatrix(r3.Vector{X: 0, Y: 0, Z: math.Pi / 2})
	test.That(t, r.At(0, 0), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, r.At(1, 0), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, r.At(2, 0), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestRotationMatrixIsOrthonormal(t *testing.T) {
	r := AxisAngleToMatrix(r3.Vector{X: 0.7, Y: -0.4, Z: 1.1})
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, rtr.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
	test.That(t, mat.Det(r), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestQuatRoundTrip(t *testing.T) {
	aa := r3.Vector{X: 0.3, Y: -0.9, Z: 0.4}
	q := AxisAngleToQuat(aa)
	r := QuatToRotationMatrix(q)
	q2 := RotationMatrixToQuat(r)
	aa2 := QuatToAxisAngle(q2)
	test.That(t, aa2.X, test.ShouldAlmostEqual, aa.X, 1e-9)
	test.That(t, aa2.Y, test.ShouldAlmostEqual, aa.Y, 1e-9)
	test.That(t, aa2.Z, test.ShouldAlmostEqual, aa.Z, 1e-9)
}
