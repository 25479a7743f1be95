package camera

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// An R3 axis angle is a rotation encoded as a 3-vector whose direction is the
// rotation axis and whose length is the rotation angle in radians. It is the
// minimal parameterization used for camera rotations during refinement.

// AxisAngleToQuat converts an R3 axis angle to a unit quaternion.
func AxisAngleToQuat(aa r3.Vector) quat.Number {
	theta := aa.Norm()
	if theta < 1e-12 {
		return quat.Number{Real: 1}
	}
	axis := aa.Mul(1 / theta)
	sinA := math.Sin(theta / 2)
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * sinA,
		Jmag: axis.Y * sinA,
		Kmag: axis.Z * sinA,
	}
}

// QuatToAxisAngle converts a unit quaternion to an R3 axis angle.
func QuatToAxisAngle(q quat.Number) r3.Vector {
	// keep the scalar part positive so theta stays in [0, pi]
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	vecNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if vecNorm < 1e-12 {
		return r3.Vector{}
	}
	theta := 2 * math.Atan2(vecNorm, q.Real)
	return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}.Mul(theta / vecNorm)
}

// QuatToRotationMatrix converts a unit quaternion to a 3x3 rotation matrix.
func QuatToRotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotationMatrixToQuat converts a 3x3 rotation matrix to a unit quaternion
// using Shepperd's method, branching on the largest diagonal term for
// numerical stability.
func RotationMatrixToQuat(r *mat.Dense) quat.Number {
	var q quat.Number
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q.Real = s / 4
		q.Imag = (r.At(2, 1) - r.At(1, 2)) / s
		q.Jmag = (r.At(0, 2) - r.At(2, 0)) / s
		q.Kmag = (r.At(1, 0) - r.At(0, 1)) / s
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := 2 * math.Sqrt(1+r.At(0, 0)-r.At(1, 1)-r.At(2, 2))
		q.Real = (r.At(2, 1) - r.At(1, 2)) / s
		q.Imag = s / 4
		q.Jmag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Kmag = (r.At(0, 2) + r.At(2, 0)) / s
	case r.At(1, 1) > r.At(2, 2):
		s := 2 * math.Sqrt(1+r.At(1, 1)-r.At(0, 0)-r.At(2, 2))
		q.Real = (r.At(0, 2) - r.At(2, 0)) / s
		q.Imag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Jmag = s / 4
		q.Kmag = (r.At(1, 2) + r.At(2, 1)) / s
	default:
		s := 2 * math.Sqrt(1+r.At(2, 2)-r.At(0, 0)-r.At(1, 1))
		q.Real = (r.At(1, 0) - r.At(0, 1)) / s
		q.Imag = (r.At(0, 2) + r.At(2, 0)) / s
		q.Jmag = (r.At(1, 2) + r.At(2, 1)) / s
		q.Kmag = s / 4
	}
	norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	return quat.Scale(1/norm, q)
}

// AxisAngleToMatrix converts an R3 axis angle to a 3x3 rotation matrix.
func AxisAngleToMatrix(aa r3.Vector) *mat.Dense {
	return QuatToRotationMatrix(AxisAngleToQuat(aa))
}

// MatrixToAxisAngle converts a 3x3 rotation matrix to an R3 axis angle.
func MatrixToAxisAngle(r *mat.Dense) r3.Vector {
	return QuatToAxisAngle(RotationMatrixToQuat(r))
}
