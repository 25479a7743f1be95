package twoview

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// getCrossProductMatFromPoint returns the cross product with point p matrix.
func getCrossProductMatFromPoint(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}

// Triangulate computes the 3D point seen at p1 through projection matrix pr1
// and at p2 through pr2, with the linear (DLT) method: each observation
// contributes the constraint [p]_x P X = 0 and the stacked system is solved
// by SVD. The result is a pure function of its inputs. Points behind either
// camera or at infinity are returned as-is; filtering is the caller's job.
func Triangulate(pr1, pr2 *mat.Dense, p1, p2 r2.Point) (r3.Vector, error) {
	p1Cross := getCrossProductMatFromPoint(r3.Vector{X: p1.X, Y: p1.Y, Z: 1})
	p2Cross := getCrossProductMatFromPoint(r3.Vector{X: p2.X, Y: p2.Y, Z: 1})
	p1CrossP := mat.NewDense(3, 4, nil)
	p1CrossP.Mul(p1Cross, pr1)
	p2CrossP := mat.NewDense(3, 4, nil)
	p2CrossP.Mul(p2Cross, pr2)
	var a mat.Dense
	a.Stack(p1CrossP, p2CrossP)

	var svd mat.SVD
	if ok := svd.Factorize(&a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.New("failed to factorize triangulation system")
	}
	const rcond = 1e-15
	if svd.Rank(rcond) == 0 {
		return r3.Vector{}, errors.New("zero rank triangulation system")
	}
	var v mat.Dense
	svd.VTo(&v)
	// homogeneous solution is the right singular vector of the smallest
	// singular value
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, errors.New("triangulated point at infinity")
	}
	return r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}, nil
}

// TriangulateNormalized triangulates a correspondence given in normalized
// image coordinates, with the first camera at the identity pose and the
// second at the given relative pose.
func TriangulateNormalized(pose *RelativePose, p1, p2 r2.Point) (r3.Vector, error) {
	pr1 := mat.NewDense(3, 4, nil)
	pr1.Set(0, 0, 1)
	pr1.Set(1, 1, 1)
	pr1.Set(2, 2, 1)
	var pr2 mat.Dense
	t := pose.Translation
	pr2.Augment(pose.Rotation, mat.NewDense(3, 1, []float64{t.X, t.Y, t.Z}))
	return Triangulate(pr1, &pr2, p1, p2)
}
