package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestIdentityPose(t *testing.T) {
	pose := NewIdentityPose(0, testIntrinsics())
	pt := r3.Vector{X: 1, Y: 2, Z: 3}

	camPt := pose.TransformToCamera(pt)
	test.That(t, camPt.X, test.ShouldAlmostEqual, pt.X)
	test.That(t, camPt.Y, test.ShouldAlmostEqual, pt.Y)
	test.That(t, camPt.Z, test.ShouldAlmostEqual, pt.Z)
	test.That(t, pose.Depth(pt), test.ShouldAlmostEqual, 3)

	center := pose.Center()
	test.That(t, center.Norm(), test.ShouldAlmostEqual, 0)
}

func TestPoseProject(t *testing.T) {
	pose := NewIdentityPose(0, testIntrinsics())

	px, ok := pose.Project(r3.Vector{X: 0, Y: 0, Z: 4})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, px.X, test.ShouldAlmostEqual, 640)
	test.That(t, px.Y, test.ShouldAlmostEqual, 360)

	_, ok = pose.Project(r3.Vector{X: 0, Y: 0, Z: -4})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPoseCenter(t *testing.T) {
	// rotate 90 degrees about Y, then translate
	rot := AxisAngleToMatrix(r3.Vector{X: 0, Y: math.Pi / 2, Z: 0})
	trans := r3.Vector{X: 1, Y: -2, Z: 5}
	pose := NewPose(3, rot, trans, testIntrinsics())

	// the center must transform to the camera origin
	origin := pose.TransformToCamera(pose.Center())
	test.That(t, origin.Norm(), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestExtrinsicAndProjectionMatrix(t *testing.T) {
	rot := AxisAngleToMatrix(r3.Vector{X: 0.1, Y: -0.2, Z: 0.3})
	trans := r3.Vector{X: 0.5, Y: 0.25, Z: 2}
	pose := NewPose(1, rot, trans, testIntrinsics())

	ext := pose.ExtrinsicMatrix()
	rows, cols := ext.Dims()
	test.That(t, rows, test.ShouldEqual, 3)
	test.That(t, cols, test.ShouldEqual, 4)
	test.That(t, ext.At(0, 3), test.ShouldAlmostEqual, trans.X)
	test.That(t, ext.At(2, 3), test.ShouldAlmostEqual, trans.Z)

	// projecting through the matrix must agree with Project
	pt := r3.Vector{X: 0.3, Y: -0.1, Z: 4}
	proj := pose.ProjectionMatrix()
	hom := mat.NewVecDense(4, []float64{pt.X, pt.Y, pt.Z, 1})
	var res mat.VecDense
	res.MulVec(proj, hom)
	px, ok := pose.Project(pt)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, res.AtVec(0)/res.AtVec(2), test.ShouldAlmostEqual, px.X, 1e-9)
	test.That(t, res.AtVec(1)/res.AtVec(2), test.ShouldAlmostEqual, px.Y, 1e-9)
}

func TestClone(t *testing.T) {
	pose := NewIdentityPose(7, testIntrinsics())
	clone := pose.Clone()
	clone.Rotation.Set(0, 0, -1)
	test.That(t, pose.Rotation.At(0, 0), test.ShouldEqual, 1.0)
	test.That(t, clone.ID, test.ShouldEqual, 7)
}
