package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  1280,
		Height: 720,
		Fx:     900,
		Fy:     900,
		Ppx:    640,
		Ppy:    360,
	}
}

func TestCheckValid(t *testing.T) {
	intr := testIntrinsics()
	test.That(t, intr.CheckValid(), test.ShouldBeNil)

	var nilIntr *PinholeCameraIntrinsics
	test.That(t, nilIntr.CheckValid(), test.ShouldNotBeNil)

	bad := testIntrinsics()
	bad.Fx = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)

	bad = testIntrinsics()
	bad.Ppx = -1
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
}

func TestProjectionRoundTrip(t *testing.T) {
	intr := testIntrinsics()
	pt := r3.Vector{X: 0.3, Y: -0.2, Z: 2.5}
	px := intr.PointToPixel(pt)
	ray := intr.PixelToRay(px)

	// the ray through the pixel passes through the original point
	scaled := ray.Mul(pt.Z / ray.Z)
	test.That(t, scaled.X, test.ShouldAlmostEqual, pt.X, 1e-9)
	test.That(t, scaled.Y, test.ShouldAlmostEqual, pt.Y, 1e-9)
	test.That(t, scaled.Z, test.ShouldAlmostEqual, pt.Z, 1e-9)
}

func TestPrincipalPoint(t *testing.T) {
	intr := testIntrinsics()
	px := intr.PointToPixel(r3.Vector{X: 0, Y: 0, Z: 5})
	test.That(t, px.X, test.ShouldAlmostEqual, intr.Ppx)
	test.That(t, px.Y, test.ShouldAlmostEqual, intr.Ppy)

	ray := intr.PixelToRay(r2.Point{X: intr.Ppx, Y: intr.Ppy})
	test.That(t, ray.X, test.ShouldAlmostEqual, 0)
	test.That(t, ray.Y, test.ShouldAlmostEqual, 0)
	test.That(t, ray.Z, test.ShouldAlmostEqual, 1)
}

func TestCameraMatrix(t *testing.T) {
	intr := testIntrinsics()
	k := intr.CameraMatrix()
	test.That(t, k.At(0, 0), test.ShouldEqual, intr.Fx)
	test.That(t, k.At(1, 1), test.ShouldEqual, intr.Fy)
	test.That(t, k.At(0, 2), test.ShouldEqual, intr.Ppx)
	test.That(t, k.At(1, 2), test.ShouldEqual, intr.Ppy)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1.0)
}

func TestFocalScale(t *testing.T) {
	intr := testIntrinsics()
	test.That(t, intr.FocalScale(), test.ShouldAlmostEqual, 900)

	intr.Fy = 1100
	test.That(t, intr.FocalScale(), test.ShouldAlmostEqual, 1000)
	test.That(t, math.IsNaN(intr.FocalScale()), test.ShouldBeFalse)
}
