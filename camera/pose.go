package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is the rigid world-to-camera transform of one registered camera: a
// point X in world coordinates maps to R*X + t in the camera frame. A Pose is
// created once per successfully registered image; only the bundle adjuster
// mutates it afterwards.
type Pose struct {
	ID          int
	Rotation    *mat.Dense // 3x3 orthonormal
	Translation r3.Vector
	Intrinsics  *PinholeCameraIntrinsics
}

// NewPose creates a pose from a rotation matrix and a translation vector.
func NewPose(id int, rotation *mat.Dense, translation r3.Vector, intrinsics *PinholeCameraIntrinsics) *Pose {
	return &Pose{
		ID:          id,
		Rotation:    rotation,
		Translation: translation,
		Intrinsics:  intrinsics,
	}
}

// NewIdentityPose creates a pose at the world origin looking down +Z.
func NewIdentityPose(id int, intrinsics *PinholeCameraIntrinsics) *Pose {
	return NewPose(id, eye(3), r3.Vector{}, intrinsics)
}

// Clone returns a deep copy of the pose.
func (p *Pose) Clone() *Pose {
	return NewPose(p.ID, mat.DenseCopyOf(p.Rotation), p.Translation, p.Intrinsics)
}

// TransformToCamera maps a world point into the camera frame.
func (p *Pose) TransformToCamera(pt r3.Vector) r3.Vector {
	r := p.Rotation
	return r3.Vector{
		X: r.At(0, 0)*pt.X + r.At(0, 1)*pt.Y + r.At(0, 2)*pt.Z + p.Translation.X,
		Y: r.At(1, 0)*pt.X + r.At(1, 1)*pt.Y + r.At(1, 2)*pt.Z + p.Translation.Y,
		Z: r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z + p.Translation.Z,
	}
}

// Depth returns the Z coordinate of a world point in the camera frame.
func (p *Pose) Depth(pt r3.Vector) float64 {
	r := p.Rotation
	return r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z + p.Translation.Z
}

// Project projects a world point to pixel coordinates. The boolean is false
// when the point is behind the camera.
func (p *Pose) Project(pt r3.Vector) (r2.Point, bool) {
	camPt := p.TransformToCamera(pt)
	if camPt.Z <= 0 {
		return r2.Point{}, false
	}
	return p.Intrinsics.PointToPixel(camPt), true
}

// Center returns the camera center in world coordinates, -R^T * t.
func (p *Pose) Center() r3.Vector {
	r := p.Rotation
	t := p.Translation
	return r3.Vector{
		X: -(r.At(0, 0)*t.X + r.At(1, 0)*t.Y + r.At(2, 0)*t.Z),
		Y: -(r.At(0, 1)*t.X + r.At(1, 1)*t.Y + r.At(2, 1)*t.Z),
		Z: -(r.At(0, 2)*t.X + r.At(1, 2)*t.Y + r.At(2, 2)*t.Z),
	}
}

// ExtrinsicMatrix returns the 3x4 matrix [R|t].
func (p *Pose) ExtrinsicMatrix() *mat.Dense {
	var ext mat.Dense
	t := mat.NewDense(3, 1, []float64{p.Translation.X, p.Translation.Y, p.Translation.Z})
	ext.Augment(p.Rotation, t)
	return &ext
}

// ProjectionMatrix returns the 3x4 matrix K[R|t].
func (p *Pose) ProjectionMatrix() *mat.Dense {
	var proj mat.Dense
	proj.Mul(p.Intrinsics.CameraMatrix(), p.ExtrinsicMatrix())
	return &proj
}

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
