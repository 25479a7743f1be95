package twoview

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sfm/camera"
)

// FilterOptions gates which triangulated points are accepted into the map.
type FilterOptions struct {
	// MaxReprojectionErrorPx rejects points whose reprojection lands too far
	// from the observed pixel in either view.
	MaxReprojectionErrorPx float64
	// MinTriangulationAngleRad rejects points whose observing rays are too
	// close to parallel.
	MinTriangulationAngleRad float64
	// MaxPointRange rejects points unreasonably far from the origin, a cheap
	// screen for near-infinite DLT solutions.
	MaxPointRange float64
}

// ValidateTriangulation checks a candidate 3D point against both observing
// cameras: positive depth in each, bounded reprojection error, a wide enough
// triangulation angle, and a sane magnitude. Rejections are silent by design;
// callers just skip the point.
func ValidateTriangulation(pose1, pose2 *camera.Pose, pt r3.Vector, px1, px2 r2.Point, opts FilterOptions) bool {
	if opts.MaxPointRange > 0 && pt.Norm() >= opts.MaxPointRange {
		return false
	}
	if pose1.Depth(pt) <= 0 || pose2.Depth(pt) <= 0 {
		return false
	}
	proj1, ok := pose1.Project(pt)
	if !ok || proj1.Sub(px1).Norm() > opts.MaxReprojectionErrorPx {
		return false
	}
	proj2, ok := pose2.Project(pt)
	if !ok || proj2.Sub(px2).Norm() > opts.MaxReprojectionErrorPx {
		return false
	}
	if TriangulationAngle(pose1.Center(), pose2.Center(), pt) < opts.MinTriangulationAngleRad {
		return false
	}
	return true
}

// Options configures the two-view initializer.
type Options struct {
	// InlierThresholdPx is the epipolar distance bound in pixels; it is
	// converted to normalized coordinates with the focal length.
	InlierThresholdPx float64
	Confidence        float64
	MaxIterations     int
	MinInlierFraction float64
	Seed              int64
	Filter            FilterOptions
}

// SeedPoint is one triangulated point of the initial reconstruction,
// referencing the input correspondence it came from.
type SeedPoint struct {
	MatchIndex int
	Position   r3.Vector
}

// Reconstruction is the output of the two-view bootstrap. The first camera
// sits at the identity pose; Pose places the second camera relative to it
// with a unit-length baseline.
type Reconstruction struct {
	Pose       *RelativePose
	Points     []SeedPoint
	Inliers    []bool
	NumInliers int
}

// Reconstruct bootstraps a reconstruction from one image pair: pixel
// correspondences pts1/pts2 and the two cameras' intrinsics. It estimates the
// essential matrix under RANSAC, recovers the relative pose by cheirality,
// and triangulates the surviving inliers.
func Reconstruct(pts1, pts2 []r2.Point, intr1, intr2 *camera.PinholeCameraIntrinsics, opts Options) (*Reconstruction, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	norm1 := normalizeByIntrinsics(pts1, intr1)
	norm2 := normalizeByIntrinsics(pts2, intr2)

	focal := (intr1.FocalScale() + intr2.FocalScale()) / 2
	ransacOpts := RANSACOptions{
		InlierThreshold:   opts.InlierThresholdPx / focal,
		Confidence:        opts.Confidence,
		MaxIterations:     opts.MaxIterations,
		MinInlierFraction: opts.MinInlierFraction,
		Seed:              opts.Seed,
	}
	essential, err := EstimateEssentialMatrix(norm1, norm2, ransacOpts)
	if err != nil {
		return nil, err
	}

	in1 := make([]r2.Point, 0, essential.NumInliers)
	in2 := make([]r2.Point, 0, essential.NumInliers)
	matchIdx := make([]int, 0, essential.NumInliers)
	for i, ok := range essential.Inliers {
		if ok {
			in1 = append(in1, norm1[i])
			in2 = append(in2, norm2[i])
			matchIdx = append(matchIdx, i)
		}
	}

	pose, err := RecoverPose(essential.E, in1, in2)
	if err != nil {
		return nil, err
	}

	cam1 := camera.NewIdentityPose(0, intr1)
	cam2 := camera.NewPose(1, pose.Rotation, pose.Translation, intr2)

	points := make([]SeedPoint, 0, len(in1))
	for i := range in1 {
		pt, err := TriangulateNormalized(pose, in1[i], in2[i])
		if err != nil {
			continue
		}
		mi := matchIdx[i]
		if !ValidateTriangulation(cam1, cam2, pt, pts1[mi], pts2[mi], opts.Filter) {
			continue
		}
		points = append(points, SeedPoint{MatchIndex: mi, Position: pt})
	}
	if len(points) == 0 {
		return nil, errors.Wrap(ErrDegenerateGeometry, "no triangulated point survived filtering")
	}

	return &Reconstruction{
		Pose:       pose,
		Points:     points,
		Inliers:    essential.Inliers,
		NumInliers: essential.NumInliers,
	}, nil
}

// normalizeByIntrinsics maps pixel coordinates to normalized image
// coordinates by undoing the camera matrix.
func normalizeByIntrinsics(pts []r2.Point, intr *camera.PinholeCameraIntrinsics) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		ray := intr.PixelToRay(pt)
		out[i] = r2.Point{X: ray.X, Y: ray.Y}
	}
	return out
}
