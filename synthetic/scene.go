// Package synthetic generates ground-truth scenes with known cameras,
// points, and pixel-perfect correspondences, for demos and tests.
package synthetic

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/track"
)

// Options controls scene generation.
type Options struct {
	// NumCameras are placed on an arc around the point cloud, all looking
	// at its center.
	NumCameras int
	// NumPoints are sampled uniformly in a box around the scene center.
	NumPoints int
	// NoisePx is the standard deviation of Gaussian pixel noise added to
	// every projected feature. Zero produces exact measurements.
	NoisePx float64
	// ArcRadius is the camera distance from the scene center.
	ArcRadius float64
	// ArcSpanRad is the total angular extent of the camera arc.
	ArcSpanRad float64
	Seed       int64
}

// DefaultOptions returns a scene that every stage of the pipeline handles
// comfortably.
func DefaultOptions() Options {
	return Options{
		NumCameras: 6,
		NumPoints:  300,
		NoisePx:    0.0,
		ArcRadius:  10.0,
		ArcSpanRad: math.Pi / 3,
		Seed:       42,
	}
}

// Scene is a generated ground-truth scene. Image IDs run 0..NumCameras-1 and
// feature indices within an image are dense.
type Scene struct {
	Intrinsics *camera.PinholeCameraIntrinsics
	// Poses are the true world-to-camera poses, indexed by image ID.
	Poses []*camera.Pose
	// Points are the true 3D positions.
	Points []r3.Vector
	// Features holds the projected (possibly noisy) measurements per image.
	Features map[int]*track.ImageFeatures
	// pointToFeature[img][pt] is the feature index of point pt in image img,
	// or -1 when the point is not visible there.
	pointToFeature [][]int
}

// Generate builds a deterministic scene from the options.
func Generate(opts Options) *Scene {
	rnd := rand.New(rand.NewSource(opts.Seed))
	intr := &camera.PinholeCameraIntrinsics{
		Width:  1280,
		Height: 960,
		Fx:     900,
		Fy:     900,
		Ppx:    640,
		Ppy:    480,
	}

	center := r3.Vector{X: 0, Y: 0, Z: 0}
	points := make([]r3.Vector, opts.NumPoints)
	for i := range points {
		points[i] = r3.Vector{
			X: center.X + (rnd.Float64()-0.5)*4,
			Y: center.Y + (rnd.Float64()-0.5)*4,
			Z: center.Z + (rnd.Float64()-0.5)*4,
		}
	}

	poses := make([]*camera.Pose, opts.NumCameras)
	for i := range poses {
		frac := 0.0
		if opts.NumCameras > 1 {
			frac = float64(i)/float64(opts.NumCameras-1) - 0.5
		}
		angle := frac * opts.ArcSpanRad
		pos := r3.Vector{
			X: center.X + opts.ArcRadius*math.Sin(angle),
			Y: center.Y,
			Z: center.Z - opts.ArcRadius*math.Cos(angle),
		}
		poses[i] = lookAtPose(i, pos, center, intr)
	}

	sc := &Scene{
		Intrinsics:     intr,
		Poses:          poses,
		Points:         points,
		Features:       make(map[int]*track.ImageFeatures),
		pointToFeature: make([][]int, opts.NumCameras),
	}
	for img := range poses {
		sc.pointToFeature[img] = make([]int, opts.NumPoints)
		feats := &track.ImageFeatures{ImageID: img}
		for pt, pos := range points {
			sc.pointToFeature[img][pt] = -1
			px, ok := poses[img].Project(pos)
			if !ok {
				continue
			}
			if opts.NoisePx > 0 {
				px.X += rnd.NormFloat64() * opts.NoisePx
				px.Y += rnd.NormFloat64() * opts.NoisePx
			}
			if px.X < 0 || px.X >= float64(intr.Width) || px.Y < 0 || px.Y >= float64(intr.Height) {
				continue
			}
			sc.pointToFeature[img][pt] = len(feats.Features)
			feats.Features = append(feats.Features, track.Feature{
				Point: px,
				Color: pointColor(pt),
			})
		}
		sc.Features[img] = feats
	}
	return sc
}

// Matches returns the exact correspondences between two images: one match per
// point visible in both.
func (sc *Scene) Matches(imageA, imageB int) []track.Match {
	var matches []track.Match
	for pt := range sc.Points {
		fa := sc.pointToFeature[imageA][pt]
		fb := sc.pointToFeature[imageB][pt]
		if fa >= 0 && fb >= 0 {
			matches = append(matches, track.Match{Index1: fa, Index2: fb})
		}
	}
	return matches
}

// FeatureIndex returns the feature index of a point in an image, or false if
// it is not visible there.
func (sc *Scene) FeatureIndex(imageID, pointIdx int) (int, bool) {
	idx := sc.pointToFeature[imageID][pointIdx]
	return idx, idx >= 0
}

// lookAtPose builds the world-to-camera pose of a camera at pos with its
// optical axis through target and image x kept level.
func lookAtPose(id int, pos, target r3.Vector, intr *camera.PinholeCameraIntrinsics) *camera.Pose {
	zAxis := target.Sub(pos).Normalize()
	up := r3.Vector{X: 0, Y: -1, Z: 0}
	xAxis := up.Cross(zAxis).Normalize()
	yAxis := zAxis.Cross(xAxis)
	// rows of R are the camera axes in world coordinates
	rot := mat.NewDense(3, 3, []float64{
		xAxis.X, xAxis.Y, xAxis.Z,
		yAxis.X, yAxis.Y, yAxis.Z,
		zAxis.X, zAxis.Y, zAxis.Z,
	})
	// t = -R c
	trans := r3.Vector{
		X: -(rot.At(0, 0)*pos.X + rot.At(0, 1)*pos.Y + rot.At(0, 2)*pos.Z),
		Y: -(rot.At(1, 0)*pos.X + rot.At(1, 1)*pos.Y + rot.At(1, 2)*pos.Z),
		Z: -(rot.At(2, 0)*pos.X + rot.At(2, 1)*pos.Y + rot.At(2, 2)*pos.Z),
	}
	return camera.NewPose(id, rot, trans, intr)
}

// pointColor gives each point a stable, distinct color in [0,255].
func pointColor(idx int) [3]float64 {
	return [3]float64{
		float64((idx * 47) % 256),
		float64((idx * 91) % 256),
		float64((idx * 139) % 256),
	}
}
