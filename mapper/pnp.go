// Package mapper grows a two-view seed reconstruction one image at a time:
// each unregistered image is localized against the current map with PnP under
// RANSAC, its inlier correspondences become new observations, and tracks it
// shares with already-registered cameras are triangulated into new map points.
package mapper

import (
	"math/rand"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/twoview"
)

// ErrRegistrationFailure is returned when PnP cannot localize an image with
// enough inliers. It is non-fatal: the image is deferred and retried once the
// map has grown.
var ErrRegistrationFailure = errors.New("PnP inlier count below threshold")

// minPnPSample is the sample size of the DLT projection-matrix solver.
const minPnPSample = 6

// PnPOptions bound the pose-from-points search.
type PnPOptions struct {
	// ReprojectionThresholdPx is the inlier bound on pixel reprojection error.
	ReprojectionThresholdPx float64
	Confidence              float64
	MaxIterations           int
	// MinInliers is the minimum inlier count for a registration to succeed.
	MinInliers int
	Seed       int64
}

// PnPResult is a camera pose estimated from 2D-3D correspondences.
type PnPResult struct {
	Rotation    *mat.Dense
	Translation r3.Vector
	Inliers     []bool
	NumInliers  int
}

// SolvePnPRansac estimates a camera's world-to-camera pose from 2D-3D
// correspondences with a DLT minimal solver inside RANSAC, then refits on the
// inlier set. Hypotheses are scored in parallel.
func SolvePnPRansac(
	pts3d []r3.Vector,
	pts2d []r2.Point,
	intrinsics *camera.PinholeCameraIntrinsics,
	opts PnPOptions,
) (*PnPResult, error) {
	if len(pts3d) != len(pts2d) {
		return nil, errors.New("sets of 3D and 2D points must have the same number of elements")
	}
	n := len(pts3d)
	if n < minPnPSample {
		return nil, errors.Wrapf(twoview.ErrInsufficientMatches, "%d correspondences, need %d", n, minPnPSample)
	}

	// work in normalized image coordinates so the DLT is well conditioned
	rays := make([]r2.Point, n)
	for i, px := range pts2d {
		ray := intrinsics.PixelToRay(px)
		rays[i] = r2.Point{X: ray.X, Y: ray.Y}
	}

	r := rand.New(rand.NewSource(opts.Seed))
	var best *PnPResult
	bound := opts.MaxIterations
	done := 0
	for done < bound {
		batch := pnpBatchSize
		if done+batch > bound {
			batch = bound - done
		}
		samples := make([][]int, batch)
		for i := range samples {
			samples[i] = samplePnPIndices(r, n)
		}
		for _, cand := range scorePnPHypotheses(pts3d, rays, pts2d, intrinsics, samples, opts.ReprojectionThresholdPx) {
			if cand != nil && (best == nil || cand.NumInliers > best.NumInliers) {
				best = cand
			}
		}
		done += batch
		if best != nil && best.NumInliers > 0 {
			w := float64(best.NumInliers) / float64(n)
			if adaptive := pnpIterationBound(opts.Confidence, w); adaptive < bound {
				bound = adaptive
			}
		}
	}

	if best == nil || best.NumInliers < opts.MinInliers {
		got := 0
		if best != nil {
			got = best.NumInliers
		}
		return nil, errors.Wrapf(ErrRegistrationFailure, "%d inliers, need %d", got, opts.MinInliers)
	}

	// refit on all inliers for the final pose
	refined, err := solvePnPDLT(selectVectors(pts3d, best.Inliers), selectPoints(rays, best.Inliers))
	if err == nil {
		inliers, count := reprojectionInliers(refined, pts3d, pts2d, intrinsics, opts.ReprojectionThresholdPx)
		if count >= best.NumInliers {
			best = &PnPResult{
				Rotation:    refined.Rotation,
				Translation: refined.Translation,
				Inliers:     inliers,
				NumInliers:  count,
			}
		}
	}
	return best, nil
}

// pnpBatchSize is how many hypotheses are fit and scored per parallel round.
const pnpBatchSize = 32

func scorePnPHypotheses(
	pts3d []r3.Vector,
	rays []r2.Point,
	pts2d []r2.Point,
	intrinsics *camera.PinholeCameraIntrinsics,
	samples [][]int,
	thresholdPx float64,
) []*PnPResult {
	results := make([]*PnPResult, len(samples))
	var wait sync.WaitGroup
	wait.Add(len(samples))
	for i := range samples {
		iCopy := i
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			sample := samples[iCopy]
			s3d := make([]r3.Vector, len(sample))
			sRay := make([]r2.Point, len(sample))
			for j, idx := range sample {
				s3d[j] = pts3d[idx]
				sRay[j] = rays[idx]
			}
			pose, err := solvePnPDLT(s3d, sRay)
			if err != nil {
				return
			}
			inliers, count := reprojectionInliers(pose, pts3d, pts2d, intrinsics, thresholdPx)
			results[iCopy] = &PnPResult{
				Rotation:    pose.Rotation,
				Translation: pose.Translation,
				Inliers:     inliers,
				NumInliers:  count,
			}
		})
	}
	wait.Wait()
	return results
}

type pnpPose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// solvePnPDLT solves for the projection [R|t] mapping world points onto
// normalized rays: each correspondence contributes two rows of the linear
// system A p = 0 and the solution is the smallest right singular vector,
// orthonormalized back onto the rotation manifold.
func solvePnPDLT(pts3d []r3.Vector, rays []r2.Point) (*pnpPose, error) {
	n := len(pts3d)
	if n < minPnPSample {
		return nil, errors.Wrapf(twoview.ErrInsufficientMatches, "%d correspondences in sample", n)
	}
	a := mat.NewDense(2*n, 12, nil)
	for i := range pts3d {
		p := pts3d[i]
		u, v := rays[i].X, rays[i].Y
		a.SetRow(2*i, []float64{
			p.X, p.Y, p.Z, 1,
			0, 0, 0, 0,
			-u * p.X, -u * p.Y, -u * p.Z, -u,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, 0,
			p.X, p.Y, p.Z, 1,
			-v * p.X, -v * p.Y, -v * p.Z, -v,
		})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize PnP system")
	}
	var v mat.Dense
	svd.VTo(&v)
	p := mat.NewDense(3, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			p.Set(r, c, v.At(4*r+c, 11))
		}
	}

	// flip so that the sampled points have positive depth
	positive := 0
	for _, pt := range pts3d {
		if p.At(2, 0)*pt.X+p.At(2, 1)*pt.Y+p.At(2, 2)*pt.Z+p.At(2, 3) > 0 {
			positive++
		}
	}
	if positive*2 < n {
		p.Scale(-1, p)
	}

	// project the left 3x3 block back onto the rotation manifold and recover
	// the scale of the solution from its singular values
	sub := mat.DenseCopyOf(p.Slice(0, 3, 0, 3))
	var subSVD mat.SVD
	if ok := subSVD.Factorize(sub, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize rotation block")
	}
	var u9, v9 mat.Dense
	subSVD.UTo(&u9)
	subSVD.VTo(&v9)
	var rot mat.Dense
	rot.Mul(&u9, v9.T())
	if mat.Det(&rot) < 0 {
		rot.Scale(-1, &rot)
	}
	vals := subSVD.Values(nil)
	scale := (vals[0] + vals[1] + vals[2]) / 3
	if scale <= 0 {
		return nil, errors.New("degenerate PnP solution")
	}
	t := r3.Vector{X: p.At(0, 3) / scale, Y: p.At(1, 3) / scale, Z: p.At(2, 3) / scale}
	return &pnpPose{Rotation: &rot, Translation: t}, nil
}

// reprojectionInliers marks the correspondences whose pixel reprojection
// error under the candidate pose is below the threshold.
func reprojectionInliers(
	pose *pnpPose,
	pts3d []r3.Vector,
	pts2d []r2.Point,
	intrinsics *camera.PinholeCameraIntrinsics,
	thresholdPx float64,
) ([]bool, int) {
	cam := camera.NewPose(0, pose.Rotation, pose.Translation, intrinsics)
	inliers := make([]bool, len(pts3d))
	count := 0
	for i := range pts3d {
		proj, ok := cam.Project(pts3d[i])
		if !ok {
			continue
		}
		if proj.Sub(pts2d[i]).Norm() < thresholdPx {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

// pnpIterationBound is the adaptive RANSAC bound for the 6-point sample size.
func pnpIterationBound(confidence, w float64) int {
	return twoview.RequiredIterations(confidence, w, minPnPSample)
}

func samplePnPIndices(r *rand.Rand, n int) []int {
	out := make([]int, 0, minPnPSample)
	seen := make(map[int]bool, minPnPSample)
	for len(out) < minPnPSample {
		idx := r.Intn(n)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

func selectVectors(pts []r3.Vector, mask []bool) []r3.Vector {
	out := make([]r3.Vector, 0, len(pts))
	for i, ok := range mask {
		if ok {
			out = append(out, pts[i])
		}
	}
	return out
}

func selectPoints(pts []r2.Point, mask []bool) []r2.Point {
	out := make([]r2.Point, 0, len(pts))
	for i, ok := range mask {
		if ok {
			out = append(out, pts[i])
		}
	}
	return out
}
