// Package twoview bootstraps a reconstruction from one image pair: it
// estimates the essential matrix under outliers, recovers the relative camera
// pose, and triangulates an initial set of 3D points.
package twoview

import (
	"math"
	"math/rand"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientMatches is returned when fewer correspondences are
	// available than a model's minimal sample size.
	ErrInsufficientMatches = errors.New("not enough correspondences for a minimal sample")
	// ErrDegenerateGeometry is returned when no RANSAC hypothesis clears the
	// inlier-fraction floor, typically from a near-zero baseline.
	ErrDegenerateGeometry = errors.New("no model hypothesis cleared the inlier-fraction floor")
)

// minEssentialSample is the sample size of the 8-point algorithm.
const minEssentialSample = 8

// RANSACOptions bound the essential-matrix search.
type RANSACOptions struct {
	// InlierThreshold is the symmetric epipolar distance bound in normalized
	// image coordinates (pixel threshold divided by focal length).
	InlierThreshold float64
	// Confidence is the target probability of having sampled at least one
	// outlier-free minimal set, e.g. 0.999.
	Confidence float64
	// MaxIterations caps the hypothesis count regardless of confidence.
	MaxIterations int
	// MinInlierFraction is the floor below which the best hypothesis is
	// considered degenerate.
	MinInlierFraction float64
	// Seed seeds the sampler so estimation is reproducible.
	Seed int64
}

// EssentialResult is the output of the essential-matrix search.
type EssentialResult struct {
	E          *mat.Dense
	Inliers    []bool
	NumInliers int
	Iterations int
}

// EstimateEssentialMatrix runs RANSAC over 8-point minimal fits on
// correspondences in normalized image coordinates. Hypotheses are scored in
// parallel across workers; iteration count adapts to the current inlier ratio
// until the confidence bound is met or MaxIterations is hit.
func EstimateEssentialMatrix(pts1, pts2 []r2.Point, opts RANSACOptions) (*EssentialResult, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	n := len(pts1)
	if n < minEssentialSample {
		return nil, errors.Wrapf(ErrInsufficientMatches, "%d matches, need %d", n, minEssentialSample)
	}

	r := rand.New(rand.NewSource(opts.Seed))
	best := &EssentialResult{}
	bound := opts.MaxIterations
	done := 0
	for done < bound {
		batch := hypothesisBatchSize
		if done+batch > bound {
			batch = bound - done
		}
		// sample minimal sets sequentially so the sampler stays deterministic,
		// then fit and score the batch in parallel
		samples := make([][]int, batch)
		for i := range samples {
			samples[i] = sampleIndices(r, n, minEssentialSample)
		}
		candidates := scoreHypotheses(pts1, pts2, samples, opts.InlierThreshold)
		for _, cand := range candidates {
			if cand != nil && cand.NumInliers > best.NumInliers {
				best = cand
			}
		}
		done += batch
		best.Iterations = done

		// shrink the iteration bound as the inlier ratio improves
		if best.NumInliers > 0 {
			w := float64(best.NumInliers) / float64(n)
			if adaptive := RequiredIterations(opts.Confidence, w, minEssentialSample); adaptive < bound {
				bound = adaptive
			}
		}
	}

	if best.E == nil || float64(best.NumInliers) < opts.MinInlierFraction*float64(n) {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "best hypothesis has %d/%d inliers", best.NumInliers, n)
	}
	return best, nil
}

// hypothesisBatchSize is how many hypotheses are fit and scored per parallel round.
const hypothesisBatchSize = 64

// scoreHypotheses fits and scores one batch of minimal samples concurrently.
// Each worker only reads the shared point slices and writes to its own result
// slot, so no locking is needed beyond the final reduction.
func scoreHypotheses(pts1, pts2 []r2.Point, samples [][]int, threshold float64) []*EssentialResult {
	results := make([]*EssentialResult, len(samples))
	var wait sync.WaitGroup
	wait.Add(len(samples))
	for i := range samples {
		iCopy := i
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			e, err := essentialFromSample(pts1, pts2, samples[iCopy])
			if err != nil {
				return
			}
			inliers, count := epipolarInliers(e, pts1, pts2, threshold)
			results[iCopy] = &EssentialResult{E: e, Inliers: inliers, NumInliers: count}
		})
	}
	wait.Wait()
	return results
}

// RequiredIterations returns the number of RANSAC samples needed to hit the
// given confidence at inlier ratio w with sample size s:
// n = log(1-p) / log(1-w^s).
func RequiredIterations(confidence, w float64, sampleSize int) int {
	if w >= 1 {
		return 1
	}
	denom := math.Log(1 - math.Pow(w, float64(sampleSize)))
	if denom >= 0 {
		return math.MaxInt32
	}
	bound := math.Log(1-confidence) / denom
	if bound > float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(bound))
}

// sampleIndices draws k distinct indices in [0, n).
func sampleIndices(r *rand.Rand, n, k int) []int {
	out := make([]int, 0, k)
	seen := make(map[int]bool, k)
	for len(out) < k {
		idx := r.Intn(n)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

// essentialFromSample fits an essential matrix to the sampled correspondences
// with the normalized 8-point algorithm.
func essentialFromSample(pts1, pts2 []r2.Point, sample []int) (*mat.Dense, error) {
	s1 := make([]r2.Point, len(sample))
	s2 := make([]r2.Point, len(sample))
	for i, idx := range sample {
		s1[i] = pts1[idx]
		s2[i] = pts2[idx]
	}
	return essentialEightPoint(s1, s2)
}

// essentialEightPoint solves the epipolar constraint x2^T E x1 = 0 for E by
// SVD on the stacked constraint rows, then projects onto the essential
// manifold by forcing the two leading singular values equal and the last zero.
func essentialEightPoint(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	nPoints := len(pts1)
	if nPoints < minEssentialSample {
		return nil, errors.Wrapf(ErrInsufficientMatches, "%d points in sample", nPoints)
	}
	points1, t1 := normalizePoints(pts1)
	points2, t2 := normalizePoints(pts2)

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	mats := performSVD(m)
	if mats == nil {
		return nil, errors.New("failed to factorize constraint matrix")
	}
	lastColV := mats.V.ColView(8)
	eData := make([]float64, 9)
	for i := range eData {
		eData[i] = lastColV.AtVec(i)
	}
	e := mat.NewDense(3, 3, eData)

	// undo the Hartley normalization: E = T2^T @ E @ T1
	e.Mul(transposeDense(t2), e)
	e.Mul(e, t1)

	// project onto the essential manifold
	mats2 := performSVD(e)
	if mats2 == nil {
		return nil, errors.New("failed to factorize candidate essential matrix")
	}
	s := mats2.S
	sMean := (s.At(0, 0) + s.At(1, 1)) / 2
	s.Set(0, 0, sMean)
	s.Set(1, 1, sMean)
	s.Set(2, 2, 0)
	var eHat mat.Dense
	eHat.Mul(mats2.U, s)
	e.Mul(&eHat, mats2.VT)
	return e, nil
}

// epipolarInliers marks the correspondences whose symmetric epipolar distance
// under E is below the threshold.
func epipolarInliers(e *mat.Dense, pts1, pts2 []r2.Point, threshold float64) ([]bool, int) {
	inliers := make([]bool, len(pts1))
	count := 0
	for i := range pts1 {
		if SymmetricEpipolarDistance(e, pts1[i], pts2[i]) < threshold {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

// SymmetricEpipolarDistance returns the symmetric distance of a
// correspondence to the epipolar lines induced by E, in the same units as the
// input points.
func SymmetricEpipolarDistance(e *mat.Dense, p1, p2 r2.Point) float64 {
	x1 := r3.Vector{X: p1.X, Y: p1.Y, Z: 1}
	x2 := r3.Vector{X: p2.X, Y: p2.Y, Z: 1}
	// epipolar lines: l2 of x1 in image 2, l1 of x2 in image 1
	l2 := applyMat3(e, x1)
	l1 := applyMat3T(e, x2)
	// x2^T E x1
	residual := x2.Dot(l2)
	d2 := l2.X*l2.X + l2.Y*l2.Y
	d1 := l1.X*l1.X + l1.Y*l1.Y
	if d1 == 0 || d2 == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(residual * residual * (1/d1 + 1/d2) / 2)
}

func applyMat3(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func applyMat3T(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(1, 0)*v.Y + m.At(2, 0)*v.Z,
		Y: m.At(0, 1)*v.X + m.At(1, 1)*v.Y + m.At(2, 1)*v.Z,
		Z: m.At(0, 2)*v.X + m.At(1, 2)*v.Y + m.At(2, 2)*v.Z,
	}
}
