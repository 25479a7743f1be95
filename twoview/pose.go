package twoview

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RelativePose is the recovered motion of the second camera relative to the
// first: a point X in the first camera frame maps to R*X + t in the second.
// The translation is unit length; the reconstruction scale is that baseline.
type RelativePose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// DecomposeEssentialMatrix decomposes the essential matrix into its 2
// algebraically valid 3D rotations and the translation direction.
func DecomposeEssentialMatrix(essMat *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats := performSVD(essMat)
	if mats == nil {
		return nil, nil, r3.Vector{}, errors.New("failed to factorize essential matrix")
	}
	// check determinant sign of U and V
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	w := mat.NewDense(3, 3, nil)
	w.Set(0, 1, 1)
	w.Set(1, 0, -1)
	w.Set(2, 2, 1)
	// R1 = UWV^T, R2 = UW^TV^T
	var r1, r2 mat.Dense
	r1.Mul(mats.U, w)
	r1.Mul(&r1, mats.VT)
	r2.Mul(mats.U, transposeDense(w))
	r2.Mul(&r2, mats.VT)
	u3 := mats.U.ColView(2)
	t := r3.Vector{X: u3.AtVec(0), Y: u3.AtVec(1), Z: u3.AtVec(2)}
	return &r1, &r2, t, nil
}

// possiblePoses returns the four algebraically valid (R, t) combinations.
func possiblePoses(essMat *mat.Dense) ([]*RelativePose, error) {
	r1, r2, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	return []*RelativePose{
		{Rotation: r1, Translation: t},
		{Rotation: r1, Translation: t.Mul(-1)},
		{Rotation: r2, Translation: t},
		{Rotation: r2, Translation: t.Mul(-1)},
	}, nil
}

// cheiralityVotes is the maximum number of inlier rays triangulated per pose
// candidate when disambiguating the decomposition.
const cheiralityVotes = 100

// RecoverPose selects among the four decompositions of E the pose that puts
// the most triangulated correspondences in front of both cameras. Points are
// normalized image coordinates of inlier correspondences.
func RecoverPose(essMat *mat.Dense, pts1, pts2 []r2.Point) (*RelativePose, error) {
	if len(pts1) == 0 {
		return nil, errors.Wrap(ErrInsufficientMatches, "no inliers to disambiguate pose")
	}
	poses, err := possiblePoses(essMat)
	if err != nil {
		return nil, err
	}
	// vote with a bounded subset of the inliers
	step := 1
	if len(pts1) > cheiralityVotes {
		step = len(pts1) / cheiralityVotes
	}
	var bestPose *RelativePose
	bestVotes := -1
	for _, pose := range poses {
		votes := 0
		for i := 0; i < len(pts1); i += step {
			pt, err := TriangulateNormalized(pose, pts1[i], pts2[i])
			if err != nil {
				continue
			}
			if pt.Z > 0 && depthInSecond(pose, pt) > 0 {
				votes++
			}
		}
		if votes > bestVotes {
			bestVotes = votes
			bestPose = pose
		}
	}
	if bestVotes <= 0 {
		return nil, errors.Wrap(ErrDegenerateGeometry, "no decomposition satisfies cheirality")
	}
	// the translation direction is only determined up to scale
	norm := bestPose.Translation.Norm()
	if norm > 0 {
		bestPose.Translation = bestPose.Translation.Mul(1 / norm)
	}
	return bestPose, nil
}

// depthInSecond returns the Z coordinate of a first-frame point expressed in
// the second camera frame.
func depthInSecond(pose *RelativePose, pt r3.Vector) float64 {
	r := pose.Rotation
	return r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z + pose.Translation.Z
}

// TriangulationAngle returns the angle in radians between the two rays from
// the camera centers to the triangulated point. Near-parallel rays mean the
// point is numerically unstable.
func TriangulationAngle(center1, center2, pt r3.Vector) float64 {
	ray1 := pt.Sub(center1)
	ray2 := pt.Sub(center2)
	n1, n2 := ray1.Norm(), ray2.Norm()
	if n1 == 0 || n2 == 0 {
		return 0
	}
	cos := ray1.Dot(ray2) / (n1 * n2)
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}
