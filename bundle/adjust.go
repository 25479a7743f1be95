package bundle

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/sfm/scene"
)

// Options configures one adjustment pass.
type Options struct {
	// MaxIterations caps the outer Levenberg-Marquardt loop.
	MaxIterations int `json:"ba_max_iterations"`
	// Tolerance is both the relative cost-decrease and relative step-norm
	// stopping threshold.
	Tolerance float64 `json:"ba_tolerance"`
}

// Result reports one adjustment pass. A pass never fails outright: when the
// iteration cap is exhausted before the tolerance is met, the best parameters
// found so far are kept and Converged is false.
type Result struct {
	InitialRMSE  float64
	FinalRMSE    float64
	Converged    bool
	Iterations   int
	PrunedPoints int
}

// lambda schedule bounds.
const (
	lambdaInit = 1e-3
	lambdaMax  = 1e10
	lambdaMin  = 1e-12
)

// Adjust refines every camera pose and point position in the map, minimizing
// total squared reprojection error with damped Gauss-Newton steps on the
// Schur-reduced normal equations. The first registered camera is held fixed
// as the gauge anchor; the last gauge freedom, global scale, is left to the
// damping. The pass takes exclusive ownership of the map: the caller must
// not mutate it until Adjust returns. Afterwards, points that lost positive
// depth in any of their observing cameras are pruned.
func Adjust(ctx context.Context, m *scene.Map, opts Options, logger golog.Logger) (*Result, error) {
	p := buildProblem(m)
	if len(p.obs) == 0 {
		logger.Warn("no observations to adjust")
		return &Result{Converged: true}, nil
	}

	res := make([]float64, 2*len(p.obs))
	p.residuals(p.camParams, p.pointParams, res)
	currentCost := cost(res)
	out := &Result{InitialRMSE: rmse(res)}
	logger.Debugw("adjustment start",
		"cameras", len(p.cameraIDs), "points", len(p.pointIDs), "observations", len(p.obs), "rmse", out.InitialRMSE)

	lambda := lambdaInit
	jacs := make([]obsJacobian, len(p.obs))
	trialCam := make([]float64, len(p.camParams))
	trialPt := make([]float64, len(p.pointParams))
	trialRes := make([]float64, len(res))

	for out.Iterations < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Iterations++

		p.evaluate(jacs)
		ne := accumulate(p, jacs)
		deltaC, deltaP, err := solveStep(p, ne, lambda)
		if err != nil {
			// not positive definite at this damping; steepen and retry
			lambda *= 10
			if lambda > lambdaMax {
				break
			}
			continue
		}

		copy(trialCam, p.camParams)
		copy(trialPt, p.pointParams)
		floats.Add(trialCam, deltaC)
		floats.Add(trialPt, deltaP)
		p.residuals(trialCam, trialPt, trialRes)
		trialCost := cost(trialRes)

		if trialCost >= currentCost {
			// a rejected step this small means we are at a minimum
			stepNorm := floats.Norm(deltaC, 2) + floats.Norm(deltaP, 2)
			paramNorm := floats.Norm(p.camParams, 2) + floats.Norm(p.pointParams, 2)
			if stepNorm < opts.Tolerance*(paramNorm+1e-12) {
				out.Converged = true
				break
			}
			lambda *= 10
			if lambda > lambdaMax {
				break
			}
			continue
		}

		// accepted step: cost is non-increasing from here on
		relDecrease := (currentCost - trialCost) / currentCost
		stepNorm := floats.Norm(deltaC, 2) + floats.Norm(deltaP, 2)
		paramNorm := floats.Norm(trialCam, 2) + floats.Norm(trialPt, 2)
		copy(p.camParams, trialCam)
		copy(p.pointParams, trialPt)
		copy(res, trialRes)
		currentCost = trialCost
		lambda /= 10
		if lambda < lambdaMin {
			lambda = lambdaMin
		}

		if relDecrease < opts.Tolerance || stepNorm < opts.Tolerance*(paramNorm+1e-12) {
			out.Converged = true
			break
		}
	}

	out.FinalRMSE = rmse(res)
	p.writeBack(m)
	out.PrunedPoints = pruneNegativeDepth(m)
	if out.Converged {
		logger.Debugw("adjustment converged",
			"iterations", out.Iterations, "rmse", out.FinalRMSE, "pruned", out.PrunedPoints)
	} else {
		logger.Warnw("adjustment did not converge within the iteration cap",
			"iterations", out.Iterations, "rmse", out.FinalRMSE, "pruned", out.PrunedPoints)
	}
	return out, nil
}

// pruneNegativeDepth removes map points that ended an adjustment pass behind
// any of their observing cameras.
func pruneNegativeDepth(m *scene.Map) int {
	var doomed []int
	m.IteratePoints(func(mp *scene.MapPoint) bool {
		pos := r3.Vector{X: mp.Position[0], Y: mp.Position[1], Z: mp.Position[2]}
		for _, obs := range mp.Observations {
			pose, ok := m.Camera(obs.CameraID)
			if !ok {
				continue
			}
			if pose.Depth(pos) <= 0 {
				doomed = append(doomed, mp.ID)
				break
			}
		}
		return true
	})
	for _, id := range doomed {
		m.RemovePoint(id)
	}
	return len(doomed)
}
