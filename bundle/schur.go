package bundle

import (
	"runtime"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ParallelFactor controls how many goroutines evaluate residuals and
// Jacobians. Exposed so tests can pin it down.
var ParallelFactor = runtime.GOMAXPROCS(0)

func parallelWorkers(items int) int {
	workers := ParallelFactor
	if workers < 1 {
		workers = 1
	}
	if items < workers {
		workers = items
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// normalEquations is the block structure of J^T J for one LM iteration.
// Cameras couple to points only through per-observation 6x3 blocks; the
// camera-camera and point-point blocks are block diagonal.
type normalEquations struct {
	// u has one 6x6 block per camera, v one 3x3 block per point.
	u [][6][6]float64
	v [][3][3]float64
	// w has one 6x3 block per observation.
	w [][6][3]float64
	// gc and gp are the gradient halves, 6 per camera and 3 per point.
	gc [][6]float64
	gp [][3]float64
}

// accumulate builds the normal equation blocks from per-observation Jacobians.
func accumulate(p *problem, jacs []obsJacobian) *normalEquations {
	ne := &normalEquations{
		u:  make([][6][6]float64, len(p.cameraIDs)),
		v:  make([][3][3]float64, len(p.pointIDs)),
		w:  make([][6][3]float64, len(p.obs)),
		gc: make([][6]float64, len(p.cameraIDs)),
		gp: make([][3]float64, len(p.pointIDs)),
	}
	for oi := range p.obs {
		o := p.obs[oi]
		j := &jacs[oi]
		for r := 0; r < 2; r++ {
			for a := 0; a < 6; a++ {
				ne.gc[o.cam][a] += j.jc[r][a] * j.r[r]
				for b := 0; b < 6; b++ {
					ne.u[o.cam][a][b] += j.jc[r][a] * j.jc[r][b]
				}
				for b := 0; b < 3; b++ {
					ne.w[oi][a][b] += j.jc[r][a] * j.jp[r][b]
				}
			}
			for a := 0; a < 3; a++ {
				ne.gp[o.point][a] += j.jp[r][a] * j.r[r]
				for b := 0; b < 3; b++ {
					ne.v[o.point][a][b] += j.jp[r][a] * j.jp[r][b]
				}
			}
		}
	}
	return ne
}

// invert3x3 inverts a damped 3x3 point block by cofactors.
func invert3x3(m [3][3]float64) ([3][3]float64, bool) {
	c00 := m[1][1]*m[2][2] - m[1][2]*m[2][1]
	c01 := m[1][2]*m[2][0] - m[1][0]*m[2][2]
	c02 := m[1][0]*m[2][1] - m[1][1]*m[2][0]
	det := m[0][0]*c00 + m[0][1]*c01 + m[0][2]*c02
	if det == 0 {
		return [3][3]float64{}, false
	}
	id := 1 / det
	var inv [3][3]float64
	inv[0][0] = c00 * id
	inv[1][0] = c01 * id
	inv[2][0] = c02 * id
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) * id
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) * id
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) * id
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) * id
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) * id
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) * id
	return inv, true
}

// solveStep solves the damped normal equations for the parameter update. The
// first camera is the gauge anchor: its six parameters are excluded from the
// system and its update is identically zero. Returns the camera and point
// deltas, or an error when the reduced system is not positive definite at
// this damping level.
func solveStep(p *problem, ne *normalEquations, lambda float64) ([]float64, []float64, error) {
	nCams := len(p.cameraIDs)
	nPts := len(p.pointIDs)
	nFree := nCams - 1
	if nFree < 0 {
		return nil, nil, errors.New("no cameras in problem")
	}

	// damp the diagonal blocks (Marquardt scaling)
	damp := func(d float64) float64 {
		if d == 0 {
			return lambda * 1e-6
		}
		return lambda * d
	}
	uAug := make([][6][6]float64, nCams)
	copy(uAug, ne.u)
	for i := range uAug {
		for k := 0; k < 6; k++ {
			uAug[i][k][k] += damp(ne.u[i][k][k])
		}
	}
	vInv := make([][3][3]float64, nPts)
	for j := range vInv {
		vAug := ne.v[j]
		for k := 0; k < 3; k++ {
			vAug[k][k] += damp(vAug[k][k])
		}
		inv, ok := invert3x3(vAug)
		if !ok {
			return nil, nil, errors.Errorf("singular point block %d", j)
		}
		vInv[j] = inv
	}

	deltaC := make([]float64, 6*nCams)
	deltaP := make([]float64, 3*nPts)
	if nFree == 0 {
		// a single-camera problem still refines the points
		solvePointsOnly(p, ne, vInv, deltaP)
		return deltaC, deltaP, nil
	}

	// reduced camera system S dc = rhs with
	// S = U - W V^-1 W^T, rhs = -gc + W V^-1 gp
	s := mat.NewDense(6*nFree, 6*nFree, nil)
	rhs := make([]float64, 6*nFree)
	for i := 1; i < nCams; i++ {
		fi := i - 1
		for a := 0; a < 6; a++ {
			rhs[6*fi+a] = -ne.gc[i][a]
			for b := 0; b < 6; b++ {
				s.Set(6*fi+a, 6*fi+b, uAug[i][a][b])
			}
		}
	}
	for j := 0; j < nPts; j++ {
		obsList := p.obsByPoint[j]
		// y = W V^-1 per observing free camera
		for _, oa := range obsList {
			ca := p.obs[oa].cam
			if ca == 0 {
				continue
			}
			fa := ca - 1
			var y [6][3]float64
			for a := 0; a < 6; a++ {
				for b := 0; b < 3; b++ {
					for k := 0; k < 3; k++ {
						y[a][b] += ne.w[oa][a][k] * vInv[j][k][b]
					}
				}
			}
			for a := 0; a < 6; a++ {
				for k := 0; k < 3; k++ {
					rhs[6*fa+a] += y[a][k] * ne.gp[j][k]
				}
			}
			for _, ob := range obsList {
				cb := p.obs[ob].cam
				if cb == 0 {
					continue
				}
				fb := cb - 1
				for a := 0; a < 6; a++ {
					for b := 0; b < 6; b++ {
						acc := 0.0
						for k := 0; k < 3; k++ {
							acc += y[a][k] * ne.w[ob][b][k]
						}
						s.Set(6*fa+a, 6*fb+b, s.At(6*fa+a, 6*fb+b)-acc)
					}
				}
			}
		}
	}

	sym := mat.NewSymDense(6*nFree, nil)
	for a := 0; a < 6*nFree; a++ {
		for b := a; b < 6*nFree; b++ {
			// symmetrize against accumulation roundoff
			sym.SetSym(a, b, (s.At(a, b)+s.At(b, a))/2)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, nil, errors.New("reduced camera system is not positive definite")
	}
	var dc mat.VecDense
	if err := chol.SolveVecTo(&dc, mat.NewVecDense(len(rhs), rhs)); err != nil {
		return nil, nil, errors.Wrap(err, "solving reduced camera system")
	}
	for i := 1; i < nCams; i++ {
		for a := 0; a < 6; a++ {
			deltaC[6*i+a] = dc.AtVec(6*(i-1) + a)
		}
	}

	// back-substitute the point updates:
	// dp_j = V^-1 (-gp_j - sum_i W_ij^T dc_i)
	for j := 0; j < nPts; j++ {
		var rhsP [3]float64
		for k := 0; k < 3; k++ {
			rhsP[k] = -ne.gp[j][k]
		}
		for _, oa := range p.obsByPoint[j] {
			ca := p.obs[oa].cam
			if ca == 0 {
				continue
			}
			for k := 0; k < 3; k++ {
				for a := 0; a < 6; a++ {
					rhsP[k] -= ne.w[oa][a][k] * deltaC[6*ca+a]
				}
			}
		}
		for k := 0; k < 3; k++ {
			acc := 0.0
			for a := 0; a < 3; a++ {
				acc += vInv[j][k][a] * rhsP[a]
			}
			deltaP[3*j+k] = acc
		}
	}
	return deltaC, deltaP, nil
}

// solvePointsOnly handles the degenerate free-camera count of zero.
func solvePointsOnly(p *problem, ne *normalEquations, vInv [][3][3]float64, deltaP []float64) {
	for j := range p.pointIDs {
		for k := 0; k < 3; k++ {
			acc := 0.0
			for a := 0; a < 3; a++ {
				acc += vInv[j][k][a] * -ne.gp[j][a]
			}
			deltaP[3*j+k] = acc
		}
	}
}
