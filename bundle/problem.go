// Package bundle jointly refines all camera poses and map point positions by
// minimizing total squared reprojection error. Cameras are parameterized with
// a minimal 6-vector (axis-angle rotation and translation), points with their
// 3 coordinates. The normal equations are kept in their natural block-sparse
// form and reduced with the Schur complement, so cost per iteration scales
// with the number of observations rather than the square of the parameter
// count.
package bundle

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/scene"
)

// observation is one flattened residual term: camera index, point index and
// the observed pixel.
type observation struct {
	cam   int
	point int
	px    float64
	py    float64
}

// problem is the flattened optimization state. Index 0 in the camera arrays
// is always the first registered camera, which is held fixed as the gauge
// anchor.
type problem struct {
	cameraIDs  []int
	pointIDs   []int
	intrinsics []*camera.PinholeCameraIntrinsics
	obs        []observation
	obsByPoint [][]int

	// camParams is 6 per camera: axis-angle then translation.
	// pointParams is 3 per point.
	camParams   []float64
	pointParams []float64
}

// buildProblem flattens the map into contiguous parameter and observation
// arrays. Observations referencing unregistered cameras are skipped.
func buildProblem(m *scene.Map) *problem {
	p := &problem{cameraIDs: m.CameraIDs(), pointIDs: m.PointIDs()}
	camIdx := make(map[int]int, len(p.cameraIDs))
	for i, id := range p.cameraIDs {
		camIdx[id] = i
		pose, _ := m.Camera(id)
		p.intrinsics = append(p.intrinsics, pose.Intrinsics)
		aa := camera.MatrixToAxisAngle(pose.Rotation)
		p.camParams = append(p.camParams,
			aa.X, aa.Y, aa.Z,
			pose.Translation.X, pose.Translation.Y, pose.Translation.Z)
	}
	ptIdx := make(map[int]int, len(p.pointIDs))
	for i, id := range p.pointIDs {
		ptIdx[id] = i
		mp, _ := m.Point(id)
		p.pointParams = append(p.pointParams, mp.Position[0], mp.Position[1], mp.Position[2])
	}
	p.obsByPoint = make([][]int, len(p.pointIDs))
	for _, id := range p.pointIDs {
		mp, _ := m.Point(id)
		for _, obs := range mp.Observations {
			ci, ok := camIdx[obs.CameraID]
			if !ok {
				continue
			}
			pi := ptIdx[id]
			p.obs = append(p.obs, observation{cam: ci, point: pi, px: obs.Pixel.X, py: obs.Pixel.Y})
			p.obsByPoint[pi] = append(p.obsByPoint[pi], len(p.obs)-1)
		}
	}
	return p
}

// writeBack copies the refined parameters into the map.
func (p *problem) writeBack(m *scene.Map) {
	for i, id := range p.cameraIDs {
		pose, _ := m.Camera(id)
		aa := r3.Vector{X: p.camParams[6*i], Y: p.camParams[6*i+1], Z: p.camParams[6*i+2]}
		pose.Rotation = camera.AxisAngleToMatrix(aa)
		pose.Translation = r3.Vector{X: p.camParams[6*i+3], Y: p.camParams[6*i+4], Z: p.camParams[6*i+5]}
	}
	for i, id := range p.pointIDs {
		mp, _ := m.Point(id)
		mp.Position = [3]float64{p.pointParams[3*i], p.pointParams[3*i+1], p.pointParams[3*i+2]}
	}
}

// rotations materializes the rotation matrix of every camera from a parameter
// vector.
func rotationsFromParams(camParams []float64) []*mat.Dense {
	n := len(camParams) / 6
	out := make([]*mat.Dense, n)
	for i := 0; i < n; i++ {
		aa := r3.Vector{X: camParams[6*i], Y: camParams[6*i+1], Z: camParams[6*i+2]}
		out[i] = camera.AxisAngleToMatrix(aa)
	}
	return out
}

// projectParam projects one point through one camera given raw parameter
// slices and a prebuilt rotation. A vanishing camera-frame depth is clamped
// so the residual stays finite; such observations are driven out by the
// optimizer or pruned afterwards.
func projectParam(rot *mat.Dense, camParams []float64, intr *camera.PinholeCameraIntrinsics, x, y, z float64) (float64, float64) {
	cx := rot.At(0, 0)*x + rot.At(0, 1)*y + rot.At(0, 2)*z + camParams[3]
	cy := rot.At(1, 0)*x + rot.At(1, 1)*y + rot.At(1, 2)*z + camParams[4]
	cz := rot.At(2, 0)*x + rot.At(2, 1)*y + rot.At(2, 2)*z + camParams[5]
	if math.Abs(cz) < 1e-12 {
		cz = math.Copysign(1e-12, cz)
	}
	return intr.Fx*(cx/cz) + intr.Ppx, intr.Fy*(cy/cz) + intr.Ppy
}

// evalChunks is the granularity of the parallel residual sweep.
func chunkBounds(total, workers, w int) (int, int) {
	size := (total + workers - 1) / workers
	from := w * size
	to := from + size
	if to > total {
		to = total
	}
	if from > to {
		from = to
	}
	return from, to
}

// residuals evaluates every observation's 2-vector residual
// (projected - observed) under the given parameters, in parallel across
// worker goroutines. Each worker writes only to its own slice section.
func (p *problem) residuals(camParams, pointParams, out []float64) {
	rots := rotationsFromParams(camParams)
	workers := parallelWorkers(len(p.obs))
	var wait sync.WaitGroup
	wait.Add(workers)
	for w := 0; w < workers; w++ {
		wCopy := w
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			from, to := chunkBounds(len(p.obs), workers, wCopy)
			for i := from; i < to; i++ {
				o := p.obs[i]
				cp := camParams[6*o.cam : 6*o.cam+6]
				u, v := projectParam(rots[o.cam], cp, p.intrinsics[o.cam],
					pointParams[3*o.point], pointParams[3*o.point+1], pointParams[3*o.point+2])
				out[2*i] = u - o.px
				out[2*i+1] = v - o.py
			}
		})
	}
	wait.Wait()
}

// cost is half the squared residual norm; rmse is reported to callers.
func cost(residuals []float64) float64 {
	return 0.5 * floats.Dot(residuals, residuals)
}

func rmse(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(residuals, residuals) / float64(len(residuals)))
}

// obsJacobian holds the dense Jacobian blocks of one observation: 2 residual
// rows against the observing camera's 6 parameters and the point's 3.
type obsJacobian struct {
	jc [2][6]float64
	jp [2][3]float64
	r  [2]float64
}

// rotStep is the forward-difference step for the axis-angle parameters; the
// translation and point blocks are analytic.
const rotStep = 1e-7

// evaluate computes residuals and per-observation Jacobian blocks at the
// current parameters, in parallel across observations. The rotation columns
// use forward differences (the perturbed rotation matrices are prebuilt per
// camera and shared read-only); the translation and point columns use the
// closed-form projection derivative.
func (p *problem) evaluate(out []obsJacobian) {
	rots := rotationsFromParams(p.camParams)
	nCams := len(p.cameraIDs)
	perturbed := make([][3]*mat.Dense, nCams)
	for i := 0; i < nCams; i++ {
		for k := 0; k < 3; k++ {
			aa := r3.Vector{X: p.camParams[6*i], Y: p.camParams[6*i+1], Z: p.camParams[6*i+2]}
			switch k {
			case 0:
				aa.X += rotStep
			case 1:
				aa.Y += rotStep
			case 2:
				aa.Z += rotStep
			}
			perturbed[i][k] = camera.AxisAngleToMatrix(aa)
		}
	}

	workers := parallelWorkers(len(p.obs))
	var wait sync.WaitGroup
	wait.Add(workers)
	for w := 0; w < workers; w++ {
		wCopy := w
		goutils.PanicCapturingGo(func() {
			defer wait.Done()
			from, to := chunkBounds(len(p.obs), workers, wCopy)
			for i := from; i < to; i++ {
				p.evaluateObs(i, rots, perturbed, &out[i])
			}
		})
	}
	wait.Wait()
}

func (p *problem) evaluateObs(i int, rots []*mat.Dense, perturbed [][3]*mat.Dense, out *obsJacobian) {
	o := p.obs[i]
	intr := p.intrinsics[o.cam]
	cp := p.camParams[6*o.cam : 6*o.cam+6]
	x := p.pointParams[3*o.point]
	y := p.pointParams[3*o.point+1]
	z := p.pointParams[3*o.point+2]
	rot := rots[o.cam]

	cx := rot.At(0, 0)*x + rot.At(0, 1)*y + rot.At(0, 2)*z + cp[3]
	cy := rot.At(1, 0)*x + rot.At(1, 1)*y + rot.At(1, 2)*z + cp[4]
	cz := rot.At(2, 0)*x + rot.At(2, 1)*y + rot.At(2, 2)*z + cp[5]
	if math.Abs(cz) < 1e-12 {
		cz = math.Copysign(1e-12, cz)
	}
	u := intr.Fx*(cx/cz) + intr.Ppx
	v := intr.Fy*(cy/cz) + intr.Ppy
	out.r[0] = u - o.px
	out.r[1] = v - o.py

	// derivative of the projection with respect to the camera-frame point
	izc := 1 / cz
	a00 := intr.Fx * izc
	a02 := -intr.Fx * cx * izc * izc
	a11 := intr.Fy * izc
	a12 := -intr.Fy * cy * izc * izc

	// translation block: d(camPt)/dt = I
	out.jc[0][3] = a00
	out.jc[0][4] = 0
	out.jc[0][5] = a02
	out.jc[1][3] = 0
	out.jc[1][4] = a11
	out.jc[1][5] = a12

	// point block: d(camPt)/dX = R
	for c := 0; c < 3; c++ {
		out.jp[0][c] = a00*rot.At(0, c) + a02*rot.At(2, c)
		out.jp[1][c] = a11*rot.At(1, c) + a12*rot.At(2, c)
	}

	// rotation block by forward differences
	for k := 0; k < 3; k++ {
		uk, vk := projectParam(perturbed[o.cam][k], cp, intr, x, y, z)
		out.jc[0][k] = (uk - u) / rotStep
		out.jc[1][k] = (vk - v) / rotStep
	}
}
