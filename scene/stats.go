package scene

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"
)

// ReprojectionStats summarizes the reprojection quality of the current map.
type ReprojectionStats struct {
	Observations int
	RMSE         float64
	MeanError    float64
	// FractionBelow is the fraction of observations whose reprojection error
	// is below the threshold passed to ComputeReprojectionStats.
	FractionBelow float64
}

// ComputeReprojectionStats projects every map point into every camera that
// observes it and summarizes the pixel errors. Observations whose point falls
// behind its camera count as errors of +Inf toward the fraction but are
// excluded from the mean and RMSE.
func (m *Map) ComputeReprojectionStats(thresholdPx float64) ReprojectionStats {
	var errs []float64
	total, below := 0, 0
	for _, mp := range m.points {
		pos := r3.Vector{X: mp.Position[0], Y: mp.Position[1], Z: mp.Position[2]}
		for _, obs := range mp.Observations {
			pose, ok := m.cameras[obs.CameraID]
			if !ok {
				continue
			}
			total++
			proj, inFront := pose.Project(pos)
			if !inFront {
				continue
			}
			e := proj.Sub(obs.Pixel).Norm()
			errs = append(errs, e)
			if e < thresholdPx {
				below++
			}
		}
	}
	out := ReprojectionStats{Observations: total}
	if total > 0 {
		out.FractionBelow = float64(below) / float64(total)
	}
	if len(errs) > 0 {
		out.MeanError = stat.Mean(errs, nil)
		sumSq := 0.0
		for _, e := range errs {
			sumSq += e * e
		}
		out.RMSE = math.Sqrt(sumSq / float64(len(errs)))
	}
	return out
}

// CloudStats holds coarse statistics of the point cloud positions.
type CloudStats struct {
	Count int
	Mean  r3.Vector
	Min   r3.Vector
	Max   r3.Vector
}

// Stats returns coarse statistics of the map point positions.
func (m *Map) Stats() CloudStats {
	out := CloudStats{}
	first := true
	for _, mp := range m.points {
		p := r3.Vector{X: mp.Position[0], Y: mp.Position[1], Z: mp.Position[2]}
		out.Count++
		out.Mean = out.Mean.Add(p)
		if first {
			out.Min, out.Max = p, p
			first = false
			continue
		}
		out.Min = r3.Vector{X: math.Min(out.Min.X, p.X), Y: math.Min(out.Min.Y, p.Y), Z: math.Min(out.Min.Z, p.Z)}
		out.Max = r3.Vector{X: math.Max(out.Max.X, p.X), Y: math.Max(out.Max.Y, p.Y), Z: math.Max(out.Max.Z, p.Z)}
	}
	if out.Count > 0 {
		out.Mean = out.Mean.Mul(1 / float64(out.Count))
	}
	return out
}
