package scene

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/sfm/camera"
)

func TestReprojectionStatsPerfect(t *testing.T) {
	m := mapWithCameras(t, 0, 1)
	pos := r3.Vector{X: 0.5, Y: -0.25, Z: 6}
	pose0, _ := m.Camera(0)
	pose1, _ := m.Camera(1)
	px0, ok := pose0.Project(pos)
	test.That(t, ok, test.ShouldBeTrue)
	px1, ok := pose1.Project(pos)
	test.That(t, ok, test.ShouldBeTrue)

	_, err := m.AddPoint(0, [3]float64{pos.X, pos.Y, pos.Z}, [3]float64{}, []Observation{
		{CameraID: 0, TrackID: 0, Pixel: px0},
		{CameraID: 1, TrackID: 0, Pixel: px1},
	})
	test.That(t, err, test.ShouldBeNil)

	stats := m.ComputeReprojectionStats(3.0)
	test.That(t, stats.Observations, test.ShouldEqual, 2)
	test.That(t, stats.RMSE, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, stats.MeanError, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, stats.FractionBelow, test.ShouldEqual, 1.0)
}

func TestReprojectionStatsKnownError(t *testing.T) {
	m := mapWithCameras(t, 0, 1)
	pos := r3.Vector{X: 0, Y: 0, Z: 5}
	pose0, _ := m.Camera(0)
	pose1, _ := m.Camera(1)
	px0, _ := pose0.Project(pos)
	px1, _ := pose1.Project(pos)
	// shift one measurement by exactly 5 pixels in x
	px1.X += 5

	_, err := m.AddPoint(0, [3]float64{pos.X, pos.Y, pos.Z}, [3]float64{}, []Observation{
		{CameraID: 0, TrackID: 0, Pixel: px0},
		{CameraID: 1, TrackID: 0, Pixel: px1},
	})
	test.That(t, err, test.ShouldBeNil)

	stats := m.ComputeReprojectionStats(3.0)
	test.That(t, stats.MeanError, test.ShouldAlmostEqual, 2.5, 1e-9)
	test.That(t, stats.RMSE, test.ShouldAlmostEqual, math.Sqrt(25.0/2), 1e-9)
	test.That(t, stats.FractionBelow, test.ShouldEqual, 0.5)
}

func TestReprojectionStatsBehindCamera(t *testing.T) {
	m := NewMap()
	test.That(t, m.AddCamera(camera.NewIdentityPose(0, testIntrinsics)), test.ShouldBeNil)
	pose := camera.NewIdentityPose(1, testIntrinsics)
	pose.Translation = r3.Vector{X: 0.5}
	test.That(t, m.AddCamera(pose), test.ShouldBeNil)

	_, err := m.AddPoint(0, [3]float64{0, 0, -5}, [3]float64{}, []Observation{
		{CameraID: 0, TrackID: 0, Pixel: obs(0, 0, 1, 1).Pixel},
		{CameraID: 1, TrackID: 0, Pixel: obs(1, 0, 2, 2).Pixel},
	})
	test.That(t, err, test.ShouldBeNil)

	stats := m.ComputeReprojectionStats(3.0)
	// both observations counted, neither below threshold
	test.That(t, stats.Observations, test.ShouldEqual, 2)
	test.That(t, stats.FractionBelow, test.ShouldEqual, 0.0)
	test.That(t, stats.RMSE, test.ShouldEqual, 0.0)
}

func TestCloudStats(t *testing.T) {
	m := mapWithCameras(t, 0, 1)
	positions := [][3]float64{
		{1, 0, 5},
		{-1, 2, 7},
		{3, -2, 6},
	}
	for i, pos := range positions {
		_, err := m.AddPoint(i, pos, [3]float64{}, []Observation{obs(0, i, 1, 1), obs(1, i, 2, 2)})
		test.That(t, err, test.ShouldBeNil)
	}

	stats := m.Stats()
	test.That(t, stats.Count, test.ShouldEqual, 3)
	test.That(t, stats.Mean.X, test.ShouldAlmostEqual, 1.0)
	test.That(t, stats.Mean.Y, test.ShouldAlmostEqual, 0.0)
	test.That(t, stats.Mean.Z, test.ShouldAlmostEqual, 6.0)
	test.That(t, stats.Min, test.ShouldResemble, r3.Vector{X: -1, Y: -2, Z: 5})
	test.That(t, stats.Max, test.ShouldResemble, r3.Vector{X: 3, Y: 2, Z: 7})
}

func TestCloudStatsEmpty(t *testing.T) {
	m := NewMap()
	stats := m.Stats()
	test.That(t, stats.Count, test.ShouldEqual, 0)
}
