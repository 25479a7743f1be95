package mapper

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/synthetic"
	"go.viam.com/sfm/track"
	"go.viam.com/sfm/twoview"
)

func testMapperOptions() Options {
	return Options{
		PnP: PnPOptions{
			ReprojectionThresholdPx: 3.0,
			Confidence:              0.999,
			MaxIterations:           500,
			MinInliers:              30,
			Seed:                    1,
		},
		Filter: twoview.FilterOptions{
			MaxReprojectionErrorPx:   3.0,
			MinTriangulationAngleRad: 0.5 * math.Pi / 180.0,
			MaxPointRange:            1000.0,
		},
	}
}

// matchedPixels extracts the pixel pair for each (0, 1) match.
func matchedPixels(sc *synthetic.Scene, matches []track.Match) (p1, p2 []r2.Point) {
	p1 = make([]r2.Point, len(matches))
	p2 = make([]r2.Point, len(matches))
	for i, m := range matches {
		p1[i] = sc.Features[0].Features[m.Index1].Point
		p2[i] = sc.Features[1].Features[m.Index2].Point
	}
	return p1, p2
}

// seededMapper generates a synthetic scene, ingests every pairwise match
// list, and initializes the mapper from the (0, 1) pair.
func seededMapper(t *testing.T, numCameras int) (*Mapper, *synthetic.Scene) {
	t.Helper()
	genOpts := synthetic.DefaultOptions()
	genOpts.NumCameras = numCameras
	genOpts.NumPoints = 250
	sc := synthetic.Generate(genOpts)

	builder := track.NewBuilder()
	intrinsics := make(map[int]*camera.PinholeCameraIntrinsics)
	for a := 0; a < numCameras; a++ {
		intrinsics[a] = sc.Intrinsics
		for b := a + 1; b < numCameras; b++ {
			builder.AddPairMatches(a, b, sc.Matches(a, b))
		}
	}

	mp := New(builder, sc.Features, intrinsics, testMapperOptions(), golog.NewTestLogger(t))
	test.That(t, mp.State(), test.ShouldEqual, StateUninitialized)

	matches := sc.Matches(0, 1)
	p1, p2 := matchedPixels(sc, matches)
	recon, err := twoview.Reconstruct(p1, p2, sc.Intrinsics, sc.Intrinsics, twoview.Options{
		InlierThresholdPx: 3.0,
		Confidence:        0.999,
		MaxIterations:     500,
		MinInlierFraction: 0.2,
		Seed:              1,
		Filter:            testMapperOptions().Filter,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mp.InitializeFromPair(0, 1, recon, matches), test.ShouldBeNil)
	test.That(t, mp.State(), test.ShouldEqual, StateInitialized)
	return mp, sc
}

func TestInitializeFromPair(t *testing.T) {
	mp, _ := seededMapper(t, 3)
	m := mp.Map()
	test.That(t, m.NumCameras(), test.ShouldEqual, 2)
	test.That(t, m.NumPoints(), test.ShouldBeGreaterThan, 50)
	test.That(t, m.HasCamera(0), test.ShouldBeTrue)
	test.That(t, m.HasCamera(1), test.ShouldBeTrue)

	// seeding twice is an error
	err := mp.InitializeFromPair(0, 1, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRegisterImageGrowsMap(t *testing.T) {
	mp, _ := seededMapper(t, 3)
	m := mp.Map()
	pointsBefore := m.NumPoints()

	// snapshot current positions; registration must not move points
	positions := make(map[int][3]float64)
	for _, id := range m.PointIDs() {
		pt, _ := m.Point(id)
		positions[id] = pt.Position
	}

	err := mp.RegisterImage(context.Background(), 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mp.State(), test.ShouldEqual, StateRegistering)
	test.That(t, m.HasCamera(2), test.ShouldBeTrue)
	test.That(t, m.NumPoints(), test.ShouldBeGreaterThanOrEqualTo, pointsBefore)

	for id, want := range positions {
		pt, ok := m.Point(id)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, pt.Position, test.ShouldResemble, want)
	}

	// the new camera must observe a healthy share of the map
	observed := 0
	for _, id := range m.PointIDs() {
		pt, _ := m.Point(id)
		if pt.ObservedBy(2) {
			observed++
		}
	}
	test.That(t, observed, test.ShouldBeGreaterThan, 30)
}

func TestRegisterImageTwice(t *testing.T) {
	mp, _ := seededMapper(t, 3)
	test.That(t, mp.RegisterImage(context.Background(), 2), test.ShouldBeNil)
	test.That(t, mp.RegisterImage(context.Background(), 2), test.ShouldNotBeNil)
}

func TestRegisterBeforeInitialize(t *testing.T) {
	builder := track.NewBuilder()
	mp := New(builder, nil, nil, testMapperOptions(), golog.NewTestLogger(t))
	err := mp.RegisterImage(context.Background(), 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunRegistersAllAndDefers(t *testing.T) {
	mp, _ := seededMapper(t, 4)

	// image 99 does not exist and can never register
	result, err := mp.Run(context.Background(), []int{2, 3, 99})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Registered, test.ShouldResemble, []int{2, 3})
	test.That(t, result.Unregistered, test.ShouldResemble, []int{99})
	test.That(t, mp.State(), test.ShouldEqual, StateFinalized)

	// finalized mappers refuse further registrations
	test.That(t, mp.RegisterImage(context.Background(), 5), test.ShouldNotBeNil)
}

func TestRunCanceledContext(t *testing.T) {
	mp, _ := seededMapper(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mp.Run(ctx, []int{2})
	test.That(t, err, test.ShouldNotBeNil)
}
