package scene

import (
	"testing"

	"go.viam.com/test"
)

// addSharedPoints creates n points observed by every camera in cams.
func addSharedPoints(t *testing.T, m *Map, n int, startTrack int, cams ...int) {
	t.Helper()
	for i := 0; i < n; i++ {
		trackID := startTrack + i
		observations := make([]Observation, len(cams))
		for j, c := range cams {
			observations[j] = obs(c, trackID, float64(i), float64(j))
		}
		_, err := m.AddPoint(trackID, [3]float64{}, [3]float64{}, observations)
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestCovisibilityCounts(t *testing.T) {
	m := mapWithCameras(t, 0, 1, 2)
	addSharedPoints(t, m, 5, 0, 0, 1)
	addSharedPoints(t, m, 3, 100, 1, 2)
	addSharedPoints(t, m, 2, 200, 0, 1, 2)

	cov := m.Covisibility(1, 10)

	// camera 1 shares 5+2 with camera 0 and 3+2 with camera 2
	test.That(t, cov[1], test.ShouldResemble, []CovisibleNeighbor{
		{CameraID: 0, SharedPoints: 7},
		{CameraID: 2, SharedPoints: 5},
	})
	// camera 0 and camera 2 only meet on the three-view points
	test.That(t, cov[0][1], test.ShouldResemble, CovisibleNeighbor{CameraID: 2, SharedPoints: 2})
}

func TestCovisibilityMinShared(t *testing.T) {
	m := mapWithCameras(t, 0, 1, 2)
	addSharedPoints(t, m, 5, 0, 0, 1)
	addSharedPoints(t, m, 2, 100, 1, 2)

	cov := m.Covisibility(3, 10)
	test.That(t, cov[0], test.ShouldResemble, []CovisibleNeighbor{{CameraID: 1, SharedPoints: 5}})
	// the 2-point link falls below the threshold
	test.That(t, len(cov[2]), test.ShouldEqual, 0)
}

func TestCovisibilityTopK(t *testing.T) {
	m := mapWithCameras(t, 0, 1, 2, 3)
	addSharedPoints(t, m, 6, 0, 0, 1)
	addSharedPoints(t, m, 4, 100, 0, 2)
	addSharedPoints(t, m, 2, 200, 0, 3)

	cov := m.Covisibility(1, 2)
	test.That(t, cov[0], test.ShouldResemble, []CovisibleNeighbor{
		{CameraID: 1, SharedPoints: 6},
		{CameraID: 2, SharedPoints: 4},
	})
}

func TestCovisibilityEmptyMap(t *testing.T) {
	m := mapWithCameras(t, 0, 1)
	cov := m.Covisibility(1, 5)
	test.That(t, len(cov[0]), test.ShouldEqual, 0)
	test.That(t, len(cov[1]), test.ShouldEqual, 0)
}
