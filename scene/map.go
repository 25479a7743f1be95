// Package scene owns the reconstruction state: every registered camera pose,
// every triangulated map point, and the observations linking them. The map has
// one logical writer at a time; read-only queries (covisibility, statistics)
// are the surface consumed by export and viewer layers.
package scene

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/sfm/camera"
)

// Observation links a map point to the pixel where one registered camera saw it.
type Observation struct {
	CameraID int
	TrackID  int
	Pixel    r2.Point
}

// MapPoint is one triangulated 3D point. Position is mutated only by
// triangulation on creation and by the bundle adjuster. Color is sampled once
// at creation and never resampled.
type MapPoint struct {
	ID           int
	Position     [3]float64
	Color        [3]float64
	Observations []Observation
}

// ObservedBy reports whether the point has an observation from the given camera.
func (mp *MapPoint) ObservedBy(cameraID int) bool {
	for _, obs := range mp.Observations {
		if obs.CameraID == cameraID {
			return true
		}
	}
	return false
}

// Map is the in-memory reconstruction. All accessors return internal objects;
// callers outside the mapper and the bundle adjuster must treat them as
// read-only.
type Map struct {
	cameras      map[int]*camera.Pose
	cameraOrder  []int
	points       map[int]*MapPoint
	trackToPoint map[int]int
	nextPointID  int
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		cameras:      make(map[int]*camera.Pose),
		points:       make(map[int]*MapPoint),
		trackToPoint: make(map[int]int),
	}
}

// AddCamera registers a pose. Poses are never removed once added.
func (m *Map) AddCamera(pose *camera.Pose) error {
	if _, ok := m.cameras[pose.ID]; ok {
		return errors.Errorf("camera %d is already registered", pose.ID)
	}
	m.cameras[pose.ID] = pose
	m.cameraOrder = append(m.cameraOrder, pose.ID)
	return nil
}

// Camera returns the pose of a registered camera.
func (m *Map) Camera(id int) (*camera.Pose, bool) {
	pose, ok := m.cameras[id]
	return pose, ok
}

// HasCamera reports whether an image has been registered.
func (m *Map) HasCamera(id int) bool {
	_, ok := m.cameras[id]
	return ok
}

// CameraIDs returns the ids of all registered cameras in registration order.
func (m *Map) CameraIDs() []int {
	out := make([]int, len(m.cameraOrder))
	copy(out, m.cameraOrder)
	return out
}

// NumCameras returns the number of registered cameras.
func (m *Map) NumCameras() int {
	return len(m.cameras)
}

// AddPoint inserts a new map point for a track and returns it. Every
// observation's camera must already be registered and a point needs at least
// two observations from distinct cameras.
func (m *Map) AddPoint(trackID int, position, color [3]float64, observations []Observation) (*MapPoint, error) {
	if len(observations) < 2 {
		return nil, errors.Errorf("track %d: a map point needs at least 2 observations, got %d", trackID, len(observations))
	}
	seen := make(map[int]bool, len(observations))
	for _, obs := range observations {
		if !m.HasCamera(obs.CameraID) {
			return nil, errors.Errorf("track %d: observation references unregistered camera %d", trackID, obs.CameraID)
		}
		if seen[obs.CameraID] {
			return nil, errors.Errorf("track %d: duplicate observation from camera %d", trackID, obs.CameraID)
		}
		seen[obs.CameraID] = true
	}
	if _, ok := m.trackToPoint[trackID]; ok {
		return nil, errors.Errorf("track %d already has a map point", trackID)
	}
	mp := &MapPoint{
		ID:           m.nextPointID,
		Position:     position,
		Color:        color,
		Observations: observations,
	}
	m.nextPointID++
	m.points[mp.ID] = mp
	m.trackToPoint[trackID] = mp.ID
	return mp, nil
}

// AddObservation appends an observation from a newly registered camera to the
// point linked to a track.
func (m *Map) AddObservation(trackID int, obs Observation) error {
	mp, ok := m.PointForTrack(trackID)
	if !ok {
		return errors.Errorf("track %d has no map point", trackID)
	}
	if !m.HasCamera(obs.CameraID) {
		return errors.Errorf("observation references unregistered camera %d", obs.CameraID)
	}
	if mp.ObservedBy(obs.CameraID) {
		return errors.Errorf("point %d already observed by camera %d", mp.ID, obs.CameraID)
	}
	mp.Observations = append(mp.Observations, obs)
	return nil
}

// Point returns a map point by id.
func (m *Map) Point(id int) (*MapPoint, bool) {
	mp, ok := m.points[id]
	return mp, ok
}

// PointForTrack returns the map point linked to a track, if any.
func (m *Map) PointForTrack(trackID int) (*MapPoint, bool) {
	id, ok := m.trackToPoint[trackID]
	if !ok {
		return nil, false
	}
	return m.points[id], true
}

// HasPointForTrack reports whether a track is already linked to a map point.
func (m *Map) HasPointForTrack(trackID int) bool {
	_, ok := m.trackToPoint[trackID]
	return ok
}

// RemovePoint deletes a map point and its track link. Used by depth pruning
// after an adjustment pass; cameras are never removed.
func (m *Map) RemovePoint(id int) {
	mp, ok := m.points[id]
	if !ok {
		return
	}
	for _, obs := range mp.Observations {
		if pid, ok := m.trackToPoint[obs.TrackID]; ok && pid == id {
			delete(m.trackToPoint, obs.TrackID)
		}
	}
	delete(m.points, id)
}

// NumPoints returns the number of map points.
func (m *Map) NumPoints() int {
	return len(m.points)
}

// PointIDs returns all map point ids in ascending order.
func (m *Map) PointIDs() []int {
	ids := make([]int, 0, len(m.points))
	for id := range m.points {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// IteratePoints calls f for every map point in ascending id order, stopping
// early if f returns false.
func (m *Map) IteratePoints(f func(mp *MapPoint) bool) {
	for _, id := range m.PointIDs() {
		if !f(m.points[id]) {
			return
		}
	}
}
