package mapper

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/track"
	"go.viam.com/sfm/twoview"
)

// State is the phase of the incremental mapper.
type State int

// Mapper states. The mapper moves Uninitialized -> Initialized ->
// Registering -> Finalized; Registering loops over the queue of
// unregistered images.
const (
	StateUninitialized State = iota
	StateInitialized
	StateRegistering
	StateFinalized
)

// Options configures incremental registration.
type Options struct {
	PnP    PnPOptions
	Filter twoview.FilterOptions
}

// Mapper consumes unregistered images one at a time, extending the map with
// each success. It is the single writer of the map during the incremental
// phase.
type Mapper struct {
	opts       Options
	logger     golog.Logger
	m          *scene.Map
	features   map[int]*track.ImageFeatures
	intrinsics map[int]*camera.PinholeCameraIntrinsics
	tracks     map[int]*track.Track
	trackIDs   *track.Builder
	state      State
}

// New creates a mapper over an empty map. The track builder must already have
// ingested every pairwise match list; the partition is treated as immutable
// from here on.
func New(
	builder *track.Builder,
	features map[int]*track.ImageFeatures,
	intrinsics map[int]*camera.PinholeCameraIntrinsics,
	opts Options,
	logger golog.Logger,
) *Mapper {
	resolved := make(map[int]*track.Track)
	for _, t := range builder.Tracks() {
		resolved[t.ID] = t
	}
	return &Mapper{
		opts:       opts,
		logger:     logger,
		m:          scene.NewMap(),
		features:   features,
		intrinsics: intrinsics,
		tracks:     resolved,
		trackIDs:   builder,
		state:      StateUninitialized,
	}
}

// Map returns the reconstruction owned by the mapper.
func (mp *Mapper) Map() *scene.Map {
	return mp.m
}

// State returns the mapper's current phase.
func (mp *Mapper) State() State {
	return mp.state
}

func (mp *Mapper) featureData(imageID, featureIdx int) (track.Feature, error) {
	feats, ok := mp.features[imageID]
	if !ok || featureIdx >= len(feats.Features) {
		return track.Feature{}, errors.Errorf("image %d has no feature %d", imageID, featureIdx)
	}
	return feats.Features[featureIdx], nil
}

// InitializeFromPair seeds the map from a two-view reconstruction of images
// idx0 and idx1: two camera poses and one map point per surviving
// triangulated correspondence. The matches slice must be the one the
// reconstruction was computed from.
func (mp *Mapper) InitializeFromPair(idx0, idx1 int, recon *twoview.Reconstruction, matches []track.Match) error {
	if mp.state != StateUninitialized {
		return errors.New("mapper is already initialized")
	}
	cam0 := camera.NewIdentityPose(idx0, mp.intrinsics[idx0])
	cam1 := camera.NewPose(idx1, recon.Pose.Rotation, recon.Pose.Translation, mp.intrinsics[idx1])
	if err := mp.m.AddCamera(cam0); err != nil {
		return err
	}
	if err := mp.m.AddCamera(cam1); err != nil {
		return err
	}

	added := 0
	for _, sp := range recon.Points {
		m := matches[sp.MatchIndex]
		trackID, ok := mp.trackIDs.TrackID(track.FeatureKey{ImageID: idx0, Feature: m.Index1})
		if !ok || mp.m.HasPointForTrack(trackID) {
			continue
		}
		f0, err := mp.featureData(idx0, m.Index1)
		if err != nil {
			return err
		}
		f1, err := mp.featureData(idx1, m.Index2)
		if err != nil {
			return err
		}
		obs := []scene.Observation{
			{CameraID: idx0, TrackID: trackID, Pixel: f0.Point},
			{CameraID: idx1, TrackID: trackID, Pixel: f1.Point},
		}
		if _, err := mp.m.AddPoint(trackID, vectorToArray(sp.Position), averageColor(f0.Color, f1.Color), obs); err != nil {
			return err
		}
		added++
	}
	if added == 0 {
		return errors.Wrap(twoview.ErrDegenerateGeometry, "no seed point could be linked to a track")
	}
	mp.logger.Infof("initialized from pair (%d, %d) with %d seed points", idx0, idx1, added)
	mp.state = StateInitialized
	return nil
}

// correspondence2D3D is one 2D-3D pair used for PnP.
type correspondence2D3D struct {
	trackID int
	point3d r3.Vector
	pixel   r2.Point
}

// collectCorrespondences queries the track layer for the image's features
// already linked to map points.
func (mp *Mapper) collectCorrespondences(imageID int) []correspondence2D3D {
	feats := mp.features[imageID]
	if feats == nil {
		return nil
	}
	var out []correspondence2D3D
	for fIdx, f := range feats.Features {
		trackID, ok := mp.trackIDs.TrackID(track.FeatureKey{ImageID: imageID, Feature: fIdx})
		if !ok {
			continue
		}
		point, ok := mp.m.PointForTrack(trackID)
		if !ok {
			continue
		}
		out = append(out, correspondence2D3D{
			trackID: trackID,
			point3d: r3.Vector{X: point.Position[0], Y: point.Position[1], Z: point.Position[2]},
			pixel:   f.Point,
		})
	}
	return out
}

// RegisterImage localizes one image against the current map and, on success,
// adds its pose, appends its inlier observations, and triangulates new map
// points for tracks it shares with already-registered cameras.
// Registration failures are returned wrapped in ErrRegistrationFailure or
// twoview.ErrInsufficientMatches and leave the map untouched.
func (mp *Mapper) RegisterImage(ctx context.Context, imageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mp.state == StateUninitialized || mp.state == StateFinalized {
		return errors.Errorf("cannot register images in state %d", mp.state)
	}
	mp.state = StateRegistering
	if mp.m.HasCamera(imageID) {
		return errors.Errorf("image %d is already registered", imageID)
	}

	corrs := mp.collectCorrespondences(imageID)
	if len(corrs) < mp.opts.PnP.MinInliers {
		return errors.Wrapf(ErrRegistrationFailure, "image %d: %d 2D-3D correspondences", imageID, len(corrs))
	}
	pts3d := make([]r3.Vector, len(corrs))
	pts2d := make([]r2.Point, len(corrs))
	for i, c := range corrs {
		pts3d[i] = c.point3d
		pts2d[i] = c.pixel
	}

	result, err := SolvePnPRansac(pts3d, pts2d, mp.intrinsics[imageID], mp.opts.PnP)
	if err != nil {
		return errors.Wrapf(err, "image %d", imageID)
	}

	pose := camera.NewPose(imageID, result.Rotation, result.Translation, mp.intrinsics[imageID])
	if err := mp.m.AddCamera(pose); err != nil {
		return err
	}
	for i, c := range corrs {
		if !result.Inliers[i] {
			continue
		}
		if point, ok := mp.m.PointForTrack(c.trackID); ok && point.ObservedBy(imageID) {
			continue
		}
		obs := scene.Observation{CameraID: imageID, TrackID: c.trackID, Pixel: c.pixel}
		if err := mp.m.AddObservation(c.trackID, obs); err != nil {
			return err
		}
	}

	grown := mp.triangulateNewPoints(imageID, pose)
	mp.logger.Infof("registered image %d: %d PnP inliers, %d new points", imageID, result.NumInliers, grown)
	return nil
}

// triangulateNewPoints creates map points for tracks seen by the newly
// registered camera and at least one other registered camera but not yet in
// the map. Points failing the triangulation filters are silently skipped.
func (mp *Mapper) triangulateNewPoints(imageID int, pose *camera.Pose) int {
	feats := mp.features[imageID]
	if feats == nil {
		return 0
	}
	projNew := pose.ProjectionMatrix()
	added := 0
	for fIdx, f := range feats.Features {
		trackID, ok := mp.trackIDs.TrackID(track.FeatureKey{ImageID: imageID, Feature: fIdx})
		if !ok || mp.m.HasPointForTrack(trackID) {
			continue
		}
		t, ok := mp.tracks[trackID]
		if !ok {
			continue
		}
		// partner with the first other member whose camera is registered
		for _, member := range t.Members {
			if member.ImageID == imageID || !mp.m.HasCamera(member.ImageID) {
				continue
			}
			refPose, _ := mp.m.Camera(member.ImageID)
			refFeat, err := mp.featureData(member.ImageID, member.Feature)
			if err != nil {
				break
			}
			pt, err := twoview.Triangulate(refPose.ProjectionMatrix(), projNew, refFeat.Point, f.Point)
			if err != nil {
				break
			}
			if !twoview.ValidateTriangulation(refPose, pose, pt, refFeat.Point, f.Point, mp.opts.Filter) {
				break
			}
			obs := []scene.Observation{
				{CameraID: member.ImageID, TrackID: trackID, Pixel: refFeat.Point},
				{CameraID: imageID, TrackID: trackID, Pixel: f.Point},
			}
			if _, err := mp.m.AddPoint(trackID, vectorToArray(pt), averageColor(refFeat.Color, f.Color), obs); err != nil {
				break
			}
			added++
			break
		}
	}
	return added
}

// Finalize marks the incremental phase as over. Callers driving
// RegisterImage directly use this instead of Run.
func (mp *Mapper) Finalize() {
	mp.state = StateFinalized
}

// RunResult reports the outcome of the registration loop.
type RunResult struct {
	Registered   []int
	Unregistered []int
}

// Run registers the queued images, deferring failed ones and retrying them
// after each sweep that made progress. It stops when the queue is empty or a
// full sweep registers nothing, leaving the mapper Finalized. Leftover images
// are reported, not errors.
func (mp *Mapper) Run(ctx context.Context, queue []int) (*RunResult, error) {
	if mp.state == StateUninitialized {
		return nil, errors.New("mapper is not initialized")
	}
	pending := make([]int, len(queue))
	copy(pending, queue)
	result := &RunResult{}
	for len(pending) > 0 {
		var deferred []int
		progress := false
		for _, imageID := range pending {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := mp.RegisterImage(ctx, imageID)
			switch {
			case err == nil:
				result.Registered = append(result.Registered, imageID)
				progress = true
			case errors.Is(err, ErrRegistrationFailure) || errors.Is(err, twoview.ErrInsufficientMatches):
				mp.logger.Debugw("registration deferred", "image", imageID, "reason", err)
				deferred = append(deferred, imageID)
			default:
				return nil, err
			}
		}
		if !progress {
			result.Unregistered = deferred
			break
		}
		pending = deferred
	}
	mp.state = StateFinalized
	if len(result.Unregistered) > 0 {
		mp.logger.Warnf("finalized with %d unregistered images", len(result.Unregistered))
	}
	return result, nil
}

func vectorToArray(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func averageColor(a, b [3]float64) [3]float64 {
	return [3]float64{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2, (a[2] + b[2]) / 2}
}
