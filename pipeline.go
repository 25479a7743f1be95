// Package sfm reconstructs camera poses and a sparse 3D point cloud from
// pairwise feature matches across an image collection. Images are seeded from
// the best-matched pair, registered incrementally against the growing map,
// and refined with periodic bundle adjustment.
package sfm

import (
	"context"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/sfm/bundle"
	"go.viam.com/sfm/camera"
	"go.viam.com/sfm/mapper"
	"go.viam.com/sfm/scene"
	"go.viam.com/sfm/track"
	"go.viam.com/sfm/twoview"
)

// ErrPipelineAbort means no image pair could seed a reconstruction.
var ErrPipelineAbort = errors.New("no image pair yielded a valid initial reconstruction")

type imagePair struct {
	a, b int
}

// Pipeline accumulates images and pairwise matches, then reconstructs the
// whole collection in one Run call. It is not safe for concurrent use.
type Pipeline struct {
	cfg        *Config
	logger     golog.Logger
	builder    *track.Builder
	features   map[int]*track.ImageFeatures
	intrinsics map[int]*camera.PinholeCameraIntrinsics
	imageOrder []int
	matches    map[imagePair][]track.Match
}

// Result is a finished reconstruction with its summary statistics.
type Result struct {
	Map          *scene.Map
	SeedPair     [2]int
	Registered   []int
	Unregistered []int
	Adjustment   *bundle.Result
	Reprojection scene.ReprojectionStats
	// Covisibility holds, for each registered camera, its strongest
	// covisible neighbors under the configured thresholds.
	Covisibility map[int][]scene.CovisibleNeighbor
}

// NewPipeline creates an empty pipeline. A nil config uses DefaultConfig.
func NewPipeline(cfg *Config, logger golog.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:        cfg,
		logger:     logger,
		builder:    track.NewBuilder(),
		features:   make(map[int]*track.ImageFeatures),
		intrinsics: make(map[int]*camera.PinholeCameraIntrinsics),
		matches:    make(map[imagePair][]track.Match),
	}, nil
}

// AddImage registers an image's features and calibration with the pipeline.
// Image IDs must be unique; re-adding an ID is an error.
func (p *Pipeline) AddImage(imageID int, features *track.ImageFeatures, intrinsics *camera.PinholeCameraIntrinsics) error {
	if _, ok := p.features[imageID]; ok {
		return errors.Errorf("image %d was already added", imageID)
	}
	if features == nil || len(features.Features) == 0 {
		return errors.Errorf("image %d has no features", imageID)
	}
	if err := intrinsics.CheckValid(); err != nil {
		return errors.Wrapf(err, "image %d", imageID)
	}
	p.features[imageID] = features
	p.intrinsics[imageID] = intrinsics
	p.imageOrder = append(p.imageOrder, imageID)
	return nil
}

// AddPairMatches feeds the feature matches between two added images into the
// track builder. Matches are merged transitively across pairs.
func (p *Pipeline) AddPairMatches(imageA, imageB int, matches []track.Match) error {
	if imageA == imageB {
		return errors.Errorf("cannot match image %d against itself", imageA)
	}
	if _, ok := p.features[imageA]; !ok {
		return errors.Errorf("image %d was not added", imageA)
	}
	if _, ok := p.features[imageB]; !ok {
		return errors.Errorf("image %d was not added", imageB)
	}
	key := imagePair{a: imageA, b: imageB}
	if imageA > imageB {
		key = imagePair{a: imageB, b: imageA}
		flipped := make([]track.Match, len(matches))
		for i, m := range matches {
			flipped[i] = track.Match{Index1: m.Index2, Index2: m.Index1}
		}
		matches = flipped
	}
	if _, ok := p.matches[key]; ok {
		return errors.Errorf("matches for pair (%d,%d) were already added", key.a, key.b)
	}
	p.matches[key] = matches
	p.builder.AddPairMatches(key.a, key.b, matches)
	return nil
}

// seedCandidates returns image pairs ordered by descending match count, the
// best initialization candidates first.
func (p *Pipeline) seedCandidates() []imagePair {
	pairs := make([]imagePair, 0, len(p.matches))
	for key := range p.matches {
		pairs = append(pairs, key)
	}
	sort.Slice(pairs, func(i, j int) bool {
		ni, nj := len(p.matches[pairs[i]]), len(p.matches[pairs[j]])
		if ni != nj {
			return ni > nj
		}
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	return pairs
}

func (p *Pipeline) matchedPoints(key imagePair) (pts1, pts2 []r2.Point) {
	matches := p.matches[key]
	feats1 := p.features[key.a].Features
	feats2 := p.features[key.b].Features
	pts1 = make([]r2.Point, len(matches))
	pts2 = make([]r2.Point, len(matches))
	for i, m := range matches {
		pts1[i] = feats1[m.Index1].Point
		pts2[i] = feats2[m.Index2].Point
	}
	return pts1, pts2
}

// seed tries candidate pairs in order until one produces a valid two-view
// reconstruction, and initializes the mapper from it.
func (p *Pipeline) seed(ctx context.Context, mp *mapper.Mapper) ([2]int, error) {
	var failures error
	for _, key := range p.seedCandidates() {
		if err := ctx.Err(); err != nil {
			return [2]int{}, err
		}
		pts1, pts2 := p.matchedPoints(key)
		recon, err := twoview.Reconstruct(pts1, pts2, p.intrinsics[key.a], p.intrinsics[key.b], p.cfg.twoViewOptions())
		if err != nil {
			p.logger.Debugw("seed pair rejected", "pair", key, "reason", err)
			failures = multierr.Append(failures, errors.Wrapf(err, "pair (%d,%d)", key.a, key.b))
			continue
		}
		if err := mp.InitializeFromPair(key.a, key.b, recon, p.matches[key]); err != nil {
			return [2]int{}, err
		}
		p.logger.Infow("initialized from pair",
			"first", key.a, "second", key.b, "points", len(recon.Points), "inliers", recon.NumInliers)
		return [2]int{key.a, key.b}, nil
	}
	if failures != nil {
		return [2]int{}, errors.Wrap(ErrPipelineAbort, failures.Error())
	}
	return [2]int{}, ErrPipelineAbort
}

// Run reconstructs the collection: seed a pair, register the remaining
// images in sweeps with periodic bundle adjustment, then run a final global
// adjustment. Images that never register are reported in the result, not as
// errors.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if len(p.imageOrder) < 2 {
		return nil, errors.Errorf("need at least 2 images, have %d", len(p.imageOrder))
	}
	if len(p.matches) == 0 {
		return nil, errors.New("no pairwise matches were added")
	}

	mp := mapper.New(p.builder, p.features, p.intrinsics, p.cfg.mapperOptions(), p.logger)
	seedPair, err := p.seed(ctx, mp)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Map:      mp.Map(),
		SeedPair: seedPair,
	}
	queue := make([]int, 0, len(p.imageOrder)-2)
	for _, id := range p.imageOrder {
		if id != seedPair[0] && id != seedPair[1] {
			queue = append(queue, id)
		}
	}

	sinceAdjustment := 0
	pending := queue
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
				sinceAdjustment++
				if p.cfg.BAInterval > 0 && sinceAdjustment >= p.cfg.BAInterval {
					if _, err := bundle.Adjust(ctx, mp.Map(), p.cfg.bundleOptions(), p.logger); err != nil {
						return nil, err
					}
					sinceAdjustment = 0
				}
			case errors.Is(err, mapper.ErrRegistrationFailure), errors.Is(err, twoview.ErrInsufficientMatches):
				p.logger.Debugw("registration deferred", "image", imageID, "reason", err)
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
	mp.Finalize()

	adj, err := bundle.Adjust(ctx, mp.Map(), p.cfg.bundleOptions(), p.logger)
	if err != nil {
		return nil, err
	}
	result.Adjustment = adj
	result.Reprojection = mp.Map().ComputeReprojectionStats(p.cfg.MaxReprojectionErrorPx)
	result.Covisibility = mp.Map().Covisibility(p.cfg.CovisibilityMinShared, p.cfg.CovisibilityTopK)
	p.logger.Infow("reconstruction finished",
		"cameras", mp.Map().NumCameras(),
		"points", mp.Map().NumPoints(),
		"registered", len(result.Registered)+2,
		"unregistered", len(result.Unregistered),
		"rmse", result.Reprojection.RMSE,
	)
	return result, nil
}
