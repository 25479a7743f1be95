package sfm

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/sfm/bundle"
	"go.viam.com/sfm/mapper"
	"go.viam.com/sfm/twoview"
)

// Config contains every tunable of the reconstruction pipeline.
type Config struct {
	// InlierThresholdPx is the symmetric epipolar / reprojection distance, in
	// pixels, below which a correspondence counts as an inlier.
	InlierThresholdPx float64 `json:"inlier_threshold_px"`
	// MinPnPInliers is the minimum inlier support for accepting a camera
	// registration.
	MinPnPInliers int `json:"min_pnp_inliers"`
	// RANSACConfidence drives the adaptive iteration bound.
	RANSACConfidence float64 `json:"ransac_confidence"`
	// RANSACMaxIterations caps sampling regardless of the adaptive bound.
	RANSACMaxIterations int `json:"ransac_max_iterations"`
	// MinInlierFraction is the floor on the inlier ratio used by the
	// adaptive bound, preventing runaway iteration counts on poor pairs.
	MinInlierFraction float64 `json:"min_inlier_fraction"`
	// MinTriangulationAngleRad rejects new points whose observing rays are
	// nearly parallel.
	MinTriangulationAngleRad float64 `json:"min_triangulation_angle_rad"`
	// MaxReprojectionErrorPx rejects new points that project too far from
	// their measurements.
	MaxReprojectionErrorPx float64 `json:"max_reprojection_error_px"`
	// MaxPointRange rejects triangulated points farther than this from the
	// origin, a cheap guard against near-infinity geometry.
	MaxPointRange float64 `json:"max_point_range"`
	// BAMaxIterations caps each bundle adjustment pass.
	BAMaxIterations int `json:"ba_max_iterations"`
	// BATolerance is the relative convergence threshold for bundle
	// adjustment.
	BATolerance float64 `json:"ba_tolerance"`
	// BAInterval runs a bundle adjustment pass every BAInterval successful
	// registrations. Zero disables intermediate passes; the final pass
	// always runs.
	BAInterval int `json:"ba_interval"`
	// CovisibilityMinShared and CovisibilityTopK are the defaults for
	// covisibility queries issued by the pipeline.
	CovisibilityMinShared int `json:"covisibility_min_shared"`
	CovisibilityTopK      int `json:"covisibility_top_k"`
	// Seed makes RANSAC sampling reproducible. Zero seeds from the first
	// image pair instead.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the tuning that works well for indoor video-rate
// sequences with hundreds of features per image.
func DefaultConfig() *Config {
	return &Config{
		InlierThresholdPx:        3.0,
		MinPnPInliers:            40,
		RANSACConfidence:         0.999,
		RANSACMaxIterations:      2000,
		MinInlierFraction:        0.2,
		MinTriangulationAngleRad: 1.0 * math.Pi / 180.0,
		MaxReprojectionErrorPx:   3.0,
		MaxPointRange:            1000.0,
		BAMaxIterations:          50,
		BATolerance:              1e-4,
		BAInterval:               5,
		CovisibilityMinShared:    30,
		CovisibilityTopK:         5,
	}
}

// CheckValid checks if the fields are valid.
func (cfg *Config) CheckValid() error {
	if cfg == nil {
		return errors.New("pipeline config cannot be nil")
	}
	if cfg.InlierThresholdPx <= 0 {
		return errors.Errorf("inlier_threshold_px must be positive, got %f", cfg.InlierThresholdPx)
	}
	if cfg.MinPnPInliers < 6 {
		return errors.Errorf("min_pnp_inliers cannot be less than 6, got %d", cfg.MinPnPInliers)
	}
	if cfg.RANSACConfidence <= 0 || cfg.RANSACConfidence >= 1 {
		return errors.Errorf("ransac_confidence must be in (0,1), got %f", cfg.RANSACConfidence)
	}
	if cfg.RANSACMaxIterations <= 0 {
		return errors.Errorf("ransac_max_iterations must be positive, got %d", cfg.RANSACMaxIterations)
	}
	if cfg.MinInlierFraction <= 0 || cfg.MinInlierFraction > 1 {
		return errors.Errorf("min_inlier_fraction must be in (0,1], got %f", cfg.MinInlierFraction)
	}
	if cfg.MaxReprojectionErrorPx <= 0 {
		return errors.Errorf("max_reprojection_error_px must be positive, got %f", cfg.MaxReprojectionErrorPx)
	}
	if cfg.MaxPointRange <= 0 {
		return errors.Errorf("max_point_range must be positive, got %f", cfg.MaxPointRange)
	}
	if cfg.BAMaxIterations <= 0 {
		return errors.Errorf("ba_max_iterations must be positive, got %d", cfg.BAMaxIterations)
	}
	if cfg.BATolerance <= 0 {
		return errors.Errorf("ba_tolerance must be positive, got %f", cfg.BATolerance)
	}
	if cfg.BAInterval < 0 {
		return errors.Errorf("ba_interval cannot be negative, got %d", cfg.BAInterval)
	}
	return nil
}

// LoadConfig loads a pipeline configuration from a json file.
func LoadConfig(path string) (*Config, error) {
	var config Config
	configFile, err := os.Open(path) //nolint:gosec
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err != nil {
		return nil, err
	}
	jsonParser := json.NewDecoder(configFile)
	err = jsonParser.Decode(&config)
	if err != nil {
		return nil, err
	}
	if err := config.CheckValid(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (cfg *Config) twoViewOptions() twoview.Options {
	return twoview.Options{
		InlierThresholdPx: cfg.InlierThresholdPx,
		Confidence:        cfg.RANSACConfidence,
		MaxIterations:     cfg.RANSACMaxIterations,
		MinInlierFraction: cfg.MinInlierFraction,
		Seed:              cfg.Seed,
		Filter:            cfg.filterOptions(),
	}
}

func (cfg *Config) filterOptions() twoview.FilterOptions {
	return twoview.FilterOptions{
		MaxReprojectionErrorPx:   cfg.MaxReprojectionErrorPx,
		MinTriangulationAngleRad: cfg.MinTriangulationAngleRad,
		MaxPointRange:            cfg.MaxPointRange,
	}
}

func (cfg *Config) mapperOptions() mapper.Options {
	return mapper.Options{
		PnP: mapper.PnPOptions{
			ReprojectionThresholdPx: cfg.InlierThresholdPx,
			Confidence:              cfg.RANSACConfidence,
			MaxIterations:           cfg.RANSACMaxIterations,
			MinInliers:              cfg.MinPnPInliers,
			Seed:                    cfg.Seed,
		},
		Filter: cfg.filterOptions(),
	}
}

func (cfg *Config) bundleOptions() bundle.Options {
	return bundle.Options{
		MaxIterations: cfg.BAMaxIterations,
		Tolerance:     cfg.BATolerance,
	}
}
