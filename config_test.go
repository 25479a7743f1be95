package sfm

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestDefaultConfigIsValid(t *testing.T) {
	test.That(t, DefaultConfig().CheckValid(), test.ShouldBeNil)
}

func TestCheckValidRejectsBadFields(t *testing.T) {
	var nilCfg *Config
	test.That(t, nilCfg.CheckValid(), test.ShouldNotBeNil)

	mutations := []func(*Config){
		func(c *Config) { c.InlierThresholdPx = 0 },
		func(c *Config) { c.MinPnPInliers = 5 },
		func(c *Config) { c.RANSACConfidence = 1.0 },
		func(c *Config) { c.RANSACMaxIterations = 0 },
		func(c *Config) { c.MinInlierFraction = 0 },
		func(c *Config) { c.MaxReprojectionErrorPx = -1 },
		func(c *Config) { c.MaxPointRange = 0 },
		func(c *Config) { c.BAMaxIterations = 0 },
		func(c *Config) { c.BATolerance = 0 },
		func(c *Config) { c.BAInterval = -1 },
	}
	for _, mutate := range mutations {
		cfg := DefaultConfig()
		mutate(cfg)
		test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	contents := `{
		"inlier_threshold_px": 2.0,
		"min_pnp_inliers": 50,
		"ransac_confidence": 0.99,
		"ransac_max_iterations": 1000,
		"min_inlier_fraction": 0.3,
		"min_triangulation_angle_rad": 0.02,
		"max_reprojection_error_px": 2.5,
		"max_point_range": 500,
		"ba_max_iterations": 30,
		"ba_tolerance": 0.001,
		"ba_interval": 4,
		"covisibility_min_shared": 20,
		"covisibility_top_k": 5,
		"seed": 7
	}`
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.InlierThresholdPx, test.ShouldEqual, 2.0)
	test.That(t, cfg.MinPnPInliers, test.ShouldEqual, 50)
	test.That(t, cfg.BAInterval, test.ShouldEqual, 4)
	test.That(t, cfg.Seed, test.ShouldEqual, int64(7))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadConfigInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	test.That(t, os.WriteFile(path, []byte(`{"inlier_threshold_px": -3}`), 0o600), test.ShouldBeNil)
	_, err := LoadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
}
