// Command reconstruct runs the full pipeline on a generated scene and logs
// the recovered structure, a quick end-to-end smoke check.
package main

import (
	"context"
	"flag"

	"github.com/edaniels/golog"

	"go.viam.com/sfm"
	"go.viam.com/sfm/synthetic"
)

var logger = golog.NewLogger("reconstruct")

func main() {
	numCameras := flag.Int("cameras", 6, "number of cameras on the arc")
	numPoints := flag.Int("points", 300, "number of scene points")
	noise := flag.Float64("noise", 0.5, "pixel noise sigma")
	seed := flag.Int64("seed", 42, "scene generation seed")
	configPath := flag.String("config", "", "optional pipeline config json")
	flag.Parse()

	cfg := sfm.DefaultConfig()
	if *configPath != "" {
		loaded, err := sfm.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal(err.Error())
		}
		cfg = loaded
	}

	genOpts := synthetic.DefaultOptions()
	genOpts.NumCameras = *numCameras
	genOpts.NumPoints = *numPoints
	genOpts.NoisePx = *noise
	genOpts.Seed = *seed
	scene := synthetic.Generate(genOpts)

	pipeline, err := sfm.NewPipeline(cfg, logger)
	if err != nil {
		logger.Fatal(err.Error())
	}
	for img := 0; img < *numCameras; img++ {
		if err := pipeline.AddImage(img, scene.Features[img], scene.Intrinsics); err != nil {
			logger.Fatal(err.Error())
		}
	}
	for a := 0; a < *numCameras; a++ {
		for b := a + 1; b < *numCameras; b++ {
			matches := scene.Matches(a, b)
			if len(matches) == 0 {
				continue
			}
			if err := pipeline.AddPairMatches(a, b, matches); err != nil {
				logger.Fatal(err.Error())
			}
		}
	}

	result, err := pipeline.Run(context.Background())
	if err != nil {
		logger.Fatal(err.Error())
	}

	cloud := result.Map.Stats()
	logger.Infow("point cloud",
		"count", cloud.Count,
		"mean", cloud.Mean,
		"min", cloud.Min,
		"max", cloud.Max,
	)
	logger.Infow("reprojection",
		"rmse", result.Reprojection.RMSE,
		"mean", result.Reprojection.MeanError,
		"inlier_fraction", result.Reprojection.FractionBelow,
	)
	for camID, neighbors := range result.Covisibility {
		for _, n := range neighbors {
			logger.Debugw("covisibility", "camera", camID, "neighbor", n.CameraID, "shared", n.SharedPoints)
		}
	}
}
