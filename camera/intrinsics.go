// Package camera provides pinhole camera models: intrinsic parameters, rigid
// world-to-camera poses, and the projection math shared by the rest of the
// reconstruction engine.
package camera

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is returned when a camera does not have intrinsic parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective
// projection of a 3D scene to the 2D image plane. Skew is assumed zero.
// Instances are shared across cameras and never mutated after creation.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("intrinsics do not exist")
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and
// turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// CameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) CameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// PointToPixel projects a point in the camera frame to the image plane.
// The input must have positive depth for the result to be meaningful.
func (params *PinholeCameraIntrinsics) PointToPixel(p r3.Vector) r2.Point {
	return r2.Point{
		X: params.Fx*(p.X/p.Z) + params.Ppx,
		Y: params.Fy*(p.Y/p.Z) + params.Ppy,
	}
}

// PixelToRay back-projects an image point to the normalized ray (x, y, 1) in
// the camera frame, undoing the focal lengths and principal point.
func (params *PinholeCameraIntrinsics) PixelToRay(pt r2.Point) r3.Vector {
	return r3.Vector{
		X: (pt.X - params.Ppx) / params.Fx,
		Y: (pt.Y - params.Ppy) / params.Fy,
		Z: 1,
	}
}

// FocalScale returns the mean focal length, used to convert pixel thresholds
// into normalized image coordinates.
func (params *PinholeCameraIntrinsics) FocalScale() float64 {
	return (params.Fx + params.Fy) / 2.
}
