// Package transform holds the camera models used to turn depth pixels into 3D points.
package transform

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// DefaultDepthScale converts millimeter depth units to meters.
const DefaultDepthScale = 0.001

// ErrNoIntrinsics is returned when a camera model is missing or unusable.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError wraps ErrNoIntrinsics with a reason.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a
// 3D scene to the 2D plane, plus the scale of raw depth values.
type PinholeCameraIntrinsics struct {
	Width      int     `json:"width_px"`
	Height     int     `json:"height_px"`
	Fx         float64 `json:"fx"`
	Fy         float64 `json:"fy"`
	Ppx        float64 `json:"ppx"`
	Ppy        float64 `json:"ppy"`
	DepthScale float64 `json:"depth_scale,omitempty"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(
			errors.Errorf("invalid size (%#v, %#v)", params.Width, params.Height).Error())
	}
	if params.Fx <= 0 || params.Fy <= 0 {
		return NewNoIntrinsicsError(
			errors.Errorf("invalid focal length (%#v, %#v)", params.Fx, params.Fy).Error())
	}
	if params.Ppx < 0 || params.Ppy < 0 {
		return NewNoIntrinsicsError(
			errors.Errorf("invalid principal point (%#v, %#v)", params.Ppx, params.Ppy).Error())
	}
	if params.DepthScale < 0 {
		return NewNoIntrinsicsError(errors.Errorf("invalid depth scale %#v", params.DepthScale).Error())
	}
	return nil
}

// Scale returns the raw depth to meters factor, falling back to DefaultDepthScale.
func (params *PinholeCameraIntrinsics) Scale() float64 {
	if params.DepthScale == 0 {
		return DefaultDepthScale
	}
	return params.DepthScale
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into
// PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.NewDecoder(jsonFile).Decode(intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}

// WriteJSONFile writes the intrinsics next to a recording.
func (params *PinholeCameraIntrinsics) WriteJSONFile(jsonPath string) error {
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(jsonPath), 0o750); err != nil {
		return err
	}
	return os.WriteFile(jsonPath, data, 0o600)
}

// PixelToPoint transforms a pixel with depth in meters to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	return r3.Vector{
		X: (x - params.Ppx) * z / params.Fx,
		Y: (y - params.Ppy) * z / params.Fy,
		Z: z,
	}
}

// PointToPixel projects a 3D point in the camera frame to pixel coordinates.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z == 0 {
		return 0, 0
	}
	return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
}
