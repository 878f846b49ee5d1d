// Package camera defines depth camera frame sources: the live or recorded devices that feed the
// capture engine.
package camera

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/scanfusion/rimage"
	"go.viam.com/scanfusion/rimage/transform"
)

// ErrDevice is wrapped by every error caused by a disconnected sensor or an unreadable
// recording. It is fatal to the capture loop.
var ErrDevice = errors.New("camera device error")

// NewDeviceError wraps ErrDevice with the device specific cause.
func NewDeviceError(cause error, msg string) error {
	if cause == nil {
		return errors.Wrap(ErrDevice, msg)
	}
	return errors.Wrapf(ErrDevice, "%s: %v", msg, cause)
}

// Frame is one aligned depth and color capture. Depth and Color share bounds.
type Frame struct {
	Depth *rimage.DepthMap
	Color *image.NRGBA
	Index int
	Time  time.Time
}

// Valid reports whether the frame carries data that can be extracted.
func (f *Frame) Valid() bool {
	if f == nil || !f.Depth.HasData() || f.Color == nil {
		return false
	}
	return f.Color.Bounds().Size() == f.Depth.Bounds().Size()
}

// A FrameSource produces frames from a device or a recording.
type FrameSource interface {
	// NextFrame blocks until a frame is available.
	NextFrame(ctx context.Context) (Frame, error)
	// Intrinsics is fixed for the lifetime of the source.
	Intrinsics() transform.PinholeCameraIntrinsics
	Close(ctx context.Context) error
}

// A Recorder is a FrameSource that can write what it sees to a replay sequence.
type Recorder interface {
	StartRecording(path string) error
	StopRecording() error
}
