// Package replay implements a frame source that plays back a recorded sequence of depth and color
// frames, looping at the end so a pipeline can run on it indefinitely.
package replay

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/rimage"
	"go.viam.com/scanfusion/rimage/transform"
	"go.viam.com/scanfusion/utils"
)

// Model is the registered name of the replay source.
const Model = "replay"

// defaultFPS matches the rate of the live cameras.
const defaultFPS = 30

func init() {
	camera.RegisterSource(Model, camera.Registration{
		Constructor: func(ctx context.Context, conf camera.SourceConfig, logger logging.Logger) (camera.FrameSource, error) {
			newConf, err := utils.DecodeAttributes[Config](conf.Attributes)
			if err != nil {
				return nil, err
			}
			return NewSource(newConf, logger)
		},
	})
}

// Config are the attributes of a replay source.
type Config struct {
	Path string `json:"path"`
	Loop *bool  `json:"loop,omitempty"`
	// FPS paces playback. Zero uses the default of 30 frames per second.
	FPS int `json:"fps,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Path == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "path")
	}
	if conf.FPS < 0 {
		return errors.Errorf("%s: fps must not be negative", path)
	}
	return nil
}

var depthFramePattern = regexp.MustCompile(`^frame_(\d{6})_depth\.png$`)

type source struct {
	conf       Config
	intrinsics transform.PinholeCameraIntrinsics
	logger     logging.Logger

	mu       sync.Mutex
	indices  []int
	next     int
	served   int
	lastTime time.Time
}

// NewSource opens a recording directory. A missing directory, intrinsics file or an empty
// recording is a device error.
func NewSource(conf *Config, logger logging.Logger) (camera.FrameSource, error) {
	if err := conf.Validate("attributes"); err != nil {
		return nil, err
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(conf.Path, IntrinsicsFile))
	if err != nil {
		return nil, camera.NewDeviceError(err, "opening recording "+conf.Path)
	}
	src := &source{conf: *conf, intrinsics: *intrinsics, logger: logger}
	if src.conf.FPS == 0 {
		src.conf.FPS = defaultFPS
	}
	if err := src.reopen(); err != nil {
		return nil, err
	}
	return src, nil
}

func (src *source) loop() bool {
	return src.conf.Loop == nil || *src.conf.Loop
}

// reopen rescans the recording directory and rewinds to its first frame.
func (src *source) reopen() error {
	entries, err := os.ReadDir(src.conf.Path)
	if err != nil {
		return camera.NewDeviceError(err, "listing recording "+src.conf.Path)
	}
	var indices []int
	for _, entry := range entries {
		m := depthFramePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		return camera.NewDeviceError(nil, "recording "+src.conf.Path+" has no frames")
	}
	sort.Ints(indices)
	src.indices = indices
	src.next = 0
	return nil
}

func (src *source) NextFrame(ctx context.Context) (camera.Frame, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	if err := src.pace(ctx); err != nil {
		return camera.Frame{}, err
	}
	if src.next >= len(src.indices) {
		if !src.loop() {
			return camera.Frame{}, camera.NewDeviceError(nil, "end of recording "+src.conf.Path)
		}
		src.logger.Debugw("end of recording, restarting", "path", src.conf.Path)
		if err := src.reopen(); err != nil {
			return camera.Frame{}, err
		}
	}
	idx := src.indices[src.next]
	frame, err := src.readFrame(idx)
	if err != nil {
		return camera.Frame{}, err
	}
	src.next++
	frame.Index = src.served
	src.served++
	return frame, nil
}

// pace blocks until a frame period has passed since the previous frame.
func (src *source) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	period := time.Second / time.Duration(src.conf.FPS)
	if wait := period - time.Since(src.lastTime); wait > 0 && !src.lastTime.IsZero() {
		if !goutils.SelectContextOrWait(ctx, wait) {
			return ctx.Err()
		}
	}
	src.lastTime = time.Now()
	return nil
}

func (src *source) readFrame(idx int) (camera.Frame, error) {
	depthPath := filepath.Join(src.conf.Path, depthFileName(idx))
	//nolint:gosec
	f, err := os.Open(depthPath)
	if err != nil {
		return camera.Frame{}, camera.NewDeviceError(err, "opening depth frame")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	depthImg, err := png.Decode(f)
	if err != nil {
		return camera.Frame{}, camera.NewDeviceError(err, "decoding "+depthPath)
	}
	depth, err := rimage.ConvertImageToDepthMap(depthImg)
	if err != nil {
		return camera.Frame{}, camera.NewDeviceError(err, "decoding "+depthPath)
	}
	colorImg, err := imaging.Open(filepath.Join(src.conf.Path, colorFileName(idx)))
	if err != nil {
		return camera.Frame{}, camera.NewDeviceError(err, "opening color frame")
	}
	return camera.Frame{Depth: depth, Color: imaging.Clone(colorImg), Time: time.Now()}, nil
}

func (src *source) Intrinsics() transform.PinholeCameraIntrinsics {
	return src.intrinsics
}

func (src *source) Close(ctx context.Context) error {
	return nil
}
