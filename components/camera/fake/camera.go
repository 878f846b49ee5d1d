// Package fake implements a synthetic live depth camera that renders a small scene (a tilted
// floor, a box and a sphere) which turns a little with every frame.
package fake

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/components/camera/replay"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/rimage"
	"go.viam.com/scanfusion/rimage/transform"
	"go.viam.com/scanfusion/spatialmath"
	"go.viam.com/scanfusion/utils"
)

// Model is the registered name of the synthetic camera.
const Model = "fake"

const (
	defaultWidth  = 160
	defaultHeight = 120
	defaultFPS    = 30
)

func init() {
	camera.RegisterSource(Model, camera.Registration{
		Live: true,
		Constructor: func(ctx context.Context, conf camera.SourceConfig, logger logging.Logger) (camera.FrameSource, error) {
			newConf, err := utils.DecodeAttributes[Config](conf.Attributes)
			if err != nil {
				return nil, err
			}
			return NewCamera(newConf, logger)
		},
	})
}

// Config are the attributes of the fake camera config.
type Config struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	FPS    int `json:"fps,omitempty"`
	// YawStepDeg turns the scene about the vertical axis between frames.
	YawStepDeg float64 `json:"yaw_step_deg,omitempty"`
	NoiseMM    float64 `json:"noise_mm,omitempty"`
	// FailAfter simulates a disconnect after this many frames when positive.
	FailAfter    int    `json:"fail_after,omitempty"`
	StreamConfig string `json:"stream_config,omitempty"`
}

// Validate checks that the config attributes are valid for a fake camera.
func (conf *Config) Validate(path string) error {
	if conf.Width < 0 || conf.Height < 0 {
		return errors.Errorf("%s: negative resolution %dx%d", path, conf.Width, conf.Height)
	}
	if conf.FPS < 0 || conf.NoiseMM < 0 || conf.FailAfter < 0 {
		return errors.Errorf("%s: fps, noise_mm and fail_after must not be negative", path)
	}
	return nil
}

// Camera renders frames of the synthetic scene.
type Camera struct {
	conf       Config
	intrinsics transform.PinholeCameraIntrinsics
	period     time.Duration
	logger     logging.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	frames   int
	lastTime time.Time
	recorder *replay.Writer
	closed   bool
}

// NewCamera returns a new fake camera.
func NewCamera(conf *Config, logger logging.Logger) (*Camera, error) {
	if err := conf.Validate("attributes"); err != nil {
		return nil, err
	}
	width, height, fps := defaultWidth, defaultHeight, defaultFPS
	if conf.Width > 0 {
		width = conf.Width
	}
	if conf.Height > 0 {
		height = conf.Height
	}
	if conf.FPS > 0 {
		fps = conf.FPS
	}
	stream, err := camera.LoadStreamConfig(conf.StreamConfig)
	if err != nil {
		return nil, err
	}
	stream.ApplyTo(&width, &height, &fps)

	focal := 0.8 * float64(width)
	cam := &Camera{
		conf: *conf,
		intrinsics: transform.PinholeCameraIntrinsics{
			Width:      width,
			Height:     height,
			Fx:         focal,
			Fy:         focal,
			Ppx:        float64(width) / 2,
			Ppy:        float64(height) / 2,
			DepthScale: transform.DefaultDepthScale,
		},
		period: time.Second / time.Duration(fps),
		logger: logger,
		rng:    rand.New(rand.NewPCG(1, 2)),
	}
	return cam, nil
}

// NextFrame renders the next frame, paced at the configured frame rate.
func (c *Camera) NextFrame(ctx context.Context) (camera.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return camera.Frame{}, camera.NewDeviceError(nil, "fake camera is closed")
	}
	if c.conf.FailAfter > 0 && c.frames >= c.conf.FailAfter {
		return camera.Frame{}, camera.NewDeviceError(nil, "fake camera disconnected")
	}
	if wait := c.period - time.Since(c.lastTime); wait > 0 && !c.lastTime.IsZero() {
		if !goutils.SelectContextOrWait(ctx, wait) {
			return camera.Frame{}, ctx.Err()
		}
	}
	c.lastTime = time.Now()

	yaw := c.conf.YawStepDeg * float64(c.frames) * math.Pi / 180
	frame := c.render(yaw)
	frame.Index = c.frames
	frame.Time = c.lastTime
	c.frames++

	if c.recorder != nil {
		if err := c.recorder.WriteFrame(frame); err != nil {
			c.logger.Warnw("recording frame failed, stopping recording", "error", err)
			c.recorder = nil
		}
	}
	return frame, nil
}

// render ray casts the scene as seen after turning it by yaw about the vertical axis through
// the scene center.
func (c *Camera) render(yaw float64) camera.Frame {
	in := c.intrinsics
	depth := rimage.NewEmptyDepthMap(in.Width, in.Height)
	img := image.NewNRGBA(image.Rect(0, 0, in.Width, in.Height))
	// rays are turned the opposite way, which is equivalent to turning the scene
	rot := spatialmath.RotationFromEuler(0, -yaw, 0)
	origin := rot.MulVec(sceneCenter.Mul(-1)).Add(sceneCenter)

	// zero marks a pixel whose ray missed the scene
	hits := make([]float64, in.Width*in.Height)
	utils.ParallelForEachPixel(image.Point{X: in.Width, Y: in.Height}, func(x, y int) {
		ray := in.PixelToPoint(float64(x), float64(y), 1)
		dir := rot.MulVec(ray)
		t, hit := castRay(origin, dir)
		if !hit {
			img.SetNRGBA(x, y, color.NRGBA{A: 255})
			return
		}
		hits[y*in.Width+x] = t
		img.SetNRGBA(x, y, heightColor(origin.Add(dir.Mul(t)).Y))
	})

	// noise is drawn serially since the generator is not safe for concurrent use
	for i, t := range hits {
		if t <= 0 {
			continue
		}
		z := t
		if c.conf.NoiseMM > 0 {
			z += c.rng.NormFloat64() * c.conf.NoiseMM / 1000
		}
		raw := math.Round(z / in.Scale())
		if raw > 0 && raw < float64(rimage.MaxDepth) {
			depth.Set(i%in.Width, i/in.Width, rimage.Depth(raw))
		}
	}
	return camera.Frame{Depth: depth, Color: img}
}

// heightColor shades a surface point by its height so registration has color to work with.
func heightColor(y float64) color.NRGBA {
	hue := math.Mod(360*(y+1)/1.5, 360)
	if hue < 0 {
		hue += 360
	}
	r, g, b := colorful.Hsv(hue, 0.7, 0.9).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// Intrinsics returns the camera model.
func (c *Camera) Intrinsics() transform.PinholeCameraIntrinsics {
	return c.intrinsics
}

// StartRecording writes every following frame to a replay recording in path.
func (c *Camera) StartRecording(path string) error {
	w, err := replay.NewWriter(path, c.intrinsics)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = w
	c.logger.Infow("recording started", "path", path)
	return nil
}

// StopRecording stops writing frames. It is a no-op when not recording.
func (c *Camera) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder != nil {
		c.logger.Infow("recording stopped", "path", c.recorder.Dir(), "frames", c.recorder.Count())
	}
	c.recorder = nil
	return nil
}

// Close stops the camera. Later frames fail with a device error.
func (c *Camera) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.recorder = nil
	return nil
}

var _ camera.Recorder = (*Camera)(nil)

var sceneCenter = r3.Vector{X: 0, Y: 0, Z: 1.5}
