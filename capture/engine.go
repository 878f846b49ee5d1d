// Package capture runs the background loop that pulls frames from a camera and turns the latest
// one into point clouds on request.
package capture

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/rimage/transform"
	"go.viam.com/scanfusion/utils"
)

const (
	// retryDelay is the pause after a non fatal frame error.
	retryDelay = 50 * time.Millisecond
	// openClip is an X bound no real scene reaches.
	openClip = 1000.0
)

// Config holds the extraction bounds of an engine. Depths are in meters along the optical axis.
type Config struct {
	DepthMin float64 `json:"depth_min"`
	DepthMax float64 `json:"depth_max"`
	XMin     float64 `json:"x_min"`
	XMax     float64 `json:"x_max"`
	// Stride keeps every Stride-th valid point.
	Stride      int    `json:"stride,omitempty"`
	PreviewPath string `json:"preview_path,omitempty"`
}

// DefaultConfig keeps everything between 10cm and 3m and does not clip on X.
func DefaultConfig() Config {
	return Config{
		DepthMin: 0.1,
		DepthMax: 3.0,
		XMin:     -openClip,
		XMax:     openClip,
		Stride:   1,
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.DepthMin < 0 || conf.DepthMax <= conf.DepthMin {
		return errors.Errorf("%s: depth range [%v, %v] is empty", path, conf.DepthMin, conf.DepthMax)
	}
	if conf.XMax < conf.XMin {
		return errors.Errorf("%s: x clip [%v, %v] is empty", path, conf.XMin, conf.XMax)
	}
	if conf.Stride < 0 {
		return errors.Errorf("%s: stride must not be negative", path)
	}
	return nil
}

// Engine owns a frame source and its capture loop. Only the loop calls NextFrame; everything
// else reads the latest frame, which is replaced whole on every iteration.
type Engine struct {
	source     camera.FrameSource
	intrinsics transform.PinholeCameraIntrinsics
	logger     logging.Logger

	depthMin *atomic.Float64
	depthMax *atomic.Float64
	xMin     *atomic.Float64
	xMax     *atomic.Float64
	stride   int

	frameMu sync.Mutex
	latest  *camera.Frame

	started     chan struct{}
	startedOnce sync.Once
	fatal       chan struct{}
	fatalOnce   sync.Once

	mu      sync.Mutex
	workers utils.StoppableWorkers
	err     error
	preview *previewer
	sink    PreviewSink
}

// NewEngine wraps a source. The loop is not started.
func NewEngine(source camera.FrameSource, conf Config, logger logging.Logger) (*Engine, error) {
	if err := conf.Validate("capture"); err != nil {
		return nil, err
	}
	intrinsics := source.Intrinsics()
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	stride := conf.Stride
	if stride == 0 {
		stride = 1
	}
	var sink PreviewSink
	if conf.PreviewPath != "" {
		sink = &JPEGFileSink{Path: conf.PreviewPath}
	}
	return &Engine{
		source:     source,
		intrinsics: intrinsics,
		logger:     logger,
		depthMin:   atomic.NewFloat64(conf.DepthMin),
		depthMax:   atomic.NewFloat64(conf.DepthMax),
		xMin:       atomic.NewFloat64(conf.XMin),
		xMax:       atomic.NewFloat64(conf.XMax),
		stride:     stride,
		started:    make(chan struct{}),
		fatal:      make(chan struct{}),
		sink:       sink,
	}, nil
}

// Start spawns the capture loop. It is a no-op while the loop runs.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workers != nil {
		return
	}
	e.workers = utils.NewStoppableWorkers(e.captureLoop)
}

// Running reports whether the capture loop has been started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers != nil
}

// Stop cancels the capture loop and waits for it. It is silent when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	workers := e.workers
	e.workers = nil
	e.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// Started is closed once the first frame has been stored.
func (e *Engine) Started() <-chan struct{} {
	return e.started
}

// Failed is closed when the capture loop stops because of a device error.
func (e *Engine) Failed() <-chan struct{} {
	return e.fatal
}

// Err returns the error that stopped the loop, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) captureLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := e.source.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, camera.ErrDevice) {
				e.logger.Errorw("capture loop stopped", "error", err)
				e.mu.Lock()
				e.err = err
				e.mu.Unlock()
				e.fatalOnce.Do(func() { close(e.fatal) })
				return
			}
			e.logger.Warnw("failed to get frame, retrying", "error", err)
			if !goutils.SelectContextOrWait(ctx, retryDelay) {
				return
			}
			continue
		}
		e.frameMu.Lock()
		e.latest = &frame
		e.frameMu.Unlock()
		e.startedOnce.Do(func() { close(e.started) })
	}
}

// LatestFrame returns the most recent frame, or nil when none has been captured.
func (e *Engine) LatestFrame() *camera.Frame {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.latest
}

// WaitForFirstCloud blocks until extraction yields a non empty cloud. It returns the loop's
// error if the device fails first, or the context's error.
func (e *Engine) WaitForFirstCloud(ctx context.Context) error {
	select {
	case <-e.started:
	case <-e.fatal:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		if pc := e.ExtractPointCloud(); pc != nil {
			return nil
		}
		select {
		case <-e.fatal:
			return e.Err()
		default:
		}
		if !goutils.SelectContextOrWait(ctx, 20*time.Millisecond) {
			return ctx.Err()
		}
	}
}

// SetDepthMin sets the near bound in meters for later extractions.
func (e *Engine) SetDepthMin(v float64) { e.depthMin.Store(v) }

// SetDepthMax sets the far bound in meters for later extractions.
func (e *Engine) SetDepthMax(v float64) { e.depthMax.Store(v) }

// SetXMin sets the lower X clip for later extractions.
func (e *Engine) SetXMin(v float64) { e.xMin.Store(v) }

// SetXMax sets the upper X clip for later extractions.
func (e *Engine) SetXMax(v float64) { e.xMax.Store(v) }

// Bounds returns the current depth range and X clip.
func (e *Engine) Bounds() (depthMin, depthMax, xMin, xMax float64) {
	return e.depthMin.Load(), e.depthMax.Load(), e.xMin.Load(), e.xMax.Load()
}

// ExtractPointCloud back-projects the latest frame. Pixels outside the depth range contribute
// nothing; points are turned 180 degrees about the optical axis, clipped on X and thinned by
// the stride. It returns nil when there is no usable frame or no point survives.
func (e *Engine) ExtractPointCloud() pointcloud.PointCloud {
	frame := e.LatestFrame()
	if frame == nil {
		e.logger.Debug("no frame captured yet")
		return nil
	}
	if !frame.Valid() {
		e.logger.Warnw("frame has empty or mismatched rasters", "index", frame.Index)
		return nil
	}
	depth := frame.Depth
	if depth.Width() != e.intrinsics.Width || depth.Height() != e.intrinsics.Height {
		e.logger.Warnw("frame does not match camera intrinsics",
			"frame", depth.Bounds().Size(), "width", e.intrinsics.Width, "height", e.intrinsics.Height)
		return nil
	}

	depthMin, depthMax, xMin, xMax := e.Bounds()
	scale := e.intrinsics.Scale()
	pc := pointcloud.NewWithPrealloc(depth.Width() * depth.Height() / e.stride)
	valid := 0
	for y := 0; y < depth.Height(); y++ {
		for x := 0; x < depth.Width(); x++ {
			raw := depth.GetDepth(x, y)
			if raw == 0 {
				continue
			}
			z := float64(raw) * scale
			if z < depthMin || z > depthMax {
				continue
			}
			p := e.intrinsics.PixelToPoint(float64(x), float64(y), z)
			p.X, p.Y = -p.X, -p.Y
			if p.X < xMin || p.X > xMax {
				continue
			}
			keep := valid%e.stride == 0
			valid++
			if !keep {
				continue
			}
			if err := pc.Append(p, pointcloud.NewColoredData(frame.Color.NRGBAAt(x, y))); err != nil {
				e.logger.Debugw("skipping point", "error", err)
			}
		}
	}
	if pc.Size() == 0 {
		e.logger.Debugw("extracted cloud is empty", "index", frame.Index)
		return nil
	}
	return pc
}

// SaveTo extracts the latest cloud and writes it to path atomically, returning the number of
// points written.
func (e *Engine) SaveTo(path string) (int, error) {
	pc := e.ExtractPointCloud()
	if pc == nil {
		return 0, errors.Wrapf(pointcloud.ErrEmptyCloud, "nothing to save to %q", filepath.Base(path))
	}
	if err := pointcloud.WriteToFile(pc, path); err != nil {
		return 0, err
	}
	return pc.Size(), nil
}

// StartRecording starts native recording on live sources. It does nothing for others.
func (e *Engine) StartRecording(path string) error {
	rec, ok := e.source.(camera.Recorder)
	if !ok {
		e.logger.Debug("source does not record, ignoring")
		return nil
	}
	return rec.StartRecording(path)
}

// StopRecording stops native recording on live sources.
func (e *Engine) StopRecording() error {
	rec, ok := e.source.(camera.Recorder)
	if !ok {
		return nil
	}
	return rec.StopRecording()
}

// Close stops the preview and the loop, then releases the source.
func (e *Engine) Close(ctx context.Context) error {
	e.StopDepthPreview()
	e.Stop()
	return multierr.Combine(e.StopRecording(), e.source.Close(ctx))
}
