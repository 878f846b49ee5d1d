package capture

import (
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/rimage"
	"go.viam.com/scanfusion/rimage/transform"
)

type scriptedSource struct {
	intrinsics transform.PinholeCameraIntrinsics
	frame      camera.Frame

	mu        sync.Mutex
	calls     int
	transient int
	failAfter int
	block     bool
	closed    bool
	recording string
}

func (s *scriptedSource) NextFrame(ctx context.Context) (camera.Frame, error) {
	s.mu.Lock()
	block := s.block
	s.calls++
	calls := s.calls
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return camera.Frame{}, ctx.Err()
	}
	if !goutils.SelectContextOrWait(ctx, time.Millisecond) {
		return camera.Frame{}, ctx.Err()
	}
	if calls <= s.transient {
		return camera.Frame{}, errors.New("frame dropped")
	}
	if s.failAfter > 0 && calls > s.transient+s.failAfter {
		return camera.Frame{}, camera.NewDeviceError(nil, "unplugged")
	}
	frame := s.frame
	frame.Index = calls
	return frame, nil
}

func (s *scriptedSource) Intrinsics() transform.PinholeCameraIntrinsics { return s.intrinsics }

func (s *scriptedSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSource) StartRecording(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = path
	return nil
}

func (s *scriptedSource) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = ""
	return nil
}

// columnSource renders one row whose columns hold the given depths in millimeters.
func columnSource(depthsMM ...rimage.Depth) *scriptedSource {
	width := len(depthsMM)
	dm := rimage.NewEmptyDepthMap(width, 1)
	img := image.NewNRGBA(image.Rect(0, 0, width, 1))
	for x, d := range depthsMM {
		dm.Set(x, 0, d)
		img.SetNRGBA(x, 0, color.NRGBA{R: uint8(50 * x), G: 100, B: 200, A: 255})
	}
	return &scriptedSource{
		intrinsics: transform.PinholeCameraIntrinsics{
			Width: width, Height: 1, Fx: 100, Fy: 100, Ppx: 0, Ppy: 0, DepthScale: 0.001,
		},
		frame: camera.Frame{Depth: dm, Color: img},
	}
}

func waitStarted(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never produced a frame")
	}
}

func newTestEngine(t *testing.T, src camera.FrameSource, conf Config) *Engine {
	t.Helper()
	e, err := NewEngine(src, conf, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { test.That(t, e.Close(context.Background()), test.ShouldBeNil) })
	return e
}

func TestExtractDepthFilter(t *testing.T) {
	src := columnSource(200, 700, 1500)
	conf := DefaultConfig()
	conf.DepthMin, conf.DepthMax = 0.5, 1.0
	e := newTestEngine(t, src, conf)
	e.Start()
	waitStarted(t, e)

	pc := e.ExtractPointCloud()
	test.That(t, pc, test.ShouldNotBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 1)
	p, d := pc.At(0)
	test.That(t, p.Z, test.ShouldAlmostEqual, 0.7)
	test.That(t, p.X, test.ShouldAlmostEqual, -0.007)
	test.That(t, d.Color(), test.ShouldResemble, color.NRGBA{R: 50, G: 100, B: 200, A: 255})

	e.SetDepthMax(2.0)
	pc = e.ExtractPointCloud()
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	pc.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		test.That(t, p.Z, test.ShouldBeBetweenOrEqual, 0.5, 2.0)
		return true
	})

	e.SetDepthMin(1.8)
	test.That(t, e.ExtractPointCloud(), test.ShouldBeNil)
}

func TestExtractRotationClipAndStride(t *testing.T) {
	src := columnSource(1000, 1000, 1000, 1000, 1000)
	src.intrinsics.Ppx = 2
	src.intrinsics.Ppy = 0.5
	e := newTestEngine(t, src, DefaultConfig())
	e.Start()
	waitStarted(t, e)

	pc := e.ExtractPointCloud()
	test.That(t, pc.Size(), test.ShouldEqual, 5)
	first, _ := pc.At(0)
	// pixel (0, 0) is left of and above the principal point, so after the half turn it is
	// right of and below the center
	test.That(t, first.X, test.ShouldAlmostEqual, 0.02)
	test.That(t, first.Y, test.ShouldAlmostEqual, 0.005)

	e.SetXMin(-0.001)
	e.SetXMax(0.011)
	pc = e.ExtractPointCloud()
	test.That(t, pc.Size(), test.ShouldEqual, 2)

	conf := DefaultConfig()
	conf.Stride = 2
	strided := newTestEngine(t, src, conf)
	strided.Start()
	waitStarted(t, strided)
	test.That(t, strided.ExtractPointCloud().Size(), test.ShouldEqual, 3)
}

func TestExtractWithoutUsableFrame(t *testing.T) {
	src := columnSource(1000)
	e := newTestEngine(t, src, DefaultConfig())
	test.That(t, e.ExtractPointCloud(), test.ShouldBeNil)

	bad := columnSource(1000, 1000)
	bad.frame.Color = image.NewNRGBA(image.Rect(0, 0, 1, 1))
	e = newTestEngine(t, bad, DefaultConfig())
	e.Start()
	waitStarted(t, e)
	test.That(t, e.ExtractPointCloud(), test.ShouldBeNil)

	empty := columnSource(0, 0)
	e = newTestEngine(t, empty, DefaultConfig())
	e.Start()
	waitStarted(t, e)
	test.That(t, e.ExtractPointCloud(), test.ShouldBeNil)
}

func TestStartStopIdempotent(t *testing.T) {
	src := columnSource(1000)
	e := newTestEngine(t, src, DefaultConfig())
	e.Stop()
	test.That(t, e.Running(), test.ShouldBeFalse)
	e.Start()
	e.Start()
	test.That(t, e.Running(), test.ShouldBeTrue)
	waitStarted(t, e)
	e.Stop()
	e.Stop()
	test.That(t, e.Running(), test.ShouldBeFalse)
	e.StopDepthPreview()
	test.That(t, e.Close(context.Background()), test.ShouldBeNil)
	test.That(t, src.closed, test.ShouldBeTrue)
}

func TestDeviceErrorStopsLoop(t *testing.T) {
	src := columnSource(1000)
	src.transient = 2
	src.failAfter = 3
	e := newTestEngine(t, src, DefaultConfig())
	e.Start()
	waitStarted(t, e)
	select {
	case <-e.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("device error was not fatal")
	}
	test.That(t, errors.Is(e.Err(), camera.ErrDevice), test.ShouldBeTrue)
	test.That(t, e.ExtractPointCloud(), test.ShouldNotBeNil)
}

func TestSaveTo(t *testing.T) {
	dir := t.TempDir()
	src := columnSource(1000, 0, 1200)
	e := newTestEngine(t, src, DefaultConfig())

	missing := filepath.Join(dir, "none.pcd")
	_, err := e.SaveTo(missing)
	test.That(t, errors.Is(err, pointcloud.ErrEmptyCloud), test.ShouldBeTrue)
	_, err = os.Stat(missing)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	e.Start()
	waitStarted(t, e)
	path := filepath.Join(dir, "captured", "capture_000001.pcd")
	n, err := e.SaveTo(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
	pc, err := pointcloud.NewFromFile(path, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	test.That(t, pc.MetaData().HasColor, test.ShouldBeTrue)
}

func TestCommands(t *testing.T) {
	src := columnSource(1000)
	e := newTestEngine(t, src, DefaultConfig())

	for _, cmd := range []Command{
		{Kind: CommandSetDepthMin, Value: 0.3},
		{Kind: CommandSetDepthMax, Value: 1.3},
		{Kind: CommandSetXMin, Value: -0.4},
		{Kind: CommandSetXMax, Value: 0.4},
	} {
		test.That(t, e.Apply(cmd), test.ShouldBeNil)
	}
	dMin, dMax, xMin, xMax := e.Bounds()
	test.That(t, []float64{dMin, dMax, xMin, xMax}, test.ShouldResemble, []float64{0.3, 1.3, -0.4, 0.4})

	test.That(t, e.Apply(Command{Kind: CommandStartRecording}), test.ShouldNotBeNil)
	test.That(t, e.Apply(Command{Kind: CommandStartRecording, Path: "/tmp/rec"}), test.ShouldBeNil)
	test.That(t, src.recording, test.ShouldEqual, "/tmp/rec")
	test.That(t, e.Apply(Command{Kind: CommandStopRecording}), test.ShouldBeNil)
	test.That(t, src.recording, test.ShouldEqual, "")

	test.That(t, e.Apply(Command{Kind: CommandStartPreview}), test.ShouldBeNil)
	test.That(t, e.PreviewActive(), test.ShouldBeTrue)
	test.That(t, e.Apply(Command{Kind: CommandStopPreview}), test.ShouldBeNil)
	test.That(t, e.PreviewActive(), test.ShouldBeFalse)

	test.That(t, e.Apply(Command{Kind: CommandKind(99)}), test.ShouldNotBeNil)

	for kind, name := range commandNames {
		parsed, err := ParseCommandKind(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, kind)
		test.That(t, kind.String(), test.ShouldEqual, name)
	}
	_, err := ParseCommandKind("SET_Z_MAX")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfigValidate(t *testing.T) {
	conf := DefaultConfig()
	test.That(t, conf.Validate("capture"), test.ShouldBeNil)
	conf.DepthMax = conf.DepthMin
	test.That(t, conf.Validate("capture"), test.ShouldNotBeNil)
	conf = DefaultConfig()
	conf.XMin, conf.XMax = 1, -1
	test.That(t, conf.Validate("capture"), test.ShouldNotBeNil)
	test.That(t, math.IsInf(DefaultConfig().XMax, 1), test.ShouldBeFalse)
}

func TestLocalClient(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src := columnSource(1000, 1100)
	client, err := NewLocalClient(context.Background(), src, DefaultConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	n, err := client.Save(context.Background(), filepath.Join(t.TempDir(), "a.pcd"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 2)
	test.That(t, client.Apply(context.Background(), Command{Kind: CommandSetDepthMax, Value: 1.05}), test.ShouldBeNil)
	n, err = client.Save(context.Background(), filepath.Join(t.TempDir(), "b.pcd"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, client.Err(), test.ShouldBeNil)
	test.That(t, client.Close(context.Background()), test.ShouldBeNil)
	test.That(t, src.closed, test.ShouldBeTrue)

	stuck := columnSource(1000)
	stuck.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = NewLocalClient(ctx, stuck, DefaultConfig(), logger)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, stuck.closed, test.ShouldBeTrue)

	broken := columnSource(1000)
	broken.failAfter = 1
	broken.transient = 0
	broken.frame.Depth = rimage.NewEmptyDepthMap(1, 1)
	_, err = NewLocalClient(context.Background(), broken, DefaultConfig(), logger)
	test.That(t, errors.Is(err, camera.ErrDevice), test.ShouldBeTrue)
}
