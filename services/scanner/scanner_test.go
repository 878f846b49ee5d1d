package scanner

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/capture/worker"
	"go.viam.com/scanfusion/components/camera"
	_ "go.viam.com/scanfusion/components/camera/fake"
	_ "go.viam.com/scanfusion/components/camera/replay"
	"go.viam.com/scanfusion/config"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/pointcloud/registration"
	"go.viam.com/scanfusion/spatialmath"
)

// gridCloud is a flat colored grid of n by n points.
func gridCloud(n int, spacing float64) pointcloud.PointCloud {
	pc := pointcloud.NewWithPrealloc(n * n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			c := color.NRGBA{R: uint8(10 * i), G: uint8(10 * j), B: 100, A: 255}
			if err := pc.Append(pointcloud.NewVector(float64(i)*spacing, float64(j)*spacing, 1), pointcloud.NewColoredData(c)); err != nil {
				panic(err)
			}
		}
	}
	return pc
}

type stubClient struct {
	mu      sync.Mutex
	cloud   pointcloud.PointCloud
	saveErr error
	saves   int
	applied []capture.Command
	closed  bool

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

func newStubClient(cloud pointcloud.PointCloud) *stubClient {
	return &stubClient{cloud: cloud, failed: make(chan struct{})}
}

func (s *stubClient) Save(ctx context.Context, path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	if err := pointcloud.WriteToFile(s.cloud, path); err != nil {
		return 0, err
	}
	return s.cloud.Size(), nil
}

func (s *stubClient) Apply(ctx context.Context, cmd capture.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, cmd)
	return nil
}

func (s *stubClient) Failed() <-chan struct{} { return s.failed }

func (s *stubClient) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubClient) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubClient) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.failOnce.Do(func() { close(s.failed) })
}

func (s *stubClient) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *stubClient) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type countingAligner struct {
	mu      sync.Mutex
	calls   map[registration.Strategy]int
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func newCountingAligner() *countingAligner {
	return &countingAligner{calls: map[registration.Strategy]int{}}
}

func (a *countingAligner) Align(
	ctx context.Context,
	source, target pointcloud.PointCloud,
	voxelSize float64,
	strategy registration.Strategy,
	params registration.Params,
) (*registration.Result, error) {
	a.mu.Lock()
	a.calls[strategy]++
	err := a.err
	a.mu.Unlock()
	if a.entered != nil {
		select {
		case a.entered <- struct{}{}:
		default:
		}
	}
	if a.gate != nil {
		<-a.gate
	}
	if err != nil {
		return nil, err
	}
	return &registration.Result{Transform: spatialmath.NewIdentityTransform(), Fitness: 1, Strategy: strategy}, nil
}

func (a *countingAligner) count(s registration.Strategy) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[s]
}

func (a *countingAligner) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, v := range a.calls {
		n += v
	}
	return n
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.Default()
	conf.Session.Root = t.TempDir()
	conf.Worker.Isolate = false
	conf.Worker.StartupTimeout = 5 * time.Second
	conf.Registration.VoxelSize = 0.05
	conf.Registration.Auto = false
	return conf
}

func newStubController(t *testing.T, conf *config.Config, client *stubClient, aligner Aligner) *Controller {
	t.Helper()
	c, err := New(conf, Deps{
		Clock:   clock.NewMock(),
		Aligner: aligner,
		NewClient: func(ctx context.Context, src PipelineSource, bounds capture.Config) (capture.Client, error) {
			return client, nil
		},
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Controller, s State) {
	t.Helper()
	waitFor(t, s.String(), func() bool { return c.Status().State == s })
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestStateMachineLegality(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	c := newStubController(t, testConfig(t), client, newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.Status().State, test.ShouldEqual, StateIdle)
	err := c.StartRegistration(ctx)
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
	test.That(t, c.RegistrationActive(), test.ShouldBeFalse)

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.Status().State, test.ShouldEqual, StatePipelineRunning)
	err = c.StartPipeline(ctx, PipelineSource{UseCamera: true})
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)

	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitState(t, c, StateWaitingForUserCapture)
	err = c.StartRegistration(ctx)
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)
	err = c.StartPipeline(ctx, PipelineSource{UseCamera: true})
	test.That(t, errors.Is(err, ErrInvalidState), test.ShouldBeTrue)

	test.That(t, c.StopRegistration(ctx), test.ShouldBeNil)
	test.That(t, c.Status().State, test.ShouldEqual, StatePipelineRunning)
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	test.That(t, c.Status().State, test.ShouldEqual, StateIdle)
	test.That(t, client.isClosed(), test.ShouldBeTrue)
}

func TestIdempotentStops(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	c := newStubController(t, testConfig(t), client, newCountingAligner())

	test.That(t, c.StopRegistration(ctx), test.ShouldBeNil)
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	// stopping the pipeline stops the worker first
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	test.That(t, c.RegistrationActive(), test.ShouldBeFalse)
	test.That(t, c.StopRegistration(ctx), test.ShouldBeNil)
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	test.That(t, c.Close(ctx), test.ShouldBeNil)
}

func TestCaptureWhileIdle(t *testing.T) {
	ctx := context.Background()
	c := newStubController(t, testConfig(t), newStubClient(gridCloud(5, 0.02)), newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	_, err := c.Capture(ctx)
	test.That(t, errors.Is(err, ErrPipelineNotRunning), test.ShouldBeTrue)
	test.That(t, listDir(t, filepath.Join(c.Session().Dir, capturedDir)), test.ShouldBeEmpty)
	test.That(t, errors.Is(c.StartPreview(ctx), ErrPipelineNotRunning), test.ShouldBeTrue)
	_, err = c.StartRecording(ctx)
	test.That(t, errors.Is(err, ErrPipelineNotRunning), test.ShouldBeTrue)
}

func TestStandaloneCapture(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(5, 0.02))
	c := newStubController(t, testConfig(t), client, newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()
	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)

	first, err := c.Capture(ctx)
	test.That(t, err, test.ShouldBeNil)
	second, err := c.Capture(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(first), test.ShouldEqual, "capture_000001.pcd")
	test.That(t, filepath.Base(second), test.ShouldEqual, "capture_000002.pcd")

	client.setSaveErr(errors.Wrap(pointcloud.ErrEmptyCloud, "nothing"))
	_, err = c.Capture(ctx)
	test.That(t, errors.Is(err, pointcloud.ErrEmptyCloud), test.ShouldBeTrue)
	test.That(t, c.Status().State, test.ShouldEqual, StatePipelineRunning)
	test.That(t, c.Status().Message.Severity, test.ShouldEqual, SeverityWarning)
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	aligner := newCountingAligner()
	aligner.gate = make(chan struct{})
	aligner.entered = make(chan struct{}, 1)
	conf := testConfig(t)
	conf.Registration.Auto = true
	c := newStubController(t, conf, client, aligner)
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	<-aligner.entered

	stopped := make(chan struct{})
	go func() {
		test.That(t, c.StopRegistration(ctx), test.ShouldBeNil)
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned before the cycle finished")
	case <-time.After(100 * time.Millisecond):
	}
	test.That(t, c.Status().State, test.ShouldEqual, StateRegistering)
	close(aligner.gate)
	<-stopped

	status := c.Status()
	test.That(t, status.State, test.ShouldEqual, StatePipelineRunning)
	// the bootstrap and the interrupted cycle both completed
	test.That(t, status.Cycles, test.ShouldEqual, 2)
	test.That(t, aligner.total(), test.ShouldEqual, 1)

	regDir := filepath.Join(c.Session().Dir, registrationDir)
	names := listDir(t, regDir)
	test.That(t, names, test.ShouldResemble, []string{"merged_000001.pcd", "merged_000002.pcd"})
	entries, err := c.Journal().Entries()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 2)
	for _, e := range entries {
		pc, err := pointcloud.NewFromFile(e.MergedFile, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pc.Size(), test.ShouldEqual, e.Points)
	}
	for _, name := range names {
		test.That(t, strings.HasPrefix(name, "."), test.ShouldBeFalse)
	}
}

func TestStrategySwitchAppliesToNextCycle(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	aligner := newCountingAligner()
	c := newStubController(t, testConfig(t), client, aligner)
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.SelectStrategy("ransac"), test.ShouldBeNil)
	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.SelectStrategy("point_to_point"), test.ShouldBeNil)
	test.That(t, c.SelectStrategy("nonsense"), test.ShouldNotBeNil)
	test.That(t, c.Status().Strategy, test.ShouldEqual, registration.StrategyPointToPoint)

	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitState(t, c, StateWaitingForUserCapture)
	test.That(t, aligner.count(registration.StrategyPointToPoint), test.ShouldEqual, 1)
	test.That(t, aligner.count(registration.StrategyRANSAC), test.ShouldEqual, 0)

	entries, err := c.Journal().Entries()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries[len(entries)-1].Strategy, test.ShouldEqual, "point_to_point")
}

func TestManualModeWaitsForCapture(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	aligner := newCountingAligner()
	c := newStubController(t, testConfig(t), client, aligner)
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitState(t, c, StateWaitingForUserCapture)
	test.That(t, aligner.total(), test.ShouldEqual, 1)
	time.Sleep(50 * time.Millisecond)
	test.That(t, aligner.total(), test.ShouldEqual, 1)

	path, err := c.Capture(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, "")
	waitFor(t, "second cycle", func() bool { return aligner.total() == 2 })
	waitState(t, c, StateWaitingForUserCapture)

	test.That(t, c.ToggleAutoRegistration(), test.ShouldBeTrue)
	waitFor(t, "automatic cycles", func() bool { return aligner.total() >= 4 })
	test.That(t, c.Status().Auto, test.ShouldBeTrue)
	test.That(t, c.StopRegistration(ctx), test.ShouldBeNil)
}

func TestMergeClouds(t *testing.T) {
	target := gridCloud(20, 0.01)
	source := gridCloud(15, 0.01)
	tf := spatialmath.NewTransformFromAxisAngle(&spatialmath.R4AA{Theta: 0.1, RZ: 1}, pointcloud.NewVector(0.05, 0, 0))
	merged, down, err := mergeClouds(target, source, tf, 0.03)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, merged.Size(), test.ShouldEqual, target.Size()+source.Size())
	test.That(t, down.Size(), test.ShouldBeLessThanOrEqualTo, merged.Size())
	test.That(t, down.Size(), test.ShouldBeGreaterThan, 0)
}

func TestJournalRecordsMergeCounts(t *testing.T) {
	ctx := context.Background()
	cloud := gridCloud(10, 0.02)
	client := newStubClient(cloud)
	c := newStubController(t, testConfig(t), client, newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitState(t, c, StateWaitingForUserCapture)

	entries, err := c.Journal().Entries()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 2)
	boot, merge := entries[0], entries[1]
	test.That(t, boot.Strategy, test.ShouldEqual, "bootstrap")
	test.That(t, boot.Points, test.ShouldEqual, cloud.Size())
	test.That(t, merge.MergedPoints, test.ShouldEqual, boot.Points+merge.SourcePoints)
	test.That(t, merge.Points, test.ShouldBeLessThanOrEqualTo, merge.MergedPoints)
	test.That(t, c.Status().TargetSize, test.ShouldEqual, merge.Points)
	test.That(t, merge.Created.Equal(time.Unix(0, 0)), test.ShouldBeTrue)
}

func TestTransientFailuresKeepTarget(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	aligner := newCountingAligner()
	aligner.err = errors.Wrap(registration.ErrRegistrationFailure, "degenerate")
	conf := testConfig(t)
	conf.Registration.Auto = true
	c := newStubController(t, conf, client, aligner)
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitFor(t, "repeated failures", func() bool { return aligner.total() >= 2 })
	waitFor(t, "warning", func() bool { return c.Status().Message.Severity == SeverityWarning })
	test.That(t, c.StopRegistration(ctx), test.ShouldBeNil)

	status := c.Status()
	test.That(t, status.State, test.ShouldEqual, StatePipelineRunning)
	test.That(t, status.Cycles, test.ShouldEqual, 1)
	test.That(t, status.Message.Title, test.ShouldEqual, "Registration keeps failing")
	test.That(t, listDir(t, filepath.Join(c.Session().Dir, registrationDir)), test.ShouldResemble,
		[]string{"merged_000001.pcd"})
}

func TestFatalErrorsStopPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("capture loop failure", func(t *testing.T) {
		client := newStubClient(gridCloud(10, 0.02))
		c := newStubController(t, testConfig(t), client, newCountingAligner())
		defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()
		test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
		test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
		waitState(t, c, StateWaitingForUserCapture)

		client.fail(camera.NewDeviceError(nil, "unplugged"))
		waitState(t, c, StateIdle)
		waitFor(t, "client closed", client.isClosed)
		test.That(t, c.RegistrationActive(), test.ShouldBeFalse)
		msg := c.Status().Message
		test.That(t, msg.Severity, test.ShouldEqual, SeverityError)
		test.That(t, msg.Detail, test.ShouldContainSubstring, "unplugged")
	})

	t.Run("worker lost during cycle", func(t *testing.T) {
		client := newStubClient(gridCloud(10, 0.02))
		client.setSaveErr(errors.Wrap(worker.ErrProcessLost, "broken pipe"))
		c := newStubController(t, testConfig(t), client, newCountingAligner())
		defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()
		test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
		test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
		waitState(t, c, StateIdle)
		test.That(t, c.Status().Message.Title, test.ShouldEqual, "Registration stopped")
	})
}

func TestSimultaneousFailuresReportOnce(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	client := newStubClient(gridCloud(10, 0.02))
	aligner := newCountingAligner()
	aligner.err = errors.Wrap(worker.ErrProcessLost, "broken pipe")
	aligner.gate = make(chan struct{})
	aligner.entered = make(chan struct{}, 1)
	conf := testConfig(t)
	conf.Registration.Auto = true
	c, err := New(conf, Deps{
		Clock:   clock.NewMock(),
		Aligner: aligner,
		NewClient: func(ctx context.Context, src PipelineSource, bounds capture.Config) (capture.Client, error) {
			return client, nil
		},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	<-aligner.entered

	// the capture loop dies first, then the in-flight cycle fails on the lost worker
	client.fail(camera.NewDeviceError(nil, "unplugged"))
	waitFor(t, "capture failure reported", func() bool { return c.Status().Message.Title == "Capture stopped" })
	close(aligner.gate)
	waitState(t, c, StateIdle)
	waitFor(t, "client closed", client.isClosed)

	msg := c.Status().Message
	test.That(t, msg.Title, test.ShouldEqual, "Capture stopped")
	test.That(t, msg.Detail, test.ShouldContainSubstring, "unplugged")
	test.That(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), test.ShouldEqual, 1)
}

func TestStartupFailures(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	conf := testConfig(t)
	conf.Worker.StartupTimeout = 50 * time.Millisecond
	c, err := New(conf, Deps{
		NewClient: func(ctx context.Context, src PipelineSource, bounds capture.Config) (capture.Client, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	err = c.StartPipeline(ctx, PipelineSource{UseCamera: true})
	test.That(t, errors.Is(err, ErrStartupTimeout), test.ShouldBeTrue)
	test.That(t, c.Status().State, test.ShouldEqual, StateIdle)
	test.That(t, c.Close(ctx), test.ShouldBeNil)

	c, err = New(testConfig(t), Deps{
		NewClient: func(ctx context.Context, src PipelineSource, bounds capture.Config) (capture.Client, error) {
			return nil, camera.NewDeviceError(nil, "no such device")
		},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	err = c.StartPipeline(ctx, PipelineSource{UseCamera: true})
	test.That(t, errors.Is(err, camera.ErrDevice), test.ShouldBeTrue)
	test.That(t, c.Status().State, test.ShouldEqual, StateIdle)
	test.That(t, c.Status().Message.Severity, test.ShouldEqual, SeverityError)
	test.That(t, c.Close(ctx), test.ShouldBeNil)

	c, err = New(testConfig(t), Deps{}, logger)
	test.That(t, err, test.ShouldBeNil)
	err = c.StartPipeline(ctx, PipelineSource{Path: filepath.Join(t.TempDir(), "missing")})
	test.That(t, errors.Is(err, camera.ErrDevice), test.ShouldBeTrue)
	test.That(t, c.StartPipeline(ctx, PipelineSource{}), test.ShouldNotBeNil)
	test.That(t, c.Close(ctx), test.ShouldBeNil)
}

func TestTunables(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	c := newStubController(t, testConfig(t), client, newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.SetVoxelSize(0), test.ShouldNotBeNil)
	test.That(t, c.SetVoxelSize(0.04), test.ShouldBeNil)
	test.That(t, c.SetDepthRange(ctx, 1, 0.5), test.ShouldNotBeNil)
	test.That(t, c.SetSpatialClipX(ctx, 1, -1), test.ShouldNotBeNil)
	test.That(t, c.SetDepthRange(ctx, 0.2, 1.5), test.ShouldBeNil)

	var seen capture.Config
	c.newClient = func(ctx context.Context, src PipelineSource, bounds capture.Config) (capture.Client, error) {
		seen = bounds
		return client, nil
	}
	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, seen.DepthMin, test.ShouldEqual, 0.2)
	test.That(t, seen.DepthMax, test.ShouldEqual, 1.5)
	test.That(t, seen.PreviewPath, test.ShouldEqual, c.Session().PreviewPath())

	test.That(t, c.SetSpatialClipX(ctx, -0.5, 0.5), test.ShouldBeNil)
	test.That(t, client.applied, test.ShouldResemble, []capture.Command{
		{Kind: capture.CommandSetXMin, Value: -0.5},
		{Kind: capture.CommandSetXMax, Value: 0.5},
	})
	test.That(t, c.StartPreview(ctx), test.ShouldBeNil)
	rec, err := c.StartRecording(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.HasPrefix(rec, filepath.Join(c.Session().Dir, recordingsDir)), test.ShouldBeTrue)

	c.SetStrategyParams(registration.Params{ICPMaxIterations: 12})
	test.That(t, c.StrategyParams().ICPMaxIterations, test.ShouldEqual, 12)
	test.That(t, c.StrategyParams().RANSACConfidence, test.ShouldEqual, registration.DefaultParams().RANSACConfidence)

	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	test.That(t, errors.Is(c.SetVoxelSize(0.1), ErrRejectedWhileRegistering), test.ShouldBeTrue)
	test.That(t, errors.Is(c.ResetTarget(), ErrRejectedWhileRegistering), test.ShouldBeTrue)
	test.That(t, c.Status().VoxelSize, test.ShouldEqual, 0.04)

	reloaded := testConfig(t)
	reloaded.Registration.VoxelSize = 0.1
	reloaded.Registration.Strategy = "colored"
	test.That(t, c.ApplyTunables(ctx, reloaded), test.ShouldBeNil)
	test.That(t, c.Status().Strategy, test.ShouldEqual, registration.StrategyColored)
	test.That(t, c.Status().VoxelSize, test.ShouldEqual, 0.04)

	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	stops := client.applied[len(client.applied)-2:]
	test.That(t, stops, test.ShouldResemble, []capture.Command{
		{Kind: capture.CommandStopPreview},
		{Kind: capture.CommandStopRecording},
	})
	test.That(t, c.ResetTarget(), test.ShouldBeNil)
	test.That(t, c.Target(), test.ShouldBeNil)
}

func TestStopPipelineStopsPreview(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	c := newStubController(t, testConfig(t), client, newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartPreview(ctx), test.ShouldBeNil)
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	test.That(t, client.isClosed(), test.ShouldBeTrue)

	client.mu.Lock()
	applied := append([]capture.Command(nil), client.applied...)
	client.mu.Unlock()
	test.That(t, applied, test.ShouldResemble, []capture.Command{
		{Kind: capture.CommandStartPreview},
		{Kind: capture.CommandStopPreview},
	})
	test.That(t, c.Status().State, test.ShouldEqual, StateIdle)

	// a second stop finds nothing to stop
	test.That(t, c.StopPipeline(ctx), test.ShouldBeNil)
	client.mu.Lock()
	defer client.mu.Unlock()
	test.That(t, len(client.applied), test.ShouldEqual, 2)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	c := newStubController(t, testConfig(t), client, newCountingAligner())
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	_, err := c.Dispatch(ctx, Command{Kind: CommandCapture})
	test.That(t, errors.Is(err, ErrPipelineNotRunning), test.ShouldBeTrue)
	_, err = c.Dispatch(ctx, Command{Kind: CommandStartPipeline, Source: PipelineSource{UseCamera: true}})
	test.That(t, err, test.ShouldBeNil)
	reply, err := c.Dispatch(ctx, Command{Kind: CommandCapture})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reply.Path, test.ShouldNotBeEmpty)
	reply, err = c.Dispatch(ctx, Command{Kind: CommandToggleAuto})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reply.Auto, test.ShouldBeTrue)
	_, err = c.Dispatch(ctx, Command{Kind: CommandSelectStrategy, Name: "fast"})
	test.That(t, err, test.ShouldBeNil)
	_, err = c.Dispatch(ctx, Command{Kind: CommandSetDepthRange, Min: 0.3, Max: 2})
	test.That(t, err, test.ShouldBeNil)
	_, err = c.Dispatch(ctx, Command{Kind: CommandStopPipeline})
	test.That(t, err, test.ShouldBeNil)
	_, err = c.Dispatch(ctx, Command{Kind: CommandKind(0)})
	test.That(t, err, test.ShouldNotBeNil)

	for kind, name := range commandNames {
		parsed, err := ParseCommandKind(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, kind)
		_, ok := commandTable[kind]
		test.That(t, ok, test.ShouldBeTrue)
	}
	_, err = ParseCommandKind("explode")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPublisherGetsCopies(t *testing.T) {
	ctx := context.Background()
	client := newStubClient(gridCloud(10, 0.02))
	pub := &recordingPublisher{}
	c, err := New(testConfig(t), Deps{
		Clock:     clock.NewMock(),
		Aligner:   newCountingAligner(),
		Publisher: pub,
		NewClient: func(ctx context.Context, src PipelineSource, bounds capture.Config) (capture.Client, error) {
			return client, nil
		},
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, c.Close(ctx), test.ShouldBeNil) }()

	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitState(t, c, StateWaitingForUserCapture)
	clouds, results := pub.snapshot()
	test.That(t, len(clouds), test.ShouldEqual, 2)
	test.That(t, results[0], test.ShouldBeNil)
	test.That(t, results[1].Strategy, test.ShouldEqual, registration.StrategyRANSAC)

	before := c.Status().TargetSize
	test.That(t, clouds[1].Append(pointcloud.NewVector(9, 9, 9), pointcloud.NewBasicData()), test.ShouldBeNil)
	test.That(t, c.Status().TargetSize, test.ShouldEqual, before)
}

type recordingPublisher struct {
	mu      sync.Mutex
	clouds  []pointcloud.PointCloud
	results []*registration.Result
}

func (p *recordingPublisher) Publish(target pointcloud.PointCloud, result *registration.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clouds = append(p.clouds, target)
	p.results = append(p.results, result)
}

func (p *recordingPublisher) snapshot() ([]pointcloud.PointCloud, []*registration.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pointcloud.PointCloud(nil), p.clouds...), append([]*registration.Result(nil), p.results...)
}

func TestResumeSession(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	conf.Session.Name = "first"
	client := newStubClient(gridCloud(10, 0.02))
	c := newStubController(t, conf, client, newCountingAligner())
	test.That(t, c.StartPipeline(ctx, PipelineSource{UseCamera: true}), test.ShouldBeNil)
	test.That(t, c.StartRegistration(ctx), test.ShouldBeNil)
	waitState(t, c, StateWaitingForUserCapture)
	size := c.Status().TargetSize
	test.That(t, c.Close(ctx), test.ShouldBeNil)

	conf.Session.Name = ""
	conf.Session.Resume = true
	resumed := newStubController(t, conf, newStubClient(gridCloud(10, 0.02)), newCountingAligner())
	defer func() { test.That(t, resumed.Close(ctx), test.ShouldBeNil) }()
	status := resumed.Status()
	test.That(t, status.Session, test.ShouldEqual, c.Session().Dir)
	test.That(t, status.TargetSize, test.ShouldEqual, size)
	test.That(t, status.Cycles, test.ShouldEqual, 2)
	path, seq := resumed.Session().NextMergePath()
	test.That(t, seq, test.ShouldEqual, 3)
	test.That(t, filepath.Base(path), test.ShouldEqual, "merged_000003.pcd")
	test.That(t, filepath.Base(resumed.Session().NextCapturePath()), test.ShouldEqual, "capture_000003.pcd")
}
