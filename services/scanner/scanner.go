// Package scanner implements the registration controller: the state machine that starts capture,
// runs the registration worker, merges each capture into the accumulated target and persists it.
package scanner

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/config"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/pointcloud/registration"
	"go.viam.com/scanfusion/utils"
)

var (
	// ErrStartupTimeout means capture produced no valid cloud in time.
	ErrStartupTimeout = errors.New("capture did not produce a point cloud in time")
	// ErrPipelineNotRunning rejects operations that need a running pipeline.
	ErrPipelineNotRunning = errors.New("pipeline is not running")
	// ErrInvalidState rejects operations not allowed in the current state.
	ErrInvalidState = errors.New("operation not allowed in the current state")
	// ErrRejectedWhileRegistering rejects changes that would alter a running registration.
	ErrRejectedWhileRegistering = errors.New("not allowed while registration is active")
)

// State is the controller state. Capturing, Registering and WaitingForUserCapture are only
// entered by the registration worker.
type State int

// The controller states.
const (
	StateIdle State = iota
	StatePipelineRunning
	StateCapturing
	StateRegistering
	StateWaitingForUserCapture
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePipelineRunning:
		return "pipeline_running"
	case StateCapturing:
		return "capturing"
	case StateRegistering:
		return "registering"
	case StateWaitingForUserCapture:
		return "waiting_for_user_capture"
	default:
		return "unknown"
	}
}

// Severity grades a status message.
type Severity int

// The severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusMessage is a human readable notice for the presentation layer.
type StatusMessage struct {
	Severity Severity
	Title    string
	Detail   string
}

// Status is a snapshot of the controller.
type Status struct {
	State      State
	Auto       bool
	Strategy   registration.Strategy
	VoxelSize  float64
	TargetSize int
	Cycles     int
	Session    string
	Message    StatusMessage
}

// PipelineSource selects between the configured camera and a recording.
type PipelineSource struct {
	UseCamera bool
	// Path is the recording directory when UseCamera is false.
	Path string
}

func (src PipelineSource) String() string {
	if src.UseCamera {
		return "camera"
	}
	return src.Path
}

// An Aligner registers a source cloud onto a target.
type Aligner interface {
	Align(
		ctx context.Context,
		source, target pointcloud.PointCloud,
		voxelSize float64,
		strategy registration.Strategy,
		params registration.Params,
	) (*registration.Result, error)
}

// AlignerFunc adapts a function to an Aligner.
type AlignerFunc func(
	ctx context.Context,
	source, target pointcloud.PointCloud,
	voxelSize float64,
	strategy registration.Strategy,
	params registration.Params,
) (*registration.Result, error)

// Align calls f.
func (f AlignerFunc) Align(
	ctx context.Context,
	source, target pointcloud.PointCloud,
	voxelSize float64,
	strategy registration.Strategy,
	params registration.Params,
) (*registration.Result, error) {
	return f(ctx, source, target, voxelSize, strategy, params)
}

// A Publisher receives every new target. It gets a copy it may keep.
type Publisher interface {
	Publish(target pointcloud.PointCloud, result *registration.Result)
}

// ClientFactory builds the capture client for a pipeline source.
type ClientFactory func(ctx context.Context, src PipelineSource, conf capture.Config) (capture.Client, error)

// Deps are the collaborators of a controller. Zero fields get defaults.
type Deps struct {
	Clock     clock.Clock
	Aligner   Aligner
	Publisher Publisher
	NewClient ClientFactory
}

// Controller drives one scanning session. Control operations are serialised by opMu; the
// registration worker never takes it.
type Controller struct {
	conf      config.Config
	logger    logging.Logger
	clock     clock.Clock
	aligner   Aligner
	publisher Publisher
	newClient ClientFactory
	session   *Session
	journal   *Journal

	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	epoch      int
	fatalEpoch int
	client     capture.Client
	monitor    utils.StoppableWorkers
	regWorkers utils.StoppableWorkers
	trigger    chan struct{}
	preview    bool
	recording  string

	auto      bool
	strategy  registration.Strategy
	params    registration.Params
	voxelSize float64
	bounds    capture.Config

	target   pointcloud.PointCloud
	cycles   int
	message  StatusMessage
	failures failureTracker

	background sync.WaitGroup
}

// New creates a controller and opens its session. With Session.Resume the last journaled target
// is loaded.
func New(conf *config.Config, deps Deps, logger logging.Logger) (*Controller, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	strategy, err := registration.ParseStrategy(conf.Registration.Strategy)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		conf:      *conf,
		logger:    logger,
		clock:     deps.Clock,
		aligner:   deps.Aligner,
		publisher: deps.Publisher,
		newClient: deps.NewClient,
		trigger:   make(chan struct{}, 1),
		auto:      conf.Registration.Auto,
		strategy:  strategy,
		params:    conf.Registration.Params.WithDefaults(),
		voxelSize: conf.Registration.VoxelSize,
		bounds:    conf.Capture,
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.aligner == nil {
		c.aligner = AlignerFunc(registration.Register)
	}
	if c.newClient == nil {
		c.newClient = c.defaultClient
	}

	c.session, err = OpenSession(conf.Session.Root, conf.Session.Name, conf.Session.Resume, c.clock.Now())
	if err != nil {
		return nil, err
	}
	c.journal, err = OpenJournal(c.session.JournalPath())
	if err != nil {
		return nil, err
	}
	if conf.Session.Resume {
		if err := c.resume(); err != nil {
			return nil, multierr.Combine(err, c.journal.Close())
		}
	}
	logger.Infow("session opened", "dir", c.session.Dir, "resumed", c.target != nil)
	return c, nil
}

func (c *Controller) resume() error {
	latest, err := c.journal.Latest()
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	target, err := pointcloud.NewFromFile(latest.MergedFile, c.logger)
	if err != nil {
		return errors.Wrapf(err, "resuming from merge %d", latest.Seq)
	}
	c.target = target
	c.cycles = latest.Seq
	c.session.resumeMerges(latest.Seq)
	c.logger.Infow("resumed target", "seq", latest.Seq, "points", target.Size())
	return nil
}

// Session returns the session directory.
func (c *Controller) Session() *Session {
	return c.session
}

// Journal returns the session journal.
func (c *Controller) Journal() *Journal {
	return c.journal
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := 0
	if c.target != nil {
		size = c.target.Size()
	}
	return Status{
		State:      c.state,
		Auto:       c.auto,
		Strategy:   c.strategy,
		VoxelSize:  c.voxelSize,
		TargetSize: size,
		Cycles:     c.cycles,
		Session:    c.session.Dir,
		Message:    c.message,
	}
}

// Target returns a copy of the accumulated target, or nil.
func (c *Controller) Target() pointcloud.PointCloud {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return nil
	}
	return pointcloud.Clone(c.target)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) report(sev Severity, title, detail string) {
	c.mu.Lock()
	c.message = StatusMessage{Severity: sev, Title: title, Detail: detail}
	c.mu.Unlock()
	switch sev {
	case SeverityError:
		c.logger.Errorw(title, "detail", detail)
	case SeverityWarning:
		c.logger.Warnw(title, "detail", detail)
	default:
		c.logger.Infow(title, "detail", detail)
	}
}

// reportFatal reports err as the reason pipeline run epoch ended and stops that run. Only the
// first failure of a run becomes the status message; later ones are logged at debug level.
func (c *Controller) reportFatal(epoch int, title string, err error) {
	c.mu.Lock()
	first := c.epoch == epoch && c.fatalEpoch != epoch
	if first {
		c.fatalEpoch = epoch
	}
	c.mu.Unlock()
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if first {
		c.report(SeverityError, title, detail)
	} else {
		c.logger.Debugw("pipeline already stopping", "reason", title, "error", err)
	}
	c.stopPipelineAsync(epoch)
}

// Close stops the pipeline and closes the journal.
func (c *Controller) Close(ctx context.Context) error {
	err := c.StopPipeline(ctx)
	c.background.Wait()
	return multierr.Combine(err, c.journal.Close())
}
