package scanner

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/capture/worker"
	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/components/camera/replay"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/utils"
)

// isFatal reports whether err ends the pipeline run.
func isFatal(err error) bool {
	return errors.Is(err, camera.ErrDevice) ||
		errors.Is(err, worker.ErrProcessLost) ||
		errors.Is(err, ErrStartupTimeout)
}

// StartPipeline starts capture and waits for the first valid cloud. It is only allowed when
// idle. On failure the controller stays idle and the error wraps ErrStartupTimeout or
// camera.ErrDevice.
func (c *Controller) StartPipeline(ctx context.Context, src PipelineSource) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state := c.state
	bounds := c.bounds
	preview := c.previewPath()
	c.mu.Unlock()
	if state != StateIdle {
		return errors.Wrapf(ErrInvalidState, "cannot start pipeline while %s", state)
	}
	bounds.PreviewPath = preview

	startCtx, cancel := c.clock.WithTimeout(ctx, c.conf.Worker.StartupTimeout)
	defer cancel()
	stopSlow := utils.SlowLogger(startCtx, "waiting for the first point cloud", "source", src.String(), c.logger)
	defer stopSlow()
	client, err := c.newClient(startCtx, src, bounds)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Wrap(ErrStartupTimeout, err.Error())
		}
		c.report(SeverityError, "Failed to start pipeline", err.Error())
		return err
	}

	c.mu.Lock()
	c.client = client
	c.state = StatePipelineRunning
	c.epoch++
	epoch := c.epoch
	c.monitor = utils.NewStoppableWorkers(func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-client.Failed():
			c.reportFatal(epoch, "Capture stopped", client.Err())
		}
	})
	c.mu.Unlock()
	c.report(SeverityInfo, "Pipeline running", "")
	return nil
}

func (c *Controller) previewPath() string {
	return c.session.PreviewPath()
}

// defaultClient runs live cameras in a worker process when isolation is on and everything else
// in this process.
func (c *Controller) defaultClient(ctx context.Context, src PipelineSource, conf capture.Config) (capture.Client, error) {
	sourceConf := camera.SourceConfig{
		Model:      replay.Model,
		Attributes: utils.Attributes{"path": src.Path},
	}
	if src.UseCamera {
		sourceConf = c.conf.Camera
	} else if src.Path == "" {
		return nil, errors.New("a recording path is required when not using the camera")
	}

	if src.UseCamera && c.conf.Worker.Isolate && camera.IsLive(sourceConf.Model) {
		command := c.conf.Worker.Command
		if len(command) == 0 {
			self, err := os.Executable()
			if err != nil {
				return nil, err
			}
			command = []string{self, "capture-worker"}
		}
		return worker.Spawn(ctx, command, worker.Config{
			Source:         sourceConf,
			Capture:        conf,
			StartupTimeout: c.conf.Worker.StartupTimeout,
		}, c.logger.Sublogger("worker"))
	}

	source, err := camera.NewSource(ctx, sourceConf, c.logger)
	if err != nil {
		return nil, err
	}
	return capture.NewLocalClient(ctx, source, conf, c.logger.Sublogger("capture"))
}

// StopPipeline stops registration and the preview, then capture. Stopping an idle controller
// does nothing.
func (c *Controller) StopPipeline(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopPipelineLocked(ctx)
}

func (c *Controller) stopPipelineLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.stopRegistrationLocked()

	c.mu.Lock()
	client := c.client
	monitor := c.monitor
	preview := c.preview
	recording := c.recording
	c.client = nil
	c.monitor = nil
	c.preview = false
	c.recording = ""
	c.epoch++
	c.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	var err error
	if client != nil {
		if preview {
			c.applyQuietly(ctx, client, capture.Command{Kind: capture.CommandStopPreview})
		}
		if recording != "" {
			c.applyQuietly(ctx, client, capture.Command{Kind: capture.CommandStopRecording})
		}
		err = client.Close(ctx)
	}
	c.setState(StateIdle)
	c.logger.Info("pipeline stopped")
	return err
}

func (c *Controller) applyQuietly(ctx context.Context, client capture.Client, cmd capture.Command) {
	if err := client.Apply(ctx, cmd); err != nil {
		c.logger.Debugw("command failed during shutdown", "command", cmd.Kind.String(), "error", err)
	}
}

// stopPipelineAsync stops the pipeline run identified by epoch from a worker goroutine, which
// must not wait on its own StoppableWorkers.
func (c *Controller) stopPipelineAsync(epoch int) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.opMu.Lock()
		defer c.opMu.Unlock()
		c.mu.Lock()
		current := c.epoch == epoch && c.state != StateIdle
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.stopPipelineLocked(context.Background()); err != nil {
			c.logger.Warnw("error stopping pipeline after failure", "error", err)
		}
	}()
}

// captureTo asks the capture client for a cloud at a fresh capture path and loads it back.
func (c *Controller) captureTo(ctx context.Context, client capture.Client) (pointcloud.PointCloud, string, error) {
	c.mu.Lock()
	path := c.session.NextCapturePath()
	c.mu.Unlock()
	if _, err := client.Save(ctx, path); err != nil {
		return nil, "", err
	}
	pc, err := pointcloud.NewFromFile(path, c.logger)
	if err != nil {
		return nil, "", err
	}
	if pc.Size() == 0 {
		return nil, "", errors.Wrapf(pointcloud.ErrEmptyCloud, "capture %q", path)
	}
	return pc, path, nil
}

// Capture is the user's capture button. Idle fails with ErrPipelineNotRunning. While the
// worker waits in manual mode it releases the next cycle and returns "". With the pipeline
// running and no registration it saves one cloud and returns its path.
func (c *Controller) Capture(ctx context.Context) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state := c.state
	client := c.client
	c.mu.Unlock()
	switch state {
	case StateIdle:
		return "", ErrPipelineNotRunning
	case StateWaitingForUserCapture:
		c.release()
		return "", nil
	case StatePipelineRunning:
		_, path, err := c.captureTo(ctx, client)
		if err != nil {
			if isFatal(err) {
				c.report(SeverityError, "Capture failed", err.Error())
			} else {
				c.report(SeverityWarning, "Capture failed", err.Error())
			}
			return "", err
		}
		c.report(SeverityInfo, "Captured", path)
		return path, nil
	default:
		return "", errors.Wrapf(ErrInvalidState, "cannot capture while %s", state)
	}
}

// release wakes a worker waiting for a manual capture.
func (c *Controller) release() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}
