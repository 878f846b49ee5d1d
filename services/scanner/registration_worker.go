package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/pointcloud/registration"
	"go.viam.com/scanfusion/spatialmath"
	"go.viam.com/scanfusion/utils"
)

// retryPause keeps an automatic worker from spinning on a failing cycle.
const retryPause = 200 * time.Millisecond

// StartRegistration spawns the registration worker. It is only allowed while the pipeline runs
// without one; otherwise nothing is started and ErrInvalidState is returned.
func (c *Controller) StartRegistration(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePipelineRunning {
		return errors.Wrapf(ErrInvalidState, "cannot start registration while %s", c.state)
	}
	select {
	case <-c.trigger:
	default:
	}
	c.state = StateRegistering
	client := c.client
	epoch := c.epoch
	c.regWorkers = utils.NewStoppableWorkers(func(ctx context.Context) {
		c.registrationLoop(ctx, client, epoch)
	})
	c.logger.Info("registration started")
	return nil
}

// StopRegistration asks the worker to stop and waits for it. A cycle that has started runs to
// completion first. Stopping when no worker runs does nothing.
func (c *Controller) StopRegistration(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopRegistrationLocked()
	return nil
}

func (c *Controller) stopRegistrationLocked() {
	c.mu.Lock()
	workers := c.regWorkers
	c.regWorkers = nil
	c.mu.Unlock()
	if workers == nil {
		return
	}
	workers.Stop()
	c.mu.Lock()
	if c.state != StateIdle {
		c.state = StatePipelineRunning
	}
	c.mu.Unlock()
	c.logger.Info("registration stopped")
}

// RegistrationActive reports whether a registration worker exists.
func (c *Controller) RegistrationActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regWorkers != nil
}

func (c *Controller) registrationLoop(ctx context.Context, client capture.Client, epoch int) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-c.trigger:
		default:
		}

		// a cycle that has started is never interrupted
		err := c.runCycle(context.WithoutCancel(ctx), client)
		if err != nil {
			if isFatal(err) {
				c.reportFatal(epoch, "Registration stopped", err)
				return
			}
			c.noteFailure(err)
		} else {
			c.mu.Lock()
			c.failures.reset()
			c.mu.Unlock()
		}

		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		auto := c.auto
		if !auto {
			c.state = StateWaitingForUserCapture
		}
		c.mu.Unlock()
		if auto {
			if err != nil && !goutils.SelectContextOrWait(ctx, retryPause) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		}
	}
}

// cycleSettings are snapshotted at the start of each cycle.
type cycleSettings struct {
	strategy  registration.Strategy
	params    registration.Params
	voxelSize float64
}

// runCycle bootstraps the target if needed, then captures, registers, merges, persists and
// publishes one new target.
func (c *Controller) runCycle(ctx context.Context, client capture.Client) error {
	start := c.clock.Now()
	c.mu.Lock()
	settings := cycleSettings{strategy: c.strategy, params: c.params, voxelSize: c.voxelSize}
	target := c.target
	c.state = StateCapturing
	c.mu.Unlock()

	if target == nil {
		boot, path, err := c.captureTo(ctx, client)
		if err != nil {
			return errors.Wrap(err, "bootstrapping target")
		}
		if err := c.adopt(boot, path, nil, boot.Size(), boot.Size(), start); err != nil {
			return err
		}
		target = boot
		c.logger.Infow("target bootstrapped", "points", boot.Size(), "capture", path)
	}

	source, sourcePath, err := c.captureTo(ctx, client)
	if err != nil {
		return err
	}

	c.setState(StateRegistering)
	result, err := c.aligner.Align(ctx, source, target, settings.voxelSize, settings.strategy, settings.params)
	if err != nil {
		return err
	}
	merged, down, err := mergeClouds(target, source, result.Transform, settings.voxelSize)
	if err != nil {
		return err
	}
	if err := c.adopt(down, sourcePath, result, source.Size(), merged.Size(), start); err != nil {
		return err
	}
	c.report(SeverityInfo, "Merged capture", fmt.Sprintf("%s fitness %.3f, %d source points, target now %d points",
		settings.strategy, result.Fitness, source.Size(), down.Size()))
	return nil
}

// mergeClouds moves source into the target frame, concatenates and downsamples. merged holds
// every point of both clouds.
func mergeClouds(
	target, source pointcloud.PointCloud,
	tf spatialmath.Transform,
	voxelSize float64,
) (merged, down pointcloud.PointCloud, err error) {
	moved := pointcloud.ApplyTransform(source, tf)
	merged = pointcloud.Concatenate(target, moved)
	down, err = pointcloud.VoxelDownsample(merged, voxelSize)
	if err != nil {
		return nil, nil, err
	}
	return merged, down, nil
}

// adopt persists a new target, journals it, publishes a copy and makes it current.
func (c *Controller) adopt(
	target pointcloud.PointCloud,
	capturePath string,
	result *registration.Result,
	sourcePoints, mergedPoints int,
	start time.Time,
) error {
	c.mu.Lock()
	path, seq := c.session.NextMergePath()
	c.mu.Unlock()
	if err := pointcloud.WriteToFile(target, path); err != nil {
		return errors.Wrap(err, "persisting target")
	}

	entry := JournalEntry{
		Seq:          seq,
		Created:      c.clock.Now(),
		Strategy:     "bootstrap",
		Fitness:      1,
		SourcePoints: sourcePoints,
		MergedPoints: mergedPoints,
		Points:       target.Size(),
		CaptureFile:  capturePath,
		MergedFile:   path,
		Duration:     c.clock.Since(start),
	}
	tf := spatialmath.NewIdentityTransform()
	if result != nil {
		entry.Strategy = string(result.Strategy)
		entry.Fitness = result.Fitness
		entry.InlierRMSE = result.InlierRMSE
		tf = result.Transform
	}
	tfJSON, err := json.Marshal(tf)
	if err != nil {
		return err
	}
	entry.TransformJSON = string(tfJSON)
	if err := c.journal.Record(entry); err != nil {
		c.logger.Warnw("journal write failed", "error", err)
	}

	c.mu.Lock()
	c.target = target
	c.cycles++
	c.mu.Unlock()
	if c.publisher != nil {
		c.publisher.Publish(pointcloud.Clone(target), result)
	}
	return nil
}

// failureTracker counts consecutive transient failures.
type failureTracker struct {
	count int
	last  string
}

func (f *failureTracker) reset() {
	f.count = 0
	f.last = ""
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, pointcloud.ErrEmptyCloud):
		return "empty cloud"
	case errors.Is(err, registration.ErrRegistrationFailure):
		return "registration failure"
	default:
		return "error"
	}
}

// noteFailure logs a skipped cycle. The same failure on consecutive cycles becomes a warning
// for the user.
func (c *Controller) noteFailure(err error) {
	kind := failureKind(err)
	c.mu.Lock()
	if kind == c.failures.last {
		c.failures.count++
	} else {
		c.failures.count = 1
		c.failures.last = kind
	}
	count := c.failures.count
	c.mu.Unlock()

	c.logger.Warnw("cycle skipped, target unchanged", "reason", kind, "error", err, "consecutive", count)
	if count >= 2 {
		c.report(SeverityWarning, "Registration keeps failing", err.Error())
	}
}
