package scanner

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/config"
	"go.viam.com/scanfusion/pointcloud/registration"
)

// ToggleAutoRegistration flips between automatic and manual mode and returns the new mode.
// Switching to automatic releases a worker waiting for a manual capture.
func (c *Controller) ToggleAutoRegistration() bool {
	c.mu.Lock()
	c.auto = !c.auto
	auto := c.auto
	c.mu.Unlock()
	if auto {
		c.release()
	}
	c.logger.Infow("registration mode changed", "auto", auto)
	return auto
}

// SetVoxelSize changes the voxel size. It is rejected while a registration worker exists.
func (c *Controller) SetVoxelSize(v float64) error {
	if v <= 0 {
		return errors.Errorf("voxel size must be positive, got %v", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regWorkers != nil {
		return ErrRejectedWhileRegistering
	}
	c.voxelSize = v
	return nil
}

// SetDepthRange sets the depth filter in meters. It applies to the running pipeline at its next
// extraction and to later pipelines.
func (c *Controller) SetDepthRange(ctx context.Context, depthMin, depthMax float64) error {
	if depthMin < 0 || depthMax <= depthMin {
		return errors.Errorf("depth range [%v, %v] is empty", depthMin, depthMax)
	}
	return c.setBounds(ctx, func(b *capture.Config) {
		b.DepthMin, b.DepthMax = depthMin, depthMax
	}, capture.Command{Kind: capture.CommandSetDepthMin, Value: depthMin},
		capture.Command{Kind: capture.CommandSetDepthMax, Value: depthMax})
}

// SetSpatialClipX sets the X clip applied after the half turn about the optical axis.
func (c *Controller) SetSpatialClipX(ctx context.Context, xMin, xMax float64) error {
	if xMax < xMin {
		return errors.Errorf("x clip [%v, %v] is empty", xMin, xMax)
	}
	return c.setBounds(ctx, func(b *capture.Config) {
		b.XMin, b.XMax = xMin, xMax
	}, capture.Command{Kind: capture.CommandSetXMin, Value: xMin},
		capture.Command{Kind: capture.CommandSetXMax, Value: xMax})
}

func (c *Controller) setBounds(ctx context.Context, update func(*capture.Config), cmds ...capture.Command) error {
	c.mu.Lock()
	update(&c.bounds)
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	for _, cmd := range cmds {
		if err := client.Apply(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// SelectStrategy picks the strategy used from the next cycle on.
func (c *Controller) SelectStrategy(name string) error {
	strategy, err := registration.ParseStrategy(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.strategy = strategy
	c.mu.Unlock()
	c.logger.Infow("registration strategy selected", "strategy", strategy)
	return nil
}

// SetStrategyParams replaces the strategy tuning from the next cycle on. Unset fields get
// defaults.
func (c *Controller) SetStrategyParams(params registration.Params) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = params.WithDefaults()
}

// StrategyParams returns the current tuning.
func (c *Controller) StrategyParams() registration.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// ResetTarget drops the accumulated target so the next cycle bootstraps a new one.
func (c *Controller) ResetTarget() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regWorkers != nil {
		return ErrRejectedWhileRegistering
	}
	c.target = nil
	return nil
}

func (c *Controller) runningClient() (capture.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrPipelineNotRunning
	}
	return c.client, nil
}

// StartPreview turns on the depth preview, written to the session's preview.jpg.
func (c *Controller) StartPreview(ctx context.Context) error {
	client, err := c.runningClient()
	if err != nil {
		return err
	}
	if err := client.Apply(ctx, capture.Command{Kind: capture.CommandStartPreview}); err != nil {
		return err
	}
	c.mu.Lock()
	c.preview = true
	c.mu.Unlock()
	return nil
}

// StopPreview turns off the depth preview.
func (c *Controller) StopPreview(ctx context.Context) error {
	client, err := c.runningClient()
	if err != nil {
		return err
	}
	if err := client.Apply(ctx, capture.Command{Kind: capture.CommandStopPreview}); err != nil {
		return err
	}
	c.mu.Lock()
	c.preview = false
	c.mu.Unlock()
	return nil
}

// StartRecording starts recording a live camera into a new directory under the session and
// returns it. Recorded sequences are not recorded again.
func (c *Controller) StartRecording(ctx context.Context) (string, error) {
	client, err := c.runningClient()
	if err != nil {
		return "", err
	}
	path := c.session.NewRecordingPath()
	if err := client.Apply(ctx, capture.Command{Kind: capture.CommandStartRecording, Path: path}); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.recording = path
	c.mu.Unlock()
	return path, nil
}

// StopRecording stops recording.
func (c *Controller) StopRecording(ctx context.Context) error {
	client, err := c.runningClient()
	if err != nil {
		return err
	}
	if err := client.Apply(ctx, capture.Command{Kind: capture.CommandStopRecording}); err != nil {
		return err
	}
	c.mu.Lock()
	c.recording = ""
	c.mu.Unlock()
	return nil
}

// ApplyTunables applies the hot reloadable part of a changed config. The voxel size is skipped
// with a warning while registration is active.
func (c *Controller) ApplyTunables(ctx context.Context, conf *config.Config) error {
	if err := c.SetDepthRange(ctx, conf.Capture.DepthMin, conf.Capture.DepthMax); err != nil {
		return err
	}
	if err := c.SetSpatialClipX(ctx, conf.Capture.XMin, conf.Capture.XMax); err != nil {
		return err
	}
	if err := c.SelectStrategy(conf.Registration.Strategy); err != nil {
		return err
	}
	c.SetStrategyParams(conf.Registration.Params)
	if err := c.SetVoxelSize(conf.Registration.VoxelSize); err != nil {
		if !errors.Is(err, ErrRejectedWhileRegistering) {
			return err
		}
		c.logger.Warnw("voxel size change ignored while registering", "voxel_size", conf.Registration.VoxelSize)
	}
	return nil
}
