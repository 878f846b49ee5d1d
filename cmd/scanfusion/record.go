package main

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/scanfusion/components/camera"
)

// RecordAction records frames from the configured camera into a replay directory.
func RecordAction(c *cli.Context) (err error) {
	logger := newLogger(c, "record")
	conf, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	src, err := camera.NewSource(c.Context, conf.Camera, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, src.Close(c.Context))
	}()
	rec, ok := src.(camera.Recorder)
	if !ok {
		return errors.Errorf("camera model %q cannot record", conf.Camera.Model)
	}

	dir := c.String(flagDir)
	if err := rec.StartRecording(dir); err != nil {
		return err
	}
	frames := c.Int(flagFrames)
	for i := 0; i < frames; i++ {
		if _, err := src.NextFrame(c.Context); err != nil {
			return multierr.Combine(err, rec.StopRecording())
		}
	}
	if err := rec.StopRecording(); err != nil {
		return err
	}
	logger.Infow("recording written", "dir", dir, "frames", frames)
	return nil
}
