package main

import (
	"encoding/json"
	"time"

	"github.com/urfave/cli/v2"

	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/pointcloud/registration"
)

type registerOutput struct {
	Result     *registration.Result    `json:"result"`
	Evaluation registration.Evaluation `json:"evaluation"`
	Duration   string                  `json:"duration"`
	Output     string                  `json:"output,omitempty"`
}

// RegisterAction aligns --source onto --target and prints the result as JSON. With --output the
// merged, downsampled cloud is written too.
func RegisterAction(c *cli.Context) error {
	logger := newLogger(c, "register")
	conf, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	source, err := pointcloud.NewFromFile(c.String(flagSource), logger)
	if err != nil {
		return err
	}
	target, err := pointcloud.NewFromFile(c.String(flagTarget), logger)
	if err != nil {
		return err
	}
	strategy, err := registration.ParseStrategy(c.String(flagStrategy))
	if err != nil {
		return err
	}
	voxelSize := c.Float64(flagVoxelSize)
	params := conf.Registration.Params.WithDefaults()

	start := time.Now()
	result, err := registration.Register(c.Context, source, target, voxelSize, strategy, params)
	if err != nil {
		return err
	}
	out := registerOutput{Result: result, Duration: time.Since(start).String()}
	out.Evaluation, err = registration.Evaluate(source, target, result.Transform, params.ICPDistanceMultiplier*voxelSize)
	if err != nil {
		return err
	}

	if path := c.String(flagOutput); path != "" {
		merged := pointcloud.Concatenate(target, pointcloud.ApplyTransform(source, result.Transform))
		down, err := pointcloud.VoxelDownsample(merged, voxelSize)
		if err != nil {
			return err
		}
		if err := pointcloud.WriteToFile(down, path); err != nil {
			return err
		}
		out.Output = path
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
