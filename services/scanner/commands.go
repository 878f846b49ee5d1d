package scanner

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// CommandKind enumerates the control surface.
type CommandKind int

// The controller commands.
const (
	CommandStartPipeline CommandKind = iota + 1
	CommandStopPipeline
	CommandStartRegistration
	CommandStopRegistration
	CommandCapture
	CommandToggleAuto
	CommandSetVoxelSize
	CommandSetDepthRange
	CommandSetSpatialClipX
	CommandSelectStrategy
	CommandStartPreview
	CommandStopPreview
	CommandStartRecording
	CommandStopRecording
	CommandResetTarget
)

var commandNames = map[CommandKind]string{
	CommandStartPipeline:     "start_pipeline",
	CommandStopPipeline:      "stop_pipeline",
	CommandStartRegistration: "start_registration",
	CommandStopRegistration:  "stop_registration",
	CommandCapture:           "capture",
	CommandToggleAuto:        "toggle_auto",
	CommandSetVoxelSize:      "set_voxel_size",
	CommandSetDepthRange:     "set_depth_range",
	CommandSetSpatialClipX:   "set_spatial_clip_x",
	CommandSelectStrategy:    "select_strategy",
	CommandStartPreview:      "start_preview",
	CommandStopPreview:       "stop_preview",
	CommandStartRecording:    "start_recording",
	CommandStopRecording:     "stop_recording",
	CommandResetTarget:       "reset_target",
}

var commandsByName = lo.Invert(commandNames)

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseCommandKind returns the command with the given name.
func ParseCommandKind(name string) (CommandKind, error) {
	kind, ok := commandsByName[name]
	if !ok {
		return 0, errors.Errorf("unknown command %q", name)
	}
	return kind, nil
}

// Command is one control request. Min and Max carry ranges, Value the voxel size, Name the
// strategy and Source the pipeline input.
type Command struct {
	Kind   CommandKind
	Value  float64
	Min    float64
	Max    float64
	Name   string
	Source PipelineSource
}

// Reply carries what a command produced: a file or directory path, or the new auto mode.
type Reply struct {
	Path string
	Auto bool
}

type commandHandler func(ctx context.Context, c *Controller, cmd Command) (Reply, error)

var commandTable = map[CommandKind]commandHandler{
	CommandStartPipeline: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StartPipeline(ctx, cmd.Source)
	},
	CommandStopPipeline: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StopPipeline(ctx)
	},
	CommandStartRegistration: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StartRegistration(ctx)
	},
	CommandStopRegistration: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StopRegistration(ctx)
	},
	CommandCapture: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		path, err := c.Capture(ctx)
		return Reply{Path: path}, err
	},
	CommandToggleAuto: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{Auto: c.ToggleAutoRegistration()}, nil
	},
	CommandSetVoxelSize: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.SetVoxelSize(cmd.Value)
	},
	CommandSetDepthRange: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.SetDepthRange(ctx, cmd.Min, cmd.Max)
	},
	CommandSetSpatialClipX: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.SetSpatialClipX(ctx, cmd.Min, cmd.Max)
	},
	CommandSelectStrategy: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.SelectStrategy(cmd.Name)
	},
	CommandStartPreview: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StartPreview(ctx)
	},
	CommandStopPreview: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StopPreview(ctx)
	},
	CommandStartRecording: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		path, err := c.StartRecording(ctx)
		return Reply{Path: path}, err
	},
	CommandStopRecording: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.StopRecording(ctx)
	},
	CommandResetTarget: func(ctx context.Context, c *Controller, cmd Command) (Reply, error) {
		return Reply{}, c.ResetTarget()
	},
}

// Dispatch runs a command through the command table.
func (c *Controller) Dispatch(ctx context.Context, cmd Command) (Reply, error) {
	handler, ok := commandTable[cmd.Kind]
	if !ok {
		return Reply{}, errors.Errorf("unknown command %d", cmd.Kind)
	}
	return handler(ctx, c, cmd)
}
