// Package main is the scanfusion command: it runs scanning sessions, registers clouds offline,
// records camera sequences and hosts the capture worker process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	// registers the camera models.
	_ "go.viam.com/scanfusion/components/camera/fake"
	_ "go.viam.com/scanfusion/components/camera/replay"
	"go.viam.com/scanfusion/logging"
)

const (
	// Flags.
	flagConfig    = "config"
	flagDebug     = "debug"
	flagRecording = "recording"
	flagSource    = "source"
	flagTarget    = "target"
	flagVoxelSize = "voxel-size"
	flagStrategy  = "strategy"
	flagOutput    = "output"
	flagFrames    = "frames"
	flagDir       = "dir"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:            "scanfusion",
		Usage:           "capture and incrementally register point clouds",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a scanning session, reading commands from stdin",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagRecording,
						Usage: "play back the recording in `DIR` instead of using the camera",
					},
				},
				Action: RunAction,
			},
			{
				Name:      "register",
				Usage:     "register one point cloud file onto another",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSource, Required: true, Usage: "cloud to move, .pcd or .las"},
					&cli.StringFlag{Name: flagTarget, Required: true, Usage: "cloud to align onto, .pcd or .las"},
					&cli.Float64Flag{Name: flagVoxelSize, Value: 0.02, Usage: "voxel size in meters"},
					&cli.StringFlag{Name: flagStrategy, Value: "ransac", Usage: "registration strategy"},
					&cli.StringFlag{Name: flagOutput, Usage: "write the downsampled merge to `FILE`"},
				},
				Action: RegisterAction,
			},
			{
				Name:  "record",
				Usage: "record frames from the configured camera into a replay directory",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDir, Required: true, Usage: "recording `DIR`"},
					&cli.IntFlag{Name: flagFrames, Value: 30, Usage: "number of frames to record"},
				},
				Action: RecordAction,
			},
			{
				Name:   "capture-worker",
				Usage:  "run the capture worker; started by run when isolating live cameras",
				Hidden: true,
				Action: CaptureWorkerAction,
			},
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context, name string) logging.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger(name)
	}
	return logging.NewLogger(name)
}
