package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/capture/worker"
	"go.viam.com/scanfusion/config"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/pointcloud/registration"
	"go.viam.com/scanfusion/services/scanner"
)

// loadConfig reads the --config file, or returns defaults without one.
func loadConfig(c *cli.Context, logger logging.Logger) (*config.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		return config.Default(), nil
	}
	conf, err := config.Read(c.Context, path, logger)
	if err != nil {
		return nil, err
	}
	if conf.LogLevel != "" && !c.Bool(flagDebug) {
		level, err := logging.LevelFromString(conf.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	return conf, nil
}

type logPublisher struct {
	logger logging.Logger
}

func (p logPublisher) Publish(target pointcloud.PointCloud, result *registration.Result) {
	if result == nil {
		p.logger.Infow("new target", "points", target.Size())
		return
	}
	p.logger.Infow("new target", "points", target.Size(), "strategy", result.Strategy,
		"fitness", result.Fitness, "inlier_rmse", result.InlierRMSE)
}

// RunAction starts the pipeline and registration, then serves commands read from stdin, one
// per line, until interrupted.
func RunAction(c *cli.Context) error {
	ctx := c.Context
	logger := newLogger(c, "scanfusion")
	conf, err := loadConfig(c, logger)
	if err != nil {
		return err
	}

	controller, err := scanner.New(conf, scanner.Deps{Publisher: logPublisher{logger.Sublogger("publish")}}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := controller.Close(context.Background()); err != nil {
			logger.Warnw("error closing controller", "error", err)
		}
	}()

	if path := c.String(flagConfig); path != "" {
		watcher, err := config.NewWatcher(path, logger, func(newConf *config.Config) {
			if err := controller.ApplyTunables(ctx, newConf); err != nil {
				logger.Warnw("config change not applied", "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer goutils.UncheckedErrorFunc(watcher.Close)
	}

	src := scanner.PipelineSource{UseCamera: true}
	if rec := c.String(flagRecording); rec != "" {
		src = scanner.PipelineSource{Path: rec}
	}
	if err := controller.StartPipeline(ctx, src); err != nil {
		return err
	}
	if err := controller.StartRegistration(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	goutils.PanicCapturingGo(func() {
		defer close(lines)
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			select {
			case lines <- in.Text():
			case <-ctx.Done():
				return
			}
		}
	})
	out := c.App.Writer
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep scanning until interrupted
				lines = nil
				continue
			}
			serveLine(ctx, controller, line, out)
		}
	}
}

func serveLine(ctx context.Context, controller *scanner.Controller, line string, out io.Writer) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if line == "status" {
		s := controller.Status()
		fmt.Fprintf(out, "state=%s auto=%t strategy=%s voxel=%g target=%d cycles=%d message=%q\n",
			s.State, s.Auto, s.Strategy, s.VoxelSize, s.TargetSize, s.Cycles, s.Message.Title)
		return
	}
	cmd, err := parseCommandLine(line)
	if err != nil {
		fmt.Fprintln(out, "error:", err)
		return
	}
	reply, err := controller.Dispatch(ctx, cmd)
	switch {
	case err != nil:
		fmt.Fprintln(out, "error:", err)
	case reply.Path != "":
		fmt.Fprintln(out, "ok", reply.Path)
	case cmd.Kind == scanner.CommandToggleAuto:
		fmt.Fprintln(out, "ok auto", reply.Auto)
	default:
		fmt.Fprintln(out, "ok")
	}
}

// parseCommandLine turns "name arg..." into a controller command. start_pipeline takes an
// optional recording directory; without one it uses the camera.
func parseCommandLine(line string) (scanner.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return scanner.Command{}, errors.New("empty command")
	}
	kind, err := scanner.ParseCommandKind(fields[0])
	if err != nil {
		return scanner.Command{}, err
	}
	args := fields[1:]
	cmd := scanner.Command{Kind: kind}
	floats := func(n int) ([]float64, error) {
		if len(args) != n {
			return nil, errors.Errorf("%s takes %d numeric arguments", fields[0], n)
		}
		vals := make([]float64, n)
		for i, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s argument %d", fields[0], i+1)
			}
			vals[i] = v
		}
		return vals, nil
	}

	switch kind {
	case scanner.CommandSetVoxelSize:
		vals, err := floats(1)
		if err != nil {
			return scanner.Command{}, err
		}
		cmd.Value = vals[0]
	case scanner.CommandSetDepthRange, scanner.CommandSetSpatialClipX:
		vals, err := floats(2)
		if err != nil {
			return scanner.Command{}, err
		}
		cmd.Min, cmd.Max = vals[0], vals[1]
	case scanner.CommandSelectStrategy:
		if len(args) != 1 {
			return scanner.Command{}, errors.Errorf("%s takes a strategy name", fields[0])
		}
		cmd.Name = args[0]
	case scanner.CommandStartPipeline:
		switch len(args) {
		case 0:
			cmd.Source = scanner.PipelineSource{UseCamera: true}
		case 1:
			cmd.Source = scanner.PipelineSource{Path: args[0]}
		default:
			return scanner.Command{}, errors.Errorf("%s takes at most a recording directory", fields[0])
		}
	default:
		if len(args) != 0 {
			return scanner.Command{}, errors.Errorf("%s takes no arguments", fields[0])
		}
	}
	return cmd, nil
}

// CaptureWorkerAction runs the capture worker side of the process boundary. Its stdout carries
// protocol messages, so it logs to stderr.
func CaptureWorkerAction(c *cli.Context) error {
	logger := logging.NewStderrLogger("capture-worker")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	return worker.RunFromEnv(c.Context, logger)
}
