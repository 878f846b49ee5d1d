package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
)

const (
	tickPeriod     = 10 * time.Millisecond
	livenessPeriod = time.Second
)

// RunFromEnv runs the child side with the config found in ConfigEnv, on this process's stdin
// and stdout.
func RunFromEnv(ctx context.Context, logger logging.Logger) error {
	raw := os.Getenv(ConfigEnv)
	if raw == "" {
		return errors.Errorf("%s is not set; capture-worker is started by the controller", ConfigEnv)
	}
	var conf Config
	if err := json.Unmarshal([]byte(raw), &conf); err != nil {
		return errors.Wrapf(err, "decoding %s", ConfigEnv)
	}
	return RunChild(ctx, conf, os.Stdin, os.Stdout, logger)
}

// RunChild builds the engine, reports START or ERROR, then serves parameter and save messages
// until STOP, end of input, loss of the parent process or a device error.
func RunChild(ctx context.Context, conf Config, in io.Reader, out io.Writer, logger logging.Logger) error {
	w := newMessageWriter(out)
	fail := func(err error) error {
		if sendErr := w.send(Message{Kind: KindError, Detail: err.Error()}); sendErr != nil {
			logger.Warnw("could not report error to controller", "error", sendErr)
		}
		return err
	}

	source, err := camera.NewSource(ctx, conf.Source, logger)
	if err != nil {
		return fail(err)
	}
	engine, err := capture.NewEngine(source, conf.Capture, logger)
	if err != nil {
		if closeErr := source.Close(ctx); closeErr != nil {
			logger.Warnw("failed to close source", "error", closeErr)
		}
		return fail(err)
	}
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			logger.Warnw("failed to close capture engine", "error", err)
		}
	}()

	engine.Start()
	startCtx := ctx
	if conf.StartupTimeout > 0 {
		var cancel func()
		startCtx, cancel = context.WithTimeout(ctx, conf.StartupTimeout)
		defer cancel()
	}
	if err := engine.WaitForFirstCloud(startCtx); err != nil {
		return fail(errors.Wrap(err, "waiting for first cloud"))
	}
	if err := w.send(Message{Kind: KindStart}); err != nil {
		return err
	}
	logger.Infow("capture worker started", "model", conf.Source.Model)

	msgs := make(chan Message, 64)
	inputDone := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	// the reader blocks on input and exits with it
	goutils.PanicCapturingGo(func() {
		defer close(inputDone)
		err := readMessages(in, func(m Message) {
			select {
			case msgs <- m:
			case <-done:
			}
		})
		if err != nil {
			select {
			case <-done:
			default:
				logger.Warnw("bad message from controller", "error", err)
			}
		}
	})

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	liveness := time.NewTicker(livenessPeriod)
	defer liveness.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-engine.Failed():
			return fail(engine.Err())
		case <-liveness.C:
			if conf.ParentPID > 0 && !parentAlive(ctx, conf.ParentPID) {
				logger.Warnw("controller process is gone, exiting", "parent_pid", conf.ParentPID)
				return nil
			}
			continue
		case <-ticker.C:
		}

		stop, err := drain(msgs, engine, w, logger)
		if err != nil {
			return err
		}
		if stop {
			logger.Info("capture worker stopping")
			return nil
		}
		select {
		case <-inputDone:
			if len(msgs) == 0 {
				logger.Info("controller closed the channel, exiting")
				return nil
			}
		default:
		}
	}
}

// drain handles every queued message without blocking. It reports whether STOP was seen.
func drain(msgs <-chan Message, engine *capture.Engine, w *messageWriter, logger logging.Logger) (bool, error) {
	for {
		var m Message
		select {
		case m = <-msgs:
		default:
			return false, nil
		}
		switch m.Kind {
		case KindStop:
			return true, nil
		case KindSave:
			ack := Message{Kind: KindSaved, Filename: m.Filename}
			n, err := engine.SaveTo(m.Filename)
			if err != nil {
				ack.Detail = err.Error()
			}
			ack.Points = n
			if err := w.send(ack); err != nil {
				return false, err
			}
		default:
			cmd, ok := m.Command()
			if !ok {
				logger.Warnw("ignoring unknown message", "kind", m.Kind)
				continue
			}
			if err := engine.Apply(cmd); err != nil {
				logger.Warnw("failed to apply command", "command", m.Kind, "error", err)
			}
		}
	}
}

func parentAlive(ctx context.Context, pid int) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return true
	}
	return exists
}
