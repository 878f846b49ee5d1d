package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/utils"
)

// stopGrace is how long a worker gets to exit after STOP before it is killed.
const stopGrace = 5 * time.Second

// ProcessClient is a capture.Client backed by a worker process.
type ProcessClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *messageWriter
	logger logging.Logger

	startup chan Message
	acks    chan Message
	exited  chan struct{}
	workers utils.StoppableWorkers

	saveMu sync.Mutex

	mu        sync.Mutex
	closing   bool
	closed    bool
	err       error
	failed    chan struct{}
	failOnce  sync.Once
	startSeen bool
}

var _ capture.Client = (*ProcessClient)(nil)

// Spawn starts command as a capture worker and waits for its START or ERROR. An ERROR is
// returned as a device error. If ctx ends first the process is killed and ctx's error returned.
func Spawn(ctx context.Context, command []string, conf Config, logger logging.Logger) (*ProcessClient, error) {
	if len(command) == 0 {
		return nil, errors.New("no capture worker command configured")
	}
	conf.ParentPID = os.Getpid()
	rawConf, err := json.Marshal(conf)
	if err != nil {
		return nil, errors.Wrap(err, "encoding worker config")
	}

	//nolint:gosec
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), ConfigEnv+"="+string(rawConf))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting capture worker %q", command[0])
	}
	logger.Infow("capture worker spawned", "pid", cmd.Process.Pid, "model", conf.Source.Model)

	pc := &ProcessClient{
		cmd:     cmd,
		stdin:   stdin,
		writer:  newMessageWriter(stdin),
		logger:  logger,
		startup: make(chan Message, 1),
		acks:    make(chan Message, 16),
		exited:  make(chan struct{}),
		failed:  make(chan struct{}),
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	pc.workers = utils.NewStoppableWorkers(
		func(context.Context) {
			defer pipes.Done()
			pc.forwardLogs(stderr)
		},
		func(context.Context) {
			defer pipes.Done()
			if err := readMessages(stdout, pc.handle); err != nil {
				pc.logger.Warnw("bad message from capture worker", "error", err)
			}
		},
		func(context.Context) {
			pipes.Wait()
			waitErr := cmd.Wait()
			close(pc.exited)
			pc.fail(errors.Wrapf(ErrProcessLost, "worker exited: %v", waitErr))
		},
	)

	select {
	case m := <-pc.startup:
		if m.Kind == KindStart {
			return pc, nil
		}
		pc.kill()
		return nil, camera.NewDeviceError(errors.New(m.Detail), "capture worker failed to start")
	case <-pc.failed:
		err := pc.Err()
		pc.kill()
		return nil, err
	case <-ctx.Done():
		pc.kill()
		return nil, ctx.Err()
	}
}

func (pc *ProcessClient) forwardLogs(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		pc.logger.Info(scanner.Text())
	}
}

func (pc *ProcessClient) handle(m Message) {
	pc.mu.Lock()
	first := !pc.startSeen
	pc.startSeen = true
	pc.mu.Unlock()
	if first && (m.Kind == KindStart || m.Kind == KindError) {
		pc.startup <- m
		return
	}
	switch m.Kind {
	case KindSaved:
		select {
		case pc.acks <- m:
		default:
			pc.logger.Warnw("dropping save acknowledgement nobody waits for", "filename", m.Filename)
		}
	case KindError:
		pc.fail(camera.NewDeviceError(errors.New(m.Detail), "capture worker"))
	default:
		pc.logger.Warnw("unexpected message from capture worker", "kind", m.Kind)
	}
}

// fail records the first fatal error unless the client is being closed on purpose.
func (pc *ProcessClient) fail(err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closing {
		return
	}
	pc.failOnce.Do(func() {
		pc.err = err
		close(pc.failed)
	})
}

// Failed is closed when the worker reports a device error or goes away.
func (pc *ProcessClient) Failed() <-chan struct{} {
	return pc.failed
}

// Err returns why the worker failed.
func (pc *ProcessClient) Err() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.err
}

func (pc *ProcessClient) send(m Message) error {
	if err := pc.writer.send(m); err != nil {
		return errors.Wrapf(ErrProcessLost, "sending %s: %v", m.Kind, err)
	}
	return nil
}

// Apply forwards a command. The worker applies it on its next tick.
func (pc *ProcessClient) Apply(ctx context.Context, cmd capture.Command) error {
	return pc.send(CommandMessage(cmd))
}

// Save asks the worker to write its latest cloud to path and waits for the acknowledgement.
func (pc *ProcessClient) Save(ctx context.Context, path string) (int, error) {
	pc.saveMu.Lock()
	defer pc.saveMu.Unlock()

	if err := pc.send(Message{Kind: KindSave, Filename: path}); err != nil {
		return 0, err
	}
	for {
		select {
		case m := <-pc.acks:
			if m.Filename != path {
				pc.logger.Debugw("dropping stale save acknowledgement", "filename", m.Filename)
				continue
			}
			if err := saveError(m); err != nil {
				return 0, err
			}
			return m.Points, nil
		case <-pc.failed:
			return 0, pc.Err()
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close sends STOP and waits for the worker to exit, killing it if it does not in time.
func (pc *ProcessClient) Close(ctx context.Context) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.closing = true
	pc.mu.Unlock()

	if sendErr := pc.writer.send(Message{Kind: KindStop}); sendErr != nil {
		pc.logger.Debugw("worker already gone", "error", sendErr)
	}
	err := pc.stdin.Close()
	select {
	case <-pc.exited:
	case <-ctx.Done():
		pc.kill()
	case <-time.After(stopGrace):
		pc.logger.Warn("capture worker did not stop in time, killing it")
		pc.kill()
	}
	pc.workers.Stop()
	return ignoreClosed(err)
}

// kill ends the process and waits for the pipe readers.
func (pc *ProcessClient) kill() {
	pc.mu.Lock()
	pc.closing = true
	pc.closed = true
	pc.mu.Unlock()
	if err := pc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		pc.logger.Debugw("killing capture worker", "error", err)
	}
	<-pc.exited
	pc.workers.Stop()
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
