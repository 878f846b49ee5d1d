package capture

import (
	"context"

	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
)

// A Client is how the controller talks to a capture engine, in this process or in a worker
// process.
type Client interface {
	// Save writes the latest cloud to path and returns its point count.
	Save(ctx context.Context, path string) (int, error)
	Apply(ctx context.Context, cmd Command) error
	// Failed is closed when capture stops on its own. Err tells why.
	Failed() <-chan struct{}
	Err() error
	Close(ctx context.Context) error
}

type localClient struct {
	engine *Engine
}

// NewLocalClient starts an engine on source in this process and waits for its first cloud.
// On failure the source is closed.
func NewLocalClient(
	ctx context.Context,
	source camera.FrameSource,
	conf Config,
	logger logging.Logger,
) (Client, error) {
	engine, err := NewEngine(source, conf, logger)
	if err != nil {
		return nil, err
	}
	engine.Start()
	if err := engine.WaitForFirstCloud(ctx); err != nil {
		if closeErr := engine.Close(context.Background()); closeErr != nil {
			logger.Warnw("failed to close source after failed start", "error", closeErr)
		}
		return nil, err
	}
	return &localClient{engine: engine}, nil
}

// Engine exposes the wrapped engine.
func (c *localClient) Engine() *Engine {
	return c.engine
}

func (c *localClient) Save(ctx context.Context, path string) (int, error) {
	return c.engine.SaveTo(path)
}

func (c *localClient) Apply(ctx context.Context, cmd Command) error {
	return c.engine.Apply(cmd)
}

func (c *localClient) Failed() <-chan struct{} {
	return c.engine.Failed()
}

func (c *localClient) Err() error {
	return c.engine.Err()
}

func (c *localClient) Close(ctx context.Context) error {
	return c.engine.Close(ctx)
}
