package camera

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// StreamConfig is the optional per device stream configuration file.
type StreamConfig struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format,omitempty"`
	FPS    int    `json:"fps"`
}

// Validate ensures all parts of the config are valid.
func (sc *StreamConfig) Validate(path string) error {
	if sc.Width < 0 || sc.Height < 0 {
		return errors.Errorf("%s: stream size must not be negative", path)
	}
	if sc.FPS < 0 {
		return errors.Errorf("%s: fps must not be negative", path)
	}
	return nil
}

// ApplyTo overrides the non zero stream settings onto the model defaults.
func (sc *StreamConfig) ApplyTo(width, height, fps *int) {
	if sc == nil {
		return
	}
	if sc.Width > 0 {
		*width = sc.Width
	}
	if sc.Height > 0 {
		*height = sc.Height
	}
	if sc.FPS > 0 {
		*fps = sc.FPS
	}
}

// LoadStreamConfig reads a stream config. An empty path or a missing file yields nil so the
// model defaults apply.
func LoadStreamConfig(path string) (*StreamConfig, error) {
	if path == "" {
		return nil, nil
	}
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening stream config %q", path)
	}
	defer utils.UncheckedErrorFunc(f.Close)
	var sc StreamConfig
	if err := json.NewDecoder(f).Decode(&sc); err != nil {
		return nil, errors.Wrapf(err, "parsing stream config %q", path)
	}
	if err := sc.Validate(path); err != nil {
		return nil, err
	}
	return &sc, nil
}
