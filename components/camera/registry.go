package camera

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/utils"
)

// SourceConfig selects a registered model and carries its attributes.
type SourceConfig struct {
	Model      string           `json:"model"`
	Attributes utils.Attributes `json:"attributes,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *SourceConfig) Validate(path string) error {
	if conf.Model == "" {
		return errors.Errorf("%s: \"model\" is required", path)
	}
	if _, ok := lookupRegistration(conf.Model); !ok {
		return errors.Errorf("%s: unknown camera model %q", path, conf.Model)
	}
	return nil
}

// Constructor builds a FrameSource from its config.
type Constructor func(ctx context.Context, conf SourceConfig, logger logging.Logger) (FrameSource, error)

// Registration is the construction info of a camera model.
type Registration struct {
	Constructor Constructor
	// Live models are run in a separate process when isolation is enabled.
	Live bool
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// RegisterSource registers a camera model. Registering a model twice or a nil constructor panics.
func RegisterSource(model string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, old := registry[model]; old {
		panic(errors.Errorf("trying to register two camera models with the same name: %q", model))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for camera model: %q", model))
	}
	registry[model] = reg
}

func lookupRegistration(model string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[model]
	return reg, ok
}

// IsLive reports whether the model drives a live device.
func IsLive(model string) bool {
	reg, ok := lookupRegistration(model)
	return ok && reg.Live
}

// RegisteredModels returns the registered model names, sorted.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := lo.Keys(registry)
	sort.Strings(models)
	return models
}

// NewSource constructs the configured model.
func NewSource(ctx context.Context, conf SourceConfig, logger logging.Logger) (FrameSource, error) {
	reg, ok := lookupRegistration(conf.Model)
	if !ok {
		return nil, errors.Errorf("unknown camera model %q", conf.Model)
	}
	src, err := reg.Constructor(ctx, conf, logger.Sublogger(conf.Model))
	if err != nil {
		return nil, err
	}
	return src, nil
}
