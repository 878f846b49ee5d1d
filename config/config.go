// Package config defines the scanfusion configuration file and how it is read and watched.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud/registration"
	"go.viam.com/scanfusion/utils"
)

// Config is the whole scanfusion configuration.
type Config struct {
	ConfigFilePath string `json:"-"`

	Session      SessionConfig       `json:"session"`
	Camera       camera.SourceConfig `json:"camera"`
	Capture      capture.Config      `json:"capture"`
	Worker       WorkerConfig        `json:"worker"`
	Registration RegistrationConfig  `json:"registration"`
	LogLevel     string              `json:"log_level,omitempty"`
}

// SessionConfig says where captures, merges and the journal go.
type SessionConfig struct {
	Root string `json:"root"`
	// Name picks a session directory under Root. Empty creates a new one.
	Name string `json:"name,omitempty"`
	// Resume reloads the last merged target of the session from its journal.
	Resume bool `json:"resume,omitempty"`
}

// WorkerConfig controls process isolation of live cameras.
type WorkerConfig struct {
	Isolate bool `json:"isolate"`
	// Command starts a capture worker. Empty runs this executable's capture-worker command.
	Command        []string      `json:"command,omitempty"`
	StartupTimeout time.Duration `json:"startup_timeout,omitempty"`
}

// RegistrationConfig holds the initial registration tunables.
type RegistrationConfig struct {
	VoxelSize float64             `json:"voxel_size"`
	Strategy  string              `json:"strategy"`
	Auto      bool                `json:"auto"`
	Params    registration.Params `json:"params"`
}

// Default returns a config that scans the fake camera into ./scans.
func Default() *Config {
	return &Config{
		Session: SessionConfig{Root: "scans"},
		Camera:  camera.SourceConfig{Model: "fake"},
		Capture: capture.DefaultConfig(),
		Worker: WorkerConfig{
			Isolate:        true,
			StartupTimeout: 10 * time.Second,
		},
		Registration: RegistrationConfig{
			VoxelSize: 0.02,
			Strategy:  string(registration.StrategyRANSAC),
			Auto:      true,
			Params:    registration.DefaultParams(),
		},
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate() error {
	if conf.Session.Root == "" {
		return goutils.NewConfigValidationFieldRequiredError("session", "root")
	}
	if err := conf.Camera.Validate("camera"); err != nil {
		return err
	}
	if err := conf.Capture.Validate("capture"); err != nil {
		return err
	}
	if conf.Worker.StartupTimeout <= 0 {
		return errors.New("worker: startup_timeout must be positive")
	}
	if conf.Registration.VoxelSize <= 0 {
		return errors.Errorf("registration: voxel_size must be positive, got %v", conf.Registration.VoxelSize)
	}
	if _, err := registration.ParseStrategy(conf.Registration.Strategy); err != nil {
		return errors.Wrap(err, "registration")
	}
	if conf.LogLevel != "" {
		if _, err := logging.LevelFromString(conf.LogLevel); err != nil {
			return errors.Wrap(err, "log_level")
		}
	}
	return nil
}

// Read reads and validates a config file. Fields the file leaves out keep their defaults.
func Read(ctx context.Context, filePath string, logger logging.Logger) (*Config, error) {
	//nolint:gosec
	buf, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(ctx context.Context, originalPath string, r io.Reader, logger logging.Logger) (*Config, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode Config from json")
	}
	conf := Default()
	if err := utils.DecodeAttributesInto(raw, conf); err != nil {
		return nil, errors.Wrap(err, "failed to process Config")
	}
	conf.ConfigFilePath = originalPath
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	logger.Debugw("config read", "path", originalPath, "camera", conf.Camera.Model)
	return conf, nil
}
