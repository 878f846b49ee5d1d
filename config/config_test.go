package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"

	_ "go.viam.com/scanfusion/components/camera/fake"
	_ "go.viam.com/scanfusion/components/camera/replay"
	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/pointcloud/registration"
	"go.viam.com/scanfusion/utils"
)

const sampleConfig = `{
	"session": {"root": "/tmp/scans", "resume": true},
	"camera": {"model": "replay", "attributes": {"path": "/data/rec", "loop": true}},
	"capture": {"depth_min": 0.3, "depth_max": 1.2, "stride": 2},
	"worker": {"isolate": false, "startup_timeout": "3s"},
	"registration": {"voxel_size": 0.05, "strategy": "point_to_plane", "params": {"seed": 7, "icp_max_iterations": 50}},
	"log_level": "debug"
}`

func TestFromReader(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conf, err := FromReader(context.Background(), "scanfusion.json", strings.NewReader(sampleConfig), logger)
	test.That(t, err, test.ShouldBeNil)

	want := Default()
	want.ConfigFilePath = "scanfusion.json"
	want.Session = SessionConfig{Root: "/tmp/scans", Resume: true}
	want.Camera.Model = "replay"
	want.Camera.Attributes = utils.Attributes{"path": "/data/rec", "loop": true}
	want.Capture.DepthMin = 0.3
	want.Capture.DepthMax = 1.2
	want.Capture.Stride = 2
	want.Worker = WorkerConfig{StartupTimeout: 3 * time.Second}
	want.Registration.VoxelSize = 0.05
	want.Registration.Strategy = "point_to_plane"
	want.Registration.Params.Seed = 7
	want.Registration.Params.ICPMaxIterations = 50
	want.LogLevel = "debug"
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestFromReaderRejects(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, bad := range []string{
		`not json`,
		`{"registration": {"voxel_sise": 0.1}}`,
		`{"registration": {"voxel_size": -1}}`,
		`{"registration": {"strategy": "magic"}}`,
		`{"camera": {"model": "unknown"}}`,
		`{"capture": {"depth_min": 2, "depth_max": 1}}`,
		`{"session": {"root": ""}}`,
		`{"log_level": "loud"}`,
	} {
		_, err := FromReader(context.Background(), "", strings.NewReader(bad), logger)
		test.That(t, err, test.ShouldNotBeNil)
	}
}

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	test.That(t, conf.Validate(), test.ShouldBeNil)
	test.That(t, conf.Registration.Strategy, test.ShouldEqual, string(registration.StrategyRANSAC))
}

func TestRead(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "scanfusion.json")
	_, err := Read(context.Background(), path, logger)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(path, []byte(`{"registration": {"voxel_size": 0.03}}`), 0o600), test.ShouldBeNil)
	conf, err := Read(context.Background(), path, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Registration.VoxelSize, test.ShouldEqual, 0.03)
	test.That(t, conf.ConfigFilePath, test.ShouldEqual, path)
}

func TestWatcherReloads(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "scanfusion.json")
	test.That(t, os.WriteFile(path, []byte(`{"registration": {"voxel_size": 0.03}}`), 0o600), test.ShouldBeNil)

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, logger, func(conf *Config) { changes <- conf })
	test.That(t, err, test.ShouldBeNil)
	defer func() { test.That(t, w.Close(), test.ShouldBeNil) }()

	test.That(t, os.WriteFile(path, []byte(`{"registration": {"voxel_size": -3}}`), 0o600), test.ShouldBeNil)
	time.Sleep(2 * reloadDelay)
	test.That(t, os.WriteFile(path, []byte(`{"registration": {"voxel_size": 0.04}}`), 0o600), test.ShouldBeNil)
	select {
	case conf := <-changes:
		test.That(t, conf.Registration.VoxelSize, test.ShouldEqual, 0.04)
	case <-time.After(10 * time.Second):
		t.Fatal("config change was not noticed")
	}
}
