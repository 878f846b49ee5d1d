package main

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/scanfusion/services/scanner"
)

func TestParseCommandLine(t *testing.T) {
	for _, tc := range []struct {
		line     string
		expected scanner.Command
		err      string
	}{
		{line: "capture", expected: scanner.Command{Kind: scanner.CommandCapture}},
		{line: "  toggle_auto ", expected: scanner.Command{Kind: scanner.CommandToggleAuto}},
		{line: "set_voxel_size 0.05", expected: scanner.Command{Kind: scanner.CommandSetVoxelSize, Value: 0.05}},
		{line: "set_depth_range 0.2 1.5", expected: scanner.Command{Kind: scanner.CommandSetDepthRange, Min: 0.2, Max: 1.5}},
		{line: "set_spatial_clip_x -1 1", expected: scanner.Command{Kind: scanner.CommandSetSpatialClipX, Min: -1, Max: 1}},
		{line: "select_strategy colored", expected: scanner.Command{Kind: scanner.CommandSelectStrategy, Name: "colored"}},
		{
			line:     "start_pipeline",
			expected: scanner.Command{Kind: scanner.CommandStartPipeline, Source: scanner.PipelineSource{UseCamera: true}},
		},
		{
			line:     "start_pipeline /tmp/rec",
			expected: scanner.Command{Kind: scanner.CommandStartPipeline, Source: scanner.PipelineSource{Path: "/tmp/rec"}},
		},
		{line: "", err: "empty command"},
		{line: "explode", err: "unknown command"},
		{line: "set_voxel_size", err: "takes 1 numeric"},
		{line: "set_depth_range 1 x", err: "argument 2"},
		{line: "select_strategy", err: "strategy name"},
		{line: "capture now", err: "takes no arguments"},
		{line: "start_pipeline a b", err: "at most"},
	} {
		t.Run(tc.line, func(t *testing.T) {
			cmd, err := parseCommandLine(tc.line)
			if tc.err != "" {
				test.That(t, err, test.ShouldNotBeNil)
				test.That(t, err.Error(), test.ShouldContainSubstring, tc.err)
				return
			}
			test.That(t, err, test.ShouldBeNil)
			test.That(t, cmd, test.ShouldResemble, tc.expected)
		})
	}
}
