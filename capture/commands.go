package capture

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// CommandKind enumerates what can be changed on a running engine.
type CommandKind int

// The engine commands. Values are also the wire names used across the process boundary.
const (
	CommandSetDepthMax CommandKind = iota + 1
	CommandSetDepthMin
	CommandSetXMax
	CommandSetXMin
	CommandStartPreview
	CommandStopPreview
	CommandStartRecording
	CommandStopRecording
)

var commandNames = map[CommandKind]string{
	CommandSetDepthMax:    "SET_DEPTH_MAX",
	CommandSetDepthMin:    "SET_DEPTH_MIN",
	CommandSetXMax:        "SET_X_MAX",
	CommandSetXMin:        "SET_X_MIN",
	CommandStartPreview:   "START_CV",
	CommandStopPreview:    "STOP_CV",
	CommandStartRecording: "START_RECORDING",
	CommandStopRecording:  "STOP_RECORDING",
}

var commandsByName = lo.Invert(commandNames)

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCommandKind returns the command with the given wire name.
func ParseCommandKind(name string) (CommandKind, error) {
	kind, ok := commandsByName[name]
	if !ok {
		return 0, errors.Errorf("unknown capture command %q", name)
	}
	return kind, nil
}

// Command is one engine command. Value is used by the SET commands and Path by
// START_RECORDING.
type Command struct {
	Kind  CommandKind
	Value float64
	Path  string
}

var commandTable = map[CommandKind]func(e *Engine, cmd Command) error{
	CommandSetDepthMax: func(e *Engine, cmd Command) error { e.SetDepthMax(cmd.Value); return nil },
	CommandSetDepthMin: func(e *Engine, cmd Command) error { e.SetDepthMin(cmd.Value); return nil },
	CommandSetXMax:     func(e *Engine, cmd Command) error { e.SetXMax(cmd.Value); return nil },
	CommandSetXMin:     func(e *Engine, cmd Command) error { e.SetXMin(cmd.Value); return nil },
	CommandStartPreview: func(e *Engine, cmd Command) error {
		e.ShowDepthPreview()
		return nil
	},
	CommandStopPreview: func(e *Engine, cmd Command) error {
		e.StopDepthPreview()
		return nil
	},
	CommandStartRecording: func(e *Engine, cmd Command) error {
		if cmd.Path == "" {
			return errors.New("START_RECORDING needs a path")
		}
		return e.StartRecording(cmd.Path)
	},
	CommandStopRecording: func(e *Engine, cmd Command) error { return e.StopRecording() },
}

// Apply runs a command against the engine.
func (e *Engine) Apply(cmd Command) error {
	handler, ok := commandTable[cmd.Kind]
	if !ok {
		return errors.Errorf("unknown capture command %d", cmd.Kind)
	}
	return handler(e, cmd)
}
