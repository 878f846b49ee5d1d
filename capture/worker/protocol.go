// Package worker runs a capture engine in a child process and talks to it over newline
// delimited JSON on the child's stdin and stdout. The child logs to stderr.
package worker

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/scanfusion/capture"
	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/pointcloud"
)

// Control messages. Parameter messages use the capture command names.
const (
	KindStart = "START"
	KindError = "ERROR"
	KindSave  = "SAVE"
	KindSaved = "SAVED"
	KindStop  = "STOP"
)

// ConfigEnv carries the JSON encoded Config to the child.
const ConfigEnv = "SCANFUSION_WORKER_CONFIG"

// ErrProcessLost means the channel to the capture worker broke or the process exited.
var ErrProcessLost = errors.New("capture worker process lost")

// Message is one line of the protocol.
type Message struct {
	Kind     string  `json:"kind"`
	Value    float64 `json:"value,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Points   int     `json:"points,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// Config is what the child needs to build its engine.
type Config struct {
	Source         camera.SourceConfig `json:"source"`
	Capture        capture.Config      `json:"capture"`
	StartupTimeout time.Duration       `json:"startup_timeout"`
	ParentPID      int                 `json:"parent_pid"`
}

// CommandMessage encodes an engine command.
func CommandMessage(cmd capture.Command) Message {
	return Message{Kind: cmd.Kind.String(), Value: cmd.Value, Filename: cmd.Path}
}

// Command decodes an engine command. ok is false for control messages.
func (m Message) Command() (capture.Command, bool) {
	kind, err := capture.ParseCommandKind(m.Kind)
	if err != nil {
		return capture.Command{}, false
	}
	return capture.Command{Kind: kind, Value: m.Value, Path: m.Filename}, true
}

// saveError turns a SAVED acknowledgement back into an error.
func saveError(m Message) error {
	if m.Detail == "" {
		return nil
	}
	if strings.Contains(m.Detail, pointcloud.ErrEmptyCloud.Error()) {
		return errors.Wrap(pointcloud.ErrEmptyCloud, m.Detail)
	}
	return errors.New(m.Detail)
}

type messageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newMessageWriter(w io.Writer) *messageWriter {
	return &messageWriter{enc: json.NewEncoder(w)}
}

// send writes one message. json.Encoder terminates each value with a newline.
func (w *messageWriter) send(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(m)
}

// readMessages decodes messages until EOF or a decode error, which it returns.
func readMessages(r io.Reader, handle func(Message)) error {
	dec := json.NewDecoder(r)
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		handle(m)
	}
}
