package replay

import (
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"go.viam.com/scanfusion/components/camera"
	"go.viam.com/scanfusion/rimage/transform"
	"go.viam.com/scanfusion/utils"
)

// IntrinsicsFile is the name of the camera model file inside a recording.
const IntrinsicsFile = "intrinsics.json"

func depthFileName(index int) string {
	return fmt.Sprintf("frame_%06d_depth.png", index)
}

func colorFileName(index int) string {
	return fmt.Sprintf("frame_%06d_color.png", index)
}

// Writer writes frames as a recording that the replay model can play back.
type Writer struct {
	dir   string
	count int
}

// NewWriter creates the recording directory and writes the intrinsics file.
func NewWriter(dir string, intrinsics transform.PinholeCameraIntrinsics) (*Writer, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}
	if err := intrinsics.WriteJSONFile(filepath.Join(dir, IntrinsicsFile)); err != nil {
		return nil, errors.Wrap(err, "writing recording intrinsics")
	}
	return &Writer{dir: dir}, nil
}

// WriteFrame appends one frame to the recording. Depth is stored as 16 bit grayscale.
func (w *Writer) WriteFrame(frame camera.Frame) error {
	if !frame.Valid() {
		return errors.New("cannot record an invalid frame")
	}
	if err := imaging.Save(frame.Depth.ToGray16(), filepath.Join(w.dir, depthFileName(w.count))); err != nil {
		return errors.Wrap(err, "writing depth frame")
	}
	if err := imaging.Save(frame.Color, filepath.Join(w.dir, colorFileName(w.count))); err != nil {
		return errors.Wrap(err, "writing color frame")
	}
	w.count++
	return nil
}

// Count returns the number of frames written so far.
func (w *Writer) Count() int {
	return w.count
}

// Dir returns the recording directory.
func (w *Writer) Dir() string {
	return w.dir
}
