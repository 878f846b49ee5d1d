package capture

import (
	"context"
	"image"
	"io"
	"time"

	"github.com/disintegration/imaging"

	"go.viam.com/scanfusion/utils"
)

// previewPeriod paces the preview at 10 Hz.
const previewPeriod = 100 * time.Millisecond

// A PreviewSink receives rendered preview images.
type PreviewSink interface {
	WritePreview(img image.Image) error
}

// JPEGFileSink keeps the latest preview in a JPEG file, replacing it atomically.
type JPEGFileSink struct {
	Path string
}

// WritePreview encodes img to the sink's path.
func (s *JPEGFileSink) WritePreview(img image.Image) error {
	return utils.WriteFileAtomic(s.Path, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(80))
	})
}

type previewer struct {
	workers   utils.StoppableWorkers
	lastFrame int
}

// SetPreviewSink replaces where previews go. A nil sink disables rendering.
func (e *Engine) SetPreviewSink(sink PreviewSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// ShowDepthPreview starts rendering the colorized depth beside the color image of the latest
// frame. It does not touch the capture loop and is a no-op when already showing.
func (e *Engine) ShowDepthPreview() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.preview != nil {
		return
	}
	p := &previewer{lastFrame: -1}
	p.workers = utils.NewStoppableWorkers(func(ctx context.Context) {
		ticker := time.NewTicker(previewPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			e.renderPreview(p)
		}
	})
	e.preview = p
}

// StopDepthPreview stops the preview worker. It is a no-op when not showing.
func (e *Engine) StopDepthPreview() {
	e.mu.Lock()
	p := e.preview
	e.preview = nil
	e.mu.Unlock()
	if p != nil {
		p.workers.Stop()
	}
}

// PreviewActive reports whether the preview worker runs.
func (e *Engine) PreviewActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preview != nil
}

func (e *Engine) renderPreview(p *previewer) {
	frame := e.LatestFrame()
	if frame == nil || !frame.Valid() || frame.Index == p.lastFrame {
		return
	}
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return
	}
	p.lastFrame = frame.Index
	if err := sink.WritePreview(composePreview(frame.Depth.Colorize(), frame.Color)); err != nil {
		e.logger.Warnw("failed to write depth preview", "error", err)
	}
}

// composePreview places the depth rendering left of the color image.
func composePreview(depth, color image.Image) *image.NRGBA {
	size := depth.Bounds().Size()
	out := imaging.New(2*size.X, size.Y, image.Black)
	out = imaging.Paste(out, depth, image.Pt(0, 0))
	return imaging.Paste(out, color, image.Pt(size.X, 0))
}
