package rimage

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// Colorize renders the depth map with a hue ramp from red (near) to blue (far) between the
// closest and farthest readings. Missing readings are black.
func (dm *DepthMap) Colorize() *image.NRGBA {
	img := image.NewNRGBA(dm.Bounds())
	minD, maxD := dm.MinMax()
	span := float64(maxD - minD)
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			d := dm.GetDepth(x, y)
			if d == 0 {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
				continue
			}
			ratio := 0.0
			if span > 0 {
				ratio = float64(d-minD) / span
			}
			r, g, b := colorful.Hsv(240*ratio, 1, 1).Clamped().RGB255()
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	return img
}
