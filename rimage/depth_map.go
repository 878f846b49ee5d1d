// Package rimage holds the raster types produced by depth cameras.
package rimage

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
)

// Depth is the raw value of one depth pixel in sensor units. Zero means no reading.
type Depth uint16

// MaxDepth is the largest representable raw depth.
const MaxDepth = Depth(65535)

// DepthMap is a row major raster of raw depth values.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns a zeroed depth map.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{width: width, height: height, data: make([]Depth, width*height)}
}

// Width returns the width of the raster.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the height of the raster.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the image bounds of the raster.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// HasData is false for nil or zero sized maps.
func (dm *DepthMap) HasData() bool {
	return dm != nil && dm.width > 0 && dm.height > 0 && len(dm.data) == dm.width*dm.height
}

// GetDepth returns the depth at (x, y).
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[y*dm.width+x]
}

// Set sets the depth at (x, y).
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[y*dm.width+x] = val
}

// Clone returns an independent copy.
func (dm *DepthMap) Clone() *DepthMap {
	data := make([]Depth, len(dm.data))
	copy(data, dm.data)
	return &DepthMap{width: dm.width, height: dm.height, data: data}
}

// MinMax returns the smallest and largest non zero depth, or zeros when there is none.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	minD, maxD := MaxDepth, Depth(0)
	for _, d := range dm.data {
		if d == 0 {
			continue
		}
		minD = min(minD, d)
		maxD = max(maxD, d)
	}
	if maxD == 0 {
		return 0, 0
	}
	return minD, maxD
}

// ToGray16 converts the depth map to a 16 bit grayscale image, the format used for recordings.
func (dm *DepthMap) ToGray16() *image.Gray16 {
	img := image.NewGray16(dm.Bounds())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(dm.GetDepth(x, y))})
		}
	}
	return img
}

// ConvertImageToDepthMap reads depth from a 16 bit grayscale image. Other images are rejected
// since 8 bit depth would silently lose precision.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, errors.Errorf("depth image must be 16 bit grayscale, got %T", img)
	}
	b := gray.Bounds()
	dm := NewEmptyDepthMap(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dm.Set(x, y, Depth(gray.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
		}
	}
	return dm, nil
}
