package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Data describes data associated single point within a PointCloud.
type Data interface {
	// HasColor returns whether or not this point is colored.
	HasColor() bool

	// RGB255 returns, if colored, the RGB components of the color.
	RGB255() (uint8, uint8, uint8)

	// Color returns the native color of the point.
	Color() color.NRGBA

	// SetColor sets the given color on the point.
	SetColor(c color.NRGBA) Data

	// HasNormal returns whether or not a surface normal was estimated for this point.
	HasNormal() bool

	// Normal returns the unit surface normal, if any.
	Normal() r3.Vector

	// SetNormal sets the given normal on the point.
	SetNormal(n r3.Vector) Data

	// Clone returns an independent copy.
	Clone() Data
}

type basicData struct {
	hasColor bool
	c        color.NRGBA

	hasNormal bool
	normal    r3.Vector
}

// NewBasicData returns a point that is solely positionally based.
func NewBasicData() Data {
	return &basicData{}
}

// NewColoredData returns a point that has both position and color.
func NewColoredData(c color.NRGBA) Data {
	c.A = 255
	return &basicData{c: c, hasColor: true}
}

// NewColoredDataFromFloats returns a colored point from channels in [0, 1]. Values outside the
// range are clamped.
func NewColoredDataFromFloats(r, g, b float64) Data {
	return NewColoredData(color.NRGBA{R: unitToByte(r), G: unitToByte(g), B: unitToByte(b), A: 255})
}

func unitToByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func (bp *basicData) SetColor(c color.NRGBA) Data {
	bp.c = c
	bp.hasColor = true
	return bp
}

func (bp *basicData) HasColor() bool {
	return bp.hasColor
}

func (bp *basicData) RGB255() (uint8, uint8, uint8) {
	return bp.c.R, bp.c.G, bp.c.B
}

func (bp *basicData) Color() color.NRGBA {
	return bp.c
}

func (bp *basicData) HasNormal() bool {
	return bp.hasNormal
}

func (bp *basicData) Normal() r3.Vector {
	return bp.normal
}

func (bp *basicData) SetNormal(n r3.Vector) Data {
	bp.normal = n
	bp.hasNormal = true
	return bp
}

func (bp *basicData) Clone() Data {
	cp := *bp
	return &cp
}

// ColorToUnit returns the color channels of d in [0, 1]. Uncolored points are mid gray.
func ColorToUnit(d Data) r3.Vector {
	if d == nil || !d.HasColor() {
		return r3.Vector{X: 0.5, Y: 0.5, Z: 0.5}
	}
	r, g, b := d.RGB255()
	return r3.Vector{X: float64(r) / 255, Y: float64(g) / 255, Z: float64(b) / 255}
}
