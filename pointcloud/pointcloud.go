// Package pointcloud defines an unordered, colored point cloud with optional normals, along with
// the file formats, spatial index and resampling operations the registration pipeline needs.
//
// Positions are in meters. Unlike a keyed cloud, duplicate positions are kept: merging two
// clouds always yields the sum of their sizes.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrEmptyCloud is returned whenever an operation receives or would produce a cloud with no points.
var ErrEmptyCloud = errors.New("point cloud is empty")

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool
	// HasNormals is true only when every point carries a normal.
	HasNormals bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64

	totalPoints  int
	normalPoints int
}

// NewMetaData creates a new MetaData.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the meta data with the new information.
func (meta *MetaData) Merge(v r3.Vector, data Data) {
	meta.totalPoints++
	if data != nil {
		if data.HasColor() {
			meta.HasColor = true
		}
		if data.HasNormal() {
			meta.normalPoints++
		}
	}
	meta.HasNormals = meta.normalPoints == meta.totalPoints

	meta.MaxX = math.Max(meta.MaxX, v.X)
	meta.MaxY = math.Max(meta.MaxY, v.Y)
	meta.MaxZ = math.Max(meta.MaxZ, v.Z)
	meta.MinX = math.Min(meta.MinX, v.X)
	meta.MinY = math.Min(meta.MinY, v.Y)
	meta.MinZ = math.Min(meta.MinZ, v.Z)
}

// Center returns the center of the bounding box.
func (meta MetaData) Center() r3.Vector {
	return r3.Vector{X: (meta.MinX + meta.MaxX) / 2, Y: (meta.MinY + meta.MaxY) / 2, Z: (meta.MinZ + meta.MaxZ) / 2}
}

// PointCloud is a general purpose container of points. Points and their data are kept in
// parallel and addressed by index.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns meta data.
	MetaData() MetaData

	// Append adds a point to the cloud. Non-finite positions are rejected.
	Append(p r3.Vector, d Data) error

	// At returns the point and its data at index i.
	At(i int) (r3.Vector, Data)

	// Iterate iterates over all points in the cloud and calls the given
	// function for each point. If the supplied function returns false,
	// iteration will stop after the function returns.
	// numBatches lets you divide up the work. 0 means don't divide.
	// myBatch is used iff numBatches > 0 and is which batch you want.
	Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool)
}

// IsEmpty is true for nil clouds and clouds without points.
func IsEmpty(pc PointCloud) bool {
	return pc == nil || pc.Size() == 0
}

// Positions returns a copy of the cloud's positions.
func Positions(pc PointCloud) []r3.Vector {
	out := make([]r3.Vector, 0, pc.Size())
	pc.Iterate(0, 0, func(p r3.Vector, _ Data) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Centroid returns the mean position of the cloud.
func Centroid(pc PointCloud) r3.Vector {
	var sum r3.Vector
	pc.Iterate(0, 0, func(p r3.Vector, _ Data) bool {
		sum = sum.Add(p)
		return true
	})
	if pc.Size() == 0 {
		return sum
	}
	return sum.Mul(1 / float64(pc.Size()))
}
