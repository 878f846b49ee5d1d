package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// basicPointCloud is the slice backed implementation of the PointCloud interface.
type basicPointCloud struct {
	points []r3.Vector
	data   []Data
	meta   MetaData
}

// New returns an empty PointCloud backed by a basicPointCloud.
func New() PointCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty, preallocated PointCloud backed by a basicPointCloud.
func NewWithPrealloc(size int) PointCloud {
	return &basicPointCloud{
		points: make([]r3.Vector, 0, size),
		data:   make([]Data, 0, size),
		meta:   NewMetaData(),
	}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) At(i int) (r3.Vector, Data) {
	return cloud.points[i], cloud.data[i]
}

func (cloud *basicPointCloud) Append(p r3.Vector, d Data) error {
	if !isFinite(p) {
		return errors.Errorf("cannot add non-finite point %v", p)
	}
	cloud.points = append(cloud.points, p)
	cloud.data = append(cloud.data, d)
	cloud.meta.Merge(p, d)
	return nil
}

func (cloud *basicPointCloud) Iterate(numBatches, myBatch int, fn func(p r3.Vector, d Data) bool) {
	start, end := 0, len(cloud.points)
	if numBatches > 0 {
		batchSize := (len(cloud.points) + numBatches - 1) / numBatches
		start = myBatch * batchSize
		end = min(start+batchSize, len(cloud.points))
	}
	for i := start; i < end; i++ {
		if !fn(cloud.points[i], cloud.data[i]) {
			return
		}
	}
}

func isFinite(p r3.Vector) bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the cloud. The copy shares no point data with the original.
func Clone(pc PointCloud) PointCloud {
	if pc == nil {
		return nil
	}
	out := &basicPointCloud{
		points: make([]r3.Vector, 0, pc.Size()),
		data:   make([]Data, 0, pc.Size()),
		meta:   pc.MetaData(),
	}
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		if d != nil {
			d = d.Clone()
		}
		out.points = append(out.points, p)
		out.data = append(out.data, d)
		return true
	})
	return out
}
