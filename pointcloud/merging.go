package pointcloud

import (
	"github.com/golang/geo/r3"

	"go.viam.com/scanfusion/spatialmath"
)

// ApplyTransform returns a new cloud with every point, and every normal, moved by tf. Colors are
// copied unchanged.
func ApplyTransform(pc PointCloud, tf spatialmath.Transform) PointCloud {
	out := &basicPointCloud{
		points: make([]r3.Vector, 0, pc.Size()),
		data:   make([]Data, 0, pc.Size()),
		meta:   NewMetaData(),
	}
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		if d != nil {
			d = d.Clone()
			if d.HasNormal() {
				d.SetNormal(tf.ApplyToDirection(d.Normal()))
			}
		}
		moved := tf.Apply(p)
		out.points = append(out.points, moved)
		out.data = append(out.data, d)
		out.meta.Merge(moved, d)
		return true
	})
	return out
}

// Concatenate returns a new cloud holding every point of every input, in order. Duplicate
// positions are kept, so the result size is always the sum of the input sizes.
func Concatenate(clouds ...PointCloud) PointCloud {
	total := 0
	for _, pc := range clouds {
		if pc != nil {
			total += pc.Size()
		}
	}
	out := &basicPointCloud{
		points: make([]r3.Vector, 0, total),
		data:   make([]Data, 0, total),
		meta:   NewMetaData(),
	}
	for _, pc := range clouds {
		if pc == nil {
			continue
		}
		pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
			if d != nil {
				d = d.Clone()
			}
			out.points = append(out.points, p)
			out.data = append(out.data, d)
			out.meta.Merge(p, d)
			return true
		})
	}
	return out
}
