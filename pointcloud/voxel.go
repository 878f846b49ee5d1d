package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// NewVoxelCoords returns the coordinates of the cubic cell of side voxelSize containing p.
func NewVoxelCoords(p r3.Vector, voxelSize float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(p.X / voxelSize)),
		J: int64(math.Floor(p.Y / voxelSize)),
		K: int64(math.Floor(p.Z / voxelSize)),
	}
}

func (c VoxelCoords) less(o VoxelCoords) bool {
	if c.I != o.I {
		return c.I < o.I
	}
	if c.J != o.J {
		return c.J < o.J
	}
	return c.K < o.K
}

type voxelAccumulator struct {
	sum        r3.Vector
	colorSum   r3.Vector
	normalSum  r3.Vector
	count      int
	colored    int
	withNormal int
}

// VoxelDownsample replaces all points that fall into the same cubic cell of side voxelSize with
// a single point at their centroid. Colors and normals are averaged, normals renormalized. The
// output is ordered by cell so identical inputs produce identical outputs.
func VoxelDownsample(pc PointCloud, voxelSize float64) (PointCloud, error) {
	if voxelSize <= 0 || math.IsNaN(voxelSize) || math.IsInf(voxelSize, 0) {
		return nil, errors.Errorf("voxel size must be positive and finite, got %v", voxelSize)
	}
	if IsEmpty(pc) {
		return nil, ErrEmptyCloud
	}

	cells := make(map[VoxelCoords]*voxelAccumulator, pc.Size()/4+1)
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		key := NewVoxelCoords(p, voxelSize)
		acc, ok := cells[key]
		if !ok {
			acc = &voxelAccumulator{}
			cells[key] = acc
		}
		acc.sum = acc.sum.Add(p)
		acc.count++
		if d != nil && d.HasColor() {
			acc.colorSum = acc.colorSum.Add(ColorToUnit(d))
			acc.colored++
		}
		if d != nil && d.HasNormal() {
			acc.normalSum = acc.normalSum.Add(d.Normal())
			acc.withNormal++
		}
		return true
	})

	keys := make([]VoxelCoords, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := NewWithPrealloc(len(keys))
	for _, k := range keys {
		acc := cells[k]
		var d Data
		if acc.colored > 0 {
			c := acc.colorSum.Mul(1 / float64(acc.colored))
			d = NewColoredDataFromFloats(c.X, c.Y, c.Z)
		}
		if acc.withNormal > 0 && acc.normalSum.Norm() > 0 {
			if d == nil {
				d = NewBasicData()
			}
			d.SetNormal(acc.normalSum.Normalize())
		}
		if err := out.Append(acc.sum.Mul(1/float64(acc.count)), d); err != nil {
			return nil, err
		}
	}
	return out, nil
}
