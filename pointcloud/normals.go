package pointcloud

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanfusion/utils"
)

// EstimateNormals returns a copy of pc where every point carries a unit surface normal. Each
// normal is the smallest principal axis of the covariance of the point's hybrid neighbourhood
// (at most maxNN neighbours within radius), oriented toward the sensor origin. Points with fewer
// than three neighbours get the normal pointing back at the origin.
func EstimateNormals(pc PointCloud, radius float64, maxNN int) PointCloud {
	positions := Positions(pc)
	tree := NewKDTree(positions)
	normals := make([]r3.Vector, len(positions))

	utils.ParallelForEach(len(positions), func(i int) {
		neighbors := tree.RadiusSearch(positions[i], radius, maxNN)
		normals[i] = estimateNormal(positions, neighbors, positions[i])
	})

	out := NewWithPrealloc(len(positions))
	for i, p := range positions {
		_, d := pc.At(i)
		if d == nil {
			d = NewBasicData()
		} else {
			d = d.Clone()
		}
		d.SetNormal(normals[i])
		//nolint:errcheck
		out.Append(p, d)
	}
	return out
}

func estimateNormal(positions []r3.Vector, neighbors []Neighbor, at r3.Vector) r3.Vector {
	fallback := at.Mul(-1)
	if fallback.Norm() == 0 {
		fallback = r3.Vector{Z: -1}
	}
	fallback = fallback.Normalize()
	if len(neighbors) < 3 {
		return fallback
	}

	cov := Covariance(positions, neighbors)
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return fallback
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are ascending, so column 0 is the direction of least variance.
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Norm() == 0 {
		return fallback
	}
	n = n.Normalize()
	if n.Dot(at.Mul(-1)) < 0 {
		n = n.Mul(-1)
	}
	return n
}

// Covariance returns the 3x3 covariance of the selected points.
func Covariance(positions []r3.Vector, neighbors []Neighbor) *mat.SymDense {
	var mean r3.Vector
	for _, nb := range neighbors {
		mean = mean.Add(positions[nb.Index])
	}
	mean = mean.Mul(1 / float64(len(neighbors)))

	var c [6]float64
	for _, nb := range neighbors {
		d := positions[nb.Index].Sub(mean)
		c[0] += d.X * d.X
		c[1] += d.X * d.Y
		c[2] += d.X * d.Z
		c[3] += d.Y * d.Y
		c[4] += d.Y * d.Z
		c[5] += d.Z * d.Z
	}
	inv := 1 / float64(len(neighbors))
	return mat.NewSymDense(3, []float64{
		c[0] * inv, c[1] * inv, c[2] * inv,
		c[1] * inv, c[3] * inv, c[4] * inv,
		c[2] * inv, c[4] * inv, c[5] * inv,
	})
}
