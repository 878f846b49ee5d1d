package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"

	"go.viam.com/scanfusion/utils"
)

const (
	fpfhBinsPerFeature = 11
	fpfhDims           = 3 * fpfhBinsPerFeature
)

// pairFeatures returns the three angular features and the distance of the Darboux frame built
// between two oriented points.
func pairFeatures(p1, n1, p2, n2 r3.Vector) (f1, f2, f3, f4 float64) {
	dp2p1 := p2.Sub(p1)
	f4 = dp2p1.Norm()
	if f4 == 0 {
		return 0, 0, 0, 0
	}
	n1Copy, n2Copy := n1, n2
	angle1 := n1Copy.Dot(dp2p1) / f4
	angle2 := n2Copy.Dot(dp2p1) / f4
	if math.Acos(math.Abs(angle1)) > math.Acos(math.Abs(angle2)) {
		n1Copy, n2Copy = n2, n1
		dp2p1 = dp2p1.Mul(-1)
		f3 = -angle2
	} else {
		f3 = angle1
	}

	v := dp2p1.Cross(n1Copy)
	vNorm := v.Norm()
	if vNorm == 0 {
		return 0, 0, 0, 0
	}
	v = v.Mul(1 / vNorm)
	w := n1Copy.Cross(v)
	f2 = v.Dot(n2Copy)
	f1 = math.Atan2(w.Dot(n2Copy), n1Copy.Dot(n2Copy))
	return f1, f2, f3, f4
}

func binIndex(v float64) int {
	idx := int(math.Floor(v))
	if idx < 0 {
		return 0
	}
	if idx >= fpfhBinsPerFeature {
		return fpfhBinsPerFeature - 1
	}
	return idx
}

// computeFPFH returns a 33 bin Fast Point Feature Histogram per point. The cloud must carry
// normals.
func computeFPFH(pc *preprocessed, radius float64, maxNN int) [][]float64 {
	n := pc.size()
	neighbors := make([][]int, n)
	dist2 := make([][]float64, n)
	spfh := make([][]float64, n)

	utils.ParallelForEach(n, func(i int) {
		found := pc.tree.RadiusSearch(pc.points[i], radius, maxNN)
		idx := make([]int, 0, len(found))
		d2 := make([]float64, 0, len(found))
		for _, nb := range found {
			if nb.Index == i {
				continue
			}
			idx = append(idx, nb.Index)
			d2 = append(d2, nb.Distance*nb.Distance)
		}
		neighbors[i], dist2[i] = idx, d2

		hist := make([]float64, fpfhDims)
		if len(idx) > 0 {
			incr := 100.0 / float64(len(idx))
			for _, j := range idx {
				f1, f2, f3, _ := pairFeatures(pc.points[i], pc.normals[i], pc.points[j], pc.normals[j])
				hist[binIndex(fpfhBinsPerFeature*(f1+math.Pi)/(2*math.Pi))] += incr
				hist[fpfhBinsPerFeature+binIndex(fpfhBinsPerFeature*(f2+1)*0.5)] += incr
				hist[2*fpfhBinsPerFeature+binIndex(fpfhBinsPerFeature*(f3+1)*0.5)] += incr
			}
		}
		spfh[i] = hist
	})

	features := make([][]float64, n)
	utils.ParallelForEach(n, func(i int) {
		feature := make([]float64, fpfhDims)
		var sum [3]float64
		for k, j := range neighbors[i] {
			if dist2[i][k] == 0 {
				continue
			}
			for b := 0; b < fpfhDims; b++ {
				val := spfh[j][b] / dist2[i][k]
				sum[b/fpfhBinsPerFeature] += val
				feature[b] += val
			}
		}
		for s := range sum {
			if sum[s] != 0 {
				sum[s] = 100 / sum[s]
			}
		}
		for b := 0; b < fpfhDims; b++ {
			feature[b] = feature[b]*sum[b/fpfhBinsPerFeature] + spfh[i][b]
		}
		features[i] = feature
	})
	return features
}

// featureIndex is a kd-tree over feature vectors.
type featureIndex struct {
	tree *kdtree.Tree
}

type featurePoint struct {
	v   []float64
	idx int
}

func (p featurePoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(featurePoint).v[d]
}

func (p featurePoint) Dims() int { return len(p.v) }

func (p featurePoint) Distance(c kdtree.Comparable) float64 {
	q := c.(featurePoint)
	var sum float64
	for i := range p.v {
		d := p.v[i] - q.v[i]
		sum += d * d
	}
	return sum
}

type featurePoints []featurePoint

func (p featurePoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p featurePoints) Len() int                              { return len(p) }
func (p featurePoints) Pivot(d kdtree.Dim) int                { return featurePlane{featurePoints: p, Dim: d}.Pivot() }
func (p featurePoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type featurePlane struct {
	kdtree.Dim
	featurePoints
}

func (p featurePlane) Less(i, j int) bool {
	return p.featurePoints[i].v[p.Dim] < p.featurePoints[j].v[p.Dim]
}

func (p featurePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p featurePlane) Slice(start, end int) kdtree.SortSlicer {
	p.featurePoints = p.featurePoints[start:end]
	return p
}

func (p featurePlane) Swap(i, j int) {
	p.featurePoints[i], p.featurePoints[j] = p.featurePoints[j], p.featurePoints[i]
}

func newFeatureIndex(features [][]float64) *featureIndex {
	pts := make(featurePoints, len(features))
	for i, f := range features {
		pts[i] = featurePoint{v: f, idx: i}
	}
	if len(pts) == 0 {
		return &featureIndex{}
	}
	return &featureIndex{tree: kdtree.New(pts, false)}
}

// nearest returns the index of the most similar feature, or -1.
func (fi *featureIndex) nearest(f []float64) int {
	if fi.tree == nil {
		return -1
	}
	got, _ := fi.tree.Nearest(featurePoint{v: f, idx: -1})
	if got == nil {
		return -1
	}
	return got.(featurePoint).idx
}
