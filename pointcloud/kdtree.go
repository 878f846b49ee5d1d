package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a search result: the index of a point in the indexed slice and its distance.
type Neighbor struct {
	Index    int
	Distance float64
}

// KDTree indexes a fixed set of positions for nearest neighbour queries. It is safe for
// concurrent queries.
type KDTree struct {
	tree   *kdtree.Tree
	points []r3.Vector
}

// NewKDTree builds a tree over points. The slice must not be modified afterwards.
func NewKDTree(points []r3.Vector) *KDTree {
	nodes := make(kdPoints, len(points))
	for i, p := range points {
		nodes[i] = kdPoint{pos: [3]float64{p.X, p.Y, p.Z}, idx: i}
	}
	var tree *kdtree.Tree
	if len(nodes) > 0 {
		tree = kdtree.New(nodes, false)
	}
	return &KDTree{tree: tree, points: points}
}

// NewKDTreeFromCloud indexes the positions of a cloud.
func NewKDTreeFromCloud(pc PointCloud) *KDTree {
	return NewKDTree(Positions(pc))
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int {
	return len(t.points)
}

// Point returns the indexed point at i.
func (t *KDTree) Point(i int) r3.Vector {
	return t.points[i]
}

// Nearest returns the closest indexed point to q. ok is false when the tree is empty.
func (t *KDTree) Nearest(q r3.Vector) (Neighbor, bool) {
	if t.tree == nil {
		return Neighbor{}, false
	}
	got, dist := t.tree.Nearest(toKD(q))
	if got == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: got.(kdPoint).idx, Distance: math.Sqrt(dist)}, true
}

// KNearest returns up to k nearest points, closest first.
func (t *KDTree) KNearest(q r3.Vector, k int) []Neighbor {
	if t.tree == nil || k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, toKD(q))
	return collect(keeper.Heap, math.Inf(1))
}

// RadiusSearch returns the points within radius of q, closest first. When maxNN is positive only
// the maxNN closest are returned, which is the hybrid search used for normals and features.
func (t *KDTree) RadiusSearch(q r3.Vector, radius float64, maxNN int) []Neighbor {
	if t.tree == nil || radius <= 0 {
		return nil
	}
	if maxNN > 0 {
		keeper := kdtree.NewNKeeper(maxNN)
		t.tree.NearestSet(keeper, toKD(q))
		return collect(keeper.Heap, radius*radius)
	}
	keeper := kdtree.NewDistKeeper(radius * radius)
	t.tree.NearestSet(keeper, toKD(q))
	return collect(keeper.Heap, radius*radius)
}

// collect converts keeper results (squared distances) to sorted neighbours, dropping the
// keeper's nil sentinel and anything beyond maxSq.
func collect(heap kdtree.Heap, maxSq float64) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, cd := range heap {
		if cd.Comparable == nil || cd.Dist > maxSq {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(kdPoint).idx, Distance: math.Sqrt(cd.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func toKD(q r3.Vector) kdPoint {
	return kdPoint{pos: [3]float64{q.X, q.Y, q.Z}, idx: -1}
}

// kdPoint is a position remembering its index in the source slice.
type kdPoint struct {
	pos [3]float64
	idx int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.pos[d] - c.(kdPoint).pos[d]
}

func (p kdPoint) Dims() int { return 3 }

// Distance is the squared euclidean distance, as the kdtree package expects.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	dx, dy, dz := p.pos[0]-q.pos[0], p.pos[1]-q.pos[1], p.pos[2]-q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int                { return kdPlane{kdPoints: p, Dim: d}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// kdPlane sorts kdPoints along one dimension for median partitioning.
type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].pos[p.Dim] < p.kdPoints[j].pos[p.Dim]
}

func (p kdPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}
