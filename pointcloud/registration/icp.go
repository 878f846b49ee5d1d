package registration

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanfusion/spatialmath"
	"go.viam.com/scanfusion/utils"
)

const (
	icpRelativeFitness = 1e-6
	icpRelativeRMSE    = 1e-6
)

type correspondence struct {
	source, target int
}

// findCorrespondences pairs every transformed source point with its nearest target point
// within maxDist.
func findCorrespondences(src, tgt *preprocessed, tf spatialmath.Transform, maxDist float64) ([]correspondence, evaluation) {
	matched := make([]int, src.size())
	dists := make([]float64, src.size())
	utils.ParallelForEach(src.size(), func(i int) {
		matched[i] = -1
		nb, ok := tgt.tree.Nearest(tf.Apply(src.points[i]))
		if ok && nb.Distance <= maxDist {
			matched[i] = nb.Index
			dists[i] = nb.Distance
		}
	})

	corres := make([]correspondence, 0, src.size())
	var sq float64
	for i, j := range matched {
		if j < 0 {
			continue
		}
		corres = append(corres, correspondence{source: i, target: j})
		sq += dists[i] * dists[i]
	}
	eval := evaluation{Correspondences: len(corres)}
	if len(corres) > 0 {
		eval.Fitness = float64(len(corres)) / float64(src.size())
		eval.InlierRMSE = math.Sqrt(sq / float64(len(corres)))
	}
	return corres, eval
}

// estimatePointToPoint returns the rigid transform minimizing squared distances between paired
// points (Kabsch). ok is false for fewer than three pairs or a degenerate decomposition.
func estimatePointToPoint(src, tgt []r3.Vector) (spatialmath.Transform, bool) {
	if len(src) < 3 || len(src) != len(tgt) {
		return spatialmath.Transform{}, false
	}
	var cs, ct r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		ct = ct.Add(tgt[i])
	}
	inv := 1 / float64(len(src))
	cs, ct = cs.Mul(inv), ct.Mul(inv)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := tgt[i].Sub(ct)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return spatialmath.Transform{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, math.Copysign(1, mat.Det(&vut))})
	var rot mat.Dense
	rot.Product(&v, d, u.T())

	r := spatialmath.RotationMatrixFromDense(&rot)
	return spatialmath.NewTransform(r, ct.Sub(r.MulVec(cs))), true
}

// linearSystem accumulates JtJ and Jtr for 6 dof Gauss-Newton updates.
type linearSystem struct {
	jtj [36]float64
	jtr [6]float64
}

func (ls *linearSystem) add(j [6]float64, r float64) {
	for a := 0; a < 6; a++ {
		for b := 0; b < 6; b++ {
			ls.jtj[a*6+b] += j[a] * j[b]
		}
		ls.jtr[a] += j[a] * r
	}
}

// solve returns the incremental transform minimizing the linearized residuals.
func (ls *linearSystem) solve() (spatialmath.Transform, bool) {
	sym := mat.NewSymDense(6, ls.jtj[:])
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return spatialmath.Transform{}, false
	}
	b := mat.NewVecDense(6, []float64{-ls.jtr[0], -ls.jtr[1], -ls.jtr[2], -ls.jtr[3], -ls.jtr[4], -ls.jtr[5]})
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b); err != nil {
		return spatialmath.Transform{}, false
	}
	for i := 0; i < 6; i++ {
		if math.IsNaN(x.AtVec(i)) || math.IsInf(x.AtVec(i), 0) {
			return spatialmath.Transform{}, false
		}
	}
	rot := spatialmath.RotationFromEuler(x.AtVec(0), x.AtVec(1), x.AtVec(2))
	return spatialmath.NewTransform(rot, r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}), true
}

func pointToPlaneRow(s, t, n r3.Vector) ([6]float64, float64) {
	c := s.Cross(n)
	return [6]float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z}, s.Sub(t).Dot(n)
}

// stepFunc computes the incremental update for one ICP iteration from the correspondences of
// the currently transformed source.
type stepFunc func(src, tgt *preprocessed, tf spatialmath.Transform, corres []correspondence) (spatialmath.Transform, bool)

func pointToPointStep(src, tgt *preprocessed, tf spatialmath.Transform, corres []correspondence) (spatialmath.Transform, bool) {
	a := make([]r3.Vector, len(corres))
	b := make([]r3.Vector, len(corres))
	for i, c := range corres {
		a[i] = tf.Apply(src.points[c.source])
		b[i] = tgt.points[c.target]
	}
	return estimatePointToPoint(a, b)
}

func pointToPlaneStep(src, tgt *preprocessed, tf spatialmath.Transform, corres []correspondence) (spatialmath.Transform, bool) {
	var ls linearSystem
	for _, c := range corres {
		j, r := pointToPlaneRow(tf.Apply(src.points[c.source]), tgt.points[c.target], tgt.normals[c.target])
		ls.add(j, r)
	}
	return ls.solve()
}

// runICP iterates step until the fitness and rmse stop changing or maxIter is reached.
func runICP(
	method string,
	src, tgt *preprocessed,
	init spatialmath.Transform,
	maxDist float64,
	maxIter int,
	step stepFunc,
) (spatialmath.Transform, StageSummary) {
	start := time.Now()
	tf := init
	corres, eval := findCorrespondences(src, tgt, tf, maxDist)
	iterations := 0
	for ; iterations < maxIter; iterations++ {
		if len(corres) < 3 {
			break
		}
		delta, ok := step(src, tgt, tf, corres)
		if !ok || !delta.IsRigid(rigidTolerance) {
			break
		}
		tf = delta.Compose(tf)
		prev := eval
		corres, eval = findCorrespondences(src, tgt, tf, maxDist)
		if math.Abs(prev.Fitness-eval.Fitness) < icpRelativeFitness &&
			math.Abs(prev.InlierRMSE-eval.InlierRMSE) < icpRelativeRMSE {
			iterations++
			break
		}
	}
	return tf, StageSummary{
		Method:     method,
		Iterations: iterations,
		Fitness:    eval.Fitness,
		InlierRMSE: eval.InlierRMSE,
		Duration:   time.Since(start),
	}
}

func coarseFast(src, tgt *preprocessed, voxelSize float64, params Params) (spatialmath.Transform, StageSummary, error) {
	tf, summary := runICP("fast_point_to_plane", src, tgt, spatialmath.NewIdentityTransform(),
		params.RANSACDistanceMultiplier*voxelSize, params.FastMaxIterations, pointToPlaneStep)
	return tf, summary, nil
}

func refinePointToPlane(
	src, tgt *preprocessed, init spatialmath.Transform, voxelSize float64, params Params,
) (spatialmath.Transform, StageSummary, error) {
	tf, summary := runICP("point_to_plane", src, tgt, init,
		params.ICPDistanceMultiplier*voxelSize, params.ICPMaxIterations, pointToPlaneStep)
	return tf, summary, nil
}

func refinePointToPoint(
	src, tgt *preprocessed, init spatialmath.Transform, voxelSize float64, params Params,
) (spatialmath.Transform, StageSummary, error) {
	tf, summary := runICP("point_to_point", src, tgt, init,
		params.ICPDistanceMultiplier*voxelSize, params.ICPMaxIterations, pointToPointStep)
	return tf, summary, nil
}
