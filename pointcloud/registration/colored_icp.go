package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/scanfusion/spatialmath"
	"go.viam.com/scanfusion/utils"
)

// intensityGradients estimates, for every target point, the gradient of intensity within the
// tangent plane. Each neighbour projected onto the plane contributes one row relating its offset
// to the intensity difference, and a weighted row keeps the gradient orthogonal to the normal.
func intensityGradients(tgt *preprocessed, radius float64, maxNN int) []r3.Vector {
	grads := make([]r3.Vector, tgt.size())
	utils.ParallelForEach(tgt.size(), func(i int) {
		neighbors := tgt.tree.RadiusSearch(tgt.points[i], radius, maxNN)
		if len(neighbors) < 4 {
			return
		}
		vt := tgt.points[i]
		nt := tgt.normals[i]
		it := tgt.colors[i]

		rows := len(neighbors) + 1
		a := mat.NewDense(rows, 3, nil)
		b := mat.NewVecDense(rows, nil)
		row := 0
		for _, nb := range neighbors {
			if nb.Index == i {
				continue
			}
			p := tgt.points[nb.Index]
			proj := p.Sub(nt.Mul(p.Sub(vt).Dot(nt)))
			d := proj.Sub(vt)
			a.Set(row, 0, d.X)
			a.Set(row, 1, d.Y)
			a.Set(row, 2, d.Z)
			b.SetVec(row, tgt.colors[nb.Index]-it)
			row++
		}
		w := float64(row)
		a.Set(row, 0, w*nt.X)
		a.Set(row, 1, w*nt.Y)
		a.Set(row, 2, w*nt.Z)
		b.SetVec(row, 0)
		row++

		used := a.Slice(0, row, 0, 3)
		var ata mat.SymDense
		ata.SymOuterK(1, used.T())
		var atb mat.VecDense
		atb.MulVec(used.T(), b.SliceVec(0, row))

		var chol mat.Cholesky
		if ok := chol.Factorize(&ata); !ok {
			return
		}
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, &atb); err != nil {
			return
		}
		grads[i] = r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	})
	return grads
}

// coloredStep builds a joint objective: a geometric point-to-plane term weighted by
// lambdaGeometric and a photometric term comparing source intensity with the target intensity
// extrapolated along its gradient.
func coloredStep(grads []r3.Vector, lambdaGeometric float64) stepFunc {
	sqrtG := math.Sqrt(lambdaGeometric)
	sqrtI := math.Sqrt(1 - lambdaGeometric)
	return func(src, tgt *preprocessed, tf spatialmath.Transform, corres []correspondence) (spatialmath.Transform, bool) {
		var ls linearSystem
		for _, c := range corres {
			vs := tf.Apply(src.points[c.source])
			is := src.colors[c.source]
			vt := tgt.points[c.target]
			it := tgt.colors[c.target]
			nt := tgt.normals[c.target]
			dit := grads[c.target]

			jg, rg := pointToPlaneRow(vs, vt, nt)
			for k := range jg {
				jg[k] *= sqrtG
			}
			ls.add(jg, rg*sqrtG)

			vsProj := vs.Sub(nt.Mul(vs.Sub(vt).Dot(nt)))
			is0Proj := dit.Dot(vsProj.Sub(vt)) + it
			// Derivative of the extrapolated intensity, restricted to the tangent plane.
			ds := nt.Mul(dit.Dot(nt)).Sub(dit)
			cross := vs.Cross(ds)
			ji := [6]float64{
				sqrtI * cross.X, sqrtI * cross.Y, sqrtI * cross.Z,
				sqrtI * ds.X, sqrtI * ds.Y, sqrtI * ds.Z,
			}
			ls.add(ji, sqrtI*(is-is0Proj))
		}
		return ls.solve()
	}
}

func refineColored(
	src, tgt *preprocessed, init spatialmath.Transform, voxelSize float64, params Params,
) (spatialmath.Transform, StageSummary, error) {
	grads := intensityGradients(tgt, params.NormalRadiusMultiplier*voxelSize, params.NormalMaxNeighbors)
	tf, summary := runICP("colored", src, tgt, init,
		params.ICPDistanceMultiplier*voxelSize, params.ICPMaxIterations,
		coloredStep(grads, params.ColoredLambdaGeometric))
	return tf, summary, nil
}
