package registration

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/scanfusion/spatialmath"
	"go.viam.com/scanfusion/utils"
)

const ransacSampleSize = 3

// coarseRANSAC pairs each source point with its most similar target feature, then repeatedly
// fits a transform to three random pairs. Hypotheses that pass the edge length and distance
// checkers are scored against the whole source cloud and the best one is kept.
func coarseRANSAC(src, tgt *preprocessed, voxelSize float64, params Params) (spatialmath.Transform, StageSummary, error) {
	start := time.Now()
	index := newFeatureIndex(tgt.features)
	corres := make([]correspondence, 0, src.size())
	matched := make([]int, src.size())
	utils.ParallelForEach(src.size(), func(i int) {
		matched[i] = index.nearest(src.features[i])
	})
	for i, j := range matched {
		if j >= 0 {
			corres = append(corres, correspondence{source: i, target: j})
		}
	}
	if len(corres) < ransacSampleSize {
		return spatialmath.Transform{}, StageSummary{}, errors.Wrapf(ErrRegistrationFailure,
			"only %d feature correspondences", len(corres))
	}

	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	//nolint:gosec
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>32))
	maxDist := params.RANSACDistanceMultiplier * voxelSize

	best := spatialmath.NewIdentityTransform()
	var bestEval evaluation
	found := false
	validations := 0
	limit := params.RANSACMaxIterations
	iterations := 0
	for ; iterations < limit && validations < params.RANSACMaxValidation; iterations++ {
		sample := sampleDistinct(rng, len(corres), ransacSampleSize)
		srcPts := make([]r3.Vector, ransacSampleSize)
		tgtPts := make([]r3.Vector, ransacSampleSize)
		for k, idx := range sample {
			srcPts[k] = src.points[corres[idx].source]
			tgtPts[k] = tgt.points[corres[idx].target]
		}
		if !edgeLengthsAgree(srcPts, tgtPts, params.EdgeLengthThreshold) {
			continue
		}
		tf, ok := estimatePointToPoint(srcPts, tgtPts)
		if !ok || !tf.IsRigid(rigidTolerance) {
			continue
		}
		if !withinDistance(srcPts, tgtPts, tf, maxDist) {
			continue
		}

		validations++
		_, eval := findCorrespondences(src, tgt, tf, maxDist)
		if eval.Fitness > bestEval.Fitness ||
			(eval.Fitness == bestEval.Fitness && eval.InlierRMSE < bestEval.InlierRMSE) {
			best, bestEval, found = tf, eval, true
			if k := expectedIterations(bestEval.Fitness, params.RANSACConfidence); k < limit {
				limit = max(k, iterations+1)
			}
		}
	}
	if !found {
		return spatialmath.Transform{}, StageSummary{}, errors.Wrapf(ErrRegistrationFailure,
			"no RANSAC hypothesis passed the checkers in %d iterations", iterations)
	}
	return best, StageSummary{
		Method:     "ransac_fpfh",
		Iterations: iterations,
		Fitness:    bestEval.Fitness,
		InlierRMSE: bestEval.InlierRMSE,
		Duration:   time.Since(start),
	}, nil
}

// expectedIterations is the number of samples needed to draw an all-inlier sample with the
// given confidence when a fraction inlierRatio of the pairs are inliers.
func expectedIterations(inlierRatio, confidence float64) int {
	if inlierRatio <= 0 {
		return math.MaxInt
	}
	allInliers := math.Pow(inlierRatio, ransacSampleSize)
	if allInliers >= 1 {
		return 1
	}
	k := math.Log(1-confidence) / math.Log(1-allInliers)
	if math.IsNaN(k) || k > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Ceil(k))
}

func sampleDistinct(rng *rand.Rand, n, k int) []int {
	out := make([]int, 0, k)
	for len(out) < k {
		c := rng.IntN(n)
		dup := false
		for _, o := range out {
			if o == c {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// edgeLengthsAgree checks that every edge of the source polygon has a similar length in the
// target polygon, a rigid motion preserving lengths.
func edgeLengthsAgree(src, tgt []r3.Vector, similarity float64) bool {
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			ds := src[i].Sub(src[j]).Norm()
			dt := tgt[i].Sub(tgt[j]).Norm()
			if ds < dt*similarity || dt < ds*similarity {
				return false
			}
		}
	}
	return true
}

func withinDistance(src, tgt []r3.Vector, tf spatialmath.Transform, maxDist float64) bool {
	for i := range src {
		if tf.Apply(src[i]).Sub(tgt[i]).Norm() > maxDist {
			return false
		}
	}
	return true
}
