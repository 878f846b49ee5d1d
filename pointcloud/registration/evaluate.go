package registration

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/spatialmath"
)

type evaluation struct {
	Fitness         float64
	InlierRMSE      float64
	Correspondences int
}

func evaluate(src, tgt *preprocessed, tf spatialmath.Transform, maxDist float64) evaluation {
	_, eval := findCorrespondences(src, tgt, tf, maxDist)
	return eval
}

// Evaluation reports how well a transform aligns source onto target.
type Evaluation struct {
	// Fitness is the fraction of source points with a target point within the distance bound.
	Fitness float64 `json:"fitness"`
	// InlierRMSE is the root mean square distance over those inliers.
	InlierRMSE      float64 `json:"inlier_rmse"`
	Correspondences int     `json:"correspondences"`
	MedianResidual  float64 `json:"median_residual"`
	MaxResidual     float64 `json:"max_residual"`
}

// Evaluate measures transform against the given clouds with inliers closer than maxDist.
func Evaluate(source, target pointcloud.PointCloud, transform spatialmath.Transform, maxDist float64) (Evaluation, error) {
	if pointcloud.IsEmpty(source) || pointcloud.IsEmpty(target) {
		return Evaluation{}, pointcloud.ErrEmptyCloud
	}
	if maxDist <= 0 {
		return Evaluation{}, errors.Errorf("max distance must be positive, got %v", maxDist)
	}
	src := flatten(source)
	tgt := flatten(target)
	corres, eval := findCorrespondences(src, tgt, transform, maxDist)
	out := Evaluation{
		Fitness:         eval.Fitness,
		InlierRMSE:      eval.InlierRMSE,
		Correspondences: eval.Correspondences,
	}
	if len(corres) == 0 {
		return out, nil
	}

	residuals := make(stats.Float64Data, len(corres))
	for i, c := range corres {
		residuals[i] = transform.Apply(src.points[c.source]).Sub(tgt.points[c.target]).Norm()
	}
	var err error
	if out.MedianResidual, err = stats.Median(residuals); err != nil {
		return Evaluation{}, err
	}
	if out.MaxResidual, err = stats.Max(residuals); err != nil {
		return Evaluation{}, err
	}
	if math.IsNaN(out.InlierRMSE) {
		return Evaluation{}, errors.Wrap(ErrRegistrationFailure, "non-finite residuals")
	}
	return out, nil
}
