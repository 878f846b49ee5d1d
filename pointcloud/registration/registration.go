// Package registration computes rigid transforms that align one point cloud onto another. Every
// strategy downsamples both clouds, optionally finds a coarse alignment, then refines it with a
// variant of ICP.
package registration

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/scanfusion/pointcloud"
	"go.viam.com/scanfusion/spatialmath"
)

// ErrRegistrationFailure is returned when an alignment could not be computed or is not a valid
// rigid transform.
var ErrRegistrationFailure = errors.New("registration failed")

// Strategy names a registration algorithm.
type Strategy string

const (
	// StrategyRANSAC matches FPFH features with RANSAC, then refines with point-to-plane ICP.
	StrategyRANSAC Strategy = "ransac"
	// StrategyFast runs a long point-to-plane ICP on the downsampled clouds as the coarse step.
	StrategyFast Strategy = "fast"
	// StrategyPointToPoint runs point-to-point ICP on the downsampled clouds.
	StrategyPointToPoint Strategy = "point_to_point"
	// StrategyPointToPlane runs point-to-plane ICP on the downsampled clouds.
	StrategyPointToPlane Strategy = "point_to_plane"
	// StrategyColored runs colored ICP on the downsampled clouds.
	StrategyColored Strategy = "colored"
)

// ParseStrategy converts a name to a Strategy, ignoring case.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := strategies[s]; !ok {
		return "", errors.Errorf("unknown registration strategy %q, expected one of %v", name, Strategies())
	}
	return s, nil
}

// Strategies lists every known strategy, sorted.
func Strategies() []Strategy {
	keys := lo.Keys(strategies)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Params tunes the strategies. Distances are multiples of the voxel size.
type Params struct {
	RANSACDistanceMultiplier float64 `json:"ransac_distance_multiplier"`
	RANSACMaxIterations      int     `json:"ransac_max_iterations"`
	RANSACMaxValidation      int     `json:"ransac_max_validation"`
	RANSACConfidence         float64 `json:"ransac_confidence"`
	EdgeLengthThreshold      float64 `json:"edge_length_threshold"`
	ICPDistanceMultiplier    float64 `json:"icp_distance_multiplier"`
	ICPMaxIterations         int     `json:"icp_max_iterations"`
	FastMaxIterations        int     `json:"fast_max_iterations"`
	NormalRadiusMultiplier   float64 `json:"normal_radius_multiplier"`
	NormalMaxNeighbors       int     `json:"normal_max_neighbors"`
	FeatureRadiusMultiplier  float64 `json:"feature_radius_multiplier"`
	FeatureMaxNeighbors      int     `json:"feature_max_neighbors"`
	ColoredLambdaGeometric   float64 `json:"colored_lambda_geometric"`
	// Seed seeds RANSAC sampling. Zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		RANSACDistanceMultiplier: 1.5,
		RANSACMaxIterations:      100000,
		RANSACMaxValidation:      1000,
		RANSACConfidence:         0.999,
		EdgeLengthThreshold:      0.9,
		ICPDistanceMultiplier:    0.4,
		ICPMaxIterations:         30,
		FastMaxIterations:        200,
		NormalRadiusMultiplier:   2,
		NormalMaxNeighbors:       30,
		FeatureRadiusMultiplier:  5,
		FeatureMaxNeighbors:      100,
		ColoredLambdaGeometric:   0.968,
	}
}

// WithDefaults fills every unset field with its default.
func (p Params) WithDefaults() Params {
	def := DefaultParams()
	setF := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	setI := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setF(&p.RANSACDistanceMultiplier, def.RANSACDistanceMultiplier)
	setI(&p.RANSACMaxIterations, def.RANSACMaxIterations)
	setI(&p.RANSACMaxValidation, def.RANSACMaxValidation)
	setF(&p.RANSACConfidence, def.RANSACConfidence)
	setF(&p.EdgeLengthThreshold, def.EdgeLengthThreshold)
	setF(&p.ICPDistanceMultiplier, def.ICPDistanceMultiplier)
	setI(&p.ICPMaxIterations, def.ICPMaxIterations)
	setI(&p.FastMaxIterations, def.FastMaxIterations)
	setF(&p.NormalRadiusMultiplier, def.NormalRadiusMultiplier)
	setI(&p.NormalMaxNeighbors, def.NormalMaxNeighbors)
	setF(&p.FeatureRadiusMultiplier, def.FeatureRadiusMultiplier)
	setI(&p.FeatureMaxNeighbors, def.FeatureMaxNeighbors)
	setF(&p.ColoredLambdaGeometric, def.ColoredLambdaGeometric)
	if p.RANSACConfidence >= 1 {
		p.RANSACConfidence = def.RANSACConfidence
	}
	if p.ColoredLambdaGeometric > 1 {
		p.ColoredLambdaGeometric = def.ColoredLambdaGeometric
	}
	return p
}

// StageSummary describes one phase of a registration.
type StageSummary struct {
	Method     string        `json:"method"`
	Iterations int           `json:"iterations"`
	Fitness    float64       `json:"fitness"`
	InlierRMSE float64       `json:"inlier_rmse"`
	Duration   time.Duration `json:"duration"`
}

// Result is a rigid transform that maps source onto target, with quality metrics computed on
// the full resolution clouds.
type Result struct {
	Transform       spatialmath.Transform `json:"transform"`
	Fitness         float64               `json:"fitness"`
	InlierRMSE      float64               `json:"inlier_rmse"`
	Correspondences int                   `json:"correspondences"`
	Strategy        Strategy              `json:"strategy"`
	Coarse          StageSummary          `json:"coarse"`
	Refine          StageSummary          `json:"refine"`
}

// rigidTolerance bounds how far a result may drift from a proper rotation.
const rigidTolerance = 1e-6

type (
	coarseFunc func(src, tgt *preprocessed, voxelSize float64, params Params) (spatialmath.Transform, StageSummary, error)
	refineFunc func(src, tgt *preprocessed, init spatialmath.Transform, voxelSize float64, params Params) (
		spatialmath.Transform, StageSummary, error)
)

// strategyFuncs describes a strategy as an initial alignment on the downsampled clouds
// followed by a refinement on the full resolution clouds.
type strategyFuncs struct {
	coarse coarseFunc
	refine refineFunc
	// needsFeatures computes FPFH on the downsampled clouds.
	needsFeatures bool
	// needsNormals estimates normals on the downsampled clouds.
	needsNormals bool
}

var strategies = map[Strategy]strategyFuncs{
	StrategyRANSAC: {
		coarse: coarseRANSAC, refine: refinePointToPlane,
		needsFeatures: true, needsNormals: true,
	},
	StrategyFast:         {coarse: coarseFast, refine: refinePointToPlane, needsNormals: true},
	StrategyPointToPoint: {coarse: downsampledICP(refinePointToPoint), refine: refinePointToPlane},
	StrategyPointToPlane: {
		coarse: downsampledICP(refinePointToPlane), refine: refinePointToPlane, needsNormals: true,
	},
	StrategyColored: {
		coarse: downsampledICP(refineColored), refine: refineColored, needsNormals: true,
	},
}

// Register aligns source onto target and returns the transform mapping source points into the
// target frame. Empty inputs fail with pointcloud.ErrEmptyCloud before any work is done. The
// computation is not interrupted once it has started; ctx is only checked on entry.
func Register(
	ctx context.Context,
	source, target pointcloud.PointCloud,
	voxelSize float64,
	strategy Strategy,
	params Params,
) (*Result, error) {
	if pointcloud.IsEmpty(source) {
		return nil, errors.Wrap(pointcloud.ErrEmptyCloud, "source")
	}
	if pointcloud.IsEmpty(target) {
		return nil, errors.Wrap(pointcloud.ErrEmptyCloud, "target")
	}
	if voxelSize <= 0 {
		return nil, errors.Errorf("voxel size must be positive, got %v", voxelSize)
	}
	funcs, ok := strategies[strategy]
	if !ok {
		return nil, errors.Errorf("unknown registration strategy %q", strategy)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params = params.WithDefaults()

	src, tgt, err := preprocessPair(ctx, source, target, voxelSize, params, funcs)
	if err != nil {
		return nil, err
	}

	init, coarse, err := funcs.coarse(src, tgt, voxelSize, params)
	if err != nil {
		return nil, err
	}

	fullSrc, fullTgt, err := originalPair(ctx, source, target, voxelSize, params)
	if err != nil {
		return nil, err
	}
	final, refine, err := funcs.refine(fullSrc, fullTgt, init, voxelSize, params)
	if err != nil {
		return nil, err
	}
	if !final.IsRigid(rigidTolerance) {
		return nil, errors.Wrapf(ErrRegistrationFailure, "%s produced a degenerate transform %v", strategy, final)
	}

	eval := evaluate(fullSrc, fullTgt, final, params.ICPDistanceMultiplier*voxelSize)
	return &Result{
		Transform:       final,
		Fitness:         eval.Fitness,
		InlierRMSE:      eval.InlierRMSE,
		Correspondences: eval.Correspondences,
		Strategy:        strategy,
		Coarse:          coarse,
		Refine:          refine,
	}, nil
}

// downsampledICP runs an ICP variant from the identity on the downsampled clouds so the full
// resolution pass starts close to the optimum.
func downsampledICP(refine refineFunc) coarseFunc {
	return func(src, tgt *preprocessed, voxelSize float64, params Params) (spatialmath.Transform, StageSummary, error) {
		return refine(src, tgt, spatialmath.NewIdentityTransform(), voxelSize, params)
	}
}
