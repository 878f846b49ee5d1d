package registration

import (
	"context"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"

	"go.viam.com/scanfusion/pointcloud"
)

// preprocessed is a cloud flattened into parallel slices with its spatial index, ready for the
// inner loops of the solvers.
type preprocessed struct {
	points   []r3.Vector
	colors   []float64 // intensity in [0, 1]
	normals  []r3.Vector
	tree     *pointcloud.KDTree
	features [][]float64
}

func flatten(pc pointcloud.PointCloud) *preprocessed {
	out := &preprocessed{
		points: make([]r3.Vector, 0, pc.Size()),
		colors: make([]float64, 0, pc.Size()),
	}
	hasNormals := pc.MetaData().HasNormals
	if hasNormals {
		out.normals = make([]r3.Vector, 0, pc.Size())
	}
	pc.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		out.points = append(out.points, p)
		c := pointcloud.ColorToUnit(d)
		out.colors = append(out.colors, (c.X+c.Y+c.Z)/3)
		if hasNormals {
			out.normals = append(out.normals, d.Normal())
		}
		return true
	})
	out.tree = pointcloud.NewKDTree(out.points)
	return out
}

func (p *preprocessed) size() int {
	return len(p.points)
}

// prepare downsamples one cloud and attaches whatever the strategy needs.
func prepare(pc pointcloud.PointCloud, voxelSize float64, params Params, funcs strategyFuncs) (*preprocessed, error) {
	down, err := pointcloud.VoxelDownsample(pc, voxelSize)
	if err != nil {
		return nil, err
	}
	if funcs.needsNormals || funcs.needsFeatures {
		down = pointcloud.EstimateNormals(down, params.NormalRadiusMultiplier*voxelSize, params.NormalMaxNeighbors)
	}
	out := flatten(down)
	if funcs.needsFeatures {
		out.features = computeFPFH(out, params.FeatureRadiusMultiplier*voxelSize, params.FeatureMaxNeighbors)
	}
	return out, nil
}

// preprocessPair prepares source and target concurrently.
func preprocessPair(
	ctx context.Context,
	source, target pointcloud.PointCloud,
	voxelSize float64,
	params Params,
	funcs strategyFuncs,
) (*preprocessed, *preprocessed, error) {
	var src, tgt *preprocessed
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		src, err = prepare(source, voxelSize, params, funcs)
		return err
	})
	g.Go(func() (err error) {
		tgt, err = prepare(target, voxelSize, params, funcs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, tgt, nil
}

// originalPair flattens the full resolution clouds for refinement. Only the target needs
// normals, for the point-to-plane and colored residuals.
func originalPair(
	ctx context.Context,
	source, target pointcloud.PointCloud,
	voxelSize float64,
	params Params,
) (*preprocessed, *preprocessed, error) {
	var src, tgt *preprocessed
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		src = flatten(source)
		return nil
	})
	g.Go(func() error {
		tgt = flatten(pointcloud.EstimateNormals(target, params.NormalRadiusMultiplier*voxelSize, params.NormalMaxNeighbors))
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, tgt, nil
}
