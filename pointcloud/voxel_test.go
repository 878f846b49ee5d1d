package pointcloud

import (
	"image/color"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestVoxelDownsample(t *testing.T) {
	pc := New()
	test.That(t, pc.Append(NewVector(0.01, 0.01, 0.01), NewColoredData(color.NRGBA{R: 200, A: 255})), test.ShouldBeNil)
	test.That(t, pc.Append(NewVector(0.03, 0.03, 0.03), NewColoredData(color.NRGBA{R: 100, A: 255})), test.ShouldBeNil)
	test.That(t, pc.Append(NewVector(0.21, 0.01, 0.01), NewColoredData(color.NRGBA{G: 50, A: 255})), test.ShouldBeNil)
	test.That(t, pc.Append(NewVector(-0.01, 0.01, 0.01), nil), test.ShouldBeNil)

	down, err := VoxelDownsample(pc, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Size(), test.ShouldEqual, 3)

	// Cells come out ordered, so the negative x cell is first.
	p, d := down.At(0)
	test.That(t, p.X, test.ShouldAlmostEqual, -0.01)
	test.That(t, d, test.ShouldBeNil)

	p, d = down.At(1)
	test.That(t, p.Sub(r3.Vector{X: 0.02, Y: 0.02, Z: 0.02}).Norm(), test.ShouldAlmostEqual, 0, 1e-12)
	r, _, _ := d.RGB255()
	test.That(t, r, test.ShouldEqual, uint8(150))

	_, err = VoxelDownsample(pc, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = VoxelDownsample(New(), 0.1)
	test.That(t, err, test.ShouldBeError, ErrEmptyCloud)
}

func TestVoxelDownsampleAveragesNormals(t *testing.T) {
	pc := New()
	test.That(t, pc.Append(NewVector(0, 0, 0), NewBasicData().SetNormal(r3.Vector{X: 1})), test.ShouldBeNil)
	test.That(t, pc.Append(NewVector(0.01, 0, 0), NewBasicData().SetNormal(r3.Vector{Y: 1})), test.ShouldBeNil)

	down, err := VoxelDownsample(pc, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.MetaData().HasNormals, test.ShouldBeTrue)
	_, d := down.At(0)
	test.That(t, d.Normal().Norm(), test.ShouldAlmostEqual, 1)
	test.That(t, d.Normal().X, test.ShouldAlmostEqual, d.Normal().Y)
}
