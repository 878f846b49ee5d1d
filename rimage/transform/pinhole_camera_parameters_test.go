package transform

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestCheckValid(t *testing.T) {
	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, errors.Is(nilIntrinsics.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)

	good := &PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Ppx: 32, Ppy: 24}
	test.That(t, good.CheckValid(), test.ShouldBeNil)
	test.That(t, good.Scale(), test.ShouldEqual, DefaultDepthScale)

	for _, bad := range []PinholeCameraIntrinsics{
		{Width: 0, Height: 48, Fx: 50, Fy: 50},
		{Width: 64, Height: 48, Fx: 0, Fy: 50},
		{Width: 64, Height: 48, Fx: 50, Fy: 50, Ppx: -1},
		{Width: 64, Height: 48, Fx: 50, Fy: 50, DepthScale: -1},
	} {
		test.That(t, errors.Is(bad.CheckValid(), ErrNoIntrinsics), test.ShouldBeTrue)
	}
}

func TestPixelRoundTrip(t *testing.T) {
	intrin := &PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 50, Fy: 40, Ppx: 32, Ppy: 24}
	pt := intrin.PixelToPoint(10, 5, 2)
	test.That(t, pt.Z, test.ShouldEqual, 2.)
	x, y := intrin.PointToPixel(pt.X, pt.Y, pt.Z)
	test.That(t, x, test.ShouldAlmostEqual, 10.)
	test.That(t, y, test.ShouldAlmostEqual, 5.)
}

func TestIntrinsicsJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "intrinsics.json")
	intrin := &PinholeCameraIntrinsics{Width: 64, Height: 48, Fx: 50, Fy: 40, Ppx: 32, Ppy: 24, DepthScale: 0.0005}
	test.That(t, intrin.WriteJSONFile(path), test.ShouldBeNil)
	read, err := NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read, test.ShouldResemble, intrin)

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
