package pointcloud

import (
	"bytes"
	"encoding/binary"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/scanfusion/logging"
)

func sampleCloud(t *testing.T, withNormals bool) PointCloud {
	t.Helper()
	pc := New()
	colors := []color.NRGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {12, 34, 56, 255}}
	for i, c := range colors {
		d := NewColoredData(c)
		if withNormals {
			d.SetNormal(r3.Vector{Z: -1})
		}
		test.That(t, pc.Append(NewVector(float64(i)*0.5, -0.25, 1.25), d), test.ShouldBeNil)
	}
	return pc
}

func assertCloudsMatch(t *testing.T, got, want PointCloud, tol float64) {
	t.Helper()
	test.That(t, got.Size(), test.ShouldEqual, want.Size())
	for i := 0; i < want.Size(); i++ {
		gp, gd := got.At(i)
		wp, wd := want.At(i)
		test.That(t, gp.Sub(wp).Norm(), test.ShouldBeLessThan, tol)
		test.That(t, gd.Color(), test.ShouldResemble, wd.Color())
		test.That(t, gd.HasNormal(), test.ShouldEqual, wd.HasNormal())
	}
}

func TestPCDRoundTrip(t *testing.T) {
	for _, pcdType := range []PCDType{PCDAscii, PCDBinary} {
		for _, withNormals := range []bool{false, true} {
			cloud := sampleCloud(t, withNormals)
			var buf bytes.Buffer
			test.That(t, ToPCD(cloud, &buf, pcdType), test.ShouldBeNil)

			got, err := ReadPCD(&buf)
			test.That(t, err, test.ShouldBeNil)
			assertCloudsMatch(t, got, cloud, 1e-6)
		}
	}

	var buf bytes.Buffer
	test.That(t, ToPCD(sampleCloud(t, false), &buf, PCDCompressed), test.ShouldNotBeNil)
}

func TestReadPCDFloatPackedColor(t *testing.T) {
	packed := math.Float32frombits(uint32(12)<<16 | uint32(34)<<8 | 56)
	var body bytes.Buffer
	body.WriteString("# .PCD v0.7 - Point Cloud Data file format\nVERSION 0.7\nFIELDS x y z rgb\nSIZE 4 4 4 4\n" +
		"TYPE F F F F\nCOUNT 1 1 1 1\nWIDTH 2\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 2\nDATA binary\n")
	for _, v := range []float32{0.1, 0.2, 0.3, packed, float32(math.NaN()), 0, 0, packed} {
		test.That(t, binary.Write(&body, binary.LittleEndian, v), test.ShouldBeNil)
	}

	pc, err := ReadPCD(&body)
	test.That(t, err, test.ShouldBeNil)
	// The NaN point marks a hole in an organized cloud and is skipped.
	test.That(t, pc.Size(), test.ShouldEqual, 1)
	_, d := pc.At(0)
	test.That(t, d.Color(), test.ShouldResemble, color.NRGBA{12, 34, 56, 255})
}

func TestReadPCDBadHeader(t *testing.T) {
	_, err := ReadPCD(strings.NewReader("VERSION .7\nFIELDS a b c\n"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadPCD(strings.NewReader("VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n" +
		"WIDTH 2\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 2\nDATA ascii\n1 2 3\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFileRoundTrip(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	cloud := sampleCloud(t, false)

	for _, name := range []string{"cloud.pcd", "cloud.las"} {
		fn := filepath.Join(dir, "nested", name)
		test.That(t, WriteToFile(cloud, fn), test.ShouldBeNil)

		got, err := NewFromFile(fn, logger)
		test.That(t, err, test.ShouldBeNil)
		assertCloudsMatch(t, got, cloud, 1e-2)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 2)

	_, err = NewFromFile(filepath.Join(dir, "cloud.xyz"), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, WriteToFile(cloud, filepath.Join(dir, "cloud.xyz")), test.ShouldNotBeNil)
}
