package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/scanfusion/logging"
	"go.viam.com/scanfusion/utils"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

// NewFromFile returns a pointcloud read in from the given file. The format is picked from the
// extension: .pcd or .las.
func NewFromFile(fn string, logger logging.Logger) (PointCloud, error) {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".las":
		return NewFromLASFile(fn, logger)
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		pc, err := ReadPCD(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %q", fn)
		}
		return pc, nil
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// WriteToFile writes the cloud to fn, picking the format from the extension. The file appears
// atomically: readers see either the previous content or the complete new cloud.
func WriteToFile(cloud PointCloud, fn string) error {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".las":
		if err := utils.EnsureDir(filepath.Dir(fn)); err != nil {
			return err
		}
		tmp := filepath.Join(filepath.Dir(fn), ".tmp-"+filepath.Base(fn))
		if err := WriteToLASFile(cloud, tmp); err != nil {
			utils.RemoveFileNoError(tmp)
			return err
		}
		return errors.Wrapf(os.Rename(tmp, fn), "renaming %q", tmp)
	case ".pcd":
		return utils.WriteFileAtomic(fn, func(w io.Writer) error {
			bw := bufio.NewWriter(w)
			if err := ToPCD(cloud, bw, PCDBinary); err != nil {
				return err
			}
			return bw.Flush()
		})
	default:
		return errors.Errorf("do not know how to write file %q", fn)
	}
}

// NewFromLASFile returns a point cloud from reading a LAS file. If any
// lossiness of points could occur from reading it in, it's reported but is not
// an error.
func NewFromLASFile(fn string, logger logging.Logger) (PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(lf.Close)

	pc := NewWithPrealloc(lf.Header.NumberPoints)
	warned := false
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()

		v := r3.Vector{X: data.X, Y: data.Y, Z: data.Z}
		if !warned && (math.Abs(v.X) > maxPreciseFloat64 || math.Abs(v.Y) > maxPreciseFloat64 ||
			math.Abs(v.Z) > maxPreciseFloat64) {
			logger.Warnw("potential floating point lossiness for LAS point", "point", v, "file", fn)
			warned = true
		}
		var dd Data
		if lf.Header.PointFormatID == 2 && p.RgbData() != nil {
			r := uint8(p.RgbData().Red / 256)
			g := uint8(p.RgbData().Green / 256)
			b := uint8(p.RgbData().Blue / 256)
			dd = NewColoredData(color.NRGBA{r, g, b, 255})
		}

		if err := pc.Append(v, dd); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// maxPreciseFloat64 bounds coordinates that survive LAS integer scaling without loss.
const maxPreciseFloat64 = float64(1 << 31 / 1000)

// WriteToLASFile writes the point cloud out to a LAS file.
func WriteToLASFile(cloud PointCloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	meta := cloud.MetaData()
	pointFormatID := 0
	if meta.HasColor {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: byte(pointFormatID)}); err != nil {
		return
	}

	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		var lp lidario.LasPointer
		pr0 := &lidario.PointRecord0{
			X: pos.X,
			Y: pos.Y,
			Z: pos.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			PointSourceID: 1,
		}
		lp = pr0

		if meta.HasColor {
			red, green, blue := 255, 255, 255
			if d != nil && d.HasColor() {
				r, g, b := d.RGB255()
				red, green, blue = int(r), int(g), int(b)
			}
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(red * 256),
					Green: uint16(green * 256),
					Blue:  uint16(blue * 256),
				},
			}
		}
		if lerr := lf.AddLasPoint(lp); lerr != nil {
			err = lerr
			return false
		}
		return true
	})
	return err
}

func colorToPCDInt(pt Data) uint32 {
	if pt == nil || !pt.HasColor() {
		return 255 << 16
	}

	r, g, b := pt.RGB255()
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func pcdIntToColor(c uint32) color.NRGBA {
	return color.NRGBA{uint8(0xFF & (c >> 16)), uint8(0xFF & (c >> 8)), uint8(0xFF & c), 255}
}

// ToPCD writes the cloud in PCD v0.7, positions in meters. Colors are packed into an rgb field
// and normals, when every point has one, into normal_x normal_y normal_z.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	meta := cloud.MetaData()
	hasColor, hasNormals := meta.HasColor, meta.HasNormals && cloud.Size() > 0

	fields := []string{"x", "y", "z"}
	sizes := []string{"4", "4", "4"}
	types := []string{"F", "F", "F"}
	if hasColor {
		fields = append(fields, "rgb")
		sizes = append(sizes, "4")
		types = append(types, "U")
	}
	if hasNormals {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
		sizes = append(sizes, "4", "4", "4")
		types = append(types, "F", "F", "F")
	}
	counts := strings.TrimSpace(strings.Repeat("1 ", len(fields)))

	var dataLine string
	switch outputType {
	case PCDBinary:
		dataLine = "binary"
	case PCDAscii:
		dataLine = "ascii"
	case PCDCompressed:
		return errors.New("compressed PCD not yet implemented")
	default:
		return errors.Errorf("unknown PCD type %d", outputType)
	}

	if _, err := fmt.Fprintf(out, "VERSION .7\nFIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\n"+
		"WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n",
		strings.Join(fields, " "), strings.Join(sizes, " "), strings.Join(types, " "), counts,
		cloud.Size(), cloud.Size(), dataLine); err != nil {
		return err
	}

	var err error
	buf := make([]byte, 0, 4*len(fields))
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		switch outputType {
		case PCDBinary:
			buf = buf[:0]
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(pos.X)))
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(pos.Y)))
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(pos.Z)))
			if hasColor {
				buf = binary.LittleEndian.AppendUint32(buf, colorToPCDInt(d))
			}
			if hasNormals {
				n := d.Normal()
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(n.X)))
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(n.Y)))
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(n.Z)))
			}
			_, err = out.Write(buf)
		default:
			line := fmt.Sprintf("%f %f %f", pos.X, pos.Y, pos.Z)
			if hasColor {
				line += fmt.Sprintf(" %d", colorToPCDInt(d))
			}
			if hasNormals {
				n := d.Normal()
				line += fmt.Sprintf(" %f %f %f", n.X, n.Y, n.Z)
			}
			_, err = fmt.Fprintln(out, line)
		}
		return err == nil
	})
	return err
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

type pcdHeader struct {
	fields []string
	size   []int
	types  []string
	width  uint64
	height uint64
	points uint64
	data   PCDType

	xIdx, yIdx, zIdx, rgbIdx, nxIdx, nyIdx, nzIdx int
}

func (h *pcdHeader) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = tokens
		header.xIdx, header.yIdx, header.zIdx = header.fieldIndex("x"), header.fieldIndex("y"), header.fieldIndex("z")
		if header.xIdx < 0 || header.yIdx < 0 || header.zIdx < 0 {
			return errors.Errorf("unsupported pcd fields %s", value)
		}
		header.rgbIdx = header.fieldIndex("rgb")
		header.nxIdx, header.nyIdx, header.nzIdx = header.fieldIndex("normal_x"), header.fieldIndex("normal_y"), header.fieldIndex("normal_z")
	case "SIZE":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in SIZE line")
		}
		header.size = make([]int, len(tokens))
		for i, token := range tokens {
			size, err := strconv.Atoi(token)
			if err != nil || (size != 4 && size != 8) {
				return errors.Errorf("invalid SIZE field %s", token)
			}
			header.size[i] = size
		}
	case "TYPE":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in TYPE line")
		}
		header.types = tokens
	case "COUNT":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in COUNT line")
		}
		for _, token := range tokens {
			if token != "1" {
				return errors.Errorf("unsupported COUNT field %s", token)
			}
		}
	case "WIDTH":
		var err error
		if header.width, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		var err error
		if header.height, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		points, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", points, header.width*header.height)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unknown DATA field %s", value)
		}
	}

	return nil
}

// ReadPCD reads a PCD v0.7 stream with ascii or binary data. Positions are in meters.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	default:
		return nil, errors.New("compressed pcd not yet supported")
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	values := make([]float64, len(header.fields))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != len(header.fields) {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		for j, token := range tokens {
			if j == header.rgbIdx && header.types[j] != "F" {
				u, err := strconv.ParseUint(token, 10, 32)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid point %d rgb %s", i, token)
				}
				values[j] = float64(u)
				continue
			}
			if values[j], err = strconv.ParseFloat(token, 64); err != nil {
				return nil, errors.Wrapf(err, "invalid point %d field %s", i, token)
			}
		}
		if err := appendPCDPoint(pc, values, header, false); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	values := make([]float64, len(header.fields))
	for i := 0; i < int(header.points); i++ {
		for j := range header.fields {
			buf := make([]byte, header.size[j])
			if _, err := io.ReadFull(in, buf); err != nil {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			values[j] = decodePCDValue(buf, header.types[j], j == header.rgbIdx)
		}
		if err := appendPCDPoint(pc, values, header, true); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// decodePCDValue decodes one little endian field. A packed rgb field keeps its raw bits.
func decodePCDValue(buf []byte, typ string, packedColor bool) float64 {
	if len(buf) == 8 {
		bits := binary.LittleEndian.Uint64(buf)
		switch typ {
		case "F":
			return math.Float64frombits(bits)
		case "I":
			return float64(int64(bits))
		default:
			return float64(bits)
		}
	}
	bits := binary.LittleEndian.Uint32(buf)
	if packedColor {
		return float64(bits)
	}
	switch typ {
	case "F":
		return float64(math.Float32frombits(bits))
	case "I":
		return float64(int32(bits))
	default:
		return float64(bits)
	}
}

func appendPCDPoint(pc PointCloud, values []float64, header pcdHeader, rgbIsBits bool) error {
	pos := r3.Vector{X: values[header.xIdx], Y: values[header.yIdx], Z: values[header.zIdx]}
	// Organized clouds mark missing points with NaN.
	if !isFinite(pos) {
		return nil
	}
	var d Data
	if header.rgbIdx >= 0 {
		raw := values[header.rgbIdx]
		var packed uint32
		if !rgbIsBits && header.types[header.rgbIdx] == "F" {
			packed = math.Float32bits(float32(raw))
		} else {
			packed = uint32(raw)
		}
		d = NewColoredData(pcdIntToColor(packed))
	}
	if header.nxIdx >= 0 && header.nyIdx >= 0 && header.nzIdx >= 0 {
		n := r3.Vector{X: values[header.nxIdx], Y: values[header.nyIdx], Z: values[header.nzIdx]}
		if isFinite(n) && n.Norm() > 0 {
			if d == nil {
				d = NewBasicData()
			}
			d.SetNormal(n.Normalize())
		}
	}
	return pc.Append(pos, d)
}
