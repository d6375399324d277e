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

	"go.viam.com/recon/logging"
	"go.viam.com/recon/ply"
	"go.viam.com/recon/utils"
)

// NewFromFile returns a dense point cloud read in from the given file, by extension.
func NewFromFile(fn string, logger logging.Logger) (*Dense, error) {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".ply":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		d, _, err := ReadPLY(f)
		return d, err
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		return ReadPCD(f)
	case ".las":
		return NewFromLASFile(fn, logger)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// PLYOptions controls dense cloud PLY output.
type PLYOptions struct {
	ASCII    bool
	Comments []string
}

func vertexProperties(d *Dense) []ply.Property {
	props := []ply.Property{ply.Scalar("x", ply.Float32), ply.Scalar("y", ply.Float32), ply.Scalar("z", ply.Float32)}
	if d.HasNormals() {
		props = append(props, ply.Scalar("nx", ply.Float32), ply.Scalar("ny", ply.Float32), ply.Scalar("nz", ply.Float32))
	}
	if d.HasColors() {
		props = append(props, ply.Scalar("red", ply.Uint8), ply.Scalar("green", ply.Uint8), ply.Scalar("blue", ply.Uint8))
	}
	if d.HasConfidences() {
		props = append(props, ply.Scalar("confidence", ply.Float32))
	}
	return props
}

// DenseToPLY builds the PLY document for a dense cloud. Per point views are not stored.
func DenseToPLY(d *Dense, opts PLYOptions) *ply.File {
	v := ply.NewElement("vertex", d.Len(), vertexProperties(d)...)
	x, y, z := v.Column("x"), v.Column("y"), v.Column("z")
	for i, p := range d.Positions {
		x[i], y[i], z[i] = p.X, p.Y, p.Z
	}
	if d.HasNormals() {
		nx, ny, nz := v.Column("nx"), v.Column("ny"), v.Column("nz")
		for i, n := range d.Normals {
			nx[i], ny[i], nz[i] = n.X, n.Y, n.Z
		}
	}
	if d.HasColors() {
		r, g, b := v.Column("red"), v.Column("green"), v.Column("blue")
		for i, c := range d.Colors {
			r[i], g[i], b[i] = float64(c.R), float64(c.G), float64(c.B)
		}
	}
	if d.HasConfidences() {
		copy(v.Column("confidence"), d.Confidences)
	}
	format := ply.BinaryLittleEndian
	if opts.ASCII {
		format = ply.ASCII
	}
	return &ply.File{Format: format, Comments: opts.Comments, Elements: []*ply.Element{v}}
}

// DenseFromPLYVertices reads positions and any normals, colors and confidences from a vertex
// element.
func DenseFromPLYVertices(v *ply.Element) (*Dense, error) {
	if v == nil {
		return nil, errors.New("ply has no vertex element")
	}
	if !v.Has("x", "y", "z") {
		return nil, errors.New("ply vertex element lacks x, y or z")
	}
	d := NewDense(v.Count)
	x, y, z := v.Column("x"), v.Column("y"), v.Column("z")
	for i := range d.Positions {
		d.Positions[i] = r3.Vector{X: x[i], Y: y[i], Z: z[i]}
	}
	if v.Has("nx", "ny", "nz") {
		WithNormals()(d, v.Count)
		nx, ny, nz := v.Column("nx"), v.Column("ny"), v.Column("nz")
		for i := range d.Normals {
			d.Normals[i] = r3.Vector{X: nx[i], Y: ny[i], Z: nz[i]}
		}
	}
	if v.Has("red", "green", "blue") {
		WithColors()(d, v.Count)
		r, g, b := v.Column("red"), v.Column("green"), v.Column("blue")
		for i := range d.Colors {
			d.Colors[i] = color.NRGBA{R: uint8(r[i]), G: uint8(g[i]), B: uint8(b[i]), A: 255}
		}
	}
	if v.Has("confidence") {
		d.Confidences = append([]float64(nil), v.Column("confidence")...)
	}
	return d, nil
}

// WritePLY writes a dense cloud as PLY.
func WritePLY(w io.Writer, d *Dense, opts PLYOptions) error {
	return ply.Write(w, DenseToPLY(d, opts))
}

// ReadPLY reads a dense cloud and the file comments.
func ReadPLY(r io.Reader) (*Dense, []string, error) {
	f, err := ply.Read(r)
	if err != nil {
		return nil, nil, err
	}
	d, err := DenseFromPLYVertices(f.Element("vertex"))
	if err != nil {
		return nil, nil, err
	}
	return d, f.Comments, nil
}

// WriteToPLYFile writes a dense cloud to path atomically.
func WriteToPLYFile(path string, d *Dense, opts PLYOptions) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		return WritePLY(w, d, opts)
	})
}

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

func colorToPCDInt(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func pcdIntToColor(c uint32) color.NRGBA {
	return color.NRGBA{R: uint8(0xFF & (c >> 16)), G: uint8(0xFF & (c >> 8)), B: uint8(0xFF & c), A: 255}
}

// ToPCD writes the positions, and colors when present, of a dense cloud as PCD.
func ToPCD(cloud *Dense, out io.Writer, outputType PCDType) error {
	if outputType == PCDCompressed {
		return errors.New("compressed PCD not yet implemented")
	}
	bw := bufio.NewWriter(out)
	fmt.Fprintf(bw, "VERSION .7\n")
	if cloud.HasColors() {
		fmt.Fprintf(bw, "FIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\nCOUNT 1 1 1 1\n")
	} else {
		fmt.Fprintf(bw, "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	}
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\n", cloud.Len(), cloud.Len())
	if outputType == PCDBinary {
		fmt.Fprintf(bw, "DATA binary\n")
	} else {
		fmt.Fprintf(bw, "DATA ascii\n")
	}
	buf := make([]byte, 16)
	for i, p := range cloud.Positions {
		switch outputType {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			n := 12
			if cloud.HasColors() {
				binary.LittleEndian.PutUint32(buf[12:], colorToPCDInt(cloud.Colors[i]))
				n = 16
			}
			if _, err := bw.Write(buf[:n]); err != nil {
				return err
			}
		default:
			line := fmt.Sprintf("%s %s %s",
				strconv.FormatFloat(p.X, 'g', -1, 32),
				strconv.FormatFloat(p.Y, 'g', -1, 32),
				strconv.FormatFloat(p.Z, 'g', -1, 32))
			if cloud.HasColors() {
				line += " " + strconv.FormatUint(uint64(colorToPCDInt(cloud.Colors[i])), 10)
			}
			if _, err := bw.WriteString(line + "\n"); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

type pcdHeader struct {
	fields []string
	points int
	data   PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}
	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch value {
		case "x y z", "x y z rgb":
			header.fields = strings.Fields(value)
		default:
			return errors.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE", "TYPE", "COUNT":
		if len(strings.Fields(value)) != len(header.fields) {
			return errors.Errorf("unexpected number of fields in %s line", name)
		}
	case "POINTS":
		points, err := strconv.Atoi(value)
		if err != nil || points < 0 {
			return errors.Errorf("invalid POINTS field %s", value)
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
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

// ReadPCD reads a cloud written by ToPCD.
func ReadPCD(inRaw io.Reader) (*Dense, error) {
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
	var opts []DenseOption
	hasColor := len(header.fields) == 4
	if hasColor {
		opts = append(opts, WithColors())
	}
	d := NewDense(header.points, opts...)
	switch header.data {
	case PCDAscii:
		for i := 0; i < header.points; i++ {
			line, err := in.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			tokens := strings.Fields(line)
			if len(tokens) != len(header.fields) {
				return nil, errors.Errorf("unexpected number of fields in point %d", i)
			}
			var xyz [3]float64
			for j := 0; j < 3; j++ {
				if xyz[j], err = strconv.ParseFloat(tokens[j], 64); err != nil {
					return nil, errors.Wrapf(err, "invalid point %d", i)
				}
			}
			d.Positions[i] = r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]}
			if hasColor {
				c, err := strconv.ParseUint(tokens[3], 10, 32)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid color of point %d", i)
				}
				d.Colors[i] = pcdIntToColor(uint32(c))
			}
		}
	case PCDBinary:
		buf := make([]byte, 4*len(header.fields))
		for i := 0; i < header.points; i++ {
			if _, err := io.ReadFull(in, buf); err != nil {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			f := func(k int) float64 {
				return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*k:])))
			}
			d.Positions[i] = r3.Vector{X: f(0), Y: f(1), Z: f(2)}
			if hasColor {
				d.Colors[i] = pcdIntToColor(binary.LittleEndian.Uint32(buf[12:]))
			}
		}
	default:
		return nil, errors.New("compressed pcd not yet supported")
	}
	return d, nil
}

// WriteToPCDFile writes a cloud as binary PCD atomically.
func WriteToPCDFile(path string, d *Dense) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		return ToPCD(d, w, PCDBinary)
	})
}

// NewFromLASFile returns a point cloud from reading a LAS file.
func NewFromLASFile(fn string, logger logging.Logger) (*Dense, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(lf.Close)

	hasColor := lf.Header.PointFormatID == 2
	var opts []DenseOption
	if hasColor {
		opts = append(opts, WithColors())
	}
	d := NewDense(lf.Header.NumberPoints, opts...)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		d.Positions[i] = r3.Vector{X: data.X, Y: data.Y, Z: data.Z}
		if hasColor {
			if rgb := p.RgbData(); rgb != nil {
				d.Colors[i] = color.NRGBA{R: uint8(rgb.Red / 256), G: uint8(rgb.Green / 256), B: uint8(rgb.Blue / 256), A: 255}
			} else {
				logger.Debugw("LAS point without color", "index", i)
			}
		}
	}
	return d, nil
}

// WriteToLASFile writes the point cloud out to a LAS file. The file is assembled next to fn and
// renamed into place.
func WriteToLASFile(cloud *Dense, fn string) (err error) {
	tmp := filepath.Join(filepath.Dir(fn), "."+filepath.Base(fn)+".tmp")
	lf, err := lidario.NewLasFile(tmp, "w")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
		if err == nil {
			err = os.Rename(tmp, fn)
		} else {
			utils.RemoveFileNoError(tmp)
		}
	}()

	pointFormatID := 0
	if cloud.HasColors() {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: byte(pointFormatID)}); err != nil {
		return err
	}
	for i, pos := range cloud.Positions {
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
		if cloud.HasConfidences() {
			pr0.Intensity = uint16(math.Round(utils.Clamp(cloud.Confidences[i], 0, 1) * math.MaxUint16))
		}
		lp = pr0
		if cloud.HasColors() {
			c := cloud.Colors[i]
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(c.R) * 256,
					Green: uint16(c.G) * 256,
					Blue:  uint16(c.B) * 256,
				},
			}
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return err
		}
	}
	return nil
}
