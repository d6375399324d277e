package mesh

import (
	"bufio"
	"image/color"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// WriteOFF writes the mesh as OFF, or COFF when it carries vertex colors.
func WriteOFF(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	if m.HasColors() {
		bw.WriteString("COFF\n")
	} else {
		bw.WriteString("OFF\n")
	}
	bw.WriteString(strconv.Itoa(len(m.Vertices)) + " " + strconv.Itoa(len(m.Faces)) + " 0\n")
	for i, v := range m.Vertices {
		bw.WriteString(formatFloat(v.X) + " " + formatFloat(v.Y) + " " + formatFloat(v.Z))
		if m.HasColors() {
			c := m.Colors[i]
			bw.WriteString(" " + strconv.Itoa(int(c.R)) + " " + strconv.Itoa(int(c.G)) + " " + strconv.Itoa(int(c.B)) + " " + strconv.Itoa(int(c.A)))
		}
		bw.WriteByte('\n')
	}
	for _, f := range m.Faces {
		bw.WriteString("3 " + strconv.Itoa(f[0]) + " " + strconv.Itoa(f[1]) + " " + strconv.Itoa(f[2]) + "\n")
	}
	return bw.Flush()
}

// ReadOFF reads OFF and COFF files. Polygons are fan triangulated.
func ReadOFF(r io.Reader) (*Mesh, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	next := func() ([]string, error) {
		for sc.Scan() {
			line, _, _ := strings.Cut(sc.Text(), "#")
			if fields := strings.Fields(line); len(fields) > 0 {
				return fields, nil
			}
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	fields, err := next()
	if err != nil {
		return nil, err
	}
	colored := false
	switch fields[0] {
	case "OFF":
	case "COFF":
		colored = true
	default:
		return nil, errors.Errorf("not an OFF file: starts with %q", fields[0])
	}
	fields = fields[1:]
	if len(fields) == 0 {
		if fields, err = next(); err != nil {
			return nil, err
		}
	}
	if len(fields) < 2 {
		return nil, errors.New("OFF counts line is malformed")
	}
	nv, err1 := strconv.Atoi(fields[0])
	nf, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || nv < 0 || nf < 0 {
		return nil, errors.New("OFF counts are invalid")
	}
	m := &Mesh{Vertices: make([]r3.Vector, nv)}
	if colored {
		m.Colors = make([]color.NRGBA, nv)
	}
	for i := 0; i < nv; i++ {
		fields, err := next()
		if err != nil {
			return nil, errors.Wrapf(err, "vertex %d", i)
		}
		vals, err := parseFloats(fields)
		if err != nil || len(vals) < 3 || (colored && len(vals) < 6) {
			return nil, errors.Errorf("vertex %d is malformed", i)
		}
		m.Vertices[i] = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
		if colored {
			c := color.NRGBA{R: uint8(vals[3]), G: uint8(vals[4]), B: uint8(vals[5]), A: 255}
			if len(vals) >= 7 {
				c.A = uint8(vals[6])
			}
			m.Colors[i] = c
		}
	}
	for i := 0; i < nf; i++ {
		fields, err := next()
		if err != nil {
			return nil, errors.Wrapf(err, "face %d", i)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 3 || len(fields) < n+1 {
			return nil, errors.Errorf("face %d is malformed", i)
		}
		idx := make([]int, n)
		for k := range idx {
			if idx[k], err = strconv.Atoi(fields[k+1]); err != nil {
				return nil, errors.Errorf("face %d is malformed", i)
			}
		}
		for k := 1; k+1 < n; k++ {
			m.Faces = append(m.Faces, Face{idx[0], idx[k], idx[k+1]})
		}
	}
	return m, nil
}
