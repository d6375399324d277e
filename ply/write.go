package ply

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Write encodes f. Every element must hold exactly Count rows.
func Write(w io.Writer, f *File) error {
	for _, e := range f.Elements {
		if err := e.checkShape(); err != nil {
			return err
		}
	}
	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, f); err != nil {
		return err
	}
	var err error
	if f.Format == ASCII {
		err = writeASCII(bw, f)
	} else {
		err = writeBinary(bw, f)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func (e *Element) checkShape() error {
	if len(e.Columns) != len(e.Properties) || len(e.Lists) != len(e.Properties) {
		return errors.Errorf("element %q has %d properties but storage for %d", e.Name, len(e.Properties), len(e.Columns))
	}
	for i, p := range e.Properties {
		n := len(e.Columns[i])
		if p.List {
			n = len(e.Lists[i])
		}
		if n != e.Count {
			return errors.Errorf("element %q property %q has %d rows, expected %d", e.Name, p.Name, n, e.Count)
		}
	}
	return nil
}

func writeHeader(w *bufio.Writer, f *File) error {
	var sb strings.Builder
	sb.WriteString("ply\n")
	fmt.Fprintf(&sb, "format %s 1.0\n", f.Format)
	for _, c := range f.Comments {
		if strings.ContainsAny(c, "\r\n") {
			return errors.Errorf("ply comment %q spans lines", c)
		}
		fmt.Fprintf(&sb, "comment %s\n", c)
	}
	for _, e := range f.Elements {
		fmt.Fprintf(&sb, "element %s %d\n", e.Name, e.Count)
		for _, p := range e.Properties {
			if p.List {
				fmt.Fprintf(&sb, "property list %s %s %s\n", p.CountType, p.Type, p.Name)
			} else {
				fmt.Fprintf(&sb, "property %s %s\n", p.Type, p.Name)
			}
		}
	}
	sb.WriteString("end_header\n")
	_, err := w.WriteString(sb.String())
	return err
}

func formatASCII(t ScalarType, v float64) string {
	switch t {
	case Float32:
		return strconv.FormatFloat(float64(float32(v)), 'g', -1, 32)
	case Float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return strconv.FormatInt(int64(v), 10)
	}
}

func writeASCII(w *bufio.Writer, f *File) error {
	fields := make([]string, 0, 16)
	for _, e := range f.Elements {
		for row := 0; row < e.Count; row++ {
			fields = fields[:0]
			for i, p := range e.Properties {
				if !p.List {
					fields = append(fields, formatASCII(p.Type, e.Columns[i][row]))
					continue
				}
				list := e.Lists[i][row]
				fields = append(fields, strconv.Itoa(len(list)))
				for _, v := range list {
					fields = append(fields, formatASCII(p.Type, float64(v)))
				}
			}
			if _, err := w.WriteString(strings.Join(fields, " ")); err != nil {
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
	}
	return nil
}

func byteOrder(f Format) binary.ByteOrder {
	if f == BinaryBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func putScalar(order binary.ByteOrder, buf []byte, t ScalarType, v float64) []byte {
	switch t {
	case Int8:
		buf[0] = byte(int8(v))
	case Uint8:
		buf[0] = byte(v)
	case Int16:
		order.PutUint16(buf, uint16(int16(v)))
	case Uint16:
		order.PutUint16(buf, uint16(v))
	case Int32:
		order.PutUint32(buf, uint32(int32(v)))
	case Uint32:
		order.PutUint32(buf, uint32(v))
	case Float32:
		order.PutUint32(buf, math.Float32bits(float32(v)))
	default:
		order.PutUint64(buf, math.Float64bits(v))
	}
	return buf[:t.size()]
}

func writeBinary(w *bufio.Writer, f *File) error {
	order := byteOrder(f.Format)
	var buf [8]byte
	for _, e := range f.Elements {
		for row := 0; row < e.Count; row++ {
			for i, p := range e.Properties {
				if !p.List {
					if _, err := w.Write(putScalar(order, buf[:], p.Type, e.Columns[i][row])); err != nil {
						return err
					}
					continue
				}
				list := e.Lists[i][row]
				if _, err := w.Write(putScalar(order, buf[:], p.CountType, float64(len(list)))); err != nil {
					return err
				}
				for _, v := range list {
					if _, err := w.Write(putScalar(order, buf[:], p.Type, float64(v))); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
