package ply

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/chenzhekl/goply"
	"github.com/pkg/errors"
)

// Read decodes a PLY document.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)
	f, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if f.Format == ASCII {
		err = readASCII(br, f)
	} else {
		err = readBinary(br, f)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func readHeader(br *bufio.Reader) (*File, error) {
	f := &File{}
	var current *Element
	var props []Property
	finish := func() {
		if current != nil {
			counted := NewElement(current.Name, current.Count, props...)
			f.Elements = append(f.Elements, counted)
		}
	}
	sawFormat := false
	for lineNum := 0; ; lineNum++ {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "reading ply header line %d", lineNum)
		}
		line = strings.TrimRight(line, "\r\n")
		if lineNum == 0 {
			if line != "ply" {
				return nil, errors.New("not a ply file: missing magic")
			}
			continue
		}
		keyword, rest, _ := strings.Cut(line, " ")
		tokens := strings.Fields(rest)
		switch keyword {
		case "format":
			if len(tokens) != 2 {
				return nil, errors.Errorf("malformed ply format line %q", line)
			}
			if f.Format, err = parseFormat(tokens[0]); err != nil {
				return nil, err
			}
			sawFormat = true
		case "comment":
			f.Comments = append(f.Comments, rest)
		case "obj_info", "":
		case "element":
			if len(tokens) != 2 {
				return nil, errors.Errorf("malformed ply element line %q", line)
			}
			count, err := strconv.Atoi(tokens[1])
			if err != nil || count < 0 {
				return nil, errors.Errorf("invalid ply element count in %q", line)
			}
			finish()
			current, props = &Element{Name: tokens[0], Count: count}, nil
		case "property":
			if current == nil {
				return nil, errors.Errorf("ply property before any element: %q", line)
			}
			p, err := parseProperty(tokens)
			if err != nil {
				return nil, errors.Wrapf(err, "line %q", line)
			}
			props = append(props, p)
		case "end_header":
			if !sawFormat {
				return nil, errors.New("ply header has no format line")
			}
			finish()
			return f, nil
		default:
			return nil, errors.Errorf("unknown ply header keyword %q", keyword)
		}
	}
}

func parseProperty(tokens []string) (Property, error) {
	if len(tokens) == 4 && tokens[0] == "list" {
		ct, err := parseType(tokens[1])
		if err != nil {
			return Property{}, err
		}
		if !ct.integral() {
			return Property{}, errors.Errorf("list count type %q is not integral", tokens[1])
		}
		t, err := parseType(tokens[2])
		if err != nil {
			return Property{}, err
		}
		return List(tokens[3], ct, t), nil
	}
	if len(tokens) != 2 {
		return Property{}, errors.New("malformed property")
	}
	t, err := parseType(tokens[0])
	if err != nil {
		return Property{}, err
	}
	return Scalar(tokens[1], t), nil
}

// readASCII decodes the body with goply. goply only understands canonical type names and panics
// on malformed input, so it is fed a header rebuilt from f and its panics become errors.
func readASCII(br *bufio.Reader, f *File) (err error) {
	body, err := io.ReadAll(br)
	if err != nil {
		return err
	}
	var doc bytes.Buffer
	header := *f
	header.Comments = nil
	hw := bufio.NewWriter(&doc)
	if err := writeHeader(hw, &header); err != nil {
		return err
	}
	if err := hw.Flush(); err != nil {
		return err
	}
	if body = bytes.TrimRight(body, " \t\r\n"); len(body) > 0 {
		doc.Write(body)
		doc.WriteByte('\n')
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("malformed ascii ply body: %v", r)
		}
	}()
	decoded := goply.New(&doc)
	for _, e := range f.Elements {
		rows := decoded.Elements(e.Name)
		if len(rows) != e.Count {
			return errors.Errorf("element %q has %d rows, expected %d", e.Name, len(rows), e.Count)
		}
		for row := range rows {
			for i, p := range e.Properties {
				raw := rows[row].Property(p.Name)
				if !p.List {
					v, err := plyNumber(raw)
					if err != nil {
						return errors.Wrapf(err, "element %q row %d property %q", e.Name, row, p.Name)
					}
					e.Columns[i][row] = v
					continue
				}
				items, ok := raw.([]interface{})
				if !ok {
					return errors.Errorf("element %q row %d property %q is not a list", e.Name, row, p.Name)
				}
				list := make([]int, len(items))
				for k, item := range items {
					v, err := plyNumber(item)
					if err != nil {
						return errors.Wrapf(err, "element %q row %d property %q", e.Name, row, p.Name)
					}
					list[k] = int(v)
				}
				e.Lists[i][row] = list
			}
		}
	}
	return nil
}

// plyNumber widens a value decoded by goply.
func plyNumber(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int8:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, errors.Errorf("unexpected ply value %v (%T)", v, v)
	}
}

func getScalar(order binary.ByteOrder, buf []byte, t ScalarType) float64 {
	switch t {
	case Int8:
		return float64(int8(buf[0]))
	case Uint8:
		return float64(buf[0])
	case Int16:
		return float64(int16(order.Uint16(buf)))
	case Uint16:
		return float64(order.Uint16(buf))
	case Int32:
		return float64(int32(order.Uint32(buf)))
	case Uint32:
		return float64(order.Uint32(buf))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(buf)))
	default:
		return math.Float64frombits(order.Uint64(buf))
	}
}

func readBinary(br *bufio.Reader, f *File) error {
	order := byteOrder(f.Format)
	var buf [8]byte
	read := func(t ScalarType) (float64, error) {
		b := buf[:t.size()]
		if _, err := io.ReadFull(br, b); err != nil {
			return 0, err
		}
		return getScalar(order, b, t), nil
	}
	for _, e := range f.Elements {
		for row := 0; row < e.Count; row++ {
			for i, p := range e.Properties {
				if !p.List {
					v, err := read(p.Type)
					if err != nil {
						return errors.Wrapf(err, "element %q row %d property %q", e.Name, row, p.Name)
					}
					e.Columns[i][row] = v
					continue
				}
				n, err := read(p.CountType)
				if err != nil {
					return errors.Wrapf(err, "element %q row %d property %q", e.Name, row, p.Name)
				}
				if n < 0 {
					return errors.Errorf("element %q row %d has negative list length", e.Name, row)
				}
				list := make([]int, int(n))
				for k := range list {
					v, err := read(p.Type)
					if err != nil {
						return errors.Wrapf(err, "element %q row %d property %q", e.Name, row, p.Name)
					}
					list[k] = int(v)
				}
				e.Lists[i][row] = list
			}
		}
	}
	return nil
}
