// Package ply reads and writes Stanford PLY files with arbitrary elements, scalar properties and
// list properties, in ASCII or binary encodings.
package ply

import (
	"strings"

	"github.com/pkg/errors"
)

// Format is the body encoding of a PLY file.
type Format int

// The supported body encodings.
const (
	BinaryLittleEndian Format = iota
	BinaryBigEndian
	ASCII
)

func (f Format) String() string {
	switch f {
	case ASCII:
		return "ascii"
	case BinaryBigEndian:
		return "binary_big_endian"
	default:
		return "binary_little_endian"
	}
}

func parseFormat(s string) (Format, error) {
	switch s {
	case "ascii":
		return ASCII, nil
	case "binary_little_endian":
		return BinaryLittleEndian, nil
	case "binary_big_endian":
		return BinaryBigEndian, nil
	default:
		return 0, errors.Errorf("unknown ply format %q", s)
	}
}

// ScalarType is a PLY numeric type.
type ScalarType string

// PLY numeric types by their canonical names.
const (
	Int8    ScalarType = "char"
	Uint8   ScalarType = "uchar"
	Int16   ScalarType = "short"
	Uint16  ScalarType = "ushort"
	Int32   ScalarType = "int"
	Uint32  ScalarType = "uint"
	Float32 ScalarType = "float"
	Float64 ScalarType = "double"
)

var typeAliases = map[string]ScalarType{
	"char": Int8, "int8": Int8,
	"uchar": Uint8, "uint8": Uint8,
	"short": Int16, "int16": Int16,
	"ushort": Uint16, "uint16": Uint16,
	"int": Int32, "int32": Int32,
	"uint": Uint32, "uint32": Uint32,
	"float": Float32, "float32": Float32,
	"double": Float64, "float64": Float64,
}

func parseType(s string) (ScalarType, error) {
	t, ok := typeAliases[s]
	if !ok {
		return "", errors.Errorf("unknown ply type %q", s)
	}
	return t, nil
}

func (t ScalarType) size() int {
	switch t {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	default:
		return 8
	}
}

func (t ScalarType) integral() bool {
	return t != Float32 && t != Float64
}

// Property describes one column of an element. List properties carry a count type.
type Property struct {
	Name      string
	Type      ScalarType
	List      bool
	CountType ScalarType
}

// Element is a named table: one row per item, one column per property.
type Element struct {
	Name       string
	Count      int
	Properties []Property

	// Columns holds scalar property values indexed like Properties; nil for list properties.
	Columns [][]float64
	// Lists holds list property values indexed like Properties; nil for scalar properties.
	Lists [][][]int
}

// NewElement returns an element with storage for count rows of the given properties.
func NewElement(name string, count int, props ...Property) *Element {
	e := &Element{
		Name:       name,
		Count:      count,
		Properties: props,
		Columns:    make([][]float64, len(props)),
		Lists:      make([][][]int, len(props)),
	}
	for i, p := range props {
		if p.List {
			e.Lists[i] = make([][]int, count)
		} else {
			e.Columns[i] = make([]float64, count)
		}
	}
	return e
}

// Scalar builds a scalar property.
func Scalar(name string, t ScalarType) Property {
	return Property{Name: name, Type: t}
}

// List builds a list property.
func List(name string, countType, t ScalarType) Property {
	return Property{Name: name, Type: t, List: true, CountType: countType}
}

func (e *Element) index(name string) int {
	for i, p := range e.Properties {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the values of a scalar property, or nil when it is absent.
func (e *Element) Column(name string) []float64 {
	if i := e.index(name); i >= 0 {
		return e.Columns[i]
	}
	return nil
}

// ListColumn returns the values of a list property, or nil when it is absent.
func (e *Element) ListColumn(name string) [][]int {
	if i := e.index(name); i >= 0 {
		return e.Lists[i]
	}
	return nil
}

// Has reports whether every named property is present.
func (e *Element) Has(names ...string) bool {
	for _, n := range names {
		if e.index(n) < 0 {
			return false
		}
	}
	return true
}

// File is a whole PLY document.
type File struct {
	Format   Format
	Comments []string
	Elements []*Element
}

// Element returns the named element, or nil.
func (f *File) Element(name string) *Element {
	for _, e := range f.Elements {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// CommentValue returns the remainder of the first comment that starts with "key ", for comments
// written as key/value pairs.
func (f *File) CommentValue(key string) (string, bool) {
	for _, c := range f.Comments {
		if k, v, ok := strings.Cut(c, " "); ok && k == key {
			return v, true
		}
	}
	return "", false
}
