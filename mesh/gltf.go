package mesh

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"image/color"
	"io"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

const (
	gltfFloat         = 5126
	gltfUnsignedByte  = 5121
	gltfUnsignedShort = 5123
	gltfUnsignedInt   = 5125

	gltfArrayBuffer        = 34962
	gltfElementArrayBuffer = 34963
	gltfTriangles          = 4

	gltfDataURIPrefix = "data:application/octet-stream;base64,"
)

type gltfDocument struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       int              `json:"scene"`
	Scenes      []gltfScene      `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes"`
	Materials   []gltfMaterial   `json:"materials,omitempty"`
	Buffers     []gltfBuffer     `json:"buffers"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Accessors   []gltfAccessor   `json:"accessors"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator,omitempty"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Name string `json:"name,omitempty"`
	Mesh int    `json:"mesh"`
}

type gltfMesh struct {
	Name       string          `json:"name,omitempty"`
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    *int           `json:"indices,omitempty"`
	Material   *int           `json:"material,omitempty"`
	Mode       int            `json:"mode"`
}

type gltfMaterial struct {
	Name        string  `json:"name,omitempty"`
	PBR         gltfPBR `json:"pbrMetallicRoughness"`
	DoubleSided bool    `json:"doubleSided"`
}

type gltfPBR struct {
	BaseColorFactor [4]float64 `json:"baseColorFactor"`
	MetallicFactor  float64    `json:"metallicFactor"`
	RoughnessFactor float64    `json:"roughnessFactor"`
}

type gltfBuffer struct {
	ByteLength int    `json:"byteLength"`
	URI        string `json:"uri"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	Target     int `json:"target,omitempty"`
}

type gltfAccessor struct {
	BufferView    int       `json:"bufferView"`
	ByteOffset    int       `json:"byteOffset,omitempty"`
	ComponentType int       `json:"componentType"`
	Normalized    bool      `json:"normalized,omitempty"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float64 `json:"min,omitempty"`
	Max           []float64 `json:"max,omitempty"`
}

type gltfBuilder struct {
	doc gltfDocument
	buf bytes.Buffer
}

func (b *gltfBuilder) addView(data []byte, target int) int {
	for b.buf.Len()%4 != 0 {
		b.buf.WriteByte(0)
	}
	b.doc.BufferViews = append(b.doc.BufferViews, gltfBufferView{
		ByteOffset: b.buf.Len(),
		ByteLength: len(data),
		Target:     target,
	})
	b.buf.Write(data)
	return len(b.doc.BufferViews) - 1
}

func (b *gltfBuilder) addAccessor(acc gltfAccessor) int {
	b.doc.Accessors = append(b.doc.Accessors, acc)
	return len(b.doc.Accessors) - 1
}

func vec3Bytes(vs []r3.Vector) []byte {
	out := make([]byte, 0, len(vs)*12)
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v.X)))
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v.Y)))
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v.Z)))
	}
	return out
}

// WriteGLTF writes the mesh as a self-contained glTF 2.0 document with one scene, one node and one
// mesh. Geometry lives in a single base64 buffer; positions carry min/max bounds.
func WriteGLTF(w io.Writer, m *Mesh, name string) error {
	if len(m.Vertices) == 0 {
		return errors.New("cannot write an empty mesh as glTF")
	}
	b := &gltfBuilder{}
	prim := gltfPrimitive{Attributes: map[string]int{}, Mode: gltfTriangles}

	lo := []float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, v := range m.Vertices {
		for k, c := range [3]float64{float64(float32(v.X)), float64(float32(v.Y)), float64(float32(v.Z))} {
			lo[k] = math.Min(lo[k], c)
			hi[k] = math.Max(hi[k], c)
		}
	}
	view := b.addView(vec3Bytes(m.Vertices), gltfArrayBuffer)
	prim.Attributes["POSITION"] = b.addAccessor(gltfAccessor{
		BufferView: view, ComponentType: gltfFloat, Count: len(m.Vertices), Type: "VEC3", Min: lo, Max: hi,
	})
	if m.HasNormals() {
		view := b.addView(vec3Bytes(m.Normals), gltfArrayBuffer)
		prim.Attributes["NORMAL"] = b.addAccessor(gltfAccessor{
			BufferView: view, ComponentType: gltfFloat, Count: len(m.Normals), Type: "VEC3",
		})
	}
	if m.HasColors() {
		data := make([]byte, 0, len(m.Colors)*4)
		for _, c := range m.Colors {
			data = append(data, c.R, c.G, c.B, c.A)
		}
		view := b.addView(data, gltfArrayBuffer)
		prim.Attributes["COLOR_0"] = b.addAccessor(gltfAccessor{
			BufferView: view, ComponentType: gltfUnsignedByte, Normalized: true, Count: len(m.Colors), Type: "VEC4",
		})
	}
	if len(m.Faces) > 0 {
		data := make([]byte, 0, len(m.Faces)*12)
		for _, f := range m.Faces {
			for _, idx := range f {
				data = binary.LittleEndian.AppendUint32(data, uint32(idx))
			}
		}
		view := b.addView(data, gltfElementArrayBuffer)
		idx := b.addAccessor(gltfAccessor{
			BufferView: view, ComponentType: gltfUnsignedInt, Count: len(m.Faces) * 3, Type: "SCALAR",
		})
		prim.Indices = &idx
	}
	material := 0
	prim.Material = &material

	b.doc.Asset = gltfAsset{Version: "2.0", Generator: "recon"}
	b.doc.Scenes = []gltfScene{{Nodes: []int{0}}}
	b.doc.Nodes = []gltfNode{{Name: name, Mesh: 0}}
	b.doc.Meshes = []gltfMesh{{Name: name, Primitives: []gltfPrimitive{prim}}}
	b.doc.Materials = []gltfMaterial{{
		Name:        "default",
		PBR:         gltfPBR{BaseColorFactor: [4]float64{1, 1, 1, 1}, MetallicFactor: 0, RoughnessFactor: 1},
		DoubleSided: true,
	}}
	b.doc.Buffers = []gltfBuffer{{
		ByteLength: b.buf.Len(),
		URI:        gltfDataURIPrefix + base64.StdEncoding.EncodeToString(b.buf.Bytes()),
	}}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&b.doc)
}

func componentSize(componentType int) (int, error) {
	switch componentType {
	case gltfFloat, gltfUnsignedInt:
		return 4, nil
	case gltfUnsignedShort:
		return 2, nil
	case gltfUnsignedByte:
		return 1, nil
	default:
		return 0, errors.Errorf("unsupported glTF component type %d", componentType)
	}
}

func typeWidth(t string) (int, error) {
	switch t {
	case "SCALAR":
		return 1, nil
	case "VEC2":
		return 2, nil
	case "VEC3":
		return 3, nil
	case "VEC4":
		return 4, nil
	default:
		return 0, errors.Errorf("unsupported glTF accessor type %q", t)
	}
}

type gltfReader struct {
	doc     gltfDocument
	buffers [][]byte
}

// accessor returns the accessor's values as float64, width values per element.
func (r *gltfReader) accessor(i int) ([]float64, int, error) {
	if i < 0 || i >= len(r.doc.Accessors) {
		return nil, 0, errors.Errorf("glTF accessor %d out of range", i)
	}
	acc := r.doc.Accessors[i]
	if acc.BufferView < 0 || acc.BufferView >= len(r.doc.BufferViews) {
		return nil, 0, errors.Errorf("glTF buffer view %d out of range", acc.BufferView)
	}
	view := r.doc.BufferViews[acc.BufferView]
	if view.Buffer < 0 || view.Buffer >= len(r.buffers) {
		return nil, 0, errors.Errorf("glTF buffer %d out of range", view.Buffer)
	}
	size, err := componentSize(acc.ComponentType)
	if err != nil {
		return nil, 0, err
	}
	width, err := typeWidth(acc.Type)
	if err != nil {
		return nil, 0, err
	}
	start := view.ByteOffset + acc.ByteOffset
	end := start + acc.Count*width*size
	buf := r.buffers[view.Buffer]
	if start < 0 || end > len(buf) || end > view.ByteOffset+view.ByteLength {
		return nil, 0, errors.Errorf("glTF accessor %d overruns its buffer", i)
	}
	data := buf[start:end]
	out := make([]float64, acc.Count*width)
	for k := range out {
		chunk := data[k*size : (k+1)*size]
		switch acc.ComponentType {
		case gltfFloat:
			out[k] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case gltfUnsignedInt:
			out[k] = float64(binary.LittleEndian.Uint32(chunk))
		case gltfUnsignedShort:
			out[k] = float64(binary.LittleEndian.Uint16(chunk))
		case gltfUnsignedByte:
			out[k] = float64(chunk[0])
		}
	}
	return out, width, nil
}

func toVectors(vals []float64) []r3.Vector {
	out := make([]r3.Vector, len(vals)/3)
	for i := range out {
		out[i] = r3.Vector{X: vals[3*i], Y: vals[3*i+1], Z: vals[3*i+2]}
	}
	return out
}

// ReadGLTF reads the first primitive of the first mesh of a glTF document with embedded buffers.
func ReadGLTF(rd io.Reader) (*Mesh, error) {
	r := &gltfReader{}
	if err := json.NewDecoder(rd).Decode(&r.doc); err != nil {
		return nil, errors.Wrap(err, "cannot decode glTF")
	}
	if len(r.doc.Meshes) == 0 || len(r.doc.Meshes[0].Primitives) == 0 {
		return nil, errors.New("glTF document has no mesh primitive")
	}
	for i, buf := range r.doc.Buffers {
		if !strings.HasPrefix(buf.URI, gltfDataURIPrefix) {
			return nil, errors.Errorf("glTF buffer %d is not embedded", i)
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(buf.URI, gltfDataURIPrefix))
		if err != nil {
			return nil, errors.Wrapf(err, "glTF buffer %d", i)
		}
		if len(data) != buf.ByteLength {
			return nil, errors.Errorf("glTF buffer %d has %d bytes, header says %d", i, len(data), buf.ByteLength)
		}
		r.buffers = append(r.buffers, data)
	}
	prim := r.doc.Meshes[0].Primitives[0]
	if prim.Mode != gltfTriangles {
		return nil, errors.Errorf("unsupported glTF primitive mode %d", prim.Mode)
	}
	posIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return nil, errors.New("glTF primitive has no POSITION")
	}
	pos, width, err := r.accessor(posIdx)
	if err != nil {
		return nil, err
	}
	if width != 3 {
		return nil, errors.New("glTF POSITION must be VEC3")
	}
	m := &Mesh{Vertices: toVectors(pos)}
	if i, ok := prim.Attributes["NORMAL"]; ok {
		vals, width, err := r.accessor(i)
		if err != nil {
			return nil, err
		}
		if width != 3 || len(vals)/3 != len(m.Vertices) {
			return nil, errors.New("glTF NORMAL does not match POSITION")
		}
		m.Normals = toVectors(vals)
	}
	if i, ok := prim.Attributes["COLOR_0"]; ok {
		vals, width, err := r.accessor(i)
		if err != nil {
			return nil, err
		}
		if (width != 3 && width != 4) || len(vals)/width != len(m.Vertices) {
			return nil, errors.New("glTF COLOR_0 does not match POSITION")
		}
		scale := 1.0
		if r.doc.Accessors[i].ComponentType == gltfFloat {
			scale = 255
		}
		m.Colors = make([]color.NRGBA, len(m.Vertices))
		for v := range m.Colors {
			c := vals[v*width : (v+1)*width]
			m.Colors[v] = color.NRGBA{
				R: uint8(math.Round(c[0] * scale)),
				G: uint8(math.Round(c[1] * scale)),
				B: uint8(math.Round(c[2] * scale)),
				A: 255,
			}
			if width == 4 {
				m.Colors[v].A = uint8(math.Round(c[3] * scale))
			}
		}
	}
	if prim.Indices != nil {
		idx, _, err := r.accessor(*prim.Indices)
		if err != nil {
			return nil, err
		}
		if len(idx)%3 != 0 {
			return nil, errors.Errorf("glTF index count %d is not a multiple of 3", len(idx))
		}
		m.Faces = make([]Face, len(idx)/3)
		for i := range m.Faces {
			m.Faces[i] = Face{int(idx[3*i]), int(idx[3*i+1]), int(idx[3*i+2])}
		}
	} else {
		for i := 0; i+2 < len(m.Vertices); i += 3 {
			m.Faces = append(m.Faces, Face{i, i + 1, i + 2})
		}
	}
	return m, nil
}
