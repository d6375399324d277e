package colmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/recon/rimage/transform"
	"go.viam.com/recon/utils"
)

// Text model file names.
const (
	CamerasFile  = "cameras.txt"
	ImagesFile   = "images.txt"
	Points3DFile = "points3D.txt"
)

// Camera is one entry of cameras.txt.
type Camera struct {
	ID     int
	Model  string
	Width  int
	Height int
	Params []float64
}

// Point2D is a keypoint of an image, optionally linked to a 3D point (-1 when not).
type Point2D struct {
	X, Y      float64
	Point3DID int
}

// Image is one entry of images.txt: the world to camera rotation (w, x, y, z) and translation.
type Image struct {
	ID          int
	Rotation    [4]float64
	Translation [3]float64
	CameraID    int
	Name        string
	Points2D    []Point2D
}

// TrackElement references a keypoint of an image.
type TrackElement struct {
	ImageID    int
	Point2DIdx int
}

// Point3D is one entry of points3D.txt.
type Point3D struct {
	ID    int
	XYZ   [3]float64
	Color [3]uint8
	Error float64
	Track []TrackElement
}

// Model is a sparse reconstruction in the text format.
type Model struct {
	Cameras map[int]Camera
	Images  map[int]Image
	Points  []Point3D
}

// cameraParamCounts lists the supported camera models.
var cameraParamCounts = map[string]int{
	"SIMPLE_PINHOLE": 3,
	"PINHOLE":        4,
	"SIMPLE_RADIAL":  4,
	"RADIAL":         5,
	"OPENCV":         8,
	"FULL_OPENCV":    12,
}

// Intrinsics converts a camera to pinhole intrinsics and a distortion model, nil when the camera
// has none.
func (c Camera) Intrinsics() (*transform.PinholeCameraIntrinsics, transform.Distorter, error) {
	want, ok := cameraParamCounts[c.Model]
	if !ok {
		return nil, nil, errors.Errorf("camera %d: unsupported camera model %q", c.ID, c.Model)
	}
	if len(c.Params) != want {
		return nil, nil, errors.Errorf("camera %d: %s takes %d parameters, got %d", c.ID, c.Model, want, len(c.Params))
	}
	p := c.Params
	intr := &transform.PinholeCameraIntrinsics{Width: c.Width, Height: c.Height}
	var k1, k2, k3, p1, p2 float64
	switch c.Model {
	case "SIMPLE_PINHOLE":
		intr.Fx, intr.Fy, intr.Ppx, intr.Ppy = p[0], p[0], p[1], p[2]
	case "PINHOLE":
		intr.Fx, intr.Fy, intr.Ppx, intr.Ppy = p[0], p[1], p[2], p[3]
	case "SIMPLE_RADIAL":
		intr.Fx, intr.Fy, intr.Ppx, intr.Ppy = p[0], p[0], p[1], p[2]
		k1 = p[3]
	case "RADIAL":
		intr.Fx, intr.Fy, intr.Ppx, intr.Ppy = p[0], p[0], p[1], p[2]
		k1, k2 = p[3], p[4]
	case "OPENCV", "FULL_OPENCV":
		intr.Fx, intr.Fy, intr.Ppx, intr.Ppy = p[0], p[1], p[2], p[3]
		k1, k2, p1, p2 = p[4], p[5], p[6], p[7]
		if c.Model == "FULL_OPENCV" {
			k3 = p[8]
			if p[9] != 0 || p[10] != 0 || p[11] != 0 {
				return nil, nil, errors.Errorf("camera %d: rational distortion terms are not supported", c.ID)
			}
		}
	}
	if k1 == 0 && k2 == 0 && k3 == 0 && p1 == 0 && p2 == 0 {
		return intr, nil, nil
	}
	return intr, &transform.BrownConrady{RadialK1: k1, RadialK2: k2, RadialK3: k3, TangentialP1: p1, TangentialP2: p2}, nil
}

// NewCamera converts intrinsics and an optional Brown-Conrady distortion to a camera.
func NewCamera(id int, intr *transform.PinholeCameraIntrinsics, d transform.Distorter) (Camera, error) {
	cam := Camera{ID: id, Width: intr.Width, Height: intr.Height}
	if d == nil {
		cam.Model = "PINHOLE"
		cam.Params = []float64{intr.Fx, intr.Fy, intr.Ppx, intr.Ppy}
		return cam, nil
	}
	bc, ok := d.(*transform.BrownConrady)
	if !ok {
		return Camera{}, errors.Errorf("camera %d: cannot express %s distortion", id, d.ModelType())
	}
	cam.Model = "OPENCV"
	cam.Params = []float64{intr.Fx, intr.Fy, intr.Ppx, intr.Ppy, bc.RadialK1, bc.RadialK2, bc.TangentialP1, bc.TangentialP2}
	if bc.RadialK3 != 0 {
		cam.Model = "FULL_OPENCV"
		cam.Params = append(cam.Params, bc.RadialK3, 0, 0, 0)
	}
	return cam, nil
}

// lines yields the non comment, non blank lines of a text model file.
func lines(path string, fn func(fields []string) error) error {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1<<20), 1<<28)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(strings.Fields(line)); err != nil {
			return errors.Wrapf(err, "%s:%d", filepath.Base(path), lineNo)
		}
	}
	return sc.Err()
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadTextModel reads cameras.txt, images.txt and points3D.txt from dir.
func ReadTextModel(dir string) (*Model, error) {
	m := &Model{Cameras: map[int]Camera{}, Images: map[int]Image{}}

	err := lines(filepath.Join(dir, CamerasFile), func(fields []string) error {
		if len(fields) == 0 {
			return nil
		}
		if len(fields) < 4 {
			return errors.New("camera line needs id, model, width and height")
		}
		ints, err := parseInts([]string{fields[0], fields[2], fields[3]})
		if err != nil {
			return err
		}
		params, err := parseFloats(fields[4:])
		if err != nil {
			return err
		}
		m.Cameras[ints[0]] = Camera{ID: ints[0], Model: fields[1], Width: ints[1], Height: ints[2], Params: params}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// images come in pairs of lines; the keypoint line may be empty
	var pending *Image
	err = lines(filepath.Join(dir, ImagesFile), func(fields []string) error {
		if pending == nil {
			if len(fields) == 0 {
				return nil
			}
			if len(fields) != 10 {
				return errors.Errorf("image line has %d fields, want 10", len(fields))
			}
			vals, err := parseFloats(fields[1:8])
			if err != nil {
				return err
			}
			ids, err := parseInts([]string{fields[0], fields[8]})
			if err != nil {
				return err
			}
			pending = &Image{
				ID:          ids[0],
				Rotation:    [4]float64{vals[0], vals[1], vals[2], vals[3]},
				Translation: [3]float64{vals[4], vals[5], vals[6]},
				CameraID:    ids[1],
				Name:        fields[9],
			}
			return nil
		}
		if len(fields)%3 != 0 {
			return errors.New("keypoint line is not a list of (x, y, point3d_id)")
		}
		for i := 0; i < len(fields); i += 3 {
			xy, err := parseFloats(fields[i : i+2])
			if err != nil {
				return err
			}
			id, err := strconv.Atoi(fields[i+2])
			if err != nil {
				return err
			}
			pending.Points2D = append(pending.Points2D, Point2D{X: xy[0], Y: xy[1], Point3DID: id})
		}
		m.Images[pending.ID] = *pending
		pending = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pending != nil {
		m.Images[pending.ID] = *pending
	}

	err = lines(filepath.Join(dir, Points3DFile), func(fields []string) error {
		if len(fields) == 0 {
			return nil
		}
		if len(fields) < 8 || (len(fields)-8)%2 != 0 {
			return errors.New("point line needs id, xyz, rgb, error and a track of pairs")
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return err
		}
		vals, err := parseFloats(fields[1:8])
		if err != nil {
			return err
		}
		track, err := parseInts(fields[8:])
		if err != nil {
			return err
		}
		pt := Point3D{
			ID:    id,
			XYZ:   [3]float64{vals[0], vals[1], vals[2]},
			Color: [3]uint8{uint8(vals[3]), uint8(vals[4]), uint8(vals[5])},
			Error: vals[6],
		}
		for i := 0; i < len(track); i += 2 {
			pt.Track = append(pt.Track, TrackElement{ImageID: track[i], Point2DIdx: track[i+1]})
		}
		m.Points = append(m.Points, pt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[T any](in map[int]T) []int {
	keys := make([]int, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// WriteTextModel writes the model to dir.
func WriteTextModel(dir string, m *Model) error {
	err := utils.WriteFileAtomic(filepath.Join(dir, CamerasFile), func(w io.Writer) error {
		fmt.Fprintln(w, "# Camera list with one line of data per camera:")
		fmt.Fprintln(w, "#   CAMERA_ID, MODEL, WIDTH, HEIGHT, PARAMS[]")
		for _, id := range sortedKeys(m.Cameras) {
			c := m.Cameras[id]
			fields := []string{strconv.Itoa(c.ID), c.Model, strconv.Itoa(c.Width), strconv.Itoa(c.Height)}
			for _, p := range c.Params {
				fields = append(fields, formatFloat(p))
			}
			if _, err := fmt.Fprintln(w, strings.Join(fields, " ")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = utils.WriteFileAtomic(filepath.Join(dir, ImagesFile), func(w io.Writer) error {
		fmt.Fprintln(w, "# Image list with two lines of data per image:")
		fmt.Fprintln(w, "#   IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, NAME")
		fmt.Fprintln(w, "#   POINTS2D[] as (X, Y, POINT3D_ID)")
		for _, id := range sortedKeys(m.Images) {
			img := m.Images[id]
			fields := []string{strconv.Itoa(img.ID)}
			for _, v := range img.Rotation {
				fields = append(fields, formatFloat(v))
			}
			for _, v := range img.Translation {
				fields = append(fields, formatFloat(v))
			}
			fields = append(fields, strconv.Itoa(img.CameraID), img.Name)
			var kps []string
			for _, p := range img.Points2D {
				kps = append(kps, formatFloat(p.X), formatFloat(p.Y), strconv.Itoa(p.Point3DID))
			}
			if _, err := fmt.Fprintf(w, "%s\n%s\n", strings.Join(fields, " "), strings.Join(kps, " ")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return utils.WriteFileAtomic(filepath.Join(dir, Points3DFile), func(w io.Writer) error {
		fmt.Fprintln(w, "# 3D point list with one line of data per point:")
		fmt.Fprintln(w, "#   POINT3D_ID, X, Y, Z, R, G, B, ERROR, TRACK[] as (IMAGE_ID, POINT2D_IDX)")
		for _, pt := range m.Points {
			fields := []string{strconv.Itoa(pt.ID)}
			for _, v := range pt.XYZ {
				fields = append(fields, formatFloat(v))
			}
			for _, c := range pt.Color {
				fields = append(fields, strconv.Itoa(int(c)))
			}
			fields = append(fields, formatFloat(pt.Error))
			for _, t := range pt.Track {
				fields = append(fields, strconv.Itoa(t.ImageID), strconv.Itoa(t.Point2DIdx))
			}
			if _, err := fmt.Fprintln(w, strings.Join(fields, " ")); err != nil {
				return err
			}
		}
		return nil
	})
}
