package pointcloud

import (
	"bytes"
	"context"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/recon/logging"
)

func spherePoints(n int, radius float64) []r3.Vector {
	// fibonacci sphere
	pts := make([]r3.Vector, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := range pts {
		y := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - y*y)
		theta := golden * float64(i)
		pts[i] = r3.Vector{X: math.Cos(theta) * r, Y: y, Z: math.Sin(theta) * r}.Mul(radius)
	}
	return pts
}

func TestBox(t *testing.T) {
	b := EmptyBox()
	test.That(t, b.IsEmpty(), test.ShouldBeTrue)
	test.That(t, b.Contains(r3.Vector{}), test.ShouldBeFalse)

	b = BoxOf([]r3.Vector{{X: -1, Y: 0, Z: 2}, {X: 1, Y: 2, Z: 4}})
	test.That(t, b.IsEmpty(), test.ShouldBeFalse)
	test.That(t, b.Size(), test.ShouldResemble, r3.Vector{X: 2, Y: 2, Z: 2})
	test.That(t, b.Center(), test.ShouldResemble, r3.Vector{X: 0, Y: 1, Z: 3})
	test.That(t, b.Diagonal(), test.ShouldAlmostEqual, math.Sqrt(12))
	test.That(t, b.Contains(r3.Vector{X: 1, Y: 2, Z: 4}), test.ShouldBeTrue)
	test.That(t, b.Contains(r3.Vector{X: 1.1, Y: 2, Z: 4}), test.ShouldBeFalse)
	test.That(t, b.Grow(0.5).Contains(r3.Vector{X: 1.4, Y: 2, Z: 4}), test.ShouldBeTrue)

	u := b.Union(BoxOf([]r3.Vector{{X: 10}}))
	test.That(t, u.Max.X, test.ShouldEqual, 10.)
	test.That(t, b.Union(EmptyBox()), test.ShouldResemble, b)
}

func TestKDTree(t *testing.T) {
	pts := []r3.Vector{{}, {X: 1}, {X: 2}, {X: 10}, {Y: 0.5}}
	tree := NewKDTree(pts)
	test.That(t, tree.Len(), test.ShouldEqual, 5)

	nb := tree.KNearest(r3.Vector{X: 0.9}, 2)
	test.That(t, nb, test.ShouldHaveLength, 2)
	test.That(t, nb[0].Index, test.ShouldEqual, 1)
	test.That(t, nb[0].Distance, test.ShouldAlmostEqual, 0.1)

	ex := tree.KNearestExcluding(pts, 0, 2)
	test.That(t, ex, test.ShouldHaveLength, 2)
	test.That(t, ex[0].Index, test.ShouldEqual, 4)
	test.That(t, ex[1].Index, test.ShouldEqual, 1)

	near, ok := tree.Nearest(r3.Vector{X: 9})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, near.Index, test.ShouldEqual, 3)
	test.That(t, near.Distance, test.ShouldAlmostEqual, 1.)

	in := tree.Radius(r3.Vector{}, 1.01)
	test.That(t, in, test.ShouldHaveLength, 3)

	_, ok = NewKDTree(nil).Nearest(r3.Vector{})
	test.That(t, ok, test.ShouldBeFalse)

	spacing, err := MeanNeighborSpacing(context.Background(), []r3.Vector{{}, {X: 1}, {X: 3}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spacing, test.ShouldAlmostEqual, (1.+1.+2.)/3)
}

func TestPCAAndNormals(t *testing.T) {
	var plane []r3.Vector
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			plane = append(plane, r3.Vector{X: float64(i), Y: float64(j), Z: 3})
		}
	}
	pca, err := ComputePCA(plane)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pca.Flatness(), test.ShouldBeLessThan, 1e-9)
	test.That(t, math.Abs(pca.Axes[0].Z), test.ShouldAlmostEqual, 1., 1e-9)
	test.That(t, pca.Centroid.Z, test.ShouldAlmostEqual, 3.)

	line := []r3.Vector{{}, {X: 1}, {X: 2}, {X: 3}}
	pca, err = ComputePCA(line)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pca.Linearity(), test.ShouldBeLessThan, 1e-9)

	_, err = ComputePCA(nil)
	test.That(t, err, test.ShouldNotBeNil)

	sphere := spherePoints(400, 2)
	normals, err := EstimateNormals(context.Background(), sphere, 10)
	test.That(t, err, test.ShouldBeNil)
	OrientNormals(sphere, normals, nil, r3.Vector{})
	for i, p := range sphere {
		// outward and nearly radial
		test.That(t, normals[i].Dot(p.Normalize()), test.ShouldBeGreaterThan, 0.95)
	}

	// viewpoints win over the fallback
	pts := []r3.Vector{{Z: 1}}
	ns := []r3.Vector{{Z: 1}}
	OrientNormals(pts, ns, func(int) []r3.Vector { return []r3.Vector{{}} }, r3.Vector{})
	test.That(t, ns[0], test.ShouldResemble, r3.Vector{Z: -1})
}

func TestDenseSubsetAndValidate(t *testing.T) {
	d := NewDense(3, WithColors(), WithConfidences(), WithViews())
	d.Positions = []r3.Vector{{X: 1}, {X: 2}, {X: 3}}
	d.Confidences = []float64{0.1, 0.5, 0.9}
	d.Views[1] = []Observation{NewObservation("a", 1, 2)}
	test.That(t, d.Validate(), test.ShouldBeNil)

	sub := d.Filter(func(i int) bool { return d.Confidences[i] > 0.3 })
	test.That(t, sub.Len(), test.ShouldEqual, 2)
	test.That(t, sub.Positions[0].X, test.ShouldEqual, 2.)
	test.That(t, sub.Views[0][0].ImageID, test.ShouldEqual, "a")
	test.That(t, sub.HasNormals(), test.ShouldBeFalse)

	clone := d.Clone()
	clone.Positions[0].X = 42
	test.That(t, d.Positions[0].X, test.ShouldEqual, 1.)

	d.Confidences = d.Confidences[:2]
	test.That(t, d.Validate(), test.ShouldNotBeNil)
	d.Confidences = []float64{1, 1, 1}
	d.Positions[2].Y = math.NaN()
	test.That(t, d.Validate(), test.ShouldNotBeNil)
}

func TestSparse(t *testing.T) {
	s := &Sparse{Points: []SparsePoint{
		{ID: 0, Position: r3.Vector{X: 1}, Observations: []Observation{NewObservation("a", 0, 0), NewObservation("b", 1, 1)}},
		{ID: 1, Position: r3.Vector{Y: 2}, Observations: []Observation{NewObservation("a", 0, 0), NewObservation("b", 1, 1), NewObservation("c", 2, 2)}},
	}}
	test.That(t, s.Len(), test.ShouldEqual, 2)
	test.That(t, s.MeanTrackLength(), test.ShouldAlmostEqual, 2.5)
	test.That(t, s.Bounds().Max, test.ShouldResemble, r3.Vector{X: 1, Y: 2})
	d := s.ToDense()
	test.That(t, d.Len(), test.ShouldEqual, 2)
	test.That(t, d.Views[1], test.ShouldHaveLength, 3)

	var empty *Sparse
	test.That(t, empty.Len(), test.ShouldEqual, 0)
	test.That(t, empty.Bounds().IsEmpty(), test.ShouldBeTrue)
}

func TestVoxelDownsample(t *testing.T) {
	d := NewDense(4, WithNormals(), WithColors(), WithConfidences(), WithViews())
	d.Positions = []r3.Vector{{X: 0.1}, {X: 0.3}, {X: 5.1}, {X: 5.2}}
	d.Normals = []r3.Vector{{Z: 1}, {Z: 1}, {X: 1}, {Y: 1}}
	red := color.NRGBA{R: 255, A: 255}
	d.Colors = []color.NRGBA{red, red, red, red}
	d.Confidences = []float64{0.2, 0.7, 0.4, 0.1}
	d.Views = [][]Observation{{{ImageID: "a"}}, {{ImageID: "a"}, {ImageID: "b"}}, {{ImageID: "c"}}, {{ImageID: "c"}}}

	out := VoxelDownsample(d, 1)
	test.That(t, out.Len(), test.ShouldEqual, 2)
	test.That(t, out.Positions[0].X, test.ShouldAlmostEqual, 0.2)
	test.That(t, out.Confidences[0], test.ShouldEqual, 0.7)
	test.That(t, out.Views[0], test.ShouldHaveLength, 2)
	test.That(t, out.Normals[1].Norm(), test.ShouldAlmostEqual, 1.)
	test.That(t, out.Colors[0].R, test.ShouldBeGreaterThan, uint8(250))
	test.That(t, out.Validate(), test.ShouldBeNil)

	same := VoxelDownsample(d, 0)
	test.That(t, same.Len(), test.ShouldEqual, 4)
}

func TestStatisticalOutliers(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	d := NewDense(0)
	for i := 0; i < 200; i++ {
		d.Positions = append(d.Positions, r3.Vector{X: r.Float64(), Y: r.Float64(), Z: r.Float64()})
	}
	d.Positions = append(d.Positions, r3.Vector{X: 50, Y: 50, Z: 50})

	outliers, err := StatisticalOutliers(context.Background(), d, 10, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outliers[200], test.ShouldBeTrue)

	filtered, err := RemoveStatisticalOutliers(context.Background(), d, 10, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filtered.Len(), test.ShouldBeLessThan, d.Len())
	for _, p := range filtered.Positions {
		test.That(t, p.X, test.ShouldBeLessThan, 2.)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = StatisticalOutliers(ctx, d, 10, 2)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func sampleDense() *Dense {
	d := NewDense(3, WithNormals(), WithColors(), WithConfidences())
	d.Positions = []r3.Vector{{X: 1.5, Y: -2, Z: 3.25}, {X: 0.1, Y: 0.2, Z: 0.3}, {X: 100, Y: 200, Z: -300}}
	d.Normals = []r3.Vector{{Z: 1}, {X: 1}, {Y: -1}}
	d.Colors = []color.NRGBA{{R: 1, G: 2, B: 3, A: 255}, {R: 255, A: 255}, {G: 128, A: 255}}
	d.Confidences = []float64{0.5, 0.25, 1}
	return d
}

func TestPLYRoundTrip(t *testing.T) {
	for _, ascii := range []bool{false, true} {
		d := sampleDense()
		var buf bytes.Buffer
		test.That(t, WritePLY(&buf, d, PLYOptions{ASCII: ascii, Comments: []string{"stage mvs"}}), test.ShouldBeNil)
		back, comments, err := ReadPLY(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, comments, test.ShouldResemble, []string{"stage mvs"})
		test.That(t, back.Len(), test.ShouldEqual, 3)
		for i, p := range d.Positions {
			test.That(t, back.Positions[i].X, test.ShouldEqual, float64(float32(p.X)))
			test.That(t, back.Positions[i].Y, test.ShouldEqual, float64(float32(p.Y)))
			test.That(t, back.Positions[i].Z, test.ShouldEqual, float64(float32(p.Z)))
		}
		test.That(t, back.Colors, test.ShouldResemble, d.Colors)
		test.That(t, back.Normals, test.ShouldResemble, d.Normals)
		test.That(t, back.Confidences, test.ShouldResemble, d.Confidences)
	}
}

func TestPCDRoundTrip(t *testing.T) {
	for _, typ := range []PCDType{PCDAscii, PCDBinary} {
		d := sampleDense()
		var buf bytes.Buffer
		test.That(t, ToPCD(d, &buf, typ), test.ShouldBeNil)
		back, err := ReadPCD(&buf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, back.Len(), test.ShouldEqual, 3)
		test.That(t, back.Positions[0], test.ShouldResemble, r3.Vector{X: 1.5, Y: -2, Z: 3.25})
		test.That(t, back.Colors, test.ShouldResemble, d.Colors)
	}
	test.That(t, ToPCD(sampleDense(), &bytes.Buffer{}, PCDCompressed), test.ShouldNotBeNil)
}

func TestFiles(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	d := sampleDense()

	plyPath := filepath.Join(dir, "cloud.ply")
	test.That(t, WriteToPLYFile(plyPath, d, PLYOptions{}), test.ShouldBeNil)
	back, err := NewFromFile(plyPath, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Len(), test.ShouldEqual, 3)

	pcdPath := filepath.Join(dir, "cloud.pcd")
	test.That(t, WriteToPCDFile(pcdPath, d), test.ShouldBeNil)
	back, err = NewFromFile(pcdPath, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Len(), test.ShouldEqual, 3)

	lasPath := filepath.Join(dir, "cloud.las")
	test.That(t, WriteToLASFile(d, lasPath), test.ShouldBeNil)
	back, err = NewFromFile(lasPath, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Len(), test.ShouldEqual, 3)
	test.That(t, back.HasColors(), test.ShouldBeTrue)
	test.That(t, back.Colors[1], test.ShouldResemble, color.NRGBA{R: 255, A: 255})
	test.That(t, back.Positions[0].Distance(d.Positions[0]), test.ShouldBeLessThan, 0.01)

	_, err = NewFromFile(filepath.Join(dir, "cloud.xyz"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}
