package rimage

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestIsSupportedImageFile(t *testing.T) {
	test.That(t, IsSupportedImageFile("a/b/statue_01.JPG"), test.ShouldBeTrue)
	test.That(t, IsSupportedImageFile("x.webp"), test.ShouldBeTrue)
	test.That(t, IsSupportedImageFile("notes.txt"), test.ShouldBeFalse)
	test.That(t, IsSupportedImageFile("noext"), test.ShouldBeFalse)
}

func TestReadWriteImage(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
	img.Set(2, 1, color.NRGBA{R: 255, A: 255})

	path := filepath.Join(dir, "a.png")
	test.That(t, WriteImageToFile(path, img), test.ShouldBeNil)
	back, err := ReadImageFromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Bounds(), test.ShouldResemble, img.Bounds())
	test.That(t, ToNRGBA(back.At(2, 1)), test.ShouldResemble, color.NRGBA{R: 255, A: 255})

	f, err := os.Create(filepath.Join(dir, "b.jpg"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, jpeg.Encode(f, img, nil), test.ShouldBeNil)
	test.That(t, f.Close(), test.ShouldBeNil)
	_, err = ReadImageFromFile(filepath.Join(dir, "b.jpg"))
	test.That(t, err, test.ShouldBeNil)

	corrupt := filepath.Join(dir, "c.jpg")
	test.That(t, os.WriteFile(corrupt, []byte("not an image"), 0o600), test.ShouldBeNil)
	_, err = ReadImageFromFile(corrupt)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "c.jpg")
}

func TestResizeMaxDimension(t *testing.T) {
	wide := image.NewNRGBA(image.Rect(0, 0, 400, 200))
	out, scale := ResizeMaxDimension(wide, 100)
	test.That(t, scale, test.ShouldAlmostEqual, 0.25)
	test.That(t, out.Bounds().Dx(), test.ShouldEqual, 100)
	test.That(t, out.Bounds().Dy(), test.ShouldEqual, 50)

	tall := image.NewNRGBA(image.Rect(0, 0, 200, 400))
	out, scale = ResizeMaxDimension(tall, 200)
	test.That(t, scale, test.ShouldAlmostEqual, 0.5)
	test.That(t, out.Bounds().Dy(), test.ShouldEqual, 200)

	// never upscales
	out, scale = ResizeMaxDimension(wide, 1920)
	test.That(t, scale, test.ShouldEqual, 1.0)
	test.That(t, out.Bounds().Dx(), test.ShouldEqual, 400)
}

func TestMask(t *testing.T) {
	m := NewMask(10, 10)
	test.That(t, m.Empty(), test.ShouldBeTrue)
	m.Set(5, 5, true)
	m.Set(50, 50, true)
	test.That(t, m.Count(), test.ShouldEqual, 1)
	test.That(t, m.Get(5, 5), test.ShouldBeTrue)
	test.That(t, m.Get(-1, 5), test.ShouldBeFalse)
	test.That(t, m.Coverage(), test.ShouldAlmostEqual, 0.01)

	full := NewFullMask(4, 3)
	test.That(t, full.Coverage(), test.ShouldEqual, 1.0)

	t.Run("dilation keeps and grows", func(t *testing.T) {
		d := m.Dilated(2)
		test.That(t, d.Get(5, 5), test.ShouldBeTrue)
		test.That(t, d.Get(6, 5), test.ShouldBeTrue)
		test.That(t, d.Count(), test.ShouldBeGreaterThan, m.Count())
		test.That(t, d.Get(0, 0), test.ShouldBeFalse)
		test.That(t, m.Count(), test.ShouldEqual, 1)
	})

	t.Run("resize", func(t *testing.T) {
		r := full.Resized(8, 6)
		test.That(t, r.Width(), test.ShouldEqual, 8)
		test.That(t, r.Height(), test.ShouldEqual, 6)
		test.That(t, r.Coverage(), test.ShouldEqual, 1.0)
	})

	t.Run("png round trip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mask.png")
		test.That(t, m.WriteToFile(path), test.ShouldBeNil)
		back, err := ReadMaskFromFile(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, back, test.ShouldResemble, m)
	})
}

func TestColorHelpers(t *testing.T) {
	red, err := NewColorFromHex("#ff0000")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, red, test.ShouldResemble, color.NRGBA{R: 255, A: 255})
	_, err = NewColorFromHex("red")
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, DistanceLab(red, red), test.ShouldAlmostEqual, 0.)
	blue := color.NRGBA{B: 255, A: 255}
	test.That(t, DistanceLab(red, blue), test.ShouldBeGreaterThan, 0.5)

	same := MeanColorLab([]color.NRGBA{red, red, red})
	test.That(t, DistanceLab(same, red), test.ShouldBeLessThan, 0.01)
	test.That(t, MeanColorLab(nil), test.ShouldResemble, color.NRGBA{})
}
