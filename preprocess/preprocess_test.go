package preprocess

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/capability/fake"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/rimage"
	"go.viam.com/recon/utils"
)

type countingSegmenter struct {
	capability.Segmenter
	calls atomic.Int32
}

func (c *countingSegmenter) Segment(ctx context.Context, img image.Image) (*rimage.Mask, error) {
	c.calls.Add(1)
	return c.Segmenter.Segment(ctx, img)
}

func writeScene(t *testing.T, views int) string {
	t.Helper()
	dir := t.TempDir()
	_, err := fake.NewScene(fake.Attributes{Views: views}).WriteImages(dir)
	test.That(t, err, test.ShouldBeNil)
	return dir
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Workers = 4
	cfg.Preprocess.MaxImageDimension = 160
	cfg.Preprocess.MinImages = 3
	return cfg
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpg", "a.png", "notes.txt", "c.JPEG"} {
		test.That(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600), test.ShouldBeNil)
	}
	test.That(t, os.Mkdir(filepath.Join(dir, "d.png"), 0o750), test.ShouldBeNil)

	sources, err := Discover(dir)
	test.That(t, err, test.ShouldBeNil)
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	test.That(t, ids, test.ShouldResemble, []string{"a_jpg", "a_png", "b", "c"})
	test.That(t, sources[2].Path, test.ShouldEqual, filepath.Join(dir, "b.PNG"))

	_, err = Discover(filepath.Join(dir, "missing"))
	test.That(t, utils.IsKind(err, utils.KindInputData), test.ShouldBeTrue)

	t.Run("colliding stems", func(t *testing.T) {
		dir := t.TempDir()
		for _, name := range []string{"statue.JPG", "statue.jpg", "a.jpg", "a.png", "a_jpg.png"} {
			test.That(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600), test.ShouldBeNil)
		}
		sources, err := Discover(dir)
		test.That(t, err, test.ShouldBeNil)
		ids := make([]string, len(sources))
		for i, src := range sources {
			ids[i] = src.ID
		}
		test.That(t, ids, test.ShouldResemble, []string{"a_jpg_2", "a_png", "a_jpg", "statue_JPG", "statue_jpg_2"})
		test.That(t, sources[2].Path, test.ShouldEqual, filepath.Join(dir, "a_jpg.png"))
		test.That(t, lo.Uniq(lo.Map(ids, func(id string, _ int) string { return strings.ToLower(id) })), test.ShouldHaveLength, len(ids))
	})
}

func TestPreprocess(t *testing.T) {
	logger := logging.NewTestLogger(t)
	input := writeScene(t, 4)

	// a frame with nothing but backdrop and a file that is not an image
	blank := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	for i := 0; i < len(blank.Pix); i += 4 {
		blank.Pix[i], blank.Pix[i+1], blank.Pix[i+2], blank.Pix[i+3] = fake.Background.R, fake.Background.G, fake.Background.B, 255
	}
	test.That(t, rimage.WriteImageToFile(filepath.Join(input, "blank.png"), blank), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(input, "broken.jpg"), []byte("not a jpeg"), 0o600), test.ShouldBeNil)

	sources, err := Discover(input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(sources), test.ShouldEqual, 6)

	out := filepath.Join(t.TempDir(), Dir)
	res, err := Preprocess(context.Background(), sources, testConfig(), &fake.Segmenter{}, out, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Images), test.ShouldEqual, 5)
	test.That(t, res.Images[0].ID, test.ShouldEqual, "blank")
	test.That(t, res.Flagged, test.ShouldResemble, []string{"blank"})
	test.That(t, len(res.Warnings), test.ShouldEqual, 2)
	test.That(t, res.Warnings[1], test.ShouldStartWith, "broken")

	for _, img := range res.Images {
		test.That(t, img.Width, test.ShouldEqual, 160)
		test.That(t, img.Height, test.ShouldEqual, 120)
		test.That(t, img.Scale, test.ShouldAlmostEqual, 0.5)
		test.That(t, img.Mask.Width(), test.ShouldEqual, 160)
		_, err := os.Stat(img.Path)
		test.That(t, err, test.ShouldBeNil)
		_, err = os.Stat(img.MaskPath)
		test.That(t, err, test.ShouldBeNil)
	}
	blankImg := res.Images[0]
	test.That(t, blankImg.MaskFallback, test.ShouldBeTrue)
	test.That(t, blankImg.Mask.Coverage(), test.ShouldEqual, 1)

	view := res.ByID()[fake.ViewID(0)]
	test.That(t, view.MaskFallback, test.ShouldBeFalse)
	test.That(t, view.Mask.Coverage(), test.ShouldBeBetween, 0.1, 0.5)
	test.That(t, view.ToOriginal(r2.Point{X: 80, Y: 60}), test.ShouldResemble, r2.Point{X: 160, Y: 120})
	test.That(t, view.Ref().MaskPath, test.ShouldEqual, view.MaskPath)

	matches, err := filepath.Glob(filepath.Join(out, capability.ScratchPrefix+"*"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldBeEmpty)

	loaded, err := Load(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(loaded.Images), test.ShouldEqual, 5)
	test.That(t, loaded.Flagged, test.ShouldResemble, res.Flagged)
	test.That(t, loaded.Images[1].Mask.Count(), test.ShouldEqual, res.Images[1].Mask.Count())
	test.That(t, loaded.Images[1].Pixels.Bounds(), test.ShouldResemble, image.Rect(0, 0, 160, 120))
}

func TestPreprocessDilation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sources, err := Discover(writeScene(t, 3))
	test.That(t, err, test.ShouldBeNil)

	cfg := testConfig()
	plain, err := Preprocess(context.Background(), sources, cfg, &fake.Segmenter{}, t.TempDir(), logger)
	test.That(t, err, test.ShouldBeNil)
	cfg.Preprocess.MaskDilationPx = 4
	dilated, err := Preprocess(context.Background(), sources, cfg, &fake.Segmenter{}, t.TempDir(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dilated.Images[0].Mask.Count(), test.ShouldBeGreaterThan, plain.Images[0].Mask.Count())
}

func TestPreprocessErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("no images", func(t *testing.T) {
		seg := &countingSegmenter{Segmenter: &fake.Segmenter{}}
		_, err := Preprocess(context.Background(), nil, testConfig(), seg, t.TempDir(), logger)
		test.That(t, utils.IsKind(err, utils.KindInputData), test.ShouldBeTrue)
		test.That(t, seg.calls.Load(), test.ShouldEqual, 0)
	})

	t.Run("too few usable images", func(t *testing.T) {
		sources, err := Discover(writeScene(t, 2))
		test.That(t, err, test.ShouldBeNil)
		_, err = Preprocess(context.Background(), sources, testConfig(), &fake.Segmenter{}, t.TempDir(), logger)
		test.That(t, utils.IsKind(err, utils.KindInputData), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "only 2 of 2")
	})

	t.Run("canceled", func(t *testing.T) {
		sources, err := Discover(writeScene(t, 3))
		test.That(t, err, test.ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out := t.TempDir()
		_, err = Preprocess(ctx, sources, testConfig(), &fake.Segmenter{}, out, logger)
		test.That(t, err, test.ShouldBeError, context.Canceled)
		_, err = os.Stat(filepath.Join(out, IndexFile))
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})

	t.Run("no segmenter", func(t *testing.T) {
		sources, err := Discover(writeScene(t, 3))
		test.That(t, err, test.ShouldBeNil)
		_, err = Preprocess(context.Background(), sources, testConfig(), nil, t.TempDir(), logger)
		test.That(t, utils.IsKind(err, utils.KindCapabilityUnavailable), test.ShouldBeTrue)
	})
}
