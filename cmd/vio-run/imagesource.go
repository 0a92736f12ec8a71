package main

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/frame"
)

var errNoFrames = errors.New("vio-run: frame directory contains no decodable images")

// pyramidLevels is the number of pyramid octaves built per frame,
// matching spec.md §3's "coarsest-level" coarse-tracking convention of
// a handful of halvings.
const pyramidLevels = 5

// listFrameFiles returns every decodable image under dir, sorted by
// name so that lexicographic numbering (frame0001.png, frame0002.png,
// ...) matches temporal order.
func listFrameFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading frame directory")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".png", ".jpg", ".jpeg":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func peekFrameSize(path string) (w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "decoding header of %s", path)
	}
	return cfg.Width, cfg.Height, nil
}

// pyramidBuilder decodes an image file into an intensity pyramid with
// per-level central-difference gradients, the storage shape frame.Level
// expects. Pyramid construction itself is an external collaborator per
// spec.md §1; this is a minimal stand-in good enough to drive the
// pipeline from real footage.
type pyramidBuilder struct {
	intr calib.Intrinsics
}

func newPyramidBuilder(intr calib.Intrinsics) *pyramidBuilder {
	return &pyramidBuilder{intr: intr}
}

// BuildFromFile decodes path and returns its pyramid plus a nominal
// exposure time of 1 (linear calibration assumes unit exposure).
func (b *pyramidBuilder) BuildFromFile(path string) (*frame.Pyramid, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "decoding %s", path)
	}

	base := toGray(img)
	levels := make([]frame.Level, 0, pyramidLevels)
	cur := base
	for l := 0; l < pyramidLevels; l++ {
		levels = append(levels, intensityToLevel(cur))
		if l < pyramidLevels-1 {
			cur = downsample(cur)
		}
	}
	return &frame.Pyramid{Levels: levels}, 1, nil
}

// grayImage is a flat row-major float32 intensity buffer.
type grayImage struct {
	w, h int
	pix  []float32
}

func toGray(img image.Image) *grayImage {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	g := &grayImage{w: w, h: h, pix: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// standard luma weighting, 16-bit channel range.
			lum := (0.299*float64(r) + 0.587*float64(gg) + 0.114*float64(bb)) / 257
			g.pix[y*w+x] = float32(lum)
		}
	}
	return g
}

// downsample halves a grayImage via 2x2 box averaging, the same
// pyramid-construction convention DSO-style trackers use for their
// coarser levels.
func downsample(g *grayImage) *grayImage {
	w2, h2 := g.w/2, g.h/2
	out := &grayImage{w: w2, h: h2, pix: make([]float32, w2*h2)}
	for y := 0; y < h2; y++ {
		for x := 0; x < w2; x++ {
			sum := g.pix[(2*y)*g.w+2*x] + g.pix[(2*y)*g.w+2*x+1] +
				g.pix[(2*y+1)*g.w+2*x] + g.pix[(2*y+1)*g.w+2*x+1]
			out.pix[y*w2+x] = sum / 4
		}
	}
	return out
}

// intensityToLevel computes central-difference gradients over g and
// packs the result into a frame.Level.
func intensityToLevel(g *grayImage) frame.Level {
	lvl := frame.Level{
		Width: g.w, Height: g.h,
		Intensity: g.pix,
		GradX:     make([]float32, g.w*g.h),
		GradY:     make([]float32, g.w*g.h),
	}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			idx := y*g.w + x
			switch {
			case x > 0 && x < g.w-1:
				lvl.GradX[idx] = (g.pix[idx+1] - g.pix[idx-1]) / 2
			}
			switch {
			case y > 0 && y < g.h-1:
				lvl.GradY[idx] = (g.pix[idx+g.w] - g.pix[idx-g.w]) / 2
			}
		}
	}
	return lvl
}
