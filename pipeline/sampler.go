package pipeline

import (
	"github.com/dsovio/fullsystem/frame"
)

// levelSampler adapts one frame.Level to tracing.ImageSampler via
// bilinear interpolation, the pyramid-reading glue spec.md §1 leaves
// external (image-pyramid construction is out of scope; consuming its
// already-built levels is not).
type levelSampler struct {
	lvl *frame.Level
}

func (s levelSampler) Dims() (w, h int) {
	return s.lvl.Width, s.lvl.Height
}

func (s levelSampler) Sample(u, v float64) (color, gx, gy float64, ok bool) {
	w, h := s.lvl.Width, s.lvl.Height
	if u < 0 || v < 0 || u >= float64(w-1) || v >= float64(h-1) {
		return 0, 0, 0, false
	}
	x0, y0 := int(u), int(v)
	fx, fy := u-float64(x0), v-float64(y0)

	idx := func(x, y int) int { return y*w + x }
	bilerp := func(vals []float32) float64 {
		i00 := float64(vals[idx(x0, y0)])
		i10 := float64(vals[idx(x0+1, y0)])
		i01 := float64(vals[idx(x0, y0+1)])
		i11 := float64(vals[idx(x0+1, y0+1)])
		top := i00*(1-fx) + i10*fx
		bot := i01*(1-fx) + i11*fx
		return top*(1-fy) + bot*fy
	}

	color = bilerp(s.lvl.Intensity)
	gx = bilerp(s.lvl.GradX)
	gy = bilerp(s.lvl.GradY)
	return color, gx, gy, true
}
