// Package tracing implements the Immature Point Tracer: epipolar line
// search plus Gauss-Newton refinement producing pixel-interval-bounded
// depth updates, spec.md §4.3.
package tracing

import (
	"math"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/mat"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
)

// maxErrorInPixel is the clamp from spec.md §4.3 step 6.
const maxErrorInPixel = 10.0

// ImageSampler abstracts bilinear sampling of a target frame's pyramid
// level 0 image and gradient, the only thing the tracer needs from the
// (externally constructed) image pyramid.
type ImageSampler interface {
	// Dims returns the level-0 image width/height.
	Dims() (w, h int)
	// Sample returns (intensity, gradX, gradY) bilinearly interpolated
	// at (u,v), or ok=false if (u,v) is outside the image.
	Sample(u, v float64) (color, gx, gy float64, ok bool)
}

// KRKiKt is the per-(host,target) epipolar geometry precomputed once by
// the caller per spec.md §4.3 ("compute KRKi = K*R*K^-1 and Kt = K*t").
type KRKiKt struct {
	KRKi [9]float64 // row-major 3x3
	Kt   [3]float64
}

func (g KRKiKt) projectAt(u, v, idepth float64) (pr [3]float64, ptp [3]float64) {
	pr = [3]float64{
		g.KRKi[0]*u + g.KRKi[1]*v + g.KRKi[2],
		g.KRKi[3]*u + g.KRKi[4]*v + g.KRKi[5],
		g.KRKi[6]*u + g.KRKi[7]*v + g.KRKi[8],
	}
	ptp = [3]float64{
		pr[0] + g.Kt[0]*idepth,
		pr[1] + g.Kt[1]*idepth,
		pr[2] + g.Kt[2]*idepth,
	}
	return pr, ptp
}

// rplane returns the top-left 2x2 block of KRKi, which both bounds the
// pattern's rotated footprint (step 2) and rotates the residual pattern
// during the discrete search and GN refinement (steps 8, 10) —
// original_source/ImmaturePoint.cpp reuses a single Rplane for both.
func (g KRKiKt) rplane() *mat.Dense {
	return mat.NewDense(2, 2, []float64{g.KRKi[0], g.KRKi[1], g.KRKi[3], g.KRKi[4]})
}

// Tracer runs traceOn for immature points against target frames,
// spec.md §4.3.
type Tracer struct {
	settings *settings.Settings
	logger   golog.Logger
}

// NewTracer returns a Tracer bound to settings and a logger; TraceOn
// itself never logs (it runs in the per-point hot loop), but failures
// reaching Tracer's caller are attributed through this logger.
func NewTracer(s *settings.Settings, logger golog.Logger) *Tracer {
	return &Tracer{settings: s, logger: logger}
}

// TraceOn implements spec.md §4.3's traceOn contract.
func (t *Tracer) TraceOn(p *points.ImmaturePoint, target ImageSampler, geom KRKiKt, aff frame.AffLight) points.TraceStatus {
	if p.LastTraceStatus == points.StatusOOB {
		return t.setStatus(p, points.StatusOOB, -1, -1, 0)
	}

	w, h := target.Dims()

	pr, ptpMin := geom.projectAt(p.U, p.V, p.IdepthMin)
	uMin := ptpMin[0] / ptpMin[2]
	vMin := ptpMin[1] / ptpMin[2]

	rplane := geom.rplane()
	rotated := make([][2]float64, points.PatternSize)
	maxRotX, maxRotY := 0.0, 0.0
	for i, off := range points.Pattern {
		in := mat.NewVecDense(2, []float64{float64(off[0]), float64(off[1])})
		var out mat.VecDense
		out.MulVec(rplane, in)
		rotated[i] = [2]float64{out.AtVec(0), out.AtVec(1)}
		if a := math.Abs(rotated[i][0]); a > maxRotX {
			maxRotX = a
		}
		if a := math.Abs(rotated[i][1]); a > maxRotY {
			maxRotY = a
		}
	}
	boundU := math.Max(4, maxRotX+2)
	boundV := math.Max(4, maxRotY+2)

	if !inBounds(uMin, vMin, boundU, boundV, w, h) {
		return t.setStatus(p, points.StatusOOB, -1, -1, 0)
	}

	var dist, uMax, vMax float64
	maxPixSearch := t.settings.MaxPixSearch * float64(w+h)

	if !math.IsInf(p.IdepthMax, 1) && !math.IsNaN(p.IdepthMax) {
		_, ptpMax := geom.projectAt(p.U, p.V, p.IdepthMax)
		uMax = ptpMax[0] / ptpMax[2]
		vMax = ptpMax[1] / ptpMax[2]
		if !inBounds(uMax, vMax, boundU, boundV, w, h) {
			return t.setStatus(p, points.StatusOOB, -1, -1, 0)
		}
		dist = math.Hypot(uMin-uMax, vMin-vMax)
		if dist < t.settings.TraceSlackInterval {
			return t.setStatus(p, points.StatusSkipped, (uMax+uMin)/2, (vMax+vMin)/2, dist)
		}
	} else {
		dist = maxPixSearch
		_, ptpDir := geom.projectAt(p.U, p.V, 0.01)
		du := ptpDir[0]/ptpDir[2] - uMin
		dv := ptpDir[1]/ptpDir[2] - vMin
		invNorm := 1 / math.Hypot(du, dv)
		uMax = uMin + dist*du*invNorm
		vMax = vMin + dist*dv*invNorm
		if !inBounds(uMax, vMax, boundU, boundV, w, h) {
			return t.setStatus(p, points.StatusOOB, -1, -1, 0)
		}
	}

	if p.IdepthMin >= 0 && !(ptpMin[2] > 0.75 && ptpMin[2] < 1.5) {
		return t.setStatus(p, points.StatusOOB, -1, -1, 0)
	}

	dx := t.settings.TraceStepsize * (uMax - uMin)
	dy := t.settings.TraceStepsize * (vMax - vMin)

	gradH := mat.NewDense(2, 2, []float64{p.GradH[0][0], p.GradH[0][1], p.GradH[1][0], p.GradH[1][1]})
	a := quadForm(gradH, dx, dy)
	b := quadForm(gradH, dy, -dx)
	errorInPixel := 0.2 + 0.2*(a+b)/a
	if !math.IsInf(p.IdepthMax, 1) && !math.IsNaN(p.IdepthMax) && errorInPixel*t.settings.TraceMinImprovementFact > dist {
		return t.setStatus(p, points.StatusBadCondition, (uMax+uMin)/2, (vMax+vMin)/2, dist)
	}
	if errorInPixel > maxErrorInPixel {
		errorInPixel = maxErrorInPixel
	}

	dx /= dist
	dy /= dist
	if !math.IsInf(dist, 0) && dist > maxPixSearch {
		uMax = uMin + maxPixSearch*dx
		vMax = vMin + maxPixSearch*dy
		dist = maxPixSearch
	}
	if math.IsNaN(dx) || math.IsNaN(dy) {
		return t.setStatus(p, points.StatusOOB, -1, -1, 0)
	}

	numSteps := int(1.9999 + dist/t.settings.TraceStepsize)
	if numSteps > 99 {
		numSteps = 99
	}
	if numSteps < 2 {
		numSteps = 2
	}

	randShift := p.U*1000 - math.Floor(p.U*1000)
	ptx := uMin - randShift*dx
	pty := vMin - randShift*dy

	errs := make([]float64, numSteps)
	bestU, bestV, bestEnergy, bestIdx := 0.0, 0.0, 1e10, -1
	for i := 0; i < numSteps; i++ {
		energy := 0.0
		for idx := 0; idx < points.PatternSize; idx++ {
			color, _, _, ok := target.Sample(ptx+rotated[idx][0], pty+rotated[idx][1])
			if !ok {
				energy += 1e5
				continue
			}
			residual := color - (aff.A*float64(p.Color[idx]) + aff.B)
			hw := huberWeight(residual, t.settings.HuberTH)
			energy += hw * residual * residual * (2 - hw)
		}
		errs[i] = energy
		if energy < bestEnergy {
			bestU, bestV, bestEnergy, bestIdx = ptx, pty, energy, i
		}
		ptx += dx
		pty += dy
	}

	secondBest := 1e10
	for i := 0; i < numSteps; i++ {
		if (i < bestIdx-t.settings.MinTraceTestRadius || i > bestIdx+t.settings.MinTraceTestRadius) && errs[i] < secondBest {
			secondBest = errs[i]
		}
	}
	newQuality := secondBest / bestEnergy
	if newQuality < p.Quality || numSteps > 10 {
		p.Quality = newQuality
	}

	uBak, vBak, gnStepSize, stepBack := bestU, bestV, 1.0, 0.0
	if t.settings.TraceGNIterations > 0 {
		bestEnergy = 1e5
	}
	for it := 0; it < t.settings.TraceGNIterations; it++ {
		hess, bGrad, energy := 0.0, 0.0, 0.0
		oob := false
		for idx := 0; idx < points.PatternSize; idx++ {
			posU := bestU + rotated[idx][0]
			posV := bestV + rotated[idx][1]
			if posU < 0 || posV < 0 || posU >= float64(w)-1 || posV >= float64(h)-1 {
				oob = true
				break
			}
			color, gx, gy, ok := target.Sample(posU, posV)
			if !ok {
				energy += 1e5
				continue
			}
			residual := color - (aff.A*float64(p.Color[idx]) + aff.B)
			dResdDist := dx*gx + dy*gy
			hw := huberWeight(residual, t.settings.HuberTH)
			hess += hw * dResdDist * dResdDist
			bGrad += hw * residual * dResdDist
			energy += float64(p.Weight[idx]) * float64(p.Weight[idx]) * hw * residual * residual * (2 - hw)
		}
		if oob {
			return t.setStatus(p, points.StatusOOB, -1, -1, 0)
		}

		if energy > bestEnergy {
			stepBack *= 0.5
			bestU = uBak + stepBack*dx
			bestV = vBak + stepBack*dy
		} else {
			step := -gnStepSize * bGrad / (1 + hess)
			if step < -0.5 {
				step = -0.5
			} else if step > 0.5 {
				step = 0.5
			}
			if math.IsNaN(step) || math.IsInf(step, 0) {
				step = 0
			}
			uBak, vBak = bestU, bestV
			stepBack = step
			bestU += step * dx
			bestV += step * dy
			bestEnergy = energy
		}
		if math.Abs(stepBack) < t.settings.TraceGNThreshold {
			break
		}
	}

	if !(bestEnergy < p.EnergyTH*t.settings.TraceExtraSlackOnTH) {
		if p.LastTraceStatus == points.StatusOutlier {
			p.ConsecutiveOutliers++
			return t.setStatus(p, points.StatusOOB, -1, -1, 0)
		}
		p.ConsecutiveOutliers++
		return t.setStatus(p, points.StatusOutlier, -1, -1, 0)
	}
	p.ConsecutiveOutliers = 0

	var idepthMin, idepthMax float64
	if dx*dx > dy*dy {
		idepthMin = (pr[2]*(bestU-errorInPixel*dx) - pr[0]) / (geom.Kt[0] - geom.Kt[2]*(bestU-errorInPixel*dx))
		idepthMax = (pr[2]*(bestU+errorInPixel*dx) - pr[0]) / (geom.Kt[0] - geom.Kt[2]*(bestU+errorInPixel*dx))
	} else {
		idepthMin = (pr[2]*(bestV-errorInPixel*dy) - pr[1]) / (geom.Kt[1] - geom.Kt[2]*(bestV-errorInPixel*dy))
		idepthMax = (pr[2]*(bestV+errorInPixel*dy) - pr[1]) / (geom.Kt[1] - geom.Kt[2]*(bestV+errorInPixel*dy))
	}
	if idepthMin > idepthMax {
		idepthMin, idepthMax = idepthMax, idepthMin
	}
	if math.IsNaN(idepthMin) || math.IsNaN(idepthMax) || math.IsInf(idepthMin, 0) || idepthMax < 0 {
		return t.setStatus(p, points.StatusOutlier, -1, -1, 0)
	}

	p.IdepthMin = idepthMin
	p.IdepthMax = idepthMax
	return t.setStatus(p, points.StatusGood, bestU, bestV, 2*errorInPixel)
}

func (t *Tracer) setStatus(p *points.ImmaturePoint, status points.TraceStatus, u, v, interval float64) points.TraceStatus {
	p.LastTraceStatus = status
	p.LastTraceUV = [2]float64{u, v}
	p.LastTracePixelInterval = interval
	return status
}

func inBounds(u, v, boundU, boundV float64, w, h int) bool {
	return u > boundU && v > boundV && u < float64(w)-boundU-1 && v < float64(h)-boundV-1
}

func huberWeight(residual, huberTH float64) float64 {
	a := math.Abs(residual)
	if a < huberTH {
		return 1
	}
	return huberTH / a
}

func quadForm(m *mat.Dense, x, y float64) float64 {
	v := mat.NewVecDense(2, []float64{x, y})
	var tmp mat.VecDense
	tmp.MulVec(m, v)
	return x*tmp.AtVec(0) + y*tmp.AtVec(1)
}
