// Package points implements ImmaturePoint, PointHessian and
// PointFrameResidual, spec.md §3, plus the per-host containers that
// track their ownership (DESIGN NOTES §9: "ownership of... points to
// their host's arena").
package points

import (
	"math"

	"github.com/dsovio/fullsystem/frame"
)

// TraceStatus is the tagged variant of the last traceOn outcome,
// DESIGN NOTES §9 "Polymorphic trace status".
type TraceStatus int

const (
	StatusUninitialized TraceStatus = iota
	StatusGood
	StatusSkipped
	StatusBadCondition
	StatusOOB
	StatusOutlier
)

func (s TraceStatus) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusSkipped:
		return "SKIPPED"
	case StatusBadCondition:
		return "BADCONDITION"
	case StatusOOB:
		return "OOB"
	case StatusOutlier:
		return "OUTLIER"
	default:
		return "UNINITIALIZED"
	}
}

// PatternSize is the number of fixed pixel offsets around each point
// used for robust photometric residuals, spec.md glossary "Pattern".
const PatternSize = 8

// Pattern is the default 8-neighbor DSO pattern (offsets in pixels),
// shared by every ImmaturePoint and PointFrameResidual.
var Pattern = [PatternSize][2]int{
	{0, -2}, {-1, -1}, {1, -1}, {-2, 0},
	{0, 0}, {2, 0}, {-1, 1}, {0, 2},
}

// ImmaturePoint is a pixel hypothesis with an inverse-depth interval,
// spec.md §3. Host is a weak reference: the point is owned by the host's
// entry in a Registry until promoted or deleted.
type ImmaturePoint struct {
	Host *frame.Hessian
	U, V float64

	IdepthMin, IdepthMax float64

	// Color/Weight are the reference intensities and per-pattern-offset
	// weights sampled at (U,V) on Host at creation time.
	Color  [PatternSize]float32
	Weight [PatternSize]float32

	// GradH is the 2x2 gradient Hessian sum(grad*grad^T) accumulated
	// over the pattern, used by the improvement test in §4.3 step 6.
	GradH [2][2]float64

	Quality float64

	LastTraceStatus        TraceStatus
	LastTraceUV            [2]float64
	LastTracePixelInterval float64

	// ConsecutiveOutliers implements the two-strike OUTLIER->OOB rule
	// (spec.md §4.3 step 11, §7), supplemented from
	// original_source/ImmaturePoint.cpp where it is tracked only
	// implicitly via LastTraceStatus.
	ConsecutiveOutliers int

	EnergyTH float64
}

// NewImmaturePoint creates a point at (u,v) on host with an
// uninitialized (unbounded) depth interval, matching spec.md's
// "idepth_max infinite (uninitialized)" state.
func NewImmaturePoint(host *frame.Hessian, u, v float64) *ImmaturePoint {
	return &ImmaturePoint{
		Host:            host,
		U:               u,
		V:               v,
		IdepthMin:       0,
		IdepthMax:       math.Inf(1),
		LastTraceStatus: StatusUninitialized,
		EnergyTH: func() float64 {
			// setting_outlierTH scaled by pattern size, matching the
			// original's (patternNum)*setting_outlierTH energy threshold.
			return PatternSize * 12 * 12
		}(),
	}
}

// PointStatus is the lifecycle status of an activated point, spec.md §3.
type PointStatus int

const (
	StatusActive PointStatus = iota
	StatusMarginalized
	StatusOutlierPoint
	StatusDrop
)

// PointHessian is an activated point with a scalar inverse depth,
// spec.md §3.
type PointHessian struct {
	Host   *frame.Hessian
	U, V   float64
	Idepth float64

	Status PointStatus

	// IdepthHessian is the posterior precision reported by the backend
	// optimizer, used by the marginalization flagger (§4.6).
	IdepthHessian float64

	// HasDepthPrior marks points seeded from the initializer handoff
	// (spec.md §4.7), which carry an externally-supplied depth prior
	// into the backend rather than starting from an immature-point
	// trace.
	HasDepthPrior bool

	Residuals []*Residual

	Color  [PatternSize]float32
	Weight [PatternSize]float32
}

// IdepthScaled is the inverse depth in the backend's working scale; since
// this module does not implement the backend's internal scale factor,
// it is identity here and exists so marg.FlagRemovals can read a stably-named
// field (spec.md §4.6 "idepth_scaled").
func (p *PointHessian) IdepthScaled() float64 {
	return p.Idepth
}

// Residual is a photometric residual tying a PointHessian to a target
// Hessian, spec.md §3. Owned by the PointHessian; also referenced by the
// backend's residual list via backend.Optimizer.
type Residual struct {
	Point  *PointHessian
	Target *frame.Hessian

	IsNew      bool
	IsLinearized bool
	IsActiveFlag bool
}

// IsActive reports whether the backend currently includes this residual
// in the energy functional.
func (r *Residual) IsActive() bool { return r.IsActiveFlag }
