// Package marg implements the keyframe-needed predicate and the
// point-removal flagging sweep, spec.md §4.5 and §4.6.
package marg

import (
	"math"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
)

// TrackingResiduals is the tracker-reported residual vector (rmse,
// flowT, flowR, flowRT) the keyframe-needed predicate reads, spec.md
// §4.5.
type TrackingResiduals struct {
	RMSE             float64
	FlowT, FlowR, FlowRT float64
}

// IsAllNaN reports whether every residual is NaN, spec.md §4.5's
// "forceKF is set (all-NaN residuals in IMU mode)" and "declare lost"
// conditions.
func (t TrackingResiduals) IsAllNaN() bool {
	return math.IsNaN(t.RMSE) && math.IsNaN(t.FlowT) && math.IsNaN(t.FlowR) && math.IsNaN(t.FlowRT)
}

// KeyframeAccumulator holds the fractional-frame-count bookkeeping for
// setting_minFramesBetweenKeyframes, spec.md §4.5's last bullet. It is
// not reset between calls; it persists across the session.
type KeyframeAccumulator struct {
	framesSinceLastKF int
	fractionalExcess  float64
}

// KeyframeDecision is the evaluated outcome of NeedsKeyframe.
type KeyframeDecision struct {
	NeedsKeyframe bool
	Lost          bool
}

// NeedsKeyframe implements spec.md §4.5's keyframe-needed predicate.
// trackedFrameCount is the number of frames tracked so far including the
// one just evaluated (so a value of 1 or 2 always promotes).
// timeSinceLastKeyframe and scaleCorrectedTranslationNorm are 0 when not
// applicable (vision-only mode, or the very first keyframes).
func (a *KeyframeAccumulator) NeedsKeyframe(
	s *settings.Settings,
	res TrackingResiduals,
	imuEnabled bool,
	forceKF bool,
	trackedFrameCount int,
	firstCoarseRMSE float64,
	timeSinceLastKeyframe float64,
	imageW, imageH int,
	exposureRatio float64,
	scaleCorrectedTranslationNorm float64,
) KeyframeDecision {
	if res.IsAllNaN() {
		if !imuEnabled {
			return KeyframeDecision{Lost: true}
		}
		return KeyframeDecision{NeedsKeyframe: true}
	}

	if trackedFrameCount <= 2 {
		return KeyframeDecision{NeedsKeyframe: true}
	}

	needed := forceKF

	if s.KeyframesPerSecond > 0 {
		if timeSinceLastKeyframe >= 0.95/s.KeyframesPerSecond {
			needed = true
		}
	} else {
		wT, wR, wRT, wA := s.MaxShiftWeightT, s.MaxShiftWeightR, s.MaxShiftWeightRT, s.MaxAffineWeight
		shift := s.KFGlobalWeight*(wT*math.Sqrt(res.FlowT)+wR*math.Sqrt(res.FlowR)+wRT*math.Sqrt(res.FlowRT))/float64(imageW+imageH) +
			wA*math.Abs(math.Log(exposureRatio))
		if shift > 1 {
			needed = true
		}
		if 2*firstCoarseRMSE < res.RMSE {
			needed = true
		}
		if s.MaxTimeBetweenKFs > 0 && timeSinceLastKeyframe > s.MaxTimeBetweenKFs {
			needed = true
		}
	}

	if imuEnabled && scaleCorrectedTranslationNorm < s.ForceNoKFTranslationThr {
		needed = false
	}

	a.framesSinceLastKF++
	if needed {
		if !a.admitByAccumulator(s.MinFramesBetweenKFs) {
			needed = false
		} else {
			a.framesSinceLastKF = 0
			a.fractionalExcess = 0
		}
	}

	return KeyframeDecision{NeedsKeyframe: needed}
}

// admitByAccumulator implements the fractional-accumulator enforcement
// of setting_minFramesBetweenKeyframes: if the integer floor of frames
// elapsed is not yet satisfied, skip; if the fractional excess has
// accumulated past 1.0, skip once and decrement the accumulator.
func (a *KeyframeAccumulator) admitByAccumulator(minFrames float64) bool {
	if float64(a.framesSinceLastKF) < math.Floor(minFrames) {
		return false
	}
	a.fractionalExcess += minFrames - math.Floor(minFrames)
	if a.fractionalExcess > 1.0 {
		a.fractionalExcess--
		return false
	}
	return true
}

// FlagRemovals walks every active point owned by host, flags it per
// spec.md §4.6, and compacts host's active-points vector in registry,
// returning the points removed (DROP or MARGINALIZE). Flagged points
// that remain ACTIVE are left untouched. relinearize is called once per
// active residual on an OOB or marginalization-flagged host; it reports
// whether the residual is still a good (inlier) observation.
func FlagRemovals(s *settings.Settings, registry *points.Registry, host *frame.Hessian, hostMarginalizeFlagged bool, relinearize func(*points.Residual) (isInlier bool)) []*points.PointHessian {
	for _, p := range registry.Active(host.Shell.ID) {
		flagOne(s, p, hostMarginalizeFlagged, relinearize)
	}
	return registry.CompactActive(host.Shell.ID, func(p *points.PointHessian) bool {
		return p.Status != points.StatusActive
	})
}

func flagOne(s *settings.Settings, p *points.PointHessian, hostMarginalizeFlagged bool, relinearize func(*points.Residual) bool) {
	if p.IdepthScaled() < s.MinIdepth || len(p.Residuals) == 0 {
		p.Status = points.StatusDrop
		return
	}

	if !isOOB(p) && !hostMarginalizeFlagged {
		return
	}

	// relinearize every residual, per spec.md §4.6 (the original resets
	// OOB status and re-linearizes all of them, not just the
	// currently-active ones, before checking which are still active). A
	// point with no surviving inlier residual is never a MARGINALIZE
	// candidate: the original (FullSystem.cpp's isInlierNew gate) always
	// drops it.
	ngoodRes := 0
	for _, r := range p.Residuals {
		isInlier := relinearize(r)
		r.IsActiveFlag = isInlier
		if isInlier {
			ngoodRes++
		}
	}

	if ngoodRes > 0 && p.IdepthHessian > s.MinIdepthHMarg {
		p.Status = points.StatusMarginalized
	} else {
		p.Status = points.StatusDrop
	}
}

// isOOB reports whether p currently has no active target residual,
// spec.md §4.6's "the point is 'OOB' (no active target)".
func isOOB(p *points.PointHessian) bool {
	for _, r := range p.Residuals {
		if r.IsActive() {
			return false
		}
	}
	return true
}
