package marg

import (
	"math"
	"testing"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
	"github.com/dsovio/fullsystem/spatial"
)

func TestTrackingResidualsIsAllNaN(t *testing.T) {
	r := TrackingResiduals{RMSE: math.NaN(), FlowT: math.NaN(), FlowR: math.NaN(), FlowRT: math.NaN()}
	if !r.IsAllNaN() {
		t.Fatal("expected all-NaN residuals to report true")
	}
	r.FlowR = 1
	if r.IsAllNaN() {
		t.Fatal("expected mixed residuals to report false")
	}
}

func TestNeedsKeyframeAlwaysPromotesFirstTwoFrames(t *testing.T) {
	a := &KeyframeAccumulator{}
	s := settings.Default()
	res := TrackingResiduals{RMSE: 1}

	d := a.NeedsKeyframe(s, res, false, false, 1, -1, 0, 640, 480, 1, 0)
	if !d.NeedsKeyframe || d.Lost {
		t.Fatalf("expected frame 1 to be promoted, got %+v", d)
	}
	d = a.NeedsKeyframe(s, res, false, false, 2, -1, 0, 640, 480, 1, 0)
	if !d.NeedsKeyframe {
		t.Fatalf("expected frame 2 to be promoted, got %+v", d)
	}
}

func TestNeedsKeyframeDeclaresLostWithoutIMU(t *testing.T) {
	a := &KeyframeAccumulator{}
	s := settings.Default()
	res := TrackingResiduals{RMSE: math.NaN(), FlowT: math.NaN(), FlowR: math.NaN(), FlowRT: math.NaN()}

	d := a.NeedsKeyframe(s, res, false, false, 5, 1, 0, 640, 480, 1, 0)
	if !d.Lost {
		t.Fatal("expected lost=true on all-NaN residuals without IMU")
	}
}

func TestNeedsKeyframeForcesWithIMUOnAllNaN(t *testing.T) {
	a := &KeyframeAccumulator{}
	s := settings.Default()
	res := TrackingResiduals{RMSE: math.NaN(), FlowT: math.NaN(), FlowR: math.NaN(), FlowRT: math.NaN()}

	d := a.NeedsKeyframe(s, res, true, false, 5, 1, 0, 640, 480, 1, 0)
	if d.Lost || !d.NeedsKeyframe {
		t.Fatalf("expected forced keyframe with IMU enabled, got %+v", d)
	}
}

func TestNeedsKeyframeOnRMSEExcess(t *testing.T) {
	a := &KeyframeAccumulator{}
	s := settings.Default()
	s.MinFramesBetweenKFs = 0
	res := TrackingResiduals{RMSE: 100}

	d := a.NeedsKeyframe(s, res, false, false, 5, 1, 0, 640, 480, 1, 0)
	if !d.NeedsKeyframe {
		t.Fatal("expected keyframe promotion when 2*firstCoarseRMSE < rmse")
	}
}

func TestNeedsKeyframeSuppressedByMinFramesAccumulator(t *testing.T) {
	a := &KeyframeAccumulator{}
	s := settings.Default()
	s.MinFramesBetweenKFs = 3
	res := TrackingResiduals{RMSE: 100}

	// firstCoarseRMSE triggers "needed" every call, but the accumulator
	// should suppress promotion until enough frames have elapsed.
	d := a.NeedsKeyframe(s, res, false, false, 5, 1, 0, 640, 480, 1, 0)
	if d.NeedsKeyframe {
		t.Fatal("expected suppression before minFramesBetweenKeyframes elapses")
	}
}

func TestNeedsKeyframeSuppressedByIMUTranslationGuard(t *testing.T) {
	a := &KeyframeAccumulator{}
	s := settings.Default()
	s.MinFramesBetweenKFs = 0
	s.ForceNoKFTranslationThr = 0.5
	res := TrackingResiduals{RMSE: 100}

	d := a.NeedsKeyframe(s, res, true, false, 5, 1, 0, 640, 480, 1, 0.01)
	if d.NeedsKeyframe {
		t.Fatal("expected IMU translation guard to suppress promotion")
	}
}

// newActivePoint returns an ACTIVE point with one residual, inactive
// unless active=true. An inactive-only residual set is what isOOB
// treats as "no active target".
func newActivePoint(idepthHessian float64, active bool) *points.PointHessian {
	p := &points.PointHessian{Status: points.StatusActive, Idepth: 1, IdepthHessian: idepthHessian}
	r := &points.Residual{Point: p, IsActiveFlag: active}
	p.Residuals = []*points.Residual{r}
	return p
}

func TestFlagRemovalsDropsBelowMinIdepth(t *testing.T) {
	s := settings.Default()
	s.MinIdepth = 0.5
	reg := points.NewRegistry()
	host := frame.NewHessian(frame.NewShell(0, 0, 0), nil, 1)
	host.Shell.CamToWorld = spatial.Identity()

	p := newActivePoint(100, false)
	p.Idepth = 0.1
	reg.AddActive(host.Shell.ID, p)

	removed := FlagRemovals(s, reg, host, false, func(*points.Residual) bool { return true })
	if len(removed) != 1 || removed[0].Status != points.StatusDrop {
		t.Fatalf("expected point dropped for idepth below minIdepth, got %+v", removed)
	}
	if len(reg.Active(host.Shell.ID)) != 0 {
		t.Fatal("expected active set compacted")
	}
}

func TestFlagRemovalsMarginalizesHighPrecisionOOBPoint(t *testing.T) {
	s := settings.Default()
	s.MinIdepthHMarg = 50
	reg := points.NewRegistry()
	host := frame.NewHessian(frame.NewShell(0, 0, 0), nil, 1)
	host.Shell.CamToWorld = spatial.Identity()

	p := newActivePoint(100, false) // no active residuals -> isOOB() true
	reg.AddActive(host.Shell.ID, p)

	removed := FlagRemovals(s, reg, host, false, func(*points.Residual) bool { return true })
	if len(removed) != 1 || removed[0].Status != points.StatusMarginalized {
		t.Fatalf("expected MARGINALIZE for OOB point with high idepth_hessian, got %+v", removed)
	}
}

func TestFlagRemovalsDropsLowPrecisionOOBPoint(t *testing.T) {
	s := settings.Default()
	s.MinIdepthHMarg = 50
	reg := points.NewRegistry()
	host := frame.NewHessian(frame.NewShell(0, 0, 0), nil, 1)
	host.Shell.CamToWorld = spatial.Identity()

	p := newActivePoint(10, false)
	reg.AddActive(host.Shell.ID, p)

	removed := FlagRemovals(s, reg, host, false, func(*points.Residual) bool { return true })
	if len(removed) != 1 || removed[0].Status != points.StatusDrop {
		t.Fatalf("expected DROP for OOB point with low idepth_hessian, got %+v", removed)
	}
}

func TestFlagRemovalsDropsNonInlierDespiteHighPrecision(t *testing.T) {
	s := settings.Default()
	s.MinIdepthHMarg = 50
	reg := points.NewRegistry()
	host := frame.NewHessian(frame.NewShell(0, 0, 0), nil, 1)
	host.Shell.CamToWorld = spatial.Identity()

	p := newActivePoint(100, false) // no active residuals -> isOOB() true
	reg.AddActive(host.Shell.ID, p)

	removed := FlagRemovals(s, reg, host, false, func(*points.Residual) bool { return false })
	if len(removed) != 1 || removed[0].Status != points.StatusDrop {
		t.Fatalf("expected DROP for a non-inlier point regardless of idepth_hessian, got %+v", removed)
	}
}

func TestFlagRemovalsLeavesHealthyActivePointsUntouched(t *testing.T) {
	s := settings.Default()
	reg := points.NewRegistry()
	host := frame.NewHessian(frame.NewShell(0, 0, 0), nil, 1)
	host.Shell.CamToWorld = spatial.Identity()

	p := newActivePoint(100, false)
	p.Residuals[0].IsActiveFlag = true
	reg.AddActive(host.Shell.ID, p)

	removed := FlagRemovals(s, reg, host, false, func(*points.Residual) bool { return true })
	if len(removed) != 0 {
		t.Fatalf("expected no removals for a point with an active target and a healthy host, got %+v", removed)
	}
	if len(reg.Active(host.Shell.ID)) != 1 {
		t.Fatal("expected the point to remain active")
	}
}
