package activation

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"

	"github.com/dsovio/fullsystem/backend"
	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
	"github.com/dsovio/fullsystem/spatial"
)

func TestActivationPreconditionRejectsStaleStatus(t *testing.T) {
	s := settings.Default()
	p := points.NewImmaturePoint(nil, 1, 1)
	p.LastTraceStatus = points.StatusUninitialized
	if activationPrecondition(p, s) {
		t.Fatal("expected precondition to reject UNINITIALIZED status")
	}
}

func TestActivationPreconditionRejectsWideInterval(t *testing.T) {
	s := settings.Default()
	p := points.NewImmaturePoint(nil, 1, 1)
	p.LastTraceStatus = points.StatusGood
	p.LastTracePixelInterval = 9
	p.Quality = 10
	p.IdepthMin, p.IdepthMax = 0.1, 1
	if activationPrecondition(p, s) {
		t.Fatal("expected precondition to reject interval >= 8")
	}
}

func TestActivationPreconditionAccepts(t *testing.T) {
	s := settings.Default()
	p := points.NewImmaturePoint(nil, 1, 1)
	p.LastTraceStatus = points.StatusGood
	p.LastTracePixelInterval = 1
	p.Quality = 10
	p.IdepthMin, p.IdepthMax = 0.1, 1
	if !activationPrecondition(p, s) {
		t.Fatal("expected precondition to accept a well-conditioned GOOD point")
	}
}

func newTestHessian(id int, w, h int) *frame.Hessian {
	sh := frame.NewShell(id, id, float64(id))
	sh.CamToWorld = spatial.Identity()
	sh.PoseValid = true
	pyr := &frame.Pyramid{Levels: []frame.Level{
		{Width: w, Height: h},
		{Width: w / 2, Height: h / 2},
	}}
	hess := frame.NewHessian(sh, pyr, 1)
	hess.RecomputePrecalc()
	return hess
}

type fakeOptimizer struct {
	nPoints  int
	inserted []*points.PointHessian
	outcome  backend.ActivationOutcome
}

func (f *fakeOptimizer) OptimizeNewKeyframe(ctx context.Context, window []*frame.Hessian) (float64, error) {
	return 0, nil
}
func (f *fakeOptimizer) InsertPoint(p *points.PointHessian) error {
	f.inserted = append(f.inserted, p)
	return nil
}
func (f *fakeOptimizer) RemovePoint(p *points.PointHessian) error { return nil }
func (f *fakeOptimizer) NPoints() int                             { return f.nPoints }
func (f *fakeOptimizer) IsIMUReady() bool                         { return false }
func (f *fakeOptimizer) RelinearizeResidual(r *points.Residual) bool { return true }
func (f *fakeOptimizer) OptimizeImmaturePoint(ctx context.Context, host *frame.Hessian, window []*frame.Hessian, p *points.ImmaturePoint) (*points.PointHessian, backend.ActivationOutcome, error) {
	switch f.outcome {
	case backend.ActivationSucceeded:
		return &points.PointHessian{Host: host, U: p.U, V: p.V, Idepth: 1}, backend.ActivationSucceeded, nil
	case backend.ActivationDeleted:
		return nil, backend.ActivationDeleted, nil
	default:
		return nil, backend.ActivationDeferred, nil
	}
}

type fakeSelector struct{}

func (fakeSelector) SelectPixels(h *frame.Hessian, desiredCount int) [][2]float64 {
	out := make([][2]float64, 0, desiredCount)
	for i := 0; i < desiredCount && i < 3; i++ {
		out = append(out, [2]float64{float64(10 + i), float64(10 + i)})
	}
	return out
}

func TestRunPromotesScheduledPointToActive(t *testing.T) {
	intr := calib.Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 32, Cy: 24}
	c := calib.NewLinearCalibration(intr)

	host := newTestHessian(0, 64, 48)
	newestKF := newTestHessian(1, 64, 48)

	reg := points.NewRegistry()
	p := points.NewImmaturePoint(host, 30, 20)
	p.LastTraceStatus = points.StatusGood
	p.LastTracePixelInterval = 1
	p.Quality = 10
	p.IdepthMin, p.IdepthMax = 0.1, 1
	reg.AddImmature(host.Shell.ID, p)

	opt := &fakeOptimizer{nPoints: 2000, outcome: backend.ActivationSucceeded}
	a := NewActivator(settings.Default(), c, golog.NewTestLogger(t))

	err := a.Run(context.Background(), []*frame.Hessian{host, newestKF}, reg, newestKF, opt, fakeSelector{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(reg.Immature(host.Shell.ID)) != 0 {
		t.Fatalf("expected immature point promoted out of the immature set")
	}
	if len(reg.Active(host.Shell.ID)) != 1 {
		t.Fatalf("expected one active point on host, got %d", len(reg.Active(host.Shell.ID)))
	}
	if len(opt.inserted) != 1 {
		t.Fatalf("expected one point inserted into the optimizer, got %d", len(opt.inserted))
	}
}

func TestRunDeletesOutlierImmaturePoints(t *testing.T) {
	intr := calib.Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 32, Cy: 24}
	c := calib.NewLinearCalibration(intr)

	host := newTestHessian(0, 64, 48)
	newestKF := newTestHessian(1, 64, 48)

	reg := points.NewRegistry()
	p := points.NewImmaturePoint(host, 30, 20)
	p.LastTraceStatus = points.StatusOutlier
	reg.AddImmature(host.Shell.ID, p)

	opt := &fakeOptimizer{nPoints: 2000}
	a := NewActivator(settings.Default(), c, golog.NewTestLogger(t))

	err := a.Run(context.Background(), []*frame.Hessian{host, newestKF}, reg, newestKF, opt, fakeSelector{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(reg.Immature(host.Shell.ID)) != 0 {
		t.Fatalf("expected OUTLIER immature point to be dropped")
	}
}

func TestRunDeletesOOBOnMarginalizeFlaggedHost(t *testing.T) {
	intr := calib.Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 32, Cy: 24}
	c := calib.NewLinearCalibration(intr)

	host := newTestHessian(0, 64, 48)
	host.SetMarginalizeFlagged(true)
	newestKF := newTestHessian(1, 64, 48)

	reg := points.NewRegistry()
	p := points.NewImmaturePoint(host, 30, 20)
	p.LastTraceStatus = points.StatusOOB
	p.IdepthMin, p.IdepthMax = 0.1, 1
	reg.AddImmature(host.Shell.ID, p)

	opt := &fakeOptimizer{nPoints: 2000}
	a := NewActivator(settings.Default(), c, golog.NewTestLogger(t))

	err := a.Run(context.Background(), []*frame.Hessian{host, newestKF}, reg, newestKF, opt, fakeSelector{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(reg.Immature(host.Shell.ID)) != 0 {
		t.Fatalf("expected OOB point on marginalize-flagged host to be dropped")
	}
}

func TestRunReplenishesImmaturePointsOnNewestKF(t *testing.T) {
	intr := calib.Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 32, Cy: 24}
	c := calib.NewLinearCalibration(intr)

	newestKF := newTestHessian(0, 64, 48)
	reg := points.NewRegistry()

	opt := &fakeOptimizer{nPoints: 2000}
	s := settings.Default()
	s.DesiredImmatureNum = 3
	a := NewActivator(s, c, golog.NewTestLogger(t))

	err := a.Run(context.Background(), []*frame.Hessian{newestKF}, reg, newestKF, opt, fakeSelector{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := len(reg.Immature(newestKF.Shell.ID)); got != 3 {
		t.Fatalf("expected 3 replenished immature points, got %d", got)
	}
}

func TestUpdateMinActDistUsedByRun(t *testing.T) {
	intr := calib.Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 32, Cy: 24}
	c := calib.NewLinearCalibration(intr)
	newestKF := newTestHessian(0, 64, 48)
	reg := points.NewRegistry()
	opt := &fakeOptimizer{nPoints: 100}
	a := NewActivator(settings.Default(), c, golog.NewTestLogger(t))

	_ = a.Run(context.Background(), []*frame.Hessian{newestKF}, reg, newestKF, opt, fakeSelector{})
	if math.IsNaN(a.CurrentMinActDist()) {
		t.Fatal("expected a finite currentMinActDist after Run")
	}
}
