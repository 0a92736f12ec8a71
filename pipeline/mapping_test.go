package pipeline

import (
	"context"
	"testing"

	"go.viam.com/test"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/spatial"
)

func newWindowHessian(id int, t *testing.T) *frame.Hessian {
	sh := frame.NewShell(id, id, float64(id))
	sh.PoseValid = true
	sh.CamToWorld = spatial.Identity()
	hess := frame.NewHessian(sh, testPyramid(64, 48), 1)
	hess.RecomputePrecalc()
	hess.FreezeEvalPoint()
	return hess
}

func TestProcessMappedFrameDiscardsNonTentativeFrame(t *testing.T) {
	collab, opt, _, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	co.settings.MaxFrames = 4

	host := newWindowHessian(0, t)
	test.That(t, co.window.Add(host), test.ShouldBeNil)

	target := newWindowHessian(1, t)
	item := &queuedFrame{hess: target, tentativeKeyframe: false}

	err := co.processMappedFrame(context.Background(), item)
	test.That(t, err, test.ShouldBeNil)

	// A non-tentative frame is only traced against, never promoted: the
	// window and keyframe count must be untouched.
	test.That(t, co.window.Len(), test.ShouldEqual, 1)
	test.That(t, co.keyframeCount, test.ShouldEqual, 0)
	test.That(t, opt.optimizeRMSE, test.ShouldEqual, 0)
}

func TestPromoteToKeyframeMarginalizesAndSwapsCoarseTracker(t *testing.T) {
	collab, opt, _, ctA, ctB := baseCollaborators()
	co := newTestCoordinator(t, collab)
	co.settings.MaxFrames = 2
	co.window = frame.NewWindow(co.settings.MaxFrames)
	co.keyframeCount = 1
	opt.optimizeRMSE = 5

	hostA := newWindowHessian(0, t)
	hostB := newWindowHessian(1, t)
	test.That(t, co.window.Add(hostA), test.ShouldBeNil)
	test.That(t, co.window.Add(hostB), test.ShouldBeNil)

	fm := collab.FrameMarginalizer.(*fakeFrameMarginalizer)
	fm.toRemove = []*frame.Hessian{hostA}

	target := newWindowHessian(2, t)
	window := co.window.Frames()

	err := co.promoteToKeyframe(context.Background(), window, target)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, co.window.Len(), test.ShouldEqual, 2)
	test.That(t, hostA.MarginalizeFlagged(), test.ShouldBeTrue)
	test.That(t, hostA.Shell.MarginalizedAt, test.ShouldEqual, target.Shell.ID)

	test.That(t, co.keyframeCount, test.ShouldEqual, 2)
	test.That(t, target.Shell.KeyframeID, test.ShouldEqual, 1)

	// coarseTracker/coarseTrackerForNewKF swap, spec.md §5.
	newPrimary, ok := co.coarseTracker.(*fakeCoarseTracker)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, newPrimary, test.ShouldEqual, ctB)
	test.That(t, ctB.refFrame, test.ShouldEqual, target)

	newStandby, ok := co.coarseTrackerForNewKF.(*fakeCoarseTracker)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, newStandby, test.ShouldEqual, ctA)

	test.That(t, co.refHessian, test.ShouldEqual, target)
}

func TestPromoteToKeyframeRequestsResetOnRMSEExcess(t *testing.T) {
	collab, opt, initr, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	co.settings.MaxFrames = 2
	co.keyframeCount = 1
	// initRMSEExcessThresholds[0] == 20, indexed by keyframeCount-2 == 0
	// once keyframeCount has been incremented to 2 inside promoteToKeyframe.
	opt.optimizeRMSE = 999

	hostA := newWindowHessian(0, t)
	test.That(t, co.window.Add(hostA), test.ShouldBeNil)

	target := newWindowHessian(1, t)
	window := co.window.Frames()

	err := co.promoteToKeyframe(context.Background(), window, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, initr.resetCalls, test.ShouldEqual, 1)

	co.mu.Lock()
	state := co.state
	co.mu.Unlock()
	test.That(t, state, test.ShouldEqual, Uninitialized)
}

func TestRunMappingLoopDrainsQueueAndStopsOnClose(t *testing.T) {
	collab, _, _, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	co.settings.MaxFrames = 4
	co.runMapping = true

	host := newWindowHessian(0, t)
	test.That(t, co.window.Add(host), test.ShouldBeNil)

	co.activeBackgroundWorkers.Add(1)
	go func() {
		defer co.activeBackgroundWorkers.Done()
		co.runMappingLoop(context.Background())
	}()

	target := newWindowHessian(1, t)
	co.deliverTrackedFrame(target, false)

	co.mu.Lock()
	for co.mappedCount == 0 {
		co.mappedFrameSignal.Wait()
	}
	mapped := co.mappedCount
	co.mu.Unlock()
	test.That(t, mapped, test.ShouldEqual, 1)

	co.Close()
}
