package pipeline

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/dsovio/fullsystem/activation"
	"github.com/dsovio/fullsystem/backend"
	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/imu"
	"github.com/dsovio/fullsystem/marg"
	"github.com/dsovio/fullsystem/output"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
	"github.com/dsovio/fullsystem/spatial"
	"github.com/dsovio/fullsystem/tracker"
	"github.com/dsovio/fullsystem/tracing"
)

// newTestCoordinator builds a Coordinator with the given collaborators
// without starting its mapping-thread goroutine, so tests can drive
// processMappedFrame/promoteToKeyframe deterministically on the calling
// goroutine. Mirrors NewCoordinator's field wiring minus goutils.PanicCapturingGo.
func newTestCoordinator(t *testing.T, collab Collaborators) *Coordinator {
	s := settings.Default()
	s.MaxFrames = 4
	s.DesiredPointDensity = 10
	intr := calib.Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 32, Cy: 24}
	c := calib.NewLinearCalibration(intr)
	logger := golog.NewTestLogger(t)

	co := &Coordinator{
		settings: s,
		calib:    c,
		logger:   logger,

		history:  frame.NewHistory(),
		window:   frame.NewWindow(s.MaxFrames),
		registry: points.NewRegistry(),

		optimizer:         collab.Optimizer,
		initializer:       collab.Initializer,
		selector:          collab.Selector,
		imuSys:            collab.IMU,
		frameMarginalizer: collab.FrameMarginalizer,

		trackerDriver: tracker.NewDriver(s, logger),
		tracerEngine:  tracing.NewTracer(s, logger),
		activator:     activation.NewActivator(s, c, logger),
		kfAccumulator: &marg.KeyframeAccumulator{},

		observer:   collab.Observer,
		trajectory: collab.Trajectory,

		coarseTracker:         collab.CoarseTrackerA,
		coarseTrackerForNewKF: collab.CoarseTrackerB,

		firstPose: spatial.Identity(),
	}
	if co.observer == nil {
		co.observer = output.NoopObserver{}
	}
	co.mappingCond = sync.NewCond(&co.mu)
	co.mappedFrameSignal = sync.NewCond(&co.mu)
	return co
}

func testPyramid(w, h int) *frame.Pyramid {
	n := w * h
	return &frame.Pyramid{Levels: []frame.Level{
		{Width: w, Height: h, Intensity: make([]float32, n), GradX: make([]float32, n), GradY: make([]float32, n)},
		{Width: w / 2, Height: h / 2, Intensity: make([]float32, n/4), GradX: make([]float32, n/4), GradY: make([]float32, n/4)},
	}}
}

type fakeOptimizer struct {
	mu         sync.Mutex
	nPoints    int
	inserted   []*points.PointHessian
	removed    []*points.PointHessian
	optimizeRMSE float64
	optimizeErr  error
	imuReady     bool
}

func (f *fakeOptimizer) OptimizeNewKeyframe(ctx context.Context, window []*frame.Hessian) (float64, error) {
	return f.optimizeRMSE, f.optimizeErr
}
func (f *fakeOptimizer) InsertPoint(p *points.PointHessian) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, p)
	return nil
}
func (f *fakeOptimizer) RemovePoint(p *points.PointHessian) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, p)
	return nil
}
func (f *fakeOptimizer) NPoints() int     { return f.nPoints }
func (f *fakeOptimizer) IsIMUReady() bool { return f.imuReady }
func (f *fakeOptimizer) OptimizeImmaturePoint(ctx context.Context, host *frame.Hessian, window []*frame.Hessian, p *points.ImmaturePoint) (*points.PointHessian, backend.ActivationOutcome, error) {
	return nil, backend.ActivationDeferred, nil
}
func (f *fakeOptimizer) RelinearizeResidual(r *points.Residual) bool { return true }

type fakeInitializer struct {
	mu        sync.Mutex
	results   []scriptedInit
	callIndex int
	resetCalls int
}

type scriptedInit struct {
	ok     bool
	result *backend.InitResult
	err    error
}

func (f *fakeInitializer) HasFirstFrame() bool { return f.callIndex > 0 }
func (f *fakeInitializer) AddFrame(ctx context.Context, h *frame.Hessian) (bool, *backend.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callIndex >= len(f.results) {
		return false, nil, nil
	}
	r := f.results[f.callIndex]
	f.callIndex++
	return r.ok, r.result, r.err
}
func (f *fakeInitializer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
}

type fakeSelector struct{}

func (fakeSelector) SelectPixels(h *frame.Hessian, desiredCount int) [][2]float64 { return nil }

type fakeFrameMarginalizer struct {
	toRemove []*frame.Hessian
}

func (f *fakeFrameMarginalizer) SelectForMarginalization(window []*frame.Hessian, newestKF *frame.Hessian, registry *points.Registry) []*frame.Hessian {
	return f.toRemove
}

type fakeCoarseTracker struct {
	mu        sync.Mutex
	refID     int
	script    []backend.TrackResult
	callIndex int
	refFrame  *frame.Hessian
}

func (f *fakeCoarseTracker) TrackNewestCoarse(ctx context.Context, target *frame.Hessian, init spatial.Pose, affInit frame.AffLight, topPyramidLevel int, achievedRes [5]float64) (backend.TrackResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callIndex >= len(f.script) {
		return backend.TrackResult{OK: false, Residuals: [5]float64{math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()}}, nil
	}
	r := f.script[f.callIndex]
	f.callIndex++
	return r, nil
}
func (f *fakeCoarseTracker) RefFrameID() int { return f.refID }
func (f *fakeCoarseTracker) SetReference(h *frame.Hessian, fixedDepthPoints []*points.PointHessian) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refFrame = h
}

type fakeIMU struct {
	enabled bool
}

func (f *fakeIMU) AddSamples(samples []imu.Sample)            {}
func (f *fakeIMU) PredictPose() (spatial.Pose, bool)          { return spatial.Pose{}, false }
func (f *fakeIMU) GravityInit() backend.GravityInitResult     { return backend.GravityInitResult{} }
func (f *fakeIMU) Enabled() bool                              { return f.enabled }

func baseCollaborators() (Collaborators, *fakeOptimizer, *fakeInitializer, *fakeCoarseTracker, *fakeCoarseTracker) {
	opt := &fakeOptimizer{}
	initr := &fakeInitializer{}
	ctA := &fakeCoarseTracker{}
	ctB := &fakeCoarseTracker{}
	return Collaborators{
		Optimizer:         opt,
		Initializer:       initr,
		Selector:          fakeSelector{},
		IMU:               &fakeIMU{enabled: false},
		FrameMarginalizer: &fakeFrameMarginalizer{},
		CoarseTrackerA:    ctA,
		CoarseTrackerB:    ctB,
	}, opt, initr, ctA, ctB
}

func TestProcessUninitializedTransitionsToVisualOnlyOnInitSuccess(t *testing.T) {
	collab, opt, initr, ctA, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)

	pyr := testPyramid(64, 48)
	shell := co.history.Append(0, 0)
	firstHess := frame.NewHessian(shell, pyr, 1)
	firstHess.Shell.CamToWorld = spatial.Identity()

	var initPoints []backend.InitPoint
	for i := 0; i < 20; i++ {
		initPoints = append(initPoints, backend.InitPoint{U: float64(i), V: float64(i), Idepth: 1})
	}
	initr.results = []scriptedInit{
		{ok: true, result: &backend.InitResult{FirstFrame: firstHess, RescaleFactor: 2, Points: initPoints}},
	}

	test.That(t, co.State(), test.ShouldEqual, Uninitialized)

	err := co.processUninitialized(context.Background(), firstHess, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, co.State(), test.ShouldEqual, VisualOnly)
	test.That(t, co.window.Len(), test.ShouldEqual, 1)
	// stride = 20/10 = 2, so 10 of the 20 points should be inserted.
	test.That(t, len(opt.inserted), test.ShouldEqual, 10)
	test.That(t, ctA.refFrame, test.ShouldEqual, firstHess)
}

func TestProcessUninitializedRequestsResetOnTimeout(t *testing.T) {
	collab, _, initr, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	co.settings.MaxTimeBetweenInitFrames = 1

	pyr := testPyramid(64, 48)
	shell := co.history.Append(0, 0)
	hess := frame.NewHessian(shell, pyr, 1)

	initr.results = []scriptedInit{{ok: false}}
	co.firstInitFrame = hess
	co.firstInitFrameTime = 0

	err := co.processUninitialized(context.Background(), hess, 5)
	test.That(t, err, test.ShouldEqual, ErrNeedsFullReset)
	test.That(t, initr.resetCalls, test.ShouldEqual, 1)
	test.That(t, co.State(), test.ShouldEqual, Uninitialized)
}

func installInitializedState(t *testing.T, co *Coordinator, ctA *fakeCoarseTracker) *frame.Hessian {
	pyr := testPyramid(64, 48)
	shell := co.history.Append(0, 0)
	shell.PoseValid = true
	shell.CamToWorld = spatial.Identity()
	shell.KeyframeID = 0
	hess := frame.NewHessian(shell, pyr, 1)
	hess.RecomputePrecalc()
	hess.FreezeEvalPoint()
	test.That(t, co.window.Add(hess), test.ShouldBeNil)

	co.refHessian = hess
	ctA.refFrame = hess
	co.state = VisualOnly
	co.trackedFrameCount = 10
	co.keyframeCount = 1
	return hess
}

func TestProcessTrackedDeclaresLostWithoutIMUWhenTrackingFails(t *testing.T) {
	collab, _, _, ctA, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	installInitializedState(t, co, ctA)

	pyr := testPyramid(64, 48)
	shell := co.history.Append(1, 1)
	hess := frame.NewHessian(shell, pyr, 1)

	// No scripted results: fakeCoarseTracker always returns NaN residuals,
	// so every candidate loses and (without IMU) Track declares Lost.
	err := co.processTracked(context.Background(), hess, 1)
	test.That(t, err, test.ShouldEqual, ErrLost)

	co.mu.Lock()
	lost := co.lost
	co.mu.Unlock()
	test.That(t, lost, test.ShouldBeTrue)
}

func TestProcessTrackedSucceedsAndEnqueuesNonKeyframe(t *testing.T) {
	collab, _, _, ctA, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	installInitializedState(t, co, ctA)

	ctA.script = []backend.TrackResult{
		{OK: true, Residuals: [5]float64{0.1, 0, 0, 0, 0}, PoseOut: spatial.Identity()},
	}

	pyr := testPyramid(64, 48)
	shell := co.history.Append(1, 1)
	hess := frame.NewHessian(shell, pyr, 1)

	err := co.processTracked(context.Background(), hess, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shell.PoseValid, test.ShouldBeTrue)

	co.mu.Lock()
	qlen := len(co.mappingQueue)
	co.mu.Unlock()
	test.That(t, qlen, test.ShouldEqual, 1)
}

func TestProcessFrameReturnsErrLostAfterDeclaredLost(t *testing.T) {
	collab, _, _, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)
	co.lost = true

	pyr := testPyramid(64, 48)
	err := co.ProcessFrame(context.Background(), pyr, 0, 0, 1, nil, nil)
	test.That(t, err, test.ShouldEqual, ErrLost)
}

func TestDeliverTrackedFrameKeyframeRaceRule(t *testing.T) {
	collab, _, _, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)

	h1 := frame.NewHessian(frame.NewShell(0, 0, 0), testPyramid(8, 8), 1)
	h2 := frame.NewHessian(frame.NewShell(1, 1, 1), testPyramid(8, 8), 1)

	co.deliverTrackedFrame(h1, true)
	co.deliverTrackedFrame(h2, true)

	co.mu.Lock()
	defer co.mu.Unlock()
	test.That(t, len(co.mappingQueue), test.ShouldEqual, 2)
	test.That(t, co.mappingQueue[0].tentativeKeyframe, test.ShouldBeFalse)
	test.That(t, co.mappingQueue[1].tentativeKeyframe, test.ShouldBeTrue)
}

func TestDeliverTrackedFrameSetsBackpressureFlag(t *testing.T) {
	collab, _, _, _, _ := baseCollaborators()
	co := newTestCoordinator(t, collab)

	for i := 0; i < backpressureLimit+1; i++ {
		h := frame.NewHessian(frame.NewShell(i, i, float64(i)), testPyramid(8, 8), 1)
		co.deliverTrackedFrame(h, false)
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	test.That(t, co.needToKetchupMapping, test.ShouldBeTrue)
}
