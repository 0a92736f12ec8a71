package pipeline

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

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

// Sentinel errors surfaced to the caller of ProcessFrame, spec.md §7.
var (
	// ErrLost is returned once vision-only tracking has declared the
	// session lost; the Coordinator stops accepting frames until Reset.
	ErrLost = errors.New("fullsystem: tracking lost")
	// ErrUnrecoverable is returned on a catastrophic pose (translation
	// norm > 1e5 or NaN); the process should abort.
	ErrUnrecoverable = errors.New("fullsystem: catastrophic pose, session unrecoverable")
	// ErrNeedsFullReset is returned when the initializer has not
	// converged within maxTimeBetweenInitFrames. The
	// initialization-RMSE-excess check resets the Coordinator on the
	// mapping thread and is not reported through this error.
	ErrNeedsFullReset = errors.New("fullsystem: needs full reset")
)

// Collaborators bundles every external interface the Coordinator talks
// to, spec.md §1's out-of-scope boundary.
type Collaborators struct {
	Optimizer         backend.Optimizer
	Initializer       backend.Initializer
	Selector          backend.Selector
	IMU               backend.IMU
	FrameMarginalizer backend.FrameMarginalizer
	CoarseTrackerA    backend.CoarseTracker
	CoarseTrackerB    backend.CoarseTracker
	Observer          output.Observer
	Trajectory        *output.TrajectoryWriter
}

// backpressureLimit is spec.md §5's "queue grows beyond 3 unmapped
// frames" threshold.
const backpressureLimit = 3

// Coordinator is the FullSystem orchestrator: the tracking thread's
// entry point (ProcessFrame) plus the internal mapping-thread worker,
// spec.md §4.1, §4.7, §5. Grounded on
// _teacher_ref/services_slam/local_robot_ref.go's localRobot shape
// (mu sync.Mutex, activeBackgroundWorkers sync.WaitGroup,
// cancelBackgroundWorkers) and builtin.go's goutils.PanicCapturingGo
// control-loop style.
type Coordinator struct {
	settings *settings.Settings
	calib    *calib.Calibration
	logger   golog.Logger

	history  *frame.History
	window   *frame.Window
	registry *points.Registry

	optimizer         backend.Optimizer
	initializer       backend.Initializer
	selector          backend.Selector
	imuSys            backend.IMU
	frameMarginalizer backend.FrameMarginalizer

	trackerDriver *tracker.Driver
	tracerEngine  *tracing.Tracer
	activator     *activation.Activator
	kfAccumulator *marg.KeyframeAccumulator

	observer   output.Observer
	trajectory *output.TrajectoryWriter

	// trackMutex is spec.md §5's "one in flight" tracking-call serializer.
	trackMutex sync.Mutex

	// coarseTrackerSwapMutex guards coarseTracker/coarseTrackerForNewKF
	// and refHessian together, spec.md §5.
	coarseTrackerSwapMutex sync.Mutex
	coarseTracker          backend.CoarseTracker
	coarseTrackerForNewKF  backend.CoarseTracker
	refHessian             *frame.Hessian

	// mu guards the state machine fields and the mapping queue below,
	// standing in for the combination of spec.md §5's mapMutex (for the
	// queue) and the Coordinator's own state.
	mu                   sync.Mutex
	state                State
	firstInitFrame       *frame.Hessian
	firstInitFrameTime   float64
	firstPose            spatial.Pose
	trackedFrameCount    int
	keyframeCount        int
	lost                 bool
	unrecoverable        bool
	lastKeyframeTime     float64

	mappingQueue         []*queuedFrame
	mappingCond          *sync.Cond
	runMapping           bool
	needToKetchupMapping bool
	mappedCount          int
	mappedFrameSignal    *sync.Cond

	activeBackgroundWorkers sync.WaitGroup
}

type queuedFrame struct {
	hess              *frame.Hessian
	tentativeKeyframe bool
}

// NewCoordinator returns a Coordinator in state Uninitialized and starts
// its mapping-thread worker.
func NewCoordinator(s *settings.Settings, c *calib.Calibration, logger golog.Logger, collab Collaborators) *Coordinator {
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

		firstPose:  spatial.Identity(),
		runMapping: true,
	}
	if co.observer == nil {
		co.observer = output.NoopObserver{}
	}
	co.mappingCond = sync.NewCond(&co.mu)
	co.mappedFrameSignal = sync.NewCond(&co.mu)

	co.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer co.activeBackgroundWorkers.Done()
		co.runMappingLoop(context.Background())
	})
	return co
}

// Close requests the mapping thread stop and joins it, spec.md §5
// "Cancellation".
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.runMapping = false
	c.mappingCond.Broadcast()
	c.mu.Unlock()
	c.activeBackgroundWorkers.Wait()
}

// State reports the Coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProcessFrame is spec.md §4.1's entry operation, invoked by the
// tracking thread once per incoming frame.
func (c *Coordinator) ProcessFrame(
	ctx context.Context,
	pyr *frame.Pyramid,
	sourceID int,
	timestamp float64,
	exposureTime float64,
	imuSamples []imu.Sample,
	groundTruth *spatial.Pose,
) error {
	c.trackMutex.Lock()
	defer c.trackMutex.Unlock()

	c.mu.Lock()
	lost, unrecoverable := c.lost, c.unrecoverable
	c.mu.Unlock()
	if unrecoverable {
		return ErrUnrecoverable
	}
	if lost {
		return ErrLost
	}

	shell := c.history.Append(sourceID, timestamp)
	shell.GroundTruth = groundTruth
	hess := frame.NewHessian(shell, pyr, exposureTime)
	c.observer.PushFrame(hess)

	if c.imuSys != nil && c.imuSys.Enabled() {
		c.imuSys.AddSamples(imuSamples)
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == Uninitialized || state == Initializing {
		return c.processUninitialized(ctx, hess, timestamp)
	}
	return c.processTracked(ctx, hess, timestamp)
}

func (c *Coordinator) processUninitialized(ctx context.Context, hess *frame.Hessian, timestamp float64) error {
	c.mu.Lock()
	c.state = Initializing
	if c.firstInitFrame == nil {
		c.firstInitFrame = hess
		c.firstInitFrameTime = timestamp
	}
	c.mu.Unlock()

	ok, result, err := c.initializer.AddFrame(ctx, hess)
	if err != nil {
		return errors.Wrap(err, "initializer AddFrame failed")
	}
	if ok {
		return c.initializeFromInitializer(ctx, result)
	}

	c.mu.Lock()
	elapsed := timestamp - c.firstInitFrameTime
	c.mu.Unlock()
	if elapsed > c.settings.MaxTimeBetweenInitFrames {
		c.requestFullReset()
		return ErrNeedsFullReset
	}
	return nil
}

// requestFullReset discards initializer and Coordinator state back to
// Uninitialized, spec.md §7 "Initializer timeout"/"Initialization RMSE
// excess".
func (c *Coordinator) requestFullReset() {
	c.initializer.Reset()
	c.mu.Lock()
	c.state = Uninitialized
	c.firstInitFrame = nil
	c.firstInitFrameTime = 0
	c.trackedFrameCount = 0
	c.keyframeCount = 0
	c.lost = false
	c.mu.Unlock()
}

func (c *Coordinator) getCoarseTracker() backend.CoarseTracker {
	c.coarseTrackerSwapMutex.Lock()
	defer c.coarseTrackerSwapMutex.Unlock()
	return c.coarseTracker
}

func (c *Coordinator) refFrame() *frame.Hessian {
	c.coarseTrackerSwapMutex.Lock()
	defer c.coarseTrackerSwapMutex.Unlock()
	return c.refHessian
}

func (c *Coordinator) processTracked(ctx context.Context, hess *frame.Hessian, timestamp float64) error {
	lastF := c.refFrame()
	if lastF == nil {
		return errors.New("fullsystem: no tracking reference established")
	}

	var imuHint *spatial.Pose
	imuEnabled := c.imuSys != nil && c.imuSys.Enabled()
	if imuEnabled {
		if pose, ok := c.imuSys.PredictPose(); ok {
			imuHint = &pose
		}
	}

	frames := c.history.All()
	topLevel := len(hess.Pyramid.Levels) - 1

	outcome, err := c.trackerDriver.Track(ctx, c.getCoarseTracker(), frames, lastF, hess, imuHint, imuEnabled, topLevel)
	if err != nil {
		if outcome.Unrecoverable {
			c.mu.Lock()
			c.unrecoverable = true
			c.mu.Unlock()
			return ErrUnrecoverable
		}
		return err
	}
	if outcome.Unrecoverable {
		c.mu.Lock()
		c.unrecoverable = true
		c.mu.Unlock()
		return ErrUnrecoverable
	}
	if outcome.Lost {
		c.mu.Lock()
		c.lost = true
		c.mu.Unlock()
		return ErrLost
	}

	shell := hess.Shell
	shell.PoseValid = true
	c.history.SetWorldPose(shell, outcome.CamToWorld)
	shell.CamToTrackingRef = outcome.CamToTrackingRef
	shell.TrackingRef = outcome.TrackingRef.ID
	shell.TrackingWasGood = outcome.TrackingWasGood
	hess.AffG2L = outcome.AffG2L
	hess.RecomputePrecalc()
	c.observer.PublishPose(shell)

	res := marg.TrackingResiduals{
		RMSE:  outcome.AchievedRes[0],
		FlowT: outcome.AchievedRes[1],
		FlowR: outcome.AchievedRes[2],
		FlowRT: outcome.AchievedRes[3],
	}

	c.mu.Lock()
	c.trackedFrameCount++
	trackedFrameCount := c.trackedFrameCount
	timeSinceLastKF := timestamp - c.lastKeyframeTime
	c.mu.Unlock()

	w, h := 0, 0
	if len(hess.Pyramid.Levels) > 0 {
		w, h = hess.Pyramid.Levels[0].Width, hess.Pyramid.Levels[0].Height
	}
	// exposureRatio and the IMU-scale-corrected translation norm are
	// both backend-owned metric-scale concepts outside this module's
	// scope (spec.md §1); exp(aff.A) and the vision-scale translation
	// norm are the best locally available stand-ins, documented as
	// DESIGN.md Open Question decisions.
	exposureRatio := math.Exp(outcome.AffG2L.A)
	scaleCorrectedTranslationNorm := outcome.CamToTrackingRef.TranslationNorm()

	decision := c.kfAccumulator.NeedsKeyframe(
		c.settings, res, imuEnabled, false, trackedFrameCount,
		c.trackerDriver.FirstCoarseRMSE(), timeSinceLastKF, w, h,
		exposureRatio, scaleCorrectedTranslationNorm,
	)
	if decision.Lost {
		c.mu.Lock()
		c.lost = true
		c.mu.Unlock()
		return ErrLost
	}

	if c.trajectory != nil {
		refShell := c.history.At(shell.TrackingRef)
		if err := c.trajectory.WriteFrame(shell, refShell); err != nil {
			c.logger.Errorw("trajectory write failed", "error", err)
		}
	}

	if decision.NeedsKeyframe {
		c.mu.Lock()
		c.lastKeyframeTime = timestamp
		c.mu.Unlock()
	}

	c.deliverTrackedFrame(hess, decision.NeedsKeyframe)
	return nil
}

// initializeFromInitializer is spec.md §4.7's handoff from the external
// two-view Initializer into steady-state tracking.
func (c *Coordinator) initializeFromInitializer(ctx context.Context, result *backend.InitResult) error {
	first := result.FirstFrame
	first.Shell.KeyframeID = 0
	first.Shell.PoseValid = true
	if first.Shell.CamToWorld == (spatial.Pose{}) {
		first.Shell.CamToWorld = spatial.Identity()
	}
	first.RecomputePrecalc()
	first.FreezeEvalPoint()

	if err := c.window.Add(first); err != nil {
		return errors.Wrap(err, "adding initializer's first frame to the active window")
	}

	rescale := result.RescaleFactor
	if rescale == 0 {
		rescale = 1
	}

	// Uniform-stride thinning to setting_desiredPointDensity, spec.md
	// §4.7 ("randomly subsample initializer points... by uniform
	// thinning"): a fixed stride is a deterministic reading of "uniform"
	// that this module can reproduce without a seeded RNG dependency.
	desired := int(c.settings.DesiredPointDensity)
	pts := result.Points
	stride := 1
	if desired > 0 && len(pts) > desired {
		stride = len(pts) / desired
	}

	for i := 0; i < len(pts); i += stride {
		ip := pts[i]
		ph := &points.PointHessian{
			Host:          first,
			U:             ip.U,
			V:             ip.V,
			Idepth:        ip.Idepth * rescale,
			Status:        points.StatusActive,
			HasDepthPrior: true,
		}
		c.registry.AddActive(first.Shell.ID, ph)
		if err := c.optimizer.InsertPoint(ph); err != nil {
			c.logger.Errorw("insert initializer point failed", "error", err)
		}
	}

	if c.imuSys != nil && c.imuSys.Enabled() {
		grav := c.imuSys.GravityInit()
		if grav.Ready {
			c.firstPose = grav.FirstPose
		} else {
			c.firstPose = spatial.Identity()
		}
	} else {
		c.firstPose = spatial.Identity()
	}

	c.coarseTrackerSwapMutex.Lock()
	c.coarseTracker.SetReference(first, c.registry.Active(first.Shell.ID))
	c.coarseTrackerForNewKF.SetReference(first, c.registry.Active(first.Shell.ID))
	c.refHessian = first
	c.coarseTrackerSwapMutex.Unlock()

	c.mu.Lock()
	c.state = VisualOnly
	c.trackedFrameCount = 1
	c.keyframeCount = 1
	c.lastKeyframeTime = first.Shell.Timestamp
	c.mu.Unlock()

	c.observer.PublishStatus(output.StatusVisualOnly)
	c.observer.PublishKeyframe(first, c.registry.Active(first.Shell.ID))
	return nil
}

// Reset is the externally triggerable equivalent of requestFullReset.
// The uninitialized path already resets before it returns
// ErrNeedsFullReset; cmd/vio-run does not call Reset.
func (c *Coordinator) Reset() {
	c.requestFullReset()
}
