// Package backend declares the interfaces of every external collaborator
// spec.md §1 places out of scope: the nonlinear bundle-adjustment
// backend, the coarse two-view initializer, the per-frame coarse
// tracker, the pixel selector, and the IMU preintegration/gravity-init
// module. The pipeline package only ever talks to these interfaces.
package backend

import (
	"context"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/imu"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/spatial"
)

// Optimizer is the nonlinear bundle-adjustment backend: energy
// functional and Schur-complement solve, spec.md §1.
type Optimizer interface {
	// OptimizeNewKeyframe runs a full optimization round after a new
	// keyframe has been added to the active window, returning the
	// achieved RMSE used by the initialization-RMSE-excess check
	// (spec.md §7).
	OptimizeNewKeyframe(ctx context.Context, window []*frame.Hessian) (rmse float64, err error)

	// InsertPoint registers a newly activated point (and its residuals)
	// with the optimizer's internal energy functional, spec.md §4.4
	// step 5 ("inserted into the backend's point set").
	InsertPoint(p *points.PointHessian) error

	// RemovePoint deregisters a point the marginalization flagger has
	// dropped or marginalized, spec.md §4.6.
	RemovePoint(p *points.PointHessian) error

	// NPoints reports the optimizer's current live point count,
	// spec.md §4.4 step 1 ("ef.nPoints"), used by density control.
	NPoints() int

	// IsIMUReady reports whether the backend has enough observations to
	// run visual-inertial (rather than visual-only) optimization,
	// spec.md §4.1's VisualOnly -> VisualInertial transition guard.
	IsIMUReady() bool

	// OptimizeImmaturePoint runs the backend's per-point nonlinear
	// refinement for one activation candidate against the active window,
	// spec.md §4.4 step 5. A nil *points.PointHessian with
	// ActivationDeleted is the "-1" deletion sentinel; a nil PointHessian
	// with ActivationDeferred is "defer" (re-queue via no-op).
	OptimizeImmaturePoint(ctx context.Context, host *frame.Hessian, window []*frame.Hessian, p *points.ImmaturePoint) (*points.PointHessian, ActivationOutcome, error)

	// RelinearizeResidual re-evaluates one active residual at the
	// backend's current linearization point and reports whether it is
	// still an inlier, spec.md §4.6 ("relinearize all its residuals").
	RelinearizeResidual(r *points.Residual) (isInlier bool)
}

// FrameMarginalizer is the external frame-marginalization-flagging
// collaborator, spec.md §4.5 ("selects active-window frames whose
// visible-point count has dropped below a coverage threshold or that
// are beyond a temporal sliding horizon"), invoked by the Coordinator at
// keyframe creation.
type FrameMarginalizer interface {
	// SelectForMarginalization returns the subset of window (excluding
	// newestKF) the Coordinator should remove to make room, in the order
	// they should be removed.
	SelectForMarginalization(window []*frame.Hessian, newestKF *frame.Hessian, registry *points.Registry) []*frame.Hessian
}

// ActivationOutcome tags the result of OptimizeImmaturePoint, spec.md
// §4.4 step 5.
type ActivationOutcome int

const (
	ActivationDeferred ActivationOutcome = iota
	ActivationSucceeded
	ActivationDeleted
)

// InitResult is what the Initializer reports once two-view
// initialization has converged, spec.md §4.7.
type InitResult struct {
	FirstFrame    *frame.Hessian
	RescaleFactor float64
	// Points are the initializer's sparse point set in the first frame,
	// each carrying a mean-scene-depth-relative inverse depth the
	// Coordinator rescales in initializeFromInitializer.
	Points []InitPoint
	// RelativeMotion is the recovered pose of the second init frame
	// relative to the first, whose translation the Coordinator divides
	// by RescaleFactor.
	RelativeMotion spatial.Pose
}

// InitPoint is one point produced by the two-view initializer.
type InitPoint struct {
	U, V   float64
	Idepth float64
}

// Initializer is the external coarse two-view initializer, spec.md §1,
// §4.1, §4.7.
type Initializer interface {
	// HasFirstFrame reports whether an initializer session is already in
	// progress.
	HasFirstFrame() bool
	// AddFrame feeds a new frame to the initializer; ok reports whether
	// two-view initialization has converged and result is then valid.
	AddFrame(ctx context.Context, h *frame.Hessian) (ok bool, result *InitResult, err error)
	// Reset discards any in-progress initializer state, e.g. after
	// spec.md §7's "Initializer timeout" full reset request.
	Reset()
}

// TrackResult is the outcome of one CoarseTracker.TrackNewestCoarse call,
// spec.md §4.2.
type TrackResult struct {
	OK bool
	// Residuals has 5 entries: overall RMSE and four flow/saturation
	// terms, spec.md §4.2.
	Residuals [5]float64
	// FlowIndicators has 3 entries (flowT, flowR, flowRT), spec.md §4.5.
	FlowIndicators [3]float64
	AffOut         frame.AffLight
	PoseOut        spatial.Pose
}

// CoarseTracker is the per-pair coarse frame-to-keyframe tracker,
// spec.md §1, §4.2. Exactly two instances exist at the pipeline level
// (coarseTracker / coarseTracker_forNewKF) per spec.md §5; this
// interface is what each one implements.
type CoarseTracker interface {
	// TrackNewestCoarse attempts to track frame against this tracker's
	// reference, starting from the candidate pose init and affine
	// affInit, stopping early if a level's residual exceeds
	// achievedRes[level] (NaN entries are treated as +Inf).
	TrackNewestCoarse(
		ctx context.Context,
		target *frame.Hessian,
		init spatial.Pose,
		affInit frame.AffLight,
		topPyramidLevel int,
		achievedRes [5]float64,
	) (TrackResult, error)

	// RefFrameID is the frame id this tracker is currently referencing,
	// spec.md §8 invariant 6.
	RefFrameID() int

	// SetReference atomically swaps this tracker's reference frame,
	// spec.md §5 "coarseTrackerSwapMutex".
	SetReference(h *frame.Hessian, fixedDepthPoints []*points.PointHessian)
}

// Selector is the external pixel selector that proposes new candidate
// pixel locations for immature points, spec.md §1, §4.4 step 6
// ("enqueues new immature points from the pixel selector").
type Selector interface {
	// SelectPixels returns candidate (u,v) pixel locations on h not
	// already covered by an existing point, up to desiredCount.
	SelectPixels(h *frame.Hessian, desiredCount int) [][2]float64
}

// GravityInitResult is what the IMU gravity-initialization subsystem
// reports once it has enough samples to fix the world-gravity direction,
// spec.md §4.7 ("firstPose from IMU gravity init").
type GravityInitResult struct {
	FirstPose spatial.Pose
	Ready     bool
}

// IMU is the external IMU preintegration / gravity-initialization
// module, spec.md §1. The pipeline only needs to push samples and read
// back a pose prediction and gravity-init status.
type IMU interface {
	// AddSamples accumulates IMU samples spanning the interval since the
	// previous frame.
	AddSamples(samples []imu.Sample)
	// PredictPose returns an external pose hint for the next frame, if
	// available, spec.md §4.2 item 1.
	PredictPose() (pose spatial.Pose, ok bool)
	// GravityInit returns the gravity-initialization result once ready.
	GravityInit() GravityInitResult
	// Enabled reports whether the IMU subsystem is active at all
	// (setting_useIMU), independent of whether it is gravity-initialized
	// yet.
	Enabled() bool
}
