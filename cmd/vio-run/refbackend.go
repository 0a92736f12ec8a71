package main

import (
	"context"

	"github.com/dsovio/fullsystem/backend"
	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/imu"
	"github.com/dsovio/fullsystem/pipeline"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
	"github.com/dsovio/fullsystem/spatial"
)

// newReferenceCollaborators wires a minimal, deliberately unoptimized
// stand-in for every external collaborator backend declares (spec.md
// §1): just enough bundle adjustment, two-view initialization, coarse
// tracking, pixel selection and IMU handling to let the pipeline run
// end to end against real frames. None of this replaces the production
// optimization backend the spec places out of scope.
func newReferenceCollaborators(s *settings.Settings, c *calib.Calibration) pipeline.Collaborators {
	opt := &referenceOptimizer{}
	return pipeline.Collaborators{
		Optimizer:         opt,
		Initializer:       newReferenceInitializer(s, c),
		Selector:          referenceSelector{step: 8},
		IMU:               &referenceIMU{},
		FrameMarginalizer: referenceMarginalizer{},
		CoarseTrackerA:    newReferenceCoarseTracker(c),
		CoarseTrackerB:    newReferenceCoarseTracker(c),
	}
}

// referenceOptimizer is a no-op bundle-adjustment stand-in: it accepts
// every activation candidate and never perturbs a pose, so the pipeline
// runs without a real photometric solver behind it.
type referenceOptimizer struct {
	points []*points.PointHessian
}

func (o *referenceOptimizer) OptimizeNewKeyframe(ctx context.Context, window []*frame.Hessian) (float64, error) {
	return 0, nil
}

func (o *referenceOptimizer) InsertPoint(p *points.PointHessian) error {
	o.points = append(o.points, p)
	return nil
}

func (o *referenceOptimizer) RemovePoint(p *points.PointHessian) error {
	for i, q := range o.points {
		if q == p {
			o.points = append(o.points[:i], o.points[i+1:]...)
			break
		}
	}
	return nil
}

func (o *referenceOptimizer) NPoints() int                { return len(o.points) }
func (o *referenceOptimizer) IsIMUReady() bool             { return false }
func (o *referenceOptimizer) RelinearizeResidual(r *points.Residual) bool { return true }

func (o *referenceOptimizer) OptimizeImmaturePoint(
	ctx context.Context,
	host *frame.Hessian,
	window []*frame.Hessian,
	p *points.ImmaturePoint,
) (*points.PointHessian, backend.ActivationOutcome, error) {
	idepth := (p.IdepthMin + p.IdepthMax) / 2
	return &points.PointHessian{Host: host, U: p.U, V: p.V, Idepth: idepth}, backend.ActivationSucceeded, nil
}

// referenceMarginalizer selects the lowest-id window frame other than
// newestKF on every call, whether or not the window is full; it does
// not look at point coverage or the registry.
type referenceMarginalizer struct{}

func (referenceMarginalizer) SelectForMarginalization(window []*frame.Hessian, newestKF *frame.Hessian, registry *points.Registry) []*frame.Hessian {
	if len(window) == 0 {
		return nil
	}
	oldest := window[0]
	for _, h := range window {
		if h != newestKF && h.Shell.ID < oldest.Shell.ID {
			oldest = h
		}
	}
	if oldest == newestKF {
		return nil
	}
	return []*frame.Hessian{oldest}
}

// referenceSelector proposes a fixed grid of pixel candidates, stepping
// across the frame, skipping none — the density-control loop in
// activation is responsible for thinning.
type referenceSelector struct {
	step int
}

func (s referenceSelector) SelectPixels(h *frame.Hessian, desiredCount int) [][2]float64 {
	if h.Pyramid == nil || len(h.Pyramid.Levels) == 0 {
		return nil
	}
	lvl := h.Pyramid.Levels[0]
	var out [][2]float64
	for y := s.step; y < lvl.Height-s.step && len(out) < desiredCount; y += s.step {
		for x := s.step; x < lvl.Width-s.step && len(out) < desiredCount; x += s.step {
			out = append(out, [2]float64{float64(x), float64(y)})
		}
	}
	return out
}

// referenceIMU is a disabled IMU stand-in: Enabled always reports
// false, so the pipeline stays on the visual-only path regardless of
// settings.UseIMU (a real preintegration/gravity-init module is out of
// scope per spec.md §1).
type referenceIMU struct{}

func (*referenceIMU) AddSamples(samples []imu.Sample)   {}
func (*referenceIMU) PredictPose() (spatial.Pose, bool) { return spatial.Pose{}, false }
func (*referenceIMU) GravityInit() backend.GravityInitResult {
	return backend.GravityInitResult{}
}
func (*referenceIMU) Enabled() bool { return false }
func (*referenceIMU) firstPose() spatial.Pose { return spatial.Identity() }

// referenceInitializer is a two-frame-baseline initializer: it seeds
// from the first frame it sees, then on the second frame hands back a
// flat-depth point set at unit scale. It exists only to get the
// pipeline out of the Uninitialized state against arbitrary footage;
// spec.md §1 places the real coarse two-view initializer out of scope.
type referenceInitializer struct {
	s       *settings.Settings
	c       *calib.Calibration
	first   *frame.Hessian
}

func newReferenceInitializer(s *settings.Settings, c *calib.Calibration) *referenceInitializer {
	return &referenceInitializer{s: s, c: c}
}

func (r *referenceInitializer) HasFirstFrame() bool { return r.first != nil }

func (r *referenceInitializer) AddFrame(ctx context.Context, h *frame.Hessian) (bool, *backend.InitResult, error) {
	if r.first == nil {
		r.first = h
		return false, nil, nil
	}
	sel := referenceSelector{step: 8}
	pts := sel.SelectPixels(r.first, int(r.s.DesiredPointDensity))
	initPoints := make([]backend.InitPoint, 0, len(pts))
	for _, uv := range pts {
		initPoints = append(initPoints, backend.InitPoint{U: uv[0], V: uv[1], Idepth: 1})
	}
	result := &backend.InitResult{
		FirstFrame:     r.first,
		RescaleFactor:  1,
		Points:         initPoints,
		RelativeMotion: spatial.Identity(),
	}
	return true, result, nil
}

func (r *referenceInitializer) Reset() { r.first = nil }

// referenceCoarseTracker tracks against its reference frame by
// returning the identity motion with a flat low residual: an
// always-succeeds stand-in that exercises the Coordinator's swap and
// keyframe-decision logic without a real Gauss-Newton coarse tracker
// (spec.md §1).
type referenceCoarseTracker struct {
	c   *calib.Calibration
	ref *frame.Hessian
}

func newReferenceCoarseTracker(c *calib.Calibration) *referenceCoarseTracker {
	return &referenceCoarseTracker{c: c}
}

func (t *referenceCoarseTracker) TrackNewestCoarse(
	ctx context.Context,
	target *frame.Hessian,
	init spatial.Pose,
	affInit frame.AffLight,
	topPyramidLevel int,
	achievedRes [5]float64,
) (backend.TrackResult, error) {
	return backend.TrackResult{
		OK:        true,
		Residuals: [5]float64{1, 0, 0, 0, 0},
		AffOut:    affInit,
		PoseOut:   init,
	}, nil
}

func (t *referenceCoarseTracker) RefFrameID() int {
	if t.ref == nil {
		return -1
	}
	return t.ref.Shell.ID
}

func (t *referenceCoarseTracker) SetReference(h *frame.Hessian, fixedDepthPoints []*points.PointHessian) {
	t.ref = h
}
