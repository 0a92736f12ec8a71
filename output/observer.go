// Package output implements the trajectory file writer and the
// external Observer interface, spec.md §6 "Trajectory output" and
// "Observer interface".
package output

import (
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/spatial"
)

// SystemStatus tags the Coordinator's current pipeline state for an
// Observer, spec.md §6 ("publish a system-status tag").
type SystemStatus int

const (
	StatusVisualInit SystemStatus = iota
	StatusVisualOnly
	StatusVisualInertial
)

func (s SystemStatus) String() string {
	switch s {
	case StatusVisualOnly:
		return "VISUAL_ONLY"
	case StatusVisualInertial:
		return "VISUAL_INERTIAL"
	default:
		return "VISUAL_INIT"
	}
}

// Observer is the external live-visualization/telemetry sink, spec.md
// §6. The Coordinator calls these best-effort; implementations must not
// block the tracking or mapping thread for long.
type Observer interface {
	// PushFrame publishes a newly tracked frame as it arrives.
	PushFrame(h *frame.Hessian)
	// PublishPose publishes the current camera pose for shell.
	PublishPose(shell *frame.Shell)
	// PublishKeyframe publishes a new keyframe together with its active
	// point cloud.
	PublishKeyframe(h *frame.Hessian, active []*points.PointHessian)
	// PublishConnectivity publishes the current active-window
	// frame-connectivity graph.
	PublishConnectivity(window []*frame.Hessian)
	// PublishIMUTransform publishes the DSO<->IMU extrinsic transform
	// once known.
	PublishIMUTransform(t spatial.Pose)
	// PublishStatus publishes the current pipeline system-status tag.
	PublishStatus(status SystemStatus)
}

// NoopObserver implements Observer with no-ops, for callers that don't
// need live visualization.
type NoopObserver struct{}

func (NoopObserver) PushFrame(*frame.Hessian)                          {}
func (NoopObserver) PublishPose(*frame.Shell)                          {}
func (NoopObserver) PublishKeyframe(*frame.Hessian, []*points.PointHessian) {}
func (NoopObserver) PublishConnectivity([]*frame.Hessian)              {}
func (NoopObserver) PublishIMUTransform(spatial.Pose)                  {}
func (NoopObserver) PublishStatus(SystemStatus)                        {}
