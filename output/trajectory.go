package output

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/settings"
	"github.com/dsovio/fullsystem/spatial"
)

// TrajectoryWriter writes one line per non-invalid frame, 15-digit
// precision, spec.md §6 "Trajectory output", grounded on
// original_source/FullSystem.cpp's printResult.
type TrajectoryWriter struct {
	mu sync.Mutex

	w        io.Writer
	settings *settings.Settings

	firstPoseInv spatial.Pose
	imuTransform spatial.Pose
	haveIMUXform bool
}

// OpenTrajectoryFile opens path truncate-on-open, spec.md §6
// "Persisted state... Logs are truncate-on-open", and wraps it in a
// TrajectoryWriter. The caller owns closing the returned file.
func OpenTrajectoryFile(path string, s *settings.Settings, firstPose spatial.Pose) (*TrajectoryWriter, *os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening trajectory file %q", path)
	}
	return NewTrajectoryWriter(f, s, firstPose), f, nil
}

// NewTrajectoryWriter wraps an already-open writer.
func NewTrajectoryWriter(w io.Writer, s *settings.Settings, firstPose spatial.Pose) *TrajectoryWriter {
	return &TrajectoryWriter{w: w, settings: s, firstPoseInv: firstPose.Inverse()}
}

// SetIMUTransform installs T_DSO->IMU once the IMU subsystem has
// calibrated it; subsequent WriteFrame calls honor setting_saveMetricPoses.
func (tw *TrajectoryWriter) SetIMUTransform(t spatial.Pose) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.imuTransform = t
	tw.haveIMUXform = true
}

// WriteFrame emits one trajectory line for shell, or skips it per
// spec.md §6's validity/onlyLogKFPoses rules. trackingRefShell is
// shell.TrackingRef's resolved Shell (nil if shell has none), needed to
// materialize useCamToTrackingRef's non-keyframe substitution.
func (tw *TrajectoryWriter) WriteFrame(shell *frame.Shell, trackingRefShell *frame.Shell) error {
	if !shell.PoseValid {
		return nil
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	// Matches original_source/FullSystem.cpp's printResult literally:
	// marginalizedAt is stamped with the id of the new keyframe whose
	// insertion removed the frame, which is always greater than the
	// removed shell's own id, so this
	// condition is effectively never true in practice. Preserved as-is
	// rather than "fixed" into a more useful keyframe-only filter.
	if tw.settings.OnlyLogKFPoses && shell.MarginalizedAt == shell.ID {
		return nil
	}

	camToWorld := shell.CamToWorld
	if tw.settings.UseCamToTrackingRef && shell.KeyframeID == -1 && trackingRefShell != nil {
		camToWorld = trackingRefShell.CamToWorld.Compose(shell.CamToTrackingRef)
	}

	// spec.md §6: "All poses are expressed relative to firstPose⁻¹" is a
	// blanket rule, so the IMU-frame transform composes with it rather
	// than replacing it.
	var out spatial.Pose
	if tw.settings.SaveMetricPoses && tw.haveIMUXform {
		out = tw.firstPoseInv.Compose(tw.imuTransform.Compose(camToWorld.Inverse()))
	} else {
		out = tw.firstPoseInv.Compose(camToWorld)
	}

	q := out.Rotation
	_, err := fmt.Fprintf(tw.w, "%.15g %.15g %.15g %.15g %.15g %.15g %.15g %.15g\n",
		shell.Timestamp,
		out.Translation[0], out.Translation[1], out.Translation[2],
		q.Imag, q.Jmag, q.Kmag, q.Real)
	return err
}
