// Package tracker implements the Coarse Tracker Driver: hypothesis
// generation and scoring for pose initialization, spec.md §4.2.
package tracker

import (
	"gonum.org/v1/gonum/num/quat"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/spatial"
)

// Candidate is one initial-pose hypothesis considered for the incoming
// frame, paired with the photometric affine it should be scored with.
type Candidate struct {
	Pose spatial.Pose
	Aff  frame.AffLight
	// Label documents which rule produced this candidate, for logging
	// and tests only.
	Label string
}

// rotDelta is the single perturbation magnitude spec.md §4.2 and
// DESIGN NOTES §9 describe: the source loop bound (0.05) and increment
// (++) make this a single pass at 0.02, which is the behavior this
// package reproduces rather than "fixes" (see DESIGN.md Open Question 1).
const rotDelta = 0.02

// axisSigns enumerates every non-empty subset of {x,y,z} with every sign
// combination, i.e. the 26 rotation-perturbed variants of spec.md §4.2:
// 6 single-axis (+/-) + 12 pair (2 axes x 4 sign combos) + 8 triple (2^3).
func axisSigns() [][3]float64 {
	var out [][3]float64
	// Single axis.
	for axis := 0; axis < 3; axis++ {
		for _, s := range []float64{1, -1} {
			var v [3]float64
			v[axis] = s
			out = append(out, v)
		}
	}
	// Pairs.
	pairs := [][2]int{{0, 1}, {0, 2}, {1, 2}}
	for _, pr := range pairs {
		for _, s0 := range []float64{1, -1} {
			for _, s1 := range []float64{1, -1} {
				var v [3]float64
				v[pr[0]] = s0
				v[pr[1]] = s1
				out = append(out, v)
			}
		}
	}
	// Triple.
	for _, s0 := range []float64{1, -1} {
		for _, s1 := range []float64{1, -1} {
			for _, s2 := range []float64{1, -1} {
				out = append(out, [3]float64{s0, s1, s2})
			}
		}
	}
	return out
}

// BuildCandidates composes the ordered candidate list for spec.md §4.2.
//
// frames is the relevant tail of allFrameHistory, ordered oldest-first,
// ending with the new frame's shell as the last element (it has already
// been appended to history per spec.md §4.1 before tracking runs).
// lastF is the current coarse tracking reference keyframe's Hessian.
// imuHint, if non-nil, is the externally supplied pose prediction
// (spec.md §4.2 item 1). seedAff is the affine to seed an IMU-hint
// candidate with.
func BuildCandidates(frames []*frame.Shell, lastF *frame.Hessian, imuHint *spatial.Pose, seedAff frame.AffLight) []Candidate {
	if imuHint != nil {
		return []Candidate{{Pose: *imuHint, Aff: seedAff, Label: "imu-hint"}}
	}

	if !posesValid(frames, lastF) {
		return []Candidate{{Pose: spatial.Identity(), Aff: lastF.AffG2L, Label: "identity-invalid-poses"}}
	}

	if len(frames) < 2 {
		return []Candidate{{Pose: spatial.Identity(), Aff: lastF.AffG2L, Label: "identity-too-few-frames"}}
	}
	if len(frames) == 2 {
		return []Candidate{{Pose: spatial.Identity(), Aff: lastF.AffG2L, Label: "identity"}}
	}

	n := len(frames)
	fh := frames[n-1]
	slast := frames[n-2]
	sprelast := frames[n-3]

	lastF2Slast := slast.CamToWorld.Inverse().Compose(lastF.Shell.CamToWorld)
	fh2Slast := sprelast.CamToWorld.Inverse().Compose(slast.CamToWorld)
	_ = fh // fh only anchors which history tail was passed in; not used directly below.

	constantMotion := fh2Slast.Inverse().Compose(lastF2Slast)
	doubleMotion := fh2Slast.Inverse().Compose(fh2Slast.Inverse()).Compose(lastF2Slast)
	halfTwist := fh2Slast.Log()
	for i := 0; i < 3; i++ {
		halfTwist.Angular[i] *= 0.5
		halfTwist.Linear[i] *= 0.5
	}
	half := spatial.Exp(halfTwist)
	halfMotion := half.Inverse().Compose(lastF2Slast)
	zeroMotion := lastF2Slast
	zeroFromKF := spatial.Identity()

	aff := lastF.AffG2L
	candidates := []Candidate{
		{Pose: constantMotion, Aff: aff, Label: "constant-motion"},
		{Pose: doubleMotion, Aff: aff, Label: "double-motion"},
		{Pose: halfMotion, Aff: aff, Label: "half-motion"},
		{Pose: zeroMotion, Aff: aff, Label: "zero-motion"},
		{Pose: zeroFromKF, Aff: aff, Label: "zero-from-kf"},
	}

	for _, signs := range axisSigns() {
		deltaRot := spatial.NewPose(quat.Number{
			Real: 1,
			Imag: signs[0] * rotDelta,
			Jmag: signs[1] * rotDelta,
			Kmag: signs[2] * rotDelta,
		}, [3]float64{})
		perturbed := constantMotion.Compose(deltaRot)
		candidates = append(candidates, Candidate{Pose: perturbed, Aff: aff, Label: "rot-perturbed"})
	}

	return candidates
}

func posesValid(frames []*frame.Shell, lastF *frame.Hessian) bool {
	if !lastF.Shell.PoseValid {
		return false
	}
	n := len(frames)
	if n >= 2 && !frames[n-2].PoseValid {
		return false
	}
	if n >= 3 && !frames[n-3].PoseValid {
		return false
	}
	return true
}

// SeedAffine picks the photometric affine seed for an IMU-hint candidate:
// the most recent frame with TrackingWasGood that shares lastF's tracking
// reference, else lastF's own affine, per spec.md §4.2 item 1.
func SeedAffine(frames []*frame.Shell, lastF *frame.Hessian) frame.AffLight {
	ref := lastF.Shell.TrackingRef
	for i := len(frames) - 1; i >= 0; i-- {
		s := frames[i]
		if s.TrackingWasGood && s.TrackingRef == ref {
			return s.AffG2L
		}
	}
	return lastF.AffG2L
}
