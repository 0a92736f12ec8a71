package tracker

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/dsovio/fullsystem/backend"
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/settings"
	"github.com/dsovio/fullsystem/spatial"
)

// Outcome is the result of Driver.Track, carrying everything the
// Coordinator needs to populate a FrameShell, spec.md §4.2 "Outputs".
type Outcome struct {
	CamToTrackingRef spatial.Pose
	TrackingRef      *frame.Shell
	AffG2L           frame.AffLight
	CamToWorld       spatial.Pose
	TrackingWasGood  bool
	Lost             bool
	Unrecoverable    bool
	AchievedRes      [5]float64
}

// maxTranslationNorm is the catastrophic-pose threshold, spec.md §4.2
// "Failure" / §7 "Catastrophic pose".
const maxTranslationNorm = 1e5

// Driver generates and scores pose-initialization hypotheses for each
// incoming frame against the current tracking reference, spec.md §4.2.
type Driver struct {
	settings *settings.Settings
	logger   golog.Logger

	lastCoarseRMSE  [5]float64
	firstCoarseRMSE float64 // -1 until first successful track, §9 Open Question 3
}

// NewDriver returns a Driver with lastCoarseRMSE unset (all +Inf) and
// firstCoarseRMSE at its documented initial value of -1.
func NewDriver(s *settings.Settings, logger golog.Logger) *Driver {
	d := &Driver{settings: s, logger: logger, firstCoarseRMSE: -1}
	for i := range d.lastCoarseRMSE {
		d.lastCoarseRMSE[i] = math.Inf(1)
	}
	return d
}

// LastCoarseRMSE returns the achievedRes vector from the most recent
// successful call to Track, spec.md §8 invariant 5.
func (d *Driver) LastCoarseRMSE() [5]float64 { return d.lastCoarseRMSE }

// FirstCoarseRMSE returns the RMSE recorded the first time Track
// succeeded, or -1 if it has never succeeded yet.
func (d *Driver) FirstCoarseRMSE() float64 { return d.firstCoarseRMSE }

// Track runs hypothesis generation and scoring for the incoming frame
// target against reference lastF, using ct to evaluate each candidate.
// frames is the tail of allFrameHistory ending at target's shell
// (spec.md §4.2), imuHint is the optional external pose prediction, and
// imuEnabled gates the IMU-override/failure-handling behavior of §4.2's
// "IMU override" and "Failure" rules.
func (d *Driver) Track(
	ctx context.Context,
	ct backend.CoarseTracker,
	frames []*frame.Shell,
	lastF *frame.Hessian,
	target *frame.Hessian,
	imuHint *spatial.Pose,
	imuEnabled bool,
	topPyramidLevel int,
) (Outcome, error) {
	var seedAff frame.AffLight
	if imuHint != nil {
		seedAff = SeedAffine(frames, lastF)
	}
	candidates := BuildCandidates(frames, lastF, imuHint, seedAff)

	achieved := [5]float64{math.NaN(), math.NaN(), math.NaN(), math.NaN(), math.NaN()}
	var best backend.TrackResult
	var bestPose spatial.Pose
	haveWinner := false
	trackingGoodRet := false

	for _, cand := range candidates {
		res, err := ct.TrackNewestCoarse(ctx, target, cand.Pose, cand.Aff, topPyramidLevel, achieved)
		if err != nil {
			return Outcome{}, errors.Wrap(err, "coarse tracker call failed")
		}

		ok := res.OK
		if ok {
			trackingGoodRet = true
		}
		if !ok && imuEnabled {
			// In IMU mode we trust IMU enough to keep going even when
			// vision thinks tracking failed; trackingGoodRet stays
			// latched at whatever it was from an earlier good attempt.
			ok = true
		}

		for i := 0; i < 5; i++ {
			achieved[i] = minNaNAsInf(achieved[i], res.Residuals[i])
		}

		if ok && !math.IsNaN(res.Residuals[0]) && !math.IsInf(res.Residuals[0], 0) {
			if !haveWinner || res.Residuals[0] < best.Residuals[0] {
				best = res
				bestPose = cand.Pose
				haveWinner = true
			}
		}

		if haveWinner && achieved[0] < d.lastCoarseRMSE[0]*d.settings.ReTrackThreshold {
			break
		}
	}

	if !haveWinner {
		if imuEnabled {
			best = backend.TrackResult{OK: true, Residuals: achieved}
			if len(candidates) > 0 {
				bestPose = candidates[0].Pose
			}
			trackingGoodRet = false
		} else {
			return Outcome{Lost: true, AchievedRes: achieved}, nil
		}
	}

	camToTrackingRef := bestPose.Inverse()
	if !camToTrackingRef.IsFinite() || camToTrackingRef.TranslationNorm() > maxTranslationNorm {
		return Outcome{Unrecoverable: true}, errors.New("catastrophic pose: translation norm exceeded threshold or NaN")
	}

	trackingRefShell := lastF.Shell
	camToWorld := trackingRefShell.CamToWorld.Compose(camToTrackingRef)

	d.lastCoarseRMSE = achieved
	if d.firstCoarseRMSE < 0 {
		d.firstCoarseRMSE = achieved[0]
	}

	return Outcome{
		CamToTrackingRef: camToTrackingRef,
		TrackingRef:      trackingRefShell,
		AffG2L:           best.AffOut,
		CamToWorld:       camToWorld,
		TrackingWasGood:  trackingGoodRet,
		AchievedRes:      achieved,
	}, nil
}

func minNaNAsInf(a, b float64) float64 {
	af := a
	if math.IsNaN(af) {
		af = math.Inf(1)
	}
	bf := b
	if math.IsNaN(bf) {
		bf = math.Inf(1)
	}
	if af < bf {
		return af
	}
	return bf
}
