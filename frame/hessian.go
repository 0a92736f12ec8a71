package frame

import (
	"sync"

	"github.com/dsovio/fullsystem/spatial"
)

// Level is one level of an image pyramid: intensity plus its gradient.
// Pyramid construction itself is an external collaborator (spec.md §1);
// this is just the storage shape the rest of the pipeline reads.
type Level struct {
	Width, Height int
	Intensity     []float32
	GradX, GradY  []float32
}

// Pyramid is the per-frame image pyramid with gradients, spec.md §3.
type Pyramid struct {
	Levels []Level
}

// TargetPrecalc is the per-target entry of a Hessian's relative-pose
// cache, spec.md §3 "per-target entries" and §4.3's KRKi/Kt derivation.
type TargetPrecalc struct {
	TargetID int
	// HostToTarget is (target.PRE_worldToCam) * (host.PRE_camToWorld),
	// i.e. the rigid transform taking a point in the host camera frame
	// into the target camera frame.
	HostToTarget spatial.Pose
	// Aff maps a host-exposure color to the target-exposure equivalent.
	Aff AffLight
}

// Hessian is the heavy per-frame state that exists only while a frame is
// active (tracking target or in the active window), spec.md §3
// "FrameHessian". It owns exactly one Shell reference (back-reference,
// not ownership).
type Hessian struct {
	Shell        *Shell
	Pyramid      *Pyramid
	ExposureTime float64
	AffG2L       AffLight

	// Index is this Hessian's position in the active window, or -1 if it
	// is not currently a window member (e.g. only a tracking target).
	Index int

	// PREWorldToCam / PRECamToWorld are the precomputed relative-pose
	// cache roots, spec.md §3.
	PREWorldToCam spatial.Pose
	PRECamToWorld spatial.Pose

	mu      sync.RWMutex
	targets map[int]*TargetPrecalc

	// FEJ linearization point, frozen at first inclusion in the active
	// window (spec.md glossary "FEJ").
	evalSet  bool
	EvalPose spatial.Pose
	EvalAff  AffLight

	// marginalizeFlagged marks this Hessian as selected by the
	// marginalization flagger (spec.md §4.5 "Frame marginalization
	// flagging") for removal once the mapping thread finishes the
	// current optimization round. Read by point activation's candidate
	// selection (§4.4 step 3) and the marg package.
	marginalizeFlagged bool
}

// NewHessian creates a Hessian backed by shell, not yet a window member.
func NewHessian(shell *Shell, pyr *Pyramid, exposureTime float64) *Hessian {
	return &Hessian{
		Shell:        shell,
		Pyramid:      pyr,
		ExposureTime: exposureTime,
		Index:        -1,
		targets:      make(map[int]*TargetPrecalc),
	}
}

// RecomputePrecalc sets PREWorldToCam/PRECamToWorld from the current
// shell pose; called whenever the shell's world pose changes.
func (h *Hessian) RecomputePrecalc() {
	h.PRECamToWorld = h.Shell.CamToWorld
	h.PREWorldToCam = h.Shell.CamToWorld.Inverse()
}

// SetTarget installs or overwrites the precalc entry for a target frame.
func (h *Hessian) SetTarget(targetID int, hostToTarget spatial.Pose, aff AffLight) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets[targetID] = &TargetPrecalc{TargetID: targetID, HostToTarget: hostToTarget, Aff: aff}
}

// Target returns the precalc entry for a target frame, or nil.
func (h *Hessian) Target(targetID int) *TargetPrecalc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.targets[targetID]
}

// ClearTargets drops all target precalc entries, e.g. when a frame
// leaves the active window.
func (h *Hessian) ClearTargets() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = make(map[int]*TargetPrecalc)
}

// FreezeEvalPoint records the FEJ linearization point the first time it
// is called for this Hessian; subsequent calls are no-ops, preserving
// the observability property marginalization depends on.
func (h *Hessian) FreezeEvalPoint() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evalSet {
		return
	}
	h.evalSet = true
	h.EvalPose = h.PRECamToWorld
	h.EvalAff = h.AffG2L
}

// HasEvalPoint reports whether FreezeEvalPoint has already run.
func (h *Hessian) HasEvalPoint() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.evalSet
}

// SetMarginalizeFlagged records or clears this Hessian's marginalization
// flag.
func (h *Hessian) SetMarginalizeFlagged(flagged bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marginalizeFlagged = flagged
}

// MarginalizeFlagged reports whether the marginalization flagger has
// selected this Hessian for removal.
func (h *Hessian) MarginalizeFlagged() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.marginalizeFlagged
}
