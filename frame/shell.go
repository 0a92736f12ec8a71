// Package frame implements FrameShell and FrameHessian, spec.md §3, along
// with the permanent allFrameHistory arena. Per DESIGN NOTES §9, cyclic
// references (Hessian <-> Shell) are modeled as arena-allocated nodes
// addressed by stable integer indices rather than Go pointers cycling
// back on each other, which keeps ownership explicit: History owns
// Shells for the session lifetime, the active window owns Hessians.
package frame

import (
	"sync"

	"github.com/dsovio/fullsystem/spatial"
)

// Shell is the lightweight, permanent identity of a frame, spec.md §3.
type Shell struct {
	ID         int
	IncomingID int
	Timestamp  float64

	PoseValid bool
	// CamToWorld is guarded by ShellPoseMutex at the History level
	// (spec.md §5 "shellPoseMutex (process-wide)").
	CamToWorld       spatial.Pose
	CamToTrackingRef spatial.Pose

	AffG2L AffLight

	// KeyframeID is -1 if this shell is not a keyframe.
	KeyframeID int
	// MarginalizedAt is the frame id at which this shell's Hessian left
	// the active window; zero value (0) is a valid id, so -1 means "still
	// active or never activated".
	MarginalizedAt int

	// TrackingRef is a weak reference (by id) to the shell this frame was
	// tracked against; -1 if none (e.g. the very first frame).
	TrackingRef int

	TrackingWasGood bool

	// GroundTruth is the optional externally-supplied reference pose for
	// this frame, spec.md §6 ("optional ground-truth pose for
	// evaluation"); nil when not provided. Nothing in this module
	// computes against it — it is carried through for an external
	// evaluator to read back off the History.
	GroundTruth *spatial.Pose
}

// NewShell returns a Shell with no keyframe/marginalization state set.
func NewShell(id, incomingID int, ts float64) *Shell {
	return &Shell{
		ID:             id,
		IncomingID:     incomingID,
		Timestamp:      ts,
		KeyframeID:     -1,
		MarginalizedAt: -1,
		TrackingRef:    -1,
	}
}

// AffLight is the per-frame photometric affine (a,b) compensating
// exposure changes, spec.md glossary "Affine (a,b)".
type AffLight struct {
	A, B float64
}

// IdentityAff is the neutral photometric transform.
func IdentityAff() AffLight { return AffLight{A: 0, B: 0} }

// ComposeAff composes two affine maps as in the original DSO convention:
// applying `inner` then `outer`. Represented in log-scale for A so that
// composition is addition, matching how DSO stores and composes aff_g2l.
func ComposeAff(outer, inner AffLight) AffLight {
	return AffLight{
		A: outer.A + inner.A,
		B: outer.B + inner.B,
	}
}

// History is the append-only, monotonic allFrameHistory arena, spec.md
// §3 invariant 2: ids are strictly monotonic and equal to position index.
type History struct {
	// ShellPoseMutex serializes all reads/writes of any Shell's pose
	// fields, spec.md §5.
	ShellPoseMutex sync.Mutex

	mu     sync.RWMutex
	shells []*Shell
}

// NewHistory returns an empty history arena.
func NewHistory() *History {
	return &History{}
}

// Append adds a new shell, asserting its id equals the current length
// (invariant 2), and returns it.
func (h *History) Append(incomingID int, ts float64) *Shell {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := NewShell(len(h.shells), incomingID, ts)
	h.shells = append(h.shells, s)
	return s
}

// Len returns the number of shells recorded so far.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.shells)
}

// At returns the shell at position id, or nil if out of range.
func (h *History) At(id int) *Shell {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id < 0 || id >= len(h.shells) {
		return nil
	}
	return h.shells[id]
}

// All returns a snapshot slice of every shell recorded so far.
func (h *History) All() []*Shell {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Shell, len(h.shells))
	copy(out, h.shells)
	return out
}

// Last returns the most recently appended shell, or nil if history is
// empty.
func (h *History) Last() *Shell {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.shells) == 0 {
		return nil
	}
	return h.shells[len(h.shells)-1]
}

// WorldPose returns shell.CamToWorld, taking ShellPoseMutex, matching
// spec.md §5's requirement that absolute-pose reads through a
// trackingRef chain be fenced.
func (h *History) WorldPose(s *Shell) spatial.Pose {
	h.ShellPoseMutex.Lock()
	defer h.ShellPoseMutex.Unlock()
	return s.CamToWorld
}

// SetWorldPose atomically sets a shell's absolute pose.
func (h *History) SetWorldPose(s *Shell, p spatial.Pose) {
	h.ShellPoseMutex.Lock()
	defer h.ShellPoseMutex.Unlock()
	s.CamToWorld = p
}
