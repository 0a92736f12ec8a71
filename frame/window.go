package frame

import (
	"sync"

	"github.com/pkg/errors"
)

// Window is the bounded active window of FrameHessians, spec.md §3
// invariant 4 ("bounded by setting_maxFrames") and invariant 6 ("the
// coarse tracking reference keyframe is always present... swapping it is
// atomic"). Structural changes are serialized by Mu, matching spec.md §5
// "mapMutex serializes all structural changes to the active window".
type Window struct {
	Mu sync.Mutex

	maxFrames int
	frames    []*Hessian
}

// NewWindow returns an empty active window bounded at maxFrames.
func NewWindow(maxFrames int) *Window {
	return &Window{maxFrames: maxFrames}
}

// Add appends h to the window, assigning its Index, and returns an error
// if doing so would exceed maxFrames — the caller (marginalization
// flagger) must remove a frame first. Add takes Mu itself, so callers
// must not hold it; MakeRoomAndAdd is the atomic
// "marginalize-then-add" step.
func (w *Window) Add(h *Hessian) error {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	return w.addLocked(h)
}

func (w *Window) addLocked(h *Hessian) error {
	if len(w.frames) >= w.maxFrames {
		return errors.Errorf("active window full (%d/%d frames)", len(w.frames), w.maxFrames)
	}
	h.Index = len(w.frames)
	w.frames = append(w.frames, h)
	return nil
}

// Remove drops the Hessian at the given window index (swap-with-last,
// pop, matching the compaction style used throughout spec.md §4.4/§4.6),
// clears its target precalc cache, and resets its Index to -1. Returns
// the removed Hessian.
func (w *Window) Remove(index int) *Hessian {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	return w.removeLocked(index)
}

func (w *Window) removeLocked(index int) *Hessian {
	if index < 0 || index >= len(w.frames) {
		return nil
	}
	removed := w.frames[index]
	last := len(w.frames) - 1
	w.frames[index] = w.frames[last]
	w.frames[index].Index = index
	w.frames = w.frames[:last]
	removed.Index = -1
	removed.ClearTargets()
	return removed
}

// Frames returns a snapshot slice of the current active-window members.
func (w *Window) Frames() []*Hessian {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	out := make([]*Hessian, len(w.frames))
	copy(out, w.frames)
	return out
}

// Len returns the current active window size.
func (w *Window) Len() int {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	return len(w.frames)
}

// Full reports whether the window is at capacity.
func (w *Window) Full() bool {
	w.Mu.Lock()
	defer w.Mu.Unlock()
	return len(w.frames) >= w.maxFrames
}

// MakeRoomAndAdd marginalizes frames selected by shouldMarginalize (in
// window order) until there is room for one more frame, then adds h.
// This is the atomic "flag, remove, add" sequence spec.md §4.5 describes
// as happening "after backend optimization"; wrapping it in one Mu
// acquisition keeps invariant 4 from ever being transiently violated.
func (w *Window) MakeRoomAndAdd(h *Hessian, shouldMarginalize func(*Hessian) bool) ([]*Hessian, error) {
	w.Mu.Lock()
	defer w.Mu.Unlock()

	var removed []*Hessian
	for len(w.frames) >= w.maxFrames {
		idx := -1
		for i, f := range w.frames {
			if shouldMarginalize(f) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return removed, errors.New("active window full and no frame eligible for marginalization")
		}
		removed = append(removed, w.removeLocked(idx))
	}
	if err := w.addLocked(h); err != nil {
		return removed, err
	}
	return removed, nil
}
