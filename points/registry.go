package points

import "sync"

// hostBucket holds every point container owned by one host frame.
type hostBucket struct {
	immature     []*ImmaturePoint
	active       []*PointHessian
	outlier      []*PointHessian
	marginalized []*PointHessian
}

// Registry is the arena mapping a host frame id to its owned point
// containers, per DESIGN NOTES §9 ("ownership of points to their host's
// arena"). It is safe for concurrent use by the tracking thread (which
// reads during tracing, spec.md §5 "mapMutex... the tracking thread
// takes it transiently during tracing") and the mapping thread (which
// mutates during activation/marginalization).
type Registry struct {
	mu      sync.Mutex
	buckets map[int]*hostBucket
}

// NewRegistry returns an empty point registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[int]*hostBucket)}
}

func (r *Registry) bucket(hostID int) *hostBucket {
	b, ok := r.buckets[hostID]
	if !ok {
		b = &hostBucket{}
		r.buckets[hostID] = b
	}
	return b
}

// AddImmature registers a new immature point under its host.
func (r *Registry) AddImmature(hostID int, p *ImmaturePoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucket(hostID)
	b.immature = append(b.immature, p)
}

// Immature returns a snapshot of the immature points owned by hostID.
func (r *Registry) Immature(hostID int) []*ImmaturePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[hostID]
	if !ok {
		return nil
	}
	out := make([]*ImmaturePoint, len(b.immature))
	copy(out, b.immature)
	return out
}

// CompactImmature replaces hostID's immature set, keeping only the
// points for which keep returns true, in their original order.
func (r *Registry) CompactImmature(hostID int, keep func(*ImmaturePoint) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[hostID]
	if !ok {
		return
	}
	kept := b.immature[:0]
	for _, p := range b.immature {
		if keep(p) {
			kept = append(kept, p)
		}
	}
	b.immature = kept
}

// PromoteImmatureToActive removes an immature point (by pointer
// identity) from hostID's immature set and adds the PointHessian to its
// active set, matching the one-shot "produces a PointHessian" path of
// §4.4 step 5.
func (r *Registry) PromoteImmatureToActive(hostID int, immature *ImmaturePoint, active *PointHessian) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucket(hostID)
	for i, p := range b.immature {
		if p == immature {
			last := len(b.immature) - 1
			b.immature[i] = b.immature[last]
			b.immature = b.immature[:last]
			break
		}
	}
	b.active = append(b.active, active)
}

// AddActive registers an activated point directly (e.g. the initializer
// handoff in §4.7, which skips the immature stage).
func (r *Registry) AddActive(hostID int, p *PointHessian) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucket(hostID)
	b.active = append(b.active, p)
}

// Active returns a snapshot of the active points owned by hostID.
func (r *Registry) Active(hostID int) []*PointHessian {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[hostID]
	if !ok {
		return nil
	}
	out := make([]*PointHessian, len(b.active))
	copy(out, b.active)
	return out
}

// CompactActive removes points from hostID's active set matching the
// given predicate, routing them into outlier/marginalized/dropped based
// on their Status (spec.md §4.6's "compact the host's active-points
// vector").
func (r *Registry) CompactActive(hostID int, remove func(*PointHessian) bool) (removed []*PointHessian) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[hostID]
	if !ok {
		return nil
	}
	kept := b.active[:0]
	for _, p := range b.active {
		if remove(p) {
			removed = append(removed, p)
			switch p.Status {
			case StatusMarginalized:
				b.marginalized = append(b.marginalized, p)
			case StatusOutlierPoint:
				b.outlier = append(b.outlier, p)
			}
		} else {
			kept = append(kept, p)
		}
	}
	b.active = kept
	return removed
}

// DropHost discards every container for hostID (invariant 3: when a host
// is marginalized, all its non-marginalized points are dropped in the
// same atomic step — the caller is expected to have already flagged and
// routed MARGINALIZE-status points elsewhere before calling this).
func (r *Registry) DropHost(hostID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, hostID)
}

// CountActive returns the total number of active points across every
// host. Activation's density control reads the optimizer's NPoints, not
// this count.
func (r *Registry) CountActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.buckets {
		n += len(b.active)
	}
	return n
}
