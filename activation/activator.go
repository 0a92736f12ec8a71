// Package activation implements point activation and the occupancy
// distance map, spec.md §4.4: density control, BFS-seeded distance
// field, activation-candidate selection, and fork-join scheduling of the
// backend's per-point optimization.
package activation

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/dsovio/fullsystem/backend"
	"github.com/dsovio/fullsystem/calib"
	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/points"
	"github.com/dsovio/fullsystem/settings"
)

// pyramidLevel is the distance map's working resolution, spec.md §4.4
// step 2 ("1st pyramid level").
const pyramidLevel = 1

// chunkSize bounds the fork-join granularity for the per-point backend
// optimization, spec.md §4.4 step 5 ("chunk size ~= 50").
const chunkSize = 50

// Activator runs the density-controlled point activation sweep after a
// new keyframe is created.
type Activator struct {
	settings *settings.Settings
	calib    *calib.Calibration
	logger   golog.Logger

	mu                sync.Mutex
	currentMinActDist float64
}

// NewActivator returns an Activator with currentMinActDist seeded at
// its midpoint, spec.md §4.4 step 1's clamp range [0,4].
func NewActivator(s *settings.Settings, c *calib.Calibration, logger golog.Logger) *Activator {
	return &Activator{settings: s, calib: c, logger: logger, currentMinActDist: 2}
}

// CurrentMinActDist reports the density-control threshold most recently
// computed by Run.
func (a *Activator) CurrentMinActDist() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentMinActDist
}

// Run performs one activation sweep: density control, distance-map
// construction, candidate selection over every active host except
// newestKF, fork-join optimization of scheduled candidates, and
// compaction of host immature-point vectors, spec.md §4.4 steps 1-6.
func (a *Activator) Run(
	ctx context.Context,
	window []*frame.Hessian,
	registry *points.Registry,
	newestKF *frame.Hessian,
	optimizer backend.Optimizer,
	selector backend.Selector,
) error {
	a.mu.Lock()
	a.currentMinActDist = updateMinActDist(a.currentMinActDist, optimizer.NPoints(), a.settings.DesiredPointDensity)
	minActDist := a.currentMinActDist
	a.mu.Unlock()

	lvl := newestKF.Pyramid.Levels[pyramidLevel]
	dmap := newDistanceMap(lvl.Width, lvl.Height)
	for _, p := range registry.Active(newestKF.Shell.ID) {
		x, y, ok := a.projectAtLevel(newestKF, p.Host, p.U, p.V, p.IdepthScaled(), pyramidLevel)
		if ok {
			dmap.seed(x, y)
		}
	}
	dmap.buildBFS()

	var toOptimize []*points.ImmaturePoint

	for _, host := range window {
		if host == newestKF {
			continue
		}
		registry.CompactImmature(host.Shell.ID, func(p *points.ImmaturePoint) bool {
			if math.IsInf(p.IdepthMax, 1) || math.IsNaN(p.IdepthMax) || p.LastTraceStatus == points.StatusOutlier {
				return false
			}
			if !activationPrecondition(p, a.settings) {
				if host.MarginalizeFlagged() || p.LastTraceStatus == points.StatusOOB {
					return false
				}
				return true // skipped, not deleted
			}

			midIdepth := (p.IdepthMin + p.IdepthMax) / 2
			x, y, ok := a.projectAtLevel(newestKF, host, p.U, p.V, midIdepth, pyramidLevel)
			if !ok {
				return false
			}

			d := dmap.at(x, y)
			pointType := 1.0
			if d >= int(minActDist*pointType) {
				dmap.seed(x, y)
				toOptimize = append(toOptimize, p)
			}
			return true
		})
	}

	promotions := a.optimizeScheduled(ctx, window, optimizer, toOptimize)

	for host, res := range promotions {
		var activated []*points.PointHessian
		registry.CompactImmature(host.Shell.ID, func(p *points.ImmaturePoint) bool {
			outcome, ok := res[p]
			if !ok {
				return true
			}
			switch outcome.status {
			case backend.ActivationDeleted:
				return false
			case backend.ActivationSucceeded:
				activated = append(activated, outcome.ph)
				return false
			default: // deferred
				return true
			}
		})
		// CompactImmature already holds and releases registry.mu for the
		// drop; the active-set insert happens after it returns so this
		// never re-enters the lock from inside keep().
		for _, ph := range activated {
			registry.AddActive(host.Shell.ID, ph)
			if err := optimizer.InsertPoint(ph); err != nil {
				a.logger.Errorw("insert activated point failed", "error", err)
			}
		}
	}

	return a.replenishImmature(newestKF, registry, selector)
}

type optResult struct {
	status backend.ActivationOutcome
	ph     *points.PointHessian
}

// optimizeScheduled runs backend.Optimizer.OptimizeImmaturePoint across
// candidates in fork-join chunks, spec.md §4.4 step 5, and returns the
// per-host, per-point outcome map the caller uses to compact registries.
func (a *Activator) optimizeScheduled(
	ctx context.Context,
	window []*frame.Hessian,
	optimizer backend.Optimizer,
	candidates []*points.ImmaturePoint,
) map[*frame.Hessian]map[*points.ImmaturePoint]optResult {
	results := make(map[*frame.Hessian]map[*points.ImmaturePoint]optResult)
	var resultsMu sync.Mutex

	var wg sync.WaitGroup
	for start := 0; start < len(candidates); start += chunkSize {
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		wg.Add(1)
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			for _, p := range chunk {
				host := p.Host
				ph, outcome, err := optimizer.OptimizeImmaturePoint(ctx, host, window, p)
				if err != nil {
					a.logger.Errorw("optimize immature point failed", "error", err)
					continue
				}
				resultsMu.Lock()
				hostResults, ok := results[host]
				if !ok {
					hostResults = make(map[*points.ImmaturePoint]optResult)
					results[host] = hostResults
				}
				hostResults[p] = optResult{status: outcome, ph: ph}
				resultsMu.Unlock()
			}
		})
	}
	wg.Wait()
	return results
}

// replenishImmature enqueues new immature points on the newest keyframe
// from the pixel selector, bringing its immature count back toward
// setting_desiredImmatureNum (spec.md §2 "enqueues new immature points
// from the pixel selector").
func (a *Activator) replenishImmature(newestKF *frame.Hessian, registry *points.Registry, selector backend.Selector) error {
	existing := len(registry.Immature(newestKF.Shell.ID))
	want := int(a.settings.DesiredImmatureNum) - existing
	if want <= 0 {
		return nil
	}
	for _, uv := range selector.SelectPixels(newestKF, want) {
		registry.AddImmature(newestKF.Shell.ID, points.NewImmaturePoint(newestKF, uv[0], uv[1]))
	}
	return nil
}

// activationPrecondition implements spec.md §4.4 step 3's activation
// precondition.
func activationPrecondition(p *points.ImmaturePoint, s *settings.Settings) bool {
	switch p.LastTraceStatus {
	case points.StatusGood, points.StatusSkipped, points.StatusBadCondition, points.StatusOOB:
	default:
		return false
	}
	return p.LastTracePixelInterval < 8 &&
		p.Quality > s.MinTraceQuality &&
		p.IdepthMax+p.IdepthMin > 0
}

// projectAtLevel back-projects host's pixel (hu,hv) at the given inverse
// depth into a 3D point in host's camera frame, transforms it into
// target's frame, and scales the reprojected pixel into the requested
// pyramid level's grid, returning rounded integer coordinates.
func (a *Activator) projectAtLevel(target, host *frame.Hessian, hu, hv, idepth float64, level int) (x, y int, ok bool) {
	tc := host.Target(target.Shell.ID)
	var rel frame.TargetPrecalc
	if tc != nil {
		rel = *tc
	} else {
		rel.HostToTarget = target.PREWorldToCam.Compose(host.PRECamToWorld)
	}

	intr := a.calib.Intrinsics
	depth := 1 / idepth
	xc := (hu - intr.Cx) / intr.Fx * depth
	yc := (hv - intr.Cy) / intr.Fy * depth
	p := rel.HostToTarget.Apply([3]float64{xc, yc, depth})
	u, v, ok := intr.Project(p[0], p[1], p[2])
	if !ok {
		return 0, 0, false
	}
	scale := 1.0
	for i := 0; i < level; i++ {
		scale /= 2
	}
	x = int(u*scale + 0.5)
	y = int(v*scale + 0.5)
	lvl := target.Pyramid.Levels[level]
	if x < 0 || y < 0 || x >= lvl.Width || y >= lvl.Height {
		return 0, 0, false
	}
	return x, y, true
}
