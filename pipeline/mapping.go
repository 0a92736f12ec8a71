package pipeline

import (
	"context"

	"github.com/dsovio/fullsystem/frame"
	"github.com/dsovio/fullsystem/marg"
	"github.com/dsovio/fullsystem/output"
)

// initRMSEExcessThresholds is spec.md §7's "Initialization RMSE excess"
// table, indexed by keyframeCount-2 (keyframe counts 2/3/4).
var initRMSEExcessThresholds = [3]float64{20, 13, 9}

// deliverTrackedFrame is the producer side of the tracking/mapping
// handoff, spec.md §5. It enforces the keyframe-race rule (a newer
// tentatively-tagged frame overrides an older still-pending promotion)
// and the backpressure threshold.
func (c *Coordinator) deliverTrackedFrame(hess *frame.Hessian, tentativeKeyframe bool) {
	c.mu.Lock()
	if tentativeKeyframe {
		for _, q := range c.mappingQueue {
			q.tentativeKeyframe = false
		}
	}
	c.mappingQueue = append(c.mappingQueue, &queuedFrame{hess: hess, tentativeKeyframe: tentativeKeyframe})
	c.needToKetchupMapping = len(c.mappingQueue) > backpressureLimit
	c.mappingCond.Broadcast()
	c.mu.Unlock()
}

// runMappingLoop is the mapping thread's body, spec.md §5: it blocks on
// mappingCond while the queue is empty, then drains one item at a time;
// it returns once Close() has cleared runMapping and the queue is empty.
func (c *Coordinator) runMappingLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		for len(c.mappingQueue) == 0 && c.runMapping {
			c.mappingCond.Wait()
		}
		if !c.runMapping && len(c.mappingQueue) == 0 {
			c.mu.Unlock()
			return
		}
		item := c.mappingQueue[0]
		c.mappingQueue = c.mappingQueue[1:]
		ketchup := c.needToKetchupMapping
		if ketchup && item.tentativeKeyframe {
			item.tentativeKeyframe = false
		}
		c.needToKetchupMapping = len(c.mappingQueue) > backpressureLimit
		c.mu.Unlock()

		if err := c.processMappedFrame(ctx, item); err != nil {
			c.logger.Errorw("mapping thread: process frame failed", "error", err)
		}

		c.mu.Lock()
		c.mappedCount++
		c.mappedFrameSignal.Broadcast()
		c.mu.Unlock()
	}
}

// processMappedFrame runs tracing for item against every active window
// host's immature points (every frame, spec.md §4.3), and — if item is
// still tentatively tagged a keyframe after the race/backpressure rules
// above have had their say — runs the full keyframe-creation pipeline:
// marginalization flagging, point-removal flagging, window insertion,
// backend optimization, point activation, and coarse-tracker swap.
func (c *Coordinator) processMappedFrame(ctx context.Context, item *queuedFrame) error {
	window := c.window.Frames()
	target := item.hess
	targetSampler := levelSampler{lvl: &target.Pyramid.Levels[0]}

	for _, host := range window {
		hostToTarget := target.PREWorldToCam.Compose(host.PRECamToWorld)
		geom := krkiKtFor(c.calib, hostToTarget)
		aff := relativeAff(host.AffG2L, target.AffG2L)
		host.SetTarget(target.Shell.ID, hostToTarget, aff)

		for _, ip := range c.registry.Immature(host.Shell.ID) {
			c.tracerEngine.TraceOn(ip, targetSampler, geom, aff)
		}
	}

	if !item.tentativeKeyframe {
		return nil
	}

	return c.promoteToKeyframe(ctx, window, target)
}

// promoteToKeyframe implements spec.md §4.5's "the Coordinator then
// marginalizes [flagged frames] after backend optimization" together
// with §4.6's point-removal sweep. frame.Window.MakeRoomAndAdd already
// performs the remove-then-add half of that sequence atomically under
// its own mutex (see frame/window.go's doc comment); this method flags
// removal candidates first so MakeRoomAndAdd has a non-empty set to act
// on, runs the optimizer over the resulting window, and only then lets
// activation and the coarse-tracker swap observe the new keyframe.
func (c *Coordinator) promoteToKeyframe(ctx context.Context, window []*frame.Hessian, target *frame.Hessian) error {
	for _, toRemove := range c.frameMarginalizer.SelectForMarginalization(window, target, c.registry) {
		toRemove.SetMarginalizeFlagged(true)
	}

	for _, host := range window {
		removed := marg.FlagRemovals(c.settings, c.registry, host, host.MarginalizeFlagged(), c.optimizer.RelinearizeResidual)
		for _, p := range removed {
			if err := c.optimizer.RemovePoint(p); err != nil {
				c.logger.Errorw("remove flagged point failed", "error", err)
			}
		}
	}

	target.FreezeEvalPoint()

	removedFrames, err := c.window.MakeRoomAndAdd(target, (*frame.Hessian).MarginalizeFlagged)
	if err != nil {
		return err
	}
	for _, rf := range removedFrames {
		rf.Shell.MarginalizedAt = target.Shell.ID
		c.registry.DropHost(rf.Shell.ID)
	}

	c.mu.Lock()
	c.keyframeCount++
	keyframeCount := c.keyframeCount
	target.Shell.KeyframeID = keyframeCount - 1
	c.mu.Unlock()

	newWindow := c.window.Frames()
	rmse, err := c.optimizer.OptimizeNewKeyframe(ctx, newWindow)
	if err != nil {
		return err
	}
	if idx := keyframeCount - 2; idx >= 0 && idx < len(initRMSEExcessThresholds) {
		if rmse > initRMSEExcessThresholds[idx]*c.settings.BenchmarkInitializerSlackFact {
			c.requestFullReset()
			return nil
		}
	}

	if err := c.activator.Run(ctx, newWindow, c.registry, target, c.optimizer, c.selector); err != nil {
		c.logger.Errorw("point activation failed", "error", err)
	}

	c.coarseTrackerSwapMutex.Lock()
	c.coarseTracker, c.coarseTrackerForNewKF = c.coarseTrackerForNewKF, c.coarseTracker
	c.coarseTracker.SetReference(target, c.registry.Active(target.Shell.ID))
	c.refHessian = target
	c.coarseTrackerSwapMutex.Unlock()

	if c.imuSys != nil && c.imuSys.Enabled() && c.optimizer.IsIMUReady() {
		c.mu.Lock()
		c.state = VisualInertial
		c.mu.Unlock()
		c.observer.PublishStatus(output.StatusVisualInertial)
	}

	c.observer.PublishKeyframe(target, c.registry.Active(target.Shell.ID))
	c.observer.PublishConnectivity(newWindow)

	return nil
}
