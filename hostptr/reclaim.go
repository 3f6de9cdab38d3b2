package hostptr

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
	"golang.org/x/sync/errgroup"
)

// ReclaimState is a state of the protocol that resolves conflicts between a requested region and
// fragments that are still stored
type ReclaimState uint8

const (
	// ReclaimSuccess means every fragment the region needs can be created or shared
	ReclaimSuccess ReclaimState = iota
	// ReclaimPendingClean means a conflict remains and the temporary lists are about to be cleaned
	ReclaimPendingClean
	// ReclaimPendingWait means a conflict survived a clean pass and the manager is about to block on
	// the engines that used the conflicting fragments
	ReclaimPendingWait
	// ReclaimFatal means the conflict could not be resolved and the request must fail
	ReclaimFatal
)

const (
	// ReclaimCleanPasses is the number of clean passes a single request may run before failing
	ReclaimCleanPasses = 2
	// ReclaimWaits is the number of blocking waits a single request may perform before failing.
	// Conflicts that survive this many waits belong to work that will not complete, so the
	// request fails instead of looping.
	ReclaimWaits = 1
)

var reclaimStateMapping = map[ReclaimState]string{
	ReclaimSuccess:      "ReclaimSuccess",
	ReclaimPendingClean: "ReclaimPendingClean",
	ReclaimPendingWait:  "ReclaimPendingWait",
	ReclaimFatal:        "ReclaimFatal",
}

func (s ReclaimState) String() string {
	return reclaimStateMapping[s]
}

// nextReclaimState alternates clean passes and waits, starting and ending with a clean pass
func nextReclaimState(conflicting bool, cleanPasses, waits int) ReclaimState {
	if !conflicting {
		return ReclaimSuccess
	}
	if cleanPasses <= waits && cleanPasses < ReclaimCleanPasses {
		return ReclaimPendingClean
	}
	if waits < ReclaimWaits && waits < cleanPasses {
		return ReclaimPendingWait
	}
	return ReclaimFatal
}

// reclaimConflicts runs the clean/wait protocol until every requirement is satisfiable or the
// protocol gives up. The manager mutex must be held; it is released while waiting.
func (m *Manager) reclaimConflicts(ctx context.Context, reqs *fragment.Requirements) ReclaimState {
	var cleanPasses, waits int

	for {
		conflicts := m.conflictingFragments(reqs)
		state := nextReclaimState(len(conflicts) > 0, cleanPasses, waits)

		if state != ReclaimSuccess {
			m.logger.Debug("Manager::reclaimConflicts",
				slog.String("State", state.String()),
				slog.Int("Conflicts", len(conflicts)),
				slog.Int("CleanPasses", cleanPasses),
				slog.Int("Waits", waits),
			)
		}

		switch state {
		case ReclaimSuccess, ReclaimFatal:
			return state
		case ReclaimPendingClean:
			cleanPasses++
			err := m.cleanAllEngines()
			if err != nil {
				m.logger.Error("error while cleaning temporary allocations", slog.Any("error", err))
			}
		case ReclaimPendingWait:
			waits++
			m.counters.waits++
			targets := m.conflictWaitTargets(conflicts)
			err := m.waitUnlocked(ctx, targets, m.conflictWaitTimeout)
			if err != nil {
				m.counters.waitTimeouts++
				m.logger.Warn("wait for conflicting fragments did not complete", slog.Any("error", err))

				if ctx.Err() != nil {
					return ReclaimFatal
				}
			}
		default:
			panic(errors.Newf("unknown reclaim state %d", state))
		}
	}
}

// conflictingFragments returns every stored fragment that intersects a requirement without
// containing it
func (m *Manager) conflictingFragments(reqs *fragment.Requirements) []*fragment.Fragment {
	var conflicts []*fragment.Fragment

	for _, req := range reqs.Slice() {
		_, status := m.fragments.ClassifyOverlap(req.Address, req.Size)
		if status.Satisfiable() {
			continue
		}

		_ = m.fragments.VisitAll(func(handle fragment.Handle, frag *fragment.Fragment) error {
			if frag.Intersects(req.Address, req.Size) && !frag.Contains(req.Address, req.Size) {
				conflicts = append(conflicts, frag)
			}
			return nil
		})
	}

	return conflicts
}

// conflictWaitTargets collects, per engine, the highest residency marker among the conflicting
// fragments that the engine has not reached yet
func (m *Manager) conflictWaitTargets(conflicts []*fragment.Fragment) []waitTarget {
	var targets []waitTarget

	for _, frag := range conflicts {
		frag.VisitResidency(func(engine int, value uint64) {
			state, ok := m.engine(EngineID(engine))
			if ok && !state.isComplete(value) {
				targets = addWaitTarget(targets, state, value)
			}
		})
	}

	return targets
}

// waitUnlocked releases the manager mutex, flushes and waits on every target concurrently, and
// reacquires the mutex. The first failing wait cancels the others.
func (m *Manager) waitUnlocked(ctx context.Context, targets []waitTarget, timeout time.Duration) error {
	if len(targets) == 0 {
		return nil
	}

	m.mutex.Unlock()
	defer m.mutex.Lock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		group.Go(func() error {
			if flusher, ok := target.engine.(Flusher); ok {
				err := flusher.Flush(groupCtx)
				if err != nil {
					return errors.Wrapf(err, "failed to flush engine %d", target.id)
				}
			}

			if !target.engine.WaitUntil(groupCtx, target.value, timeout) {
				return errors.Newf("engine %d did not reach completion value %d", target.id, target.value)
			}
			return nil
		})
	}

	return group.Wait()
}

func (m *Manager) cleanAllEngines() error {
	m.counters.cleanPasses++

	var err error
	for _, state := range m.engines {
		err = errors.CombineErrors(err, m.cleanAllocationList(state, state.engine.CurrentCompletionValue()))
	}
	return err
}

// cleanAllocationList destroys the allocations at the head of an engine's temporary list whose
// completion value has been reached. Allocations still pending on another engine move to that
// engine's list instead.
func (m *Manager) cleanAllocationList(state *engineState, currentValue uint64) error {
	var err error

	alloc := state.temporary.Head()
	for alloc != nil && alloc.listData.value <= currentValue {
		next := alloc.nextAlloc()
		state.temporary.Remove(alloc)

		pending := m.pendingEngines(alloc)
		if len(pending) > 0 {
			m.deferAllocation(alloc, pending)
		} else {
			err = errors.CombineErrors(err, m.destroyAllocation(alloc))
		}

		alloc = next
	}

	return err
}
