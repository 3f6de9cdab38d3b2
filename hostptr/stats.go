package hostptr

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
)

// CalculateStatistics populates stats with the fragments and allocations currently held by the
// manager. Allocations on temporary and reusable lists are included.
func (m *Manager) CalculateStatistics(stats *memutils.Statistics) {
	m.logger.Debug("Manager::CalculateStatistics")

	var detailed memutils.DetailedStatistics
	m.CalculateDetailedStatistics(&detailed)
	*stats = detailed.Statistics
}

// CalculateDetailedStatistics populates stats with the manager's fragments, allocations and the
// contents of its temporary and reusable lists
func (m *Manager) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.calculateDetailedStatistics(stats)
}

func (m *Manager) calculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	_ = m.fragments.VisitAll(func(handle fragment.Handle, frag *fragment.Fragment) error {
		stats.AddFragment(int(frag.Size))
		return nil
	})

	m.allocations.Iter(func(id uint64, alloc *Allocation) bool {
		stats.AddAllocation(int(alloc.size))
		return false
	})

	for _, state := range m.engines {
		state.temporary.AddDetailedStatistics(stats)
	}
	m.reusable.AddDetailedStatistics(stats)

	if stats.FragmentCount == 0 {
		stats.FragmentSizeMin = 0
	}
}

// BuildStatsString returns a JSON document describing the manager. When detailed is true the
// document also lists every fragment and the contents of each list.
func (m *Manager) BuildStatsString(detailed bool) string {
	m.logger.Debug("Manager::BuildStatsString")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var stats memutils.DetailedStatistics
	m.calculateDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("PageSize").Int(int(m.pageSize))
	general.Name("Flags").String(m.createFlags.String())
	general.Name("EngineCount").Int(len(m.engines))
	general.End()

	total := obj.Name("Total").Object()
	printDetailedStatistics(&total, &stats)
	total.End()

	counters := obj.Name("Counters").Object()
	counters.Name("CleanPasses").String(strconv.FormatUint(m.counters.cleanPasses, 10))
	counters.Name("Waits").String(strconv.FormatUint(m.counters.waits, 10))
	counters.Name("WaitTimeouts").String(strconv.FormatUint(m.counters.waitTimeouts, 10))
	counters.Name("FatalConflicts").String(strconv.FormatUint(m.counters.fatalConflicts, 10))
	counters.Name("DeviceMaps").String(strconv.FormatUint(m.counters.deviceMaps, 10))
	counters.Name("DeviceUnmaps").String(strconv.FormatUint(m.counters.deviceUnmaps, 10))
	counters.End()

	if detailed {
		m.printDetailedMap(&obj)
	}

	obj.End()

	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("FragmentCount").Int(stats.FragmentCount)
	json.Name("FragmentBytes").Int(stats.FragmentBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("TemporaryCount").Int(stats.TemporaryCount)
	json.Name("TemporaryBytes").Int(stats.TemporaryBytes)
	json.Name("ReusableCount").Int(stats.ReusableCount)
	json.Name("ReusableBytes").Int(stats.ReusableBytes)

	if stats.FragmentCount > 0 {
		sizes := json.Name("FragmentSizes").Object()
		sizes.Name("Min").Int(stats.FragmentSizeMin)
		sizes.Name("Max").Int(stats.FragmentSizeMax)
		sizes.End()
	}
}

func (m *Manager) printDetailedMap(json *jwriter.ObjectState) {
	fragments := json.Name("Fragments").Array()
	_ = m.fragments.VisitAll(func(handle fragment.Handle, frag *fragment.Fragment) error {
		obj := fragments.Object()
		defer obj.End()

		obj.Name("Address").String(fmt.Sprintf("%#x", frag.Address))
		obj.Name("Size").Int(int(frag.Size))
		obj.Name("RefCount").Int(frag.RefCount)

		residency := obj.Name("Residency").Object()
		frag.VisitResidency(func(engine int, value uint64) {
			residency.Name(strconv.Itoa(engine)).String(strconv.FormatUint(value, 10))
		})
		residency.End()

		return nil
	})
	fragments.End()

	engines := json.Name("Engines").Object()
	for _, state := range m.engines {
		engineObj := engines.Name(strconv.Itoa(int(state.id))).Object()
		engineObj.Name("CompletionValue").String(strconv.FormatUint(state.engine.CurrentCompletionValue(), 10))
		engineObj.Name("TemporaryCount").Int(state.temporary.count)

		state.temporary.BuildStatsString(engineObj.Name("Temporary"))
		engineObj.End()
	}
	engines.End()

	m.reusable.BuildStatsString(json.Name("Reusable"))
}

// Validate performs internal consistency checks on the manager: every fragment's reference count
// must equal the number of allocations referencing it, and every list must match its links
func (m *Manager) Validate() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := m.fragments.Validate()
	if err != nil {
		return errors.Wrap(err, "fragment store failed validation")
	}

	references := make(map[fragment.Handle]int)
	var allocErr error
	m.allocations.Iter(func(id uint64, alloc *Allocation) bool {
		for i := 0; i < alloc.fragmentCount; i++ {
			handle := alloc.fragments[i].handle
			if _, err := m.fragments.Get(handle); err != nil {
				allocErr = errors.Wrapf(err, "allocation %d references a missing fragment", id)
				return true
			}
			references[handle]++
		}
		return false
	})
	if allocErr != nil {
		return allocErr
	}

	err = m.fragments.VisitAll(func(handle fragment.Handle, frag *fragment.Fragment) error {
		if references[handle] != frag.RefCount {
			return errors.Newf("fragment at %#x has reference count %d but is referenced by %d allocations", frag.Address, frag.RefCount, references[handle])
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, state := range m.engines {
		err = state.temporary.Validate()
		if err != nil {
			return errors.Wrapf(err, "temporary list for engine %d failed validation", state.id)
		}
	}

	err = m.reusable.Validate()
	if err != nil {
		return errors.Wrap(err, "reusable list failed validation")
	}

	return nil
}
