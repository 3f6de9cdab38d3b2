package hostptr

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/hostmem/memutils"
)

const (
	descFragments = iota
	descFragmentBytes
	descAllocations
	descAllocationBytes
	descTemporaryAllocations
	descReusableAllocations
	descReusableBytes
	descCleanPasses
	descWaits
	descWaitTimeouts
	descFatalConflicts
	descDeviceMaps
	descDeviceUnmaps
)

// Collector exposes a Manager's fragment, allocation and reclamation state as prometheus metrics
type Collector struct {
	manager     *Manager
	descriptors []*prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector for manager. Metric names are prefixed with namespace, which
// may be empty.
func NewCollector(manager *Manager, namespace string) *Collector {
	name := func(metric string) string {
		return prometheus.BuildFQName(namespace, "hostptr", metric)
	}

	return &Collector{
		manager: manager,
		descriptors: []*prometheus.Desc{
			descFragments: prometheus.NewDesc(
				name("fragments"),
				"Number of page-aligned fragments currently mapped for the device.",
				nil,
				nil,
			),
			descFragmentBytes: prometheus.NewDesc(
				name("fragment_bytes"),
				"Total size of the fragments currently mapped for the device.",
				nil,
				nil,
			),
			descAllocations: prometheus.NewDesc(
				name("allocations"),
				"Number of allocations that have not been destroyed, including those on temporary and reusable lists.",
				nil,
				nil,
			),
			descAllocationBytes: prometheus.NewDesc(
				name("allocation_bytes"),
				"Total requested size of the allocations that have not been destroyed.",
				nil,
				nil,
			),
			descTemporaryAllocations: prometheus.NewDesc(
				name("temporary_allocations"),
				"Number of released allocations waiting for an engine to complete.",
				[]string{
					"engine",
				},
				nil,
			),
			descReusableAllocations: prometheus.NewDesc(
				name("reusable_allocations"),
				"Number of allocations stored for reuse.",
				nil,
				nil,
			),
			descReusableBytes: prometheus.NewDesc(
				name("reusable_bytes"),
				"Total size of the allocations stored for reuse.",
				nil,
				nil,
			),
			descCleanPasses: prometheus.NewDesc(
				name("reclaim_clean_passes_total"),
				"Number of clean passes run over the temporary lists.",
				nil,
				nil,
			),
			descWaits: prometheus.NewDesc(
				name("reclaim_waits_total"),
				"Number of blocking waits performed to reclaim conflicting fragments.",
				nil,
				nil,
			),
			descWaitTimeouts: prometheus.NewDesc(
				name("reclaim_wait_failures_total"),
				"Number of blocking waits that ended before the engines completed.",
				nil,
				nil,
			),
			descFatalConflicts: prometheus.NewDesc(
				name("reclaim_fatal_total"),
				"Number of requests that failed because conflicting fragments could not be reclaimed.",
				nil,
				nil,
			),
			descDeviceMaps: prometheus.NewDesc(
				name("device_maps_total"),
				"Number of regions mapped for the device.",
				nil,
				nil,
			),
			descDeviceUnmaps: prometheus.NewDesc(
				name("device_unmaps_total"),
				"Number of regions unmapped from the device.",
				nil,
				nil,
			),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descriptors {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var stats memutils.DetailedStatistics
	var counters managerCounters
	var temporary []int

	c.manager.mutex.Lock()
	c.manager.calculateDetailedStatistics(&stats)
	counters = c.manager.counters
	for _, state := range c.manager.engines {
		temporary = append(temporary, state.temporary.count)
	}
	c.manager.mutex.Unlock()

	gauge := func(desc int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(c.descriptors[desc], prometheus.GaugeValue, value, labels...)
	}
	counter := func(desc int, value uint64) {
		ch <- prometheus.MustNewConstMetric(c.descriptors[desc], prometheus.CounterValue, float64(value))
	}

	gauge(descFragments, float64(stats.FragmentCount))
	gauge(descFragmentBytes, float64(stats.FragmentBytes))
	gauge(descAllocations, float64(stats.AllocationCount))
	gauge(descAllocationBytes, float64(stats.AllocationBytes))
	for engine, count := range temporary {
		gauge(descTemporaryAllocations, float64(count), strconv.Itoa(engine))
	}
	gauge(descReusableAllocations, float64(stats.ReusableCount))
	gauge(descReusableBytes, float64(stats.ReusableBytes))

	counter(descCleanPasses, counters.cleanPasses)
	counter(descWaits, counters.waits)
	counter(descWaitTimeouts, counters.waitTimeouts)
	counter(descFatalConflicts, counters.fatalConflicts)
	counter(descDeviceMaps, counters.deviceMaps)
	counter(descDeviceUnmaps, counters.deviceUnmaps)
}
