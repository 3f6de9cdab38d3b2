package memutils

import "math"

// Statistics contains basic counts for the fragments and allocations of a memory manager
type Statistics struct {
	FragmentCount   int
	AllocationCount int
	FragmentBytes   int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.FragmentCount = 0
	s.AllocationCount = 0
	s.FragmentBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.FragmentCount += other.FragmentCount
	s.AllocationCount += other.AllocationCount
	s.FragmentBytes += other.FragmentBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with fragment size extremes and the contents of the
// deferred-destruction and reuse lists
type DetailedStatistics struct {
	Statistics
	TemporaryCount  int
	TemporaryBytes  int
	ReusableCount   int
	ReusableBytes   int
	FragmentSizeMin int
	FragmentSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.TemporaryCount = 0
	s.TemporaryBytes = 0
	s.ReusableCount = 0
	s.ReusableBytes = 0
	s.FragmentSizeMin = math.MaxInt
	s.FragmentSizeMax = 0
}

func (s *DetailedStatistics) AddFragment(size int) {
	s.FragmentCount++
	s.FragmentBytes += size

	if size < s.FragmentSizeMin {
		s.FragmentSizeMin = size
	}

	if size > s.FragmentSizeMax {
		s.FragmentSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
}

func (s *DetailedStatistics) AddTemporary(size int) {
	s.TemporaryCount++
	s.TemporaryBytes += size
}

func (s *DetailedStatistics) AddReusable(size int) {
	s.ReusableCount++
	s.ReusableBytes += size
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.TemporaryCount += other.TemporaryCount
	s.TemporaryBytes += other.TemporaryBytes
	s.ReusableCount += other.ReusableCount
	s.ReusableBytes += other.ReusableBytes

	if other.FragmentSizeMin < s.FragmentSizeMin {
		s.FragmentSizeMin = other.FragmentSizeMin
	}

	if other.FragmentSizeMax > s.FragmentSizeMax {
		s.FragmentSizeMax = other.FragmentSizeMax
	}
}
