package fragment

// OverlapStatus describes how a requested region relates to the fragments already in a Store
type OverlapStatus uint8

const (
	// NotOverlapping indicates that no stored fragment shares any byte with the requested region
	NotOverlapping OverlapStatus = iota
	// ExactSizeMatch indicates that a stored fragment has the same address and size as the requested region
	ExactSizeMatch
	// WithinStored indicates that the requested region lies entirely inside a larger stored fragment
	WithinStored
	// OverlapsAndLarger indicates that the requested region intersects a stored fragment without being
	// contained by it. The stored fragment must be reclaimed before the region can be mapped.
	OverlapsAndLarger
)

var overlapStatusMapping = map[OverlapStatus]string{
	NotOverlapping:    "NotOverlapping",
	ExactSizeMatch:    "ExactSizeMatch",
	WithinStored:      "WithinStored",
	OverlapsAndLarger: "OverlapsAndLarger",
}

func (s OverlapStatus) String() string {
	return overlapStatusMapping[s]
}

// Satisfiable reports whether a region with this status can be served right now, either by mapping
// a new fragment or by referencing an existing one
func (s OverlapStatus) Satisfiable() bool {
	return s != OverlapsAndLarger
}

// ClassifyOverlap scans every stored fragment and reports how [address, address+size) relates to
// them, along with the fragment responsible for that status. When several fragments intersect the
// region, an exact match is preferred over containment, and containment over a conflict. Among
// conflicting fragments the lowest address is returned.
func (s *Store) ClassifyOverlap(address, size uintptr) (Handle, OverlapStatus) {
	bestStatus := NotOverlapping
	bestHandle := NoHandle
	var bestAddress uintptr

	for index := range s.slots {
		slot := &s.slots[index]
		if !slot.live {
			continue
		}

		fragment := &slot.fragment
		if !fragment.Intersects(address, size) {
			continue
		}

		handle := Handle{index: uint32(index), generation: slot.generation}
		if fragment.Address == address && fragment.Size == size {
			return handle, ExactSizeMatch
		}

		if fragment.Contains(address, size) {
			if bestStatus != WithinStored {
				bestStatus = WithinStored
				bestHandle = handle
			}
			continue
		}

		if bestStatus == NotOverlapping || (bestStatus == OverlapsAndLarger && fragment.Address < bestAddress) {
			bestStatus = OverlapsAndLarger
			bestHandle = handle
			bestAddress = fragment.Address
		}
	}

	return bestHandle, bestStatus
}
