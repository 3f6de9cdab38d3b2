package fragment

import (
	"github.com/vkngwrapper/hostmem/memutils"
)

// Requirement describes one page-aligned fragment that must exist for a region to be device-visible
type Requirement struct {
	Position Position
	Address  uintptr
	Size     uintptr
}

// End returns the first address past the fragment
func (r Requirement) End() uintptr {
	return r.Address + r.Size
}

// Requirements is the output of ComputeRequirements. Only the first FragmentCount entries of
// Fragments are populated, in ascending address order.
type Requirements struct {
	Fragments     [MaxFragments]Requirement
	FragmentCount int
	// TotalSize is the number of bytes between the page-aligned start and end of the region
	TotalSize uintptr
	// AlignedStart is the requested pointer rounded down to a page boundary
	AlignedStart uintptr
}

// Slice returns the populated fragment requirements
func (r *Requirements) Slice() []Requirement {
	return r.Fragments[:r.FragmentCount]
}

func (r *Requirements) add(position Position, address, size uintptr) {
	r.Fragments[r.FragmentCount] = Requirement{
		Position: position,
		Address:  address,
		Size:     size,
	}
	r.FragmentCount++
}

// ComputeRequirements splits the region [ptr, ptr+size) into at most three page-aligned fragments:
// a leading fragment for a partial first page, a middle fragment for the whole pages in between,
// and a trailing fragment for a partial last page. A region that starts on a page boundary never
// has a leading fragment, and a region that fits in a single page is always a single fragment.
//
// size must be greater than zero and pageSize must be a power of two.
func ComputeRequirements(ptr, size, pageSize uintptr) Requirements {
	if size == 0 {
		panic("attempted to compute fragment requirements for an empty region")
	}
	memutils.DebugCheckPow2(pageSize, "pageSize")

	end := ptr + size
	alignedStart := memutils.AlignDown(ptr, pageSize)
	alignedEnd := memutils.AlignUp(end, pageSize)

	var reqs Requirements
	reqs.AlignedStart = alignedStart
	reqs.TotalSize = alignedEnd - alignedStart

	leading := alignedStart != ptr
	lastPage := memutils.AlignDown(end, pageSize)
	trailing := lastPage != end && lastPage != alignedStart

	middleSize := reqs.TotalSize
	if leading {
		reqs.add(PositionLeading, alignedStart, pageSize)
		middleSize -= pageSize
	}
	if trailing {
		middleSize -= pageSize
	}

	if middleSize > 0 {
		reqs.add(PositionMiddle, memutils.AlignUp(ptr, pageSize), middleSize)
	}

	if trailing {
		reqs.add(PositionTrailing, lastPage, pageSize)
	}

	return reqs
}
