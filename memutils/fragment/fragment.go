package fragment

// Fragment is a page-aligned region of host memory that has been made visible to the device.
// Fragments are owned by a Store and shared by every allocation whose region touches their pages.
type Fragment struct {
	Address uintptr
	Size    uintptr
	// RefCount is the number of live allocations that reference this fragment
	RefCount int
	// DeviceHandle is the opaque value returned by the OS mapping layer when the fragment was mapped
	DeviceHandle any

	residency []uint64
}

// End returns the first address past the fragment
func (f *Fragment) End() uintptr {
	return f.Address + f.Size
}

// Contains reports whether [address, address+size) lies entirely within the fragment. A zero-length
// fragment only contains a zero-length region at its own address.
func (f *Fragment) Contains(address, size uintptr) bool {
	if f.Size == 0 {
		return size == 0 && address == f.Address
	}
	if size == 0 {
		return address >= f.Address && address < f.End()
	}

	return address >= f.Address && address+size <= f.End()
}

// Intersects reports whether [address, address+size) shares at least one byte with the fragment.
// Zero-length fragments and regions degrade to a point check against the fragment's address.
func (f *Fragment) Intersects(address, size uintptr) bool {
	if f.Size == 0 {
		return address == f.Address
	}
	if size == 0 {
		return address >= f.Address && address < f.End()
	}

	return address < f.End() && f.Address < address+size
}

// ResidencyMarker returns the highest completion value any allocation built on this fragment has
// recorded for the provided engine, or 0 if the engine has never used it
func (f *Fragment) ResidencyMarker(engine int) uint64 {
	if engine < 0 || engine >= len(f.residency) {
		return 0
	}
	return f.residency[engine]
}

// MarkResident raises the fragment's residency marker for engine to value. Lower values are ignored.
func (f *Fragment) MarkResident(engine int, value uint64) {
	if engine < 0 {
		panic("attempted to mark residency for a negative engine index")
	}

	for len(f.residency) <= engine {
		f.residency = append(f.residency, 0)
	}

	if value > f.residency[engine] {
		f.residency[engine] = value
	}
}

// VisitResidency calls visit for every engine with a nonzero residency marker
func (f *Fragment) VisitResidency(visit func(engine int, value uint64)) {
	for engine, value := range f.residency {
		if value > 0 {
			visit(engine, value)
		}
	}
}
