package fragment

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Handle identifies a fragment within a Store. Handles carry the generation of the slot they were
// issued for, so a handle to a fragment that has since been removed is rejected instead of silently
// resolving to whatever fragment reused the slot.
type Handle struct {
	index      uint32
	generation uint32
}

// NoHandle is the zero Handle. It never refers to a fragment.
var NoHandle = Handle{}

// IsValid reports whether the handle was issued by a Store. It does not check whether the
// fragment is still live.
func (h Handle) IsValid() bool {
	return h.generation != 0
}

type storeSlot struct {
	fragment   Fragment
	generation uint32
	live       bool
}

// Store is a reference-counted table of fragments keyed by their address. The Store performs no
// OS calls: when Release reports that a fragment is no longer referenced, the caller unmaps it
// and then calls Remove.
//
// Store is not safe for concurrent use.
type Store struct {
	slots     []storeSlot
	freeSlots []uint32
	index     *swiss.Map[uintptr, uint32]

	count int
	bytes uintptr
}

// NewStore creates an empty Store
func NewStore() *Store {
	return &Store{
		index: swiss.NewMap[uintptr, uint32](16),
	}
}

// Count returns the number of live fragments
func (s *Store) Count() int { return s.count }

// Bytes returns the total size in bytes of all live fragments
func (s *Store) Bytes() uintptr { return s.bytes }

// IsEmpty returns true if the store has no live fragments
func (s *Store) IsEmpty() bool { return s.count == 0 }

func (s *Store) slot(handle Handle) (*storeSlot, error) {
	if !handle.IsValid() {
		return nil, errors.New("attempted to use an invalid fragment handle")
	}
	if int(handle.index) >= len(s.slots) {
		return nil, errors.Newf("fragment handle index %d is out of range", handle.index)
	}

	slot := &s.slots[handle.index]
	if !slot.live || slot.generation != handle.generation {
		return nil, errors.Newf("fragment handle %d:%d is stale", handle.index, handle.generation)
	}

	return slot, nil
}

// Store adds a reference to the fragment at address. If a fragment already exists at exactly that
// address its reference count is incremented and the size and deviceHandle arguments are ignored.
// Otherwise a new fragment is inserted with a reference count of 1. The returned bool is true if
// a new fragment was inserted.
func (s *Store) Store(address, size uintptr, deviceHandle any) (Handle, bool) {
	index, exists := s.index.Get(address)
	if exists {
		slot := &s.slots[index]
		slot.fragment.RefCount++
		return Handle{index: index, generation: slot.generation}, false
	}

	if len(s.freeSlots) > 0 {
		index = s.freeSlots[len(s.freeSlots)-1]
		s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
	} else {
		index = uint32(len(s.slots))
		s.slots = append(s.slots, storeSlot{})
	}

	slot := &s.slots[index]
	slot.generation++
	slot.live = true
	slot.fragment = Fragment{
		Address:      address,
		Size:         size,
		RefCount:     1,
		DeviceHandle: deviceHandle,
	}

	s.index.Put(address, index)
	s.count++
	s.bytes += size

	return Handle{index: index, generation: slot.generation}, true
}

// Reference increments the reference count of an existing fragment
func (s *Store) Reference(handle Handle) error {
	slot, err := s.slot(handle)
	if err != nil {
		return err
	}
	if slot.fragment.RefCount < 1 {
		return errors.Newf("attempted to reference fragment at %#x after it became unreferenced", slot.fragment.Address)
	}

	slot.fragment.RefCount++
	return nil
}

// Release decrements the reference count of a fragment. It returns true when the count has reached
// zero, at which point the caller is responsible for unmapping the fragment and calling Remove.
func (s *Store) Release(handle Handle) (bool, error) {
	slot, err := s.slot(handle)
	if err != nil {
		return false, err
	}
	if slot.fragment.RefCount < 1 {
		return false, errors.Newf("attempted to release fragment at %#x which has no references", slot.fragment.Address)
	}

	slot.fragment.RefCount--
	return slot.fragment.RefCount == 0, nil
}

// ReleaseAddress is Release for the fragment stored at exactly address
func (s *Store) ReleaseAddress(address uintptr) (bool, error) {
	handle, ok := s.Lookup(address)
	if !ok {
		return false, errors.Newf("no fragment is stored at %#x", address)
	}

	return s.Release(handle)
}

// Remove deletes an unreferenced fragment from the store and returns its final state. The slot's
// generation is retired, so outstanding handles to the fragment become stale.
func (s *Store) Remove(handle Handle) (Fragment, error) {
	slot, err := s.slot(handle)
	if err != nil {
		return Fragment{}, err
	}
	if slot.fragment.RefCount != 0 {
		return Fragment{}, errors.Newf("attempted to remove fragment at %#x which still has %d references", slot.fragment.Address, slot.fragment.RefCount)
	}

	fragment := slot.fragment
	s.index.Delete(fragment.Address)
	s.count--
	s.bytes -= fragment.Size

	slot.live = false
	slot.fragment = Fragment{}
	s.freeSlots = append(s.freeSlots, handle.index)

	return fragment, nil
}

// Lookup finds the fragment stored at exactly address
func (s *Store) Lookup(address uintptr) (Handle, bool) {
	index, ok := s.index.Get(address)
	if !ok {
		return NoHandle, false
	}

	return Handle{index: index, generation: s.slots[index].generation}, true
}

// Get resolves a handle to its fragment. The returned pointer is only valid until the next call
// that inserts into or removes from the store.
func (s *Store) Get(handle Handle) (*Fragment, error) {
	slot, err := s.slot(handle)
	if err != nil {
		return nil, err
	}

	return &slot.fragment, nil
}

// VisitAll calls visit once for every live fragment in ascending address order. Iteration stops
// at the first error, which is returned.
func (s *Store) VisitAll(visit func(handle Handle, fragment *Fragment) error) error {
	handles := make([]Handle, 0, s.count)
	for index := range s.slots {
		if s.slots[index].live {
			handles = append(handles, Handle{index: uint32(index), generation: s.slots[index].generation})
		}
	}

	sort.Slice(handles, func(i, j int) bool {
		return s.slots[handles[i].index].fragment.Address < s.slots[handles[j].index].fragment.Address
	})

	for _, handle := range handles {
		err := visit(handle, &s.slots[handle.index].fragment)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the store
func (s *Store) Validate() error {
	liveCount := 0
	var liveBytes uintptr

	for index := range s.slots {
		slot := &s.slots[index]
		if !slot.live {
			continue
		}

		liveCount++
		liveBytes += slot.fragment.Size

		if slot.fragment.RefCount < 1 {
			return errors.Newf("live fragment at %#x has reference count %d", slot.fragment.Address, slot.fragment.RefCount)
		}

		indexed, ok := s.index.Get(slot.fragment.Address)
		if !ok || indexed != uint32(index) {
			return errors.Newf("fragment at %#x is not indexed by its address", slot.fragment.Address)
		}
	}

	if liveCount != s.count {
		return errors.Newf("the store lists %d fragments but %d are live", s.count, liveCount)
	}
	if liveBytes != s.bytes {
		return errors.Newf("the store lists %d bytes but live fragments total %d", s.bytes, liveBytes)
	}
	if s.index.Count() != liveCount {
		return errors.Newf("the address index has %d entries but %d fragments are live", s.index.Count(), liveCount)
	}

	return nil
}
