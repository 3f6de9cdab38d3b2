package hostptr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/hostmem/hostptr/internal/utils"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
)

type managerCounters struct {
	cleanPasses    uint64
	waits          uint64
	waitTimeouts   uint64
	fatalConflicts uint64
	deviceMaps     uint64
	deviceUnmaps   uint64
}

// Manager makes caller-supplied host memory visible to asynchronous hardware engines. Regions are
// split into page-aligned fragments which are shared between every allocation touching the same
// pages, and fragments are only unmapped once every engine that may still access them has
// reported completion.
type Manager struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	createFlags         CreateFlags
	pageSize            uintptr
	conflictWaitTimeout time.Duration
	maxReusableBytes    int

	mapper    DeviceMapper
	backing   BackingMemory
	callbacks *mapCallbacks

	fragments        *fragment.Store
	engines          []*engineState
	allocations      *swiss.Map[uint64, *Allocation]
	nextAllocationID uint64
	reusable         allocationList

	counters managerCounters
}

// PageSize returns the granularity fragments are aligned to
func (m *Manager) PageSize() uintptr {
	return m.pageSize
}

// Requirements computes the fragments a region [ptr, ptr+size) would be split into
func (m *Manager) Requirements(ptr, size uintptr) (fragment.Requirements, error) {
	err := m.checkRegion(ptr, size)
	if err != nil {
		return fragment.Requirements{}, err
	}

	return fragment.ComputeRequirements(ptr, size, m.pageSize), nil
}

func (m *Manager) checkRegion(ptr, size uintptr) error {
	if ptr == 0 {
		return errors.Wrap(ErrInvalidRequest, "attempted to use a null pointer")
	}
	if size == 0 {
		return errors.Wrap(ErrInvalidRequest, "attempted to use a region of size 0")
	}

	end := ptr + size
	if end < ptr || memutils.AlignUp(end, m.pageSize) < end {
		return errors.Wrapf(ErrInvalidRequest, "region at %#x of size %#x overflows the address space", ptr, size)
	}

	return nil
}

// Acquire makes the region [ptr, ptr+size) visible to the device and returns an allocation
// referencing the fragments that cover it. Pages already covered by a fragment are shared rather
// than mapped again. If the region conflicts with fragments that are still in use, the manager
// cleans its temporary lists and may block until the engines using those fragments complete.
//
// Errors are marked with ErrInvalidRequest, ErrUnreclaimableConflict or ErrResourceExhausted.
func (m *Manager) Acquire(ctx context.Context, ptr, size uintptr) (*Allocation, error) {
	m.logger.Debug("Manager::Acquire", slog.Uint64("Pointer", uint64(ptr)), slog.Uint64("Size", uint64(size)))

	reqs, err := m.Requirements(ptr, size)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	state := m.reclaimConflicts(ctx, &reqs)
	if state == ReclaimFatal {
		m.counters.fatalConflicts++
		err = errors.Wrapf(ErrUnreclaimableConflict, "region at %#x of size %#x overlaps fragments that are still in use", ptr, size)
		if ctx.Err() != nil {
			err = errors.CombineErrors(err, ctx.Err())
		}
		return nil, err
	}

	return m.buildAllocation(ptr, size, &reqs)
}

type plannedFragment struct {
	req          fragment.Requirement
	handle       fragment.Handle
	existing     bool
	deviceHandle any
}

// buildAllocation maps every fragment the region is missing, and only once all of them are mapped
// commits references to the store. A mapping failure unmaps whatever this call had mapped.
func (m *Manager) buildAllocation(ptr, size uintptr, reqs *fragment.Requirements) (*Allocation, error) {
	var planned [fragment.MaxFragments]plannedFragment
	plannedCount := 0

	for _, req := range reqs.Slice() {
		handle, status := m.fragments.ClassifyOverlap(req.Address, req.Size)
		if !status.Satisfiable() {
			return nil, errors.Wrapf(ErrUnreclaimableConflict, "fragment at %#x of size %#x is %s", req.Address, req.Size, status)
		}

		plan := plannedFragment{req: req}
		if status != fragment.NotOverlapping {
			plan.handle = handle
			plan.existing = true
		}

		planned[plannedCount] = plan
		plannedCount++
	}

	for i := 0; i < plannedCount; i++ {
		plan := &planned[i]
		if plan.existing {
			continue
		}

		deviceHandle, err := m.mapper.MapForDevice(plan.req.Address, plan.req.Size)
		if err != nil {
			err = errors.Mark(errors.Wrapf(err, "failed to map fragment at %#x of size %#x", plan.req.Address, plan.req.Size), ErrResourceExhausted)
			return nil, m.rollbackMappings(planned[:i], err)
		}

		plan.deviceHandle = deviceHandle
		m.counters.deviceMaps++
	}

	refs := make([]fragmentRef, 0, plannedCount)
	for i := 0; i < plannedCount; i++ {
		plan := &planned[i]
		handle := plan.handle

		if plan.existing {
			if containsHandle(refs, handle) {
				continue
			}

			err := m.fragments.Reference(handle)
			if err != nil {
				panic(errors.Wrapf(err, "failed to reference a classified fragment"))
			}
		} else {
			var inserted bool
			handle, inserted = m.fragments.Store(plan.req.Address, plan.req.Size, plan.deviceHandle)
			if !inserted {
				panic("a freshly mapped fragment collided with a stored fragment")
			}
			m.callbacks.Map(plan.req.Address, plan.req.Size, plan.deviceHandle)
		}

		frag, err := m.fragments.Get(handle)
		if err != nil {
			panic(errors.Wrapf(err, "failed to resolve a referenced fragment"))
		}

		refs = append(refs, fragmentRef{
			position: plan.req.Position,
			handle:   handle,
			address:  frag.Address,
			size:     frag.Size,
		})
	}

	alloc := m.newAllocation(ptr, size)
	alloc.initHostPointer(refs)
	memutils.DebugValidate(m.fragments)

	m.logger.Debug("    Acquired host pointer", slog.Uint64("ID", alloc.id), slog.Int("FragmentCount", alloc.fragmentCount))
	return alloc, nil
}

func containsHandle(refs []fragmentRef, handle fragment.Handle) bool {
	for _, ref := range refs {
		if ref.handle == handle {
			return true
		}
	}
	return false
}

func (m *Manager) rollbackMappings(planned []plannedFragment, cause error) error {
	for _, plan := range planned {
		if plan.existing {
			continue
		}

		unmapErr := m.mapper.UnmapForDevice(plan.deviceHandle)
		m.counters.deviceUnmaps++
		if unmapErr != nil {
			cause = errors.CombineErrors(cause, errors.Wrapf(unmapErr, "failed to roll back fragment at %#x", plan.req.Address))
		}
	}

	return cause
}

func (m *Manager) newAllocation(address, size uintptr) *Allocation {
	m.nextAllocationID++

	alloc := &Allocation{}
	alloc.init(m, m.nextAllocationID, address, size)
	m.allocations.Put(alloc.id, alloc)

	return alloc
}

// AllocateHostMemory obtains size bytes, rounded up to whole pages, from the configured
// BackingMemory and maps them for the device. Allocations created this way may be stored
// for reuse with StoreForReuse.
func (m *Manager) AllocateHostMemory(size uintptr) (*Allocation, error) {
	m.logger.Debug("Manager::AllocateHostMemory", slog.Uint64("Size", uint64(size)))

	if size == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "attempted to allocate host memory of size 0")
	}
	if m.backing == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "attempted to allocate host memory without a BackingMemory")
	}

	alignedSize := memutils.AlignUp(size, m.pageSize)
	if alignedSize < size {
		return nil, errors.Wrapf(ErrInvalidRequest, "host memory size %#x overflows when rounded to pages", size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	address, backingHandle, err := m.backing.Allocate(alignedSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to allocate %#x bytes of backing memory", alignedSize), ErrResourceExhausted)
	}
	if !memutils.IsAligned(address, m.pageSize) {
		freeErr := m.backing.Free(address, alignedSize, backingHandle)
		return nil, errors.CombineErrors(errors.Newf("backing memory returned unaligned address %#x", address), freeErr)
	}

	deviceHandle, err := m.mapper.MapForDevice(address, alignedSize)
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "failed to map host memory at %#x of size %#x", address, alignedSize), ErrResourceExhausted)
		return nil, errors.CombineErrors(err, m.backing.Free(address, alignedSize, backingHandle))
	}
	m.counters.deviceMaps++
	m.callbacks.Map(address, alignedSize, deviceHandle)

	alloc := m.newAllocation(address, alignedSize)
	alloc.initHostMemory(backingHandle, deviceHandle)

	return alloc, nil
}

func (m *Manager) markUsed(alloc *Allocation, engine EngineID, value uint64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := alloc.checkOwner(m)
	if err != nil {
		return err
	}
	if alloc.released {
		return errors.Wrapf(ErrInvalidRequest, "attempted to mark allocation %d as used after it was released", alloc.id)
	}
	if _, ok := m.engine(engine); !ok {
		return errors.Wrapf(ErrInvalidRequest, "engine %d is not registered", engine)
	}

	alloc.setTaskCount(engine, value)

	for i := 0; i < alloc.fragmentCount; i++ {
		frag, err := m.fragments.Get(alloc.fragments[i].handle)
		if err != nil {
			panic(errors.Wrapf(err, "allocation %d references a missing fragment", alloc.id))
		}
		frag.MarkResident(int(engine), value)
	}

	return nil
}

// pendingEngines returns a wait target for every engine that has not yet reached the allocation's
// recorded completion value
func (m *Manager) pendingEngines(alloc *Allocation) []waitTarget {
	var targets []waitTarget
	for engine, value := range alloc.taskCounts {
		state := m.engines[engine]
		if value > 0 && !state.isComplete(value) {
			targets = addWaitTarget(targets, state, value)
		}
	}
	return targets
}

// Release returns an allocation to the manager. If every engine has already reached the
// allocation's recorded completion values it is destroyed immediately. Otherwise, when async is
// true it is parked on a temporary list and destroyed by a later clean pass; when async is false
// Release blocks until the engines complete, then destroys it.
func (m *Manager) Release(ctx context.Context, alloc *Allocation, async bool) error {
	m.logger.Debug("Manager::Release")

	return m.release(ctx, alloc, async)
}

func (m *Manager) release(ctx context.Context, alloc *Allocation, async bool) error {
	if alloc == nil {
		return errors.Wrap(ErrInvalidRequest, "attempted to release a nil allocation")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := alloc.checkOwner(m)
	if err != nil {
		return err
	}
	if alloc.released {
		panic("attempted to release an allocation that was already released")
	}
	alloc.released = true

	return m.releaseLocked(ctx, alloc, async)
}

func (m *Manager) releaseLocked(ctx context.Context, alloc *Allocation, async bool) error {
	pending := m.pendingEngines(alloc)
	if len(pending) == 0 {
		return m.destroyAllocation(alloc)
	}

	if async {
		m.deferAllocation(alloc, pending)
		return nil
	}

	// Parked while the lock is dropped so a concurrent clean pass can still reclaim its fragments
	m.deferAllocation(alloc, pending)
	waitErr := m.waitUnlocked(ctx, pending, 0)

	if alloc.allocationType == allocationTypeNone {
		// A clean pass destroyed it while we were waiting
		return nil
	}
	m.undeferAllocation(alloc)

	if waitErr != nil {
		// Leave the allocation where a later clean pass will find it
		pending = m.pendingEngines(alloc)
		if len(pending) > 0 {
			m.deferAllocation(alloc, pending)
			return errors.Wrapf(waitErr, "allocation %d could not be released synchronously", alloc.id)
		}
	}

	return m.destroyAllocation(alloc)
}

// undeferAllocation takes an allocation back off whichever temporary list it currently sits on. A
// clean pass may have migrated it since it was deferred.
func (m *Manager) undeferAllocation(alloc *Allocation) {
	if alloc.listData.state != listTemporary {
		return
	}

	list := &m.engines[alloc.listData.engine].temporary
	list.Remove(alloc)
	memutils.DebugValidate(list)
}

// deferAllocation parks an allocation on the temporary list of the lowest-id engine it is still
// pending on
func (m *Manager) deferAllocation(alloc *Allocation, pending []waitTarget) {
	target := pending[0]
	for _, candidate := range pending[1:] {
		if candidate.id < target.id {
			target = candidate
		}
	}

	m.engines[target.id].temporary.Insert(alloc, target.id, target.value)
	memutils.DebugValidate(&m.engines[target.id].temporary)
	m.logger.Debug("    Deferred allocation",
		slog.Uint64("ID", alloc.id),
		slog.Int("Engine", int(target.id)),
		slog.Uint64("CompletionValue", target.value),
	)
}

// destroyAllocation drops the allocation's fragment references, unmapping and removing every
// fragment whose reference count reaches zero. The allocation must not be in any list.
func (m *Manager) destroyAllocation(alloc *Allocation) error {
	if alloc.listData.state != listNone {
		panic("attempted to destroy an allocation that is still in a list")
	}

	var err error
	switch alloc.allocationType {
	case allocationTypeHostPointer:
		for i := 0; i < alloc.fragmentCount; i++ {
			err = errors.CombineErrors(err, m.releaseFragment(alloc.fragments[i].handle))
		}
	case allocationTypeHostMemory:
		unmapErr := m.mapper.UnmapForDevice(alloc.hostMemory.deviceHandle)
		m.counters.deviceUnmaps++
		if unmapErr != nil {
			err = errors.Wrapf(unmapErr, "failed to unmap host memory at %#x", alloc.address)
		}
		m.callbacks.Unmap(alloc.address, alloc.size, alloc.hostMemory.deviceHandle)

		freeErr := m.backing.Free(alloc.address, alloc.size, alloc.hostMemory.backingHandle)
		if freeErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(freeErr, "failed to free host memory at %#x", alloc.address))
		}
	default:
		panic(errors.Newf("attempted to destroy an allocation with invalid type %s", alloc.allocationType))
	}

	m.allocations.Delete(alloc.id)
	alloc.released = true
	alloc.allocationType = allocationTypeNone
	alloc.fragmentCount = 0

	return err
}

func (m *Manager) releaseFragment(handle fragment.Handle) error {
	last, err := m.fragments.Release(handle)
	if err != nil {
		panic(errors.Wrapf(err, "failed to release a referenced fragment"))
	}
	if !last {
		return nil
	}

	frag, err := m.fragments.Get(handle)
	if err != nil {
		panic(errors.Wrapf(err, "failed to resolve a released fragment"))
	}
	address, size, deviceHandle := frag.Address, frag.Size, frag.DeviceHandle

	unmapErr := m.mapper.UnmapForDevice(deviceHandle)
	m.counters.deviceUnmaps++

	_, err = m.fragments.Remove(handle)
	if err != nil {
		panic(errors.Wrapf(err, "failed to remove an unreferenced fragment"))
	}
	m.callbacks.Unmap(address, size, deviceHandle)

	if unmapErr != nil {
		return errors.Wrapf(unmapErr, "failed to unmap fragment at %#x", address)
	}
	return nil
}

// StoreForReuse returns an allocation created by AllocateHostMemory to the manager without
// destroying it, so a later AcquireReusable of the same size can take it back. If storing the
// allocation would exceed CreateOptions.MaxReusableBytes it is released asynchronously instead.
func (m *Manager) StoreForReuse(alloc *Allocation) error {
	m.logger.Debug("Manager::StoreForReuse")

	if alloc == nil {
		return errors.Wrap(ErrInvalidRequest, "attempted to store a nil allocation for reuse")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	err := alloc.checkOwner(m)
	if err != nil {
		return err
	}
	if alloc.released {
		panic("attempted to store an allocation for reuse after it was released")
	}
	if alloc.allocationType != allocationTypeHostMemory {
		return errors.Wrapf(ErrInvalidRequest, "allocation %d is built on a caller's pointer and cannot be reused", alloc.id)
	}

	alloc.released = true

	if m.maxReusableBytes > 0 && m.reusable.bytes+int(alloc.size) > m.maxReusableBytes {
		m.logger.Debug("    Reusable list full, releasing", slog.Uint64("ID", alloc.id))
		return m.releaseLocked(context.Background(), alloc, true)
	}

	m.reusable.Insert(alloc, 0, 0)
	return nil
}

// AcquireReusable takes back an allocation previously stored with StoreForReuse whose size,
// rounded up to whole pages, matches size. Only allocations that every engine has finished with
// are returned. The bool is false if no such allocation is stored.
func (m *Manager) AcquireReusable(size uintptr) (*Allocation, bool) {
	m.logger.Debug("Manager::AcquireReusable", slog.Uint64("Size", uint64(size)))

	if size == 0 {
		return nil, false
	}
	alignedSize := memutils.AlignUp(size, m.pageSize)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for alloc := m.reusable.Head(); alloc != nil; alloc = alloc.nextAlloc() {
		if alloc.size != alignedSize || len(m.pendingEngines(alloc)) > 0 {
			continue
		}

		m.reusable.Remove(alloc)
		alloc.released = false
		return alloc, true
	}

	return nil, false
}

// CleanTemporaryAllocations runs one clean pass over every engine's temporary list, destroying
// the allocations whose completion values have been reached
func (m *Manager) CleanTemporaryAllocations() error {
	m.logger.Debug("Manager::CleanTemporaryAllocations")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.cleanAllEngines()
}

// Destroy waits for every temporary allocation to become safe and destroys it, destroys every
// allocation stored for reuse, and reports allocations that were never released. An error is
// returned if any allocation is still live or a wait could not complete; the manager must not be
// used afterward.
func (m *Manager) Destroy(ctx context.Context) error {
	m.logger.Debug("Manager::Destroy")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var err error
	for m.temporaryCount() > 0 {
		before := m.temporaryCount()

		var targets []waitTarget
		for _, state := range m.engines {
			targets = m.listWaitTargets(&state.temporary, targets)
		}

		waitErr := m.waitUnlocked(ctx, targets, 0)
		err = errors.CombineErrors(err, m.cleanAllEngines())
		if waitErr != nil {
			err = errors.CombineErrors(err, waitErr)
			break
		}
		if m.temporaryCount() == before {
			break
		}
	}

	waitErr := m.waitUnlocked(ctx, m.listWaitTargets(&m.reusable, nil), 0)
	if waitErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(waitErr, "allocations stored for reuse are still in use"))
	} else {
		for alloc := m.reusable.Head(); alloc != nil; alloc = m.reusable.Head() {
			m.reusable.Remove(alloc)
			err = errors.CombineErrors(err, m.destroyAllocation(alloc))
		}
	}

	if m.allocations.Count() > 0 {
		m.allocations.Iter(func(id uint64, alloc *Allocation) bool {
			m.logUnreleasedAllocation(alloc)
			return false
		})

		return errors.CombineErrors(err, errors.Newf("%d allocations were not released before the destruction of this manager", m.allocations.Count()))
	}

	return err
}

func (m *Manager) listWaitTargets(list *allocationList, targets []waitTarget) []waitTarget {
	for alloc := list.Head(); alloc != nil; alloc = alloc.nextAlloc() {
		for _, target := range m.pendingEngines(alloc) {
			targets = addWaitTarget(targets, m.engines[target.id], target.value)
		}
	}
	return targets
}

func (m *Manager) temporaryCount() int {
	count := 0
	for _, state := range m.engines {
		count += state.temporary.count
	}
	return count
}

func (m *Manager) logUnreleasedAllocation(alloc *Allocation) {
	name := alloc.Name()
	if name == "" {
		name = "empty"
	}

	m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased allocation",
		slog.Uint64("id", alloc.id),
		slog.String("address", fmt.Sprintf("%#x", alloc.address)),
		slog.Uint64("size", uint64(alloc.size)),
		slog.String("list", alloc.listData.state.String()),
		slog.Any("userData", alloc.UserData()),
		slog.String("name", name),
	)
}
