package hostptr

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeHostPointer
	allocationTypeHostMemory
)

var allocationTypeMapping = make(map[allocationType]string)

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

func init() {
	allocationTypeMapping[allocationTypeNone] = "allocationTypeNone"
	allocationTypeMapping[allocationTypeHostPointer] = "allocationTypeHostPointer"
	allocationTypeMapping[allocationTypeHostMemory] = "allocationTypeHostMemory"
}

type fragmentRef struct {
	position fragment.Position
	handle   fragment.Handle
	address  uintptr
	size     uintptr
}

type hostMemoryData struct {
	backingHandle any
	deviceHandle  any
}

type listData struct {
	state     listState
	engine    EngineID
	value     uint64
	nextAlloc *Allocation
	prevAlloc *Allocation
}

// Allocation is a region of host memory made visible to the device by a Manager. Allocations are
// either built over a caller's pointer from shared page fragments, or backed by memory the
// Manager obtained itself, in which case they may be stored for reuse.
type Allocation struct {
	id       uint64
	address  uintptr
	size     uintptr
	userData any
	name     string

	allocationType allocationType
	fragments      [fragment.MaxFragments]fragmentRef
	fragmentCount  int
	hostMemory     hostMemoryData

	// taskCounts holds, per engine, the completion value of the last submission touching this allocation
	taskCounts []uint64
	released   bool

	parentManager *Manager
	listData      listData
}

func (a *Allocation) init(manager *Manager, id uint64, address, size uintptr) {
	a.id = id
	a.address = address
	a.size = size
	a.parentManager = manager
	a.userData = nil
	a.name = ""
	a.allocationType = allocationTypeNone
	a.fragmentCount = 0
	a.taskCounts = nil
	a.released = false
	a.listData = listData{}
}

func (a *Allocation) initHostPointer(refs []fragmentRef) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if len(refs) == 0 || len(refs) > fragment.MaxFragments {
		panic(fmt.Sprintf("attempting to init a host pointer allocation with %d fragments", len(refs)))
	}

	a.allocationType = allocationTypeHostPointer
	a.fragmentCount = copy(a.fragments[:], refs)
}

func (a *Allocation) initHostMemory(backingHandle, deviceHandle any) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}

	a.allocationType = allocationTypeHostMemory
	a.hostMemory.backingHandle = backingHandle
	a.hostMemory.deviceHandle = deviceHandle
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) ID() uint64          { return a.id }
func (a *Allocation) Address() uintptr    { return a.address }
func (a *Allocation) Size() uintptr       { return a.size }
func (a *Allocation) IsHostPointer() bool { return a.allocationType == allocationTypeHostPointer }
func (a *Allocation) FragmentCount() int  { return a.fragmentCount }

// FragmentPositions returns the position of each fragment the allocation references, in address order
func (a *Allocation) FragmentPositions() []fragment.Position {
	positions := make([]fragment.Position, a.fragmentCount)
	for i := 0; i < a.fragmentCount; i++ {
		positions[i] = a.fragments[i].position
	}
	return positions
}

// FragmentRange returns the address range of the fragment at index, which must be less than FragmentCount
func (a *Allocation) FragmentRange(index int) (address, size uintptr) {
	if index < 0 || index >= a.fragmentCount {
		panic(fmt.Sprintf("fragment index %d out of range for an allocation with %d fragments", index, a.fragmentCount))
	}

	return a.fragments[index].address, a.fragments[index].size
}

// TaskCount returns the completion value of the last submission to engine that touches this
// allocation, or 0 if it has never been used on that engine
func (a *Allocation) TaskCount(engine EngineID) uint64 {
	if engine < 0 || int(engine) >= len(a.taskCounts) {
		return 0
	}
	return a.taskCounts[engine]
}

// Released reports whether the allocation has been handed back to its manager, even if the
// engines have not finished with it yet
func (a *Allocation) Released() bool {
	a.parentManager.mutex.Lock()
	defer a.parentManager.mutex.Unlock()

	return a.released
}

// MarkUsed records that a submission to engine which completes at value touches this allocation.
// Values lower than one already recorded for the engine are ignored.
func (a *Allocation) MarkUsed(engine EngineID, value uint64) error {
	a.parentManager.logger.Debug("Allocation::MarkUsed")

	return a.parentManager.markUsed(a, engine, value)
}

// Release returns the allocation to its manager. See Manager.Release.
func (a *Allocation) Release(ctx context.Context, async bool) error {
	a.parentManager.logger.Debug("Allocation::Release")

	return a.parentManager.release(ctx, a, async)
}

func (a *Allocation) setTaskCount(engine EngineID, value uint64) {
	for len(a.taskCounts) <= int(engine) {
		a.taskCounts = append(a.taskCounts, 0)
	}

	if value > a.taskCounts[engine] {
		a.taskCounts[engine] = value
	}
}

func (a *Allocation) checkOwner(manager *Manager) error {
	if a.parentManager != manager {
		return errors.Wrap(ErrInvalidRequest, "attempted to use an allocation with a manager that did not create it")
	}
	return nil
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("Address").String(fmt.Sprintf("%#x", a.address))
	json.Name("Size").Int(int(a.size))

	if a.listData.state != listNone {
		json.Name("List").String(a.listData.state.String())
	}

	if len(a.taskCounts) > 0 {
		counts := json.Name("TaskCounts").Array()
		for _, count := range a.taskCounts {
			counts.String(fmt.Sprintf("%d", count))
		}
		counts.End()
	}

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}

func (a *Allocation) nextAlloc() *Allocation {
	if a.listData.state == listNone {
		panic("attempted to get the next allocation in a linked list, but this allocation is not in a list")
	}
	return a.listData.nextAlloc
}

func (a *Allocation) prevAlloc() *Allocation {
	if a.listData.state == listNone {
		panic("attempted to get the prev allocation in a linked list, but this allocation is not in a list")
	}
	return a.listData.prevAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	a.listData.nextAlloc = alloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	a.listData.prevAlloc = alloc
}
