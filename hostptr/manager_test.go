package hostptr

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/completion"
	mock_hostptr "github.com/vkngwrapper/hostmem/hostptr/mocks"
	"github.com/vkngwrapper/hostmem/memutils"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
	"go.uber.org/mock/gomock"
)

const testPageSize uintptr = 4096

type ManagerSetup struct {
	Options     CreateOptions
	EngineCount int
}

type mapperCounts struct {
	maps   atomic.Int64
	unmaps atomic.Int64
}

// flushingEngine completes all of its submitted work whenever it is flushed
type flushingEngine struct {
	*completion.Tracker
	flushes atomic.Int32
}

func (e *flushingEngine) Flush(ctx context.Context) error {
	e.flushes.Add(1)
	e.CompleteAll()
	return nil
}

func readyManager(t *testing.T, ctrl *gomock.Controller, setup ManagerSetup) (*mock_hostptr.MockDeviceMapper, []*completion.Tracker, *Manager) {
	mapper := mock_hostptr.NewMockDeviceMapper(ctrl)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	manager, err := New(logger, mapper, setup.Options)
	require.NoError(t, err)

	var trackers []*completion.Tracker
	for i := 0; i < setup.EngineCount; i++ {
		tracker := completion.NewTracker("engine")
		trackers = append(trackers, tracker)
		require.Equal(t, EngineID(i), manager.RegisterEngine(tracker))
	}

	return mapper, trackers, manager
}

func expectMapping(mapper *mock_hostptr.MockDeviceMapper) *mapperCounts {
	counts := &mapperCounts{}

	mapper.EXPECT().MapForDevice(gomock.Any(), gomock.Any()).DoAndReturn(func(address, size uintptr) (any, error) {
		counts.maps.Add(1)
		return address, nil
	}).AnyTimes()
	mapper.EXPECT().UnmapForDevice(gomock.Any()).DoAndReturn(func(handle any) error {
		counts.unmaps.Add(1)
		return nil
	}).AnyTimes()

	return counts
}

func fragmentRefCount(t *testing.T, manager *Manager, address uintptr) int {
	handle, ok := manager.fragments.Lookup(address)
	require.True(t, ok)

	frag, err := manager.fragments.Get(handle)
	require.NoError(t, err)
	return frag.RefCount
}

func TestNewRejectsBadOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mock_hostptr.NewMockDeviceMapper(ctrl)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, mapper, CreateOptions{PageSize: 3000})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = New(logger, nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(logger, mapper, CreateOptions{MaxReusableBytes: -1})
	require.Error(t, err)

	manager, err := New(logger, mapper, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultPageSize, manager.PageSize())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "CreateExternallySynchronized", CreateExternallySynchronized.String())
	require.Equal(t, "CreateExternallySynchronized|Unknown", (CreateExternallySynchronized | 2).String())
}

func TestManagerRequirements(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, manager := readyManager(t, ctrl, ManagerSetup{})

	reqs, err := manager.Requirements(0x1001, 10*testPageSize-1)
	require.NoError(t, err)
	require.Equal(t, 2, reqs.FragmentCount)
	require.Equal(t, fragment.Requirement{Position: fragment.PositionLeading, Address: 0x1000, Size: testPageSize}, reqs.Fragments[0])
	require.Equal(t, fragment.Requirement{Position: fragment.PositionMiddle, Address: 0x2000, Size: 9 * testPageSize}, reqs.Fragments[1])
	require.Equal(t, 10*testPageSize, reqs.TotalSize)
}

func TestAcquireInvalidRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, manager := readyManager(t, ctrl, ManagerSetup{})

	_, err := manager.Acquire(context.Background(), 0, 0x1000)
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = manager.Acquire(context.Background(), 0x1000, 0)
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = manager.Acquire(context.Background(), ^uintptr(0)-0x10, 0x100)
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = manager.Acquire(context.Background(), ^uintptr(0)-0x10, 0x8)
	require.True(t, errors.Is(err, ErrInvalidRequest))

	require.True(t, manager.fragments.IsEmpty())
}

func TestAcquireReleaseSinglePage(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})

	gomock.InOrder(
		mapper.EXPECT().MapForDevice(uintptr(0x1000), testPageSize).Return("handle", nil),
		mapper.EXPECT().UnmapForDevice("handle").Return(nil),
	)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.True(t, alloc.IsHostPointer())
	require.Equal(t, uintptr(0x1000), alloc.Address())
	require.Equal(t, uintptr(0x1000), alloc.Size())
	require.Equal(t, []fragment.Position{fragment.PositionMiddle}, alloc.FragmentPositions())
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.Release(context.Background(), alloc, false))
	require.True(t, manager.fragments.IsEmpty())
	require.NoError(t, manager.Validate())
}

func TestAcquireIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	counts := expectMapping(mapper)

	first, err := manager.Acquire(context.Background(), 0x1001, 10*testPageSize-1)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.maps.Load())
	require.Equal(t, 1, fragmentRefCount(t, manager, 0x1000))
	require.Equal(t, 1, fragmentRefCount(t, manager, 0x2000))

	second, err := manager.Acquire(context.Background(), 0x1001, 10*testPageSize-1)
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.maps.Load())
	require.Equal(t, 2, fragmentRefCount(t, manager, 0x1000))
	require.Equal(t, 2, fragmentRefCount(t, manager, 0x2000))
	require.NotEqual(t, first.ID(), second.ID())
	require.NoError(t, manager.Validate())

	require.NoError(t, first.Release(context.Background(), true))
	require.Zero(t, counts.unmaps.Load())
	require.NoError(t, second.Release(context.Background(), true))
	require.Equal(t, int64(2), counts.unmaps.Load())
	require.True(t, manager.fragments.IsEmpty())
}

func TestAcquireSharesPartialPages(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	counts := expectMapping(mapper)

	straddling, err := manager.Acquire(context.Background(), 0x1800, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []fragment.Position{fragment.PositionLeading, fragment.PositionTrailing}, straddling.FragmentPositions())

	inner, err := manager.Acquire(context.Background(), 0x2100, 0x100)
	require.NoError(t, err)
	require.Equal(t, []fragment.Position{fragment.PositionLeading}, inner.FragmentPositions())

	require.Equal(t, int64(2), counts.maps.Load())
	require.Equal(t, 2, fragmentRefCount(t, manager, 0x2000))

	require.NoError(t, manager.Release(context.Background(), straddling, true))
	require.Equal(t, int64(1), counts.unmaps.Load())
	require.Equal(t, 1, fragmentRefCount(t, manager, 0x2000))

	require.NoError(t, manager.Release(context.Background(), inner, true))
	require.Equal(t, int64(2), counts.unmaps.Load())
	require.True(t, manager.fragments.IsEmpty())
}

func TestAcquireWithinStoredFragment(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	counts := expectMapping(mapper)

	outer, err := manager.Acquire(context.Background(), 0x1000, 0x4000)
	require.NoError(t, err)

	inner, err := manager.Acquire(context.Background(), 0x2000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.maps.Load())
	require.Equal(t, 1, inner.FragmentCount())

	address, size := inner.FragmentRange(0)
	require.Equal(t, uintptr(0x1000), address)
	require.Equal(t, uintptr(0x4000), size)

	require.NoError(t, manager.Release(context.Background(), outer, true))
	require.Zero(t, counts.unmaps.Load())
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.Release(context.Background(), inner, true))
	require.Equal(t, int64(1), counts.unmaps.Load())
}

func TestAcquireSharedFragmentReferencedOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	counts := expectMapping(mapper)

	outer, err := manager.Acquire(context.Background(), 0x1000, 0x4000)
	require.NoError(t, err)

	// Both the leading and middle pages of this region fall inside the outer fragment
	inner, err := manager.Acquire(context.Background(), 0x1800, 0x1800)
	require.NoError(t, err)
	require.Equal(t, 1, inner.FragmentCount())
	require.Equal(t, 2, fragmentRefCount(t, manager, 0x1000))
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.Release(context.Background(), inner, true))
	require.NoError(t, manager.Release(context.Background(), outer, true))
	require.Equal(t, int64(1), counts.maps.Load())
	require.Equal(t, int64(1), counts.unmaps.Load())
}

func TestRoundTripLeavesStoreEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, trackers, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 2})
	counts := expectMapping(mapper)

	regions := [][2]uintptr{
		{0x10000, 0x1000},
		{0x10800, 0x2000},
		{0x11000, 0x10},
		{0x20001, 0x5000},
		{0x10000, 0x1000},
		{0x24000, 0x1},
	}

	var allocs []*Allocation
	for i, region := range regions {
		alloc, err := manager.Acquire(context.Background(), region[0], region[1])
		require.NoError(t, err)

		engine := EngineID(i % 2)
		require.NoError(t, alloc.MarkUsed(engine, trackers[engine].Submit()))
		allocs = append(allocs, alloc)
	}
	require.NoError(t, manager.Validate())

	for _, alloc := range allocs {
		require.NoError(t, manager.Release(context.Background(), alloc, true))
	}
	require.Equal(t, len(regions), manager.temporaryCount())
	require.NoError(t, manager.Validate())

	trackers[0].CompleteAll()
	trackers[1].CompleteAll()
	require.NoError(t, manager.CleanTemporaryAllocations())

	require.True(t, manager.fragments.IsEmpty())
	require.Equal(t, counts.maps.Load(), counts.unmaps.Load())
	require.Zero(t, manager.allocations.Count())
	require.NoError(t, manager.Validate())
}

func TestConcurrentAcquireRelease(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	counts := expectMapping(mapper)

	var wg sync.WaitGroup
	errs := make(chan error, 8*50)
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 50; i++ {
				// Workers share pages pairwise so fragments are referenced concurrently
				ptr := uintptr(0x100000 + (worker/2)*0x10000 + (i%4)*0x800)
				alloc, err := manager.Acquire(context.Background(), ptr, 0x800)
				if err != nil {
					errs <- err
					return
				}

				err = manager.Release(context.Background(), alloc, false)
				if err != nil {
					errs <- err
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.True(t, manager.fragments.IsEmpty())
	require.Equal(t, counts.maps.Load(), counts.unmaps.Load())
	require.NoError(t, manager.Validate())
}

func TestMapFailureRollsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})

	mapper.EXPECT().MapForDevice(uintptr(0x1000), testPageSize).Return("existing", nil)
	existing, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)

	// Leading page is shared with the existing fragment, middle maps, trailing fails
	gomock.InOrder(
		mapper.EXPECT().MapForDevice(uintptr(0x2000), 2*testPageSize).Return("middle", nil),
		mapper.EXPECT().MapForDevice(uintptr(0x4000), testPageSize).Return(nil, errors.New("out of pinnable memory")),
		mapper.EXPECT().UnmapForDevice("middle").Return(nil),
	)

	_, err = manager.Acquire(context.Background(), 0x1800, 0x3000)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrResourceExhausted))
	require.Contains(t, err.Error(), "out of pinnable memory")

	require.Equal(t, 1, manager.fragments.Count())
	require.Equal(t, 1, fragmentRefCount(t, manager, 0x1000))
	require.Equal(t, 1, manager.allocations.Count())
	require.NoError(t, manager.Validate())

	mapper.EXPECT().UnmapForDevice("existing").Return(nil)
	require.NoError(t, manager.Release(context.Background(), existing, false))
}

func TestReleaseCompletedAllocationIsImmediate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, trackers, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 1})
	counts := expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)

	value := trackers[0].Submit()
	require.NoError(t, alloc.MarkUsed(0, value))
	trackers[0].Complete(value)

	require.NoError(t, manager.Release(context.Background(), alloc, true))
	require.Equal(t, int64(1), counts.unmaps.Load())

	var stats memutils.DetailedStatistics
	manager.CalculateDetailedStatistics(&stats)
	require.Zero(t, stats.TemporaryCount)
	require.Zero(t, manager.engines[0].temporary.count)
}

func TestReleaseAsyncDefersUntilClean(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, trackers, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 1})
	counts := expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, alloc.MarkUsed(0, trackers[0].Submit()))

	require.NoError(t, manager.Release(context.Background(), alloc, true))
	require.Zero(t, counts.unmaps.Load())
	require.Equal(t, 1, manager.engines[0].temporary.count)

	require.NoError(t, manager.CleanTemporaryAllocations())
	require.Equal(t, 1, manager.engines[0].temporary.count)

	trackers[0].CompleteAll()
	require.NoError(t, manager.CleanTemporaryAllocations())
	require.Zero(t, manager.engines[0].temporary.count)
	require.Equal(t, int64(1), counts.unmaps.Load())
}

func TestReleaseSyncWaitsForEngine(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, trackers, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 1})
	counts := expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, alloc.MarkUsed(0, trackers[0].Submit()))

	go func() {
		time.Sleep(10 * time.Millisecond)
		trackers[0].CompleteAll()
	}()

	require.NoError(t, manager.Release(context.Background(), alloc, false))
	require.Equal(t, int64(1), counts.unmaps.Load())
	require.Zero(t, manager.engines[0].temporary.count)
}

func TestReleaseSyncCancelledParksAllocation(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, trackers, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 1})
	counts := expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, alloc.MarkUsed(0, trackers[0].Submit()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = manager.Release(ctx, alloc, false)
	require.Error(t, err)
	require.Zero(t, counts.unmaps.Load())
	require.Equal(t, 1, manager.engines[0].temporary.count)
	require.NoError(t, manager.Validate())

	trackers[0].CompleteAll()
	require.NoError(t, manager.CleanTemporaryAllocations())
	require.Equal(t, int64(1), counts.unmaps.Load())
}

func TestReleaseTwicePanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, manager.Release(context.Background(), alloc, true))

	require.Panics(t, func() {
		_ = manager.Release(context.Background(), alloc, true)
	})
}

func TestReleaseForeignAllocation(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	otherMapper, _, other := readyManager(t, ctrl, ManagerSetup{})
	expectMapping(mapper)
	expectMapping(otherMapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)

	err = other.Release(context.Background(), alloc, true)
	require.True(t, errors.Is(err, ErrInvalidRequest))

	err = manager.Release(context.Background(), nil, true)
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestMarkUsed(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 2})
	expectMapping(mapper)

	first, err := manager.Acquire(context.Background(), 0x1000, 0x2000)
	require.NoError(t, err)
	second, err := manager.Acquire(context.Background(), 0x1000, 0x2000)
	require.NoError(t, err)

	require.NoError(t, first.MarkUsed(1, 7))
	require.NoError(t, first.MarkUsed(1, 3))
	require.NoError(t, second.MarkUsed(0, 2))
	require.Equal(t, uint64(7), first.TaskCount(1))
	require.Zero(t, first.TaskCount(0))
	require.Zero(t, first.TaskCount(5))

	handle, ok := manager.fragments.Lookup(0x1000)
	require.True(t, ok)
	frag, err := manager.fragments.Get(handle)
	require.NoError(t, err)
	require.Equal(t, uint64(2), frag.ResidencyMarker(0))
	require.Equal(t, uint64(7), frag.ResidencyMarker(1))

	err = first.MarkUsed(2, 1)
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestMarkUsedAfterRelease(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, trackers, manager := readyManager(t, ctrl, ManagerSetup{EngineCount: 1})
	expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, alloc.MarkUsed(0, trackers[0].Submit()))
	require.NoError(t, manager.Release(context.Background(), alloc, true))

	err = alloc.MarkUsed(0, trackers[0].Submit())
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestMapCallbacks(t *testing.T) {
	ctrl := gomock.NewController(t)

	type event struct {
		mapped  bool
		address uintptr
		size    uintptr
	}
	var events []event

	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{
		Options: CreateOptions{
			MapCallbacks: &MapCallbackOptions{
				Map: func(manager *Manager, address, size uintptr, deviceHandle any, userData any) {
					require.Equal(t, "user", userData)
					require.Equal(t, address, deviceHandle)
					events = append(events, event{mapped: true, address: address, size: size})
				},
				Unmap: func(manager *Manager, address, size uintptr, deviceHandle any, userData any) {
					events = append(events, event{mapped: false, address: address, size: size})
				},
				UserData: "user",
			},
		},
	})
	expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1800, 0x1000)
	require.NoError(t, err)
	shared, err := manager.Acquire(context.Background(), 0x1800, 0x10)
	require.NoError(t, err)

	require.NoError(t, manager.Release(context.Background(), alloc, true))
	require.NoError(t, manager.Release(context.Background(), shared, true))

	require.Equal(t, []event{
		{mapped: true, address: 0x1000, size: testPageSize},
		{mapped: true, address: 0x2000, size: testPageSize},
		{mapped: false, address: 0x2000, size: testPageSize},
		{mapped: false, address: 0x1000, size: testPageSize},
	}, events)
}

func TestDestroyReportsUnreleased(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper, _, manager := readyManager(t, ctrl, ManagerSetup{})
	expectMapping(mapper)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	alloc.SetName("leaked")

	err = manager.Destroy(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 allocations were not released")
}

func TestDestroyDrainsTemporaryLists(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mock_hostptr.NewMockDeviceMapper(ctrl)
	counts := expectMapping(mapper)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	manager, err := New(logger, mapper, CreateOptions{})
	require.NoError(t, err)

	first := &flushingEngine{Tracker: completion.NewTracker("first")}
	second := &flushingEngine{Tracker: completion.NewTracker("second")}
	manager.RegisterEngine(first)
	manager.RegisterEngine(second)

	alloc, err := manager.Acquire(context.Background(), 0x1000, 0x1000)
	require.NoError(t, err)
	require.NoError(t, alloc.MarkUsed(0, first.Submit()))
	require.NoError(t, alloc.MarkUsed(1, second.Submit()))
	require.NoError(t, manager.Release(context.Background(), alloc, true))

	require.NoError(t, manager.Destroy(context.Background()))
	require.Equal(t, int64(1), counts.unmaps.Load())
	require.True(t, manager.fragments.IsEmpty())
	require.Equal(t, int32(1), first.flushes.Load())
	require.Equal(t, int32(1), second.flushes.Load())
}
