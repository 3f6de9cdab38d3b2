package fragment_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hostmem/memutils/fragment"
)

func TestStoreInsertAndShare(t *testing.T) {
	store := fragment.NewStore()

	first, created := store.Store(0x1000, 0x1000, "first")
	require.True(t, created)
	require.True(t, first.IsValid())

	second, created := store.Store(0x1000, 0x1000, "second")
	require.False(t, created)
	require.Equal(t, first, second)

	frag, err := store.Get(first)
	require.NoError(t, err)
	require.Equal(t, 2, frag.RefCount)
	require.Equal(t, "first", frag.DeviceHandle)
	require.Equal(t, 1, store.Count())
	require.Equal(t, uintptr(0x1000), store.Bytes())
	require.NoError(t, store.Validate())
}

func TestStoreReleaseAndRemove(t *testing.T) {
	store := fragment.NewStore()

	handle, _ := store.Store(0x2000, 0x2000, nil)
	require.NoError(t, store.Reference(handle))

	last, err := store.Release(handle)
	require.NoError(t, err)
	require.False(t, last)

	_, err = store.Remove(handle)
	require.Error(t, err)

	last, err = store.ReleaseAddress(0x2000)
	require.NoError(t, err)
	require.True(t, last)

	_, err = store.Release(handle)
	require.Error(t, err)

	removed, err := store.Remove(handle)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x2000), removed.Address)
	require.True(t, store.IsEmpty())
	require.Zero(t, store.Bytes())

	_, ok := store.Lookup(0x2000)
	require.False(t, ok)
	require.NoError(t, store.Validate())
}

func TestStoreStaleHandleAfterSlotReuse(t *testing.T) {
	store := fragment.NewStore()

	old, _ := store.Store(0x1000, 0x1000, nil)
	_, err := store.Release(old)
	require.NoError(t, err)
	_, err = store.Remove(old)
	require.NoError(t, err)

	fresh, created := store.Store(0x8000, 0x1000, nil)
	require.True(t, created)
	require.NotEqual(t, old, fresh)

	_, err = store.Get(old)
	require.Error(t, err)
	require.Error(t, store.Reference(old))

	frag, err := store.Get(fresh)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x8000), frag.Address)
}

func TestStoreInvalidHandle(t *testing.T) {
	store := fragment.NewStore()

	_, err := store.Get(fragment.NoHandle)
	require.Error(t, err)

	_, err = store.ReleaseAddress(0x1000)
	require.Error(t, err)
}

func TestStoreVisitAllOrdered(t *testing.T) {
	store := fragment.NewStore()
	store.Store(0x5000, 0x1000, nil)
	store.Store(0x1000, 0x2000, nil)
	store.Store(0x3000, 0x1000, nil)

	var addresses []uintptr
	err := store.VisitAll(func(handle fragment.Handle, frag *fragment.Fragment) error {
		addresses = append(addresses, frag.Address)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uintptr{0x1000, 0x3000, 0x5000}, addresses)
}

func TestFragmentResidency(t *testing.T) {
	var frag fragment.Fragment

	require.Zero(t, frag.ResidencyMarker(2))

	frag.MarkResident(2, 10)
	frag.MarkResident(2, 4)
	frag.MarkResident(0, 3)
	require.Equal(t, uint64(10), frag.ResidencyMarker(2))
	require.Equal(t, uint64(3), frag.ResidencyMarker(0))
	require.Zero(t, frag.ResidencyMarker(1))

	visited := map[int]uint64{}
	frag.VisitResidency(func(engine int, value uint64) {
		visited[engine] = value
	})
	require.Equal(t, map[int]uint64{0: 3, 2: 10}, visited)
}
