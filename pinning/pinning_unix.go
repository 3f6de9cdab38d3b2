//go:build unix

package pinning

import (
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func pages(address, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(address)), size)
}

func (LockedPages) MapForDevice(address, size uintptr) (any, error) {
	err := unix.Mlock(pages(address, size))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock %#x bytes at %#x", size, address)
	}

	return LockedRegion{Address: address, Size: size}, nil
}

func (LockedPages) UnmapForDevice(handle any) error {
	region, ok := handle.(LockedRegion)
	if !ok {
		return errors.Newf("unexpected device handle of type %T", handle)
	}

	err := unix.Munlock(pages(region.Address, region.Size))
	if err != nil {
		return errors.Wrapf(err, "failed to unlock %#x bytes at %#x", region.Size, region.Address)
	}
	return nil
}

func (AnonymousMemory) Allocate(size uintptr) (uintptr, any, error) {
	if size == 0 {
		return 0, nil, errors.New("attempted to map 0 bytes")
	}
	if size > math.MaxInt {
		return 0, nil, errors.Newf("cannot map %#x bytes of anonymous memory in one mapping", size)
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "failed to map %#x bytes of anonymous memory", size)
	}

	return uintptr(unsafe.Pointer(&data[0])), data, nil
}

func (AnonymousMemory) Free(address, size uintptr, handle any) error {
	data, ok := handle.([]byte)
	if !ok {
		return errors.Newf("unexpected backing handle of type %T", handle)
	}
	if uintptr(unsafe.Pointer(&data[0])) != address || uintptr(len(data)) != size {
		return errors.Newf("backing handle does not describe %#x bytes at %#x", size, address)
	}

	err := unix.Munmap(data)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap %#x bytes at %#x", size, address)
	}
	return nil
}
