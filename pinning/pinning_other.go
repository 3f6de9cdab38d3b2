//go:build !unix

package pinning

func (LockedPages) MapForDevice(address, size uintptr) (any, error) {
	return nil, ErrUnsupported
}

func (LockedPages) UnmapForDevice(handle any) error {
	return ErrUnsupported
}

func (AnonymousMemory) Allocate(size uintptr) (uintptr, any, error) {
	return 0, nil, ErrUnsupported
}

func (AnonymousMemory) Free(address, size uintptr, handle any) error {
	return ErrUnsupported
}
