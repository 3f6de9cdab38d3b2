package hostptr

//go:generate mockgen -source mapper.go -destination ./mocks/mapper.go
//go:generate mockgen -source engine.go -destination ./mocks/engine.go

// DeviceMapper is the OS memory mapping layer. MapForDevice is called exactly once when a fragment
// is created and UnmapForDevice exactly once when it is destroyed.
type DeviceMapper interface {
	MapForDevice(address, size uintptr) (any, error)
	UnmapForDevice(handle any) error
}

// BackingMemory supplies the pages behind allocations that are not built on a caller's pointer.
// Allocate must return page-aligned memory.
type BackingMemory interface {
	Allocate(size uintptr) (address uintptr, handle any, err error)
	Free(address, size uintptr, handle any) error
}
