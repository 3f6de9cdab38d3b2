package hostptr

// MapDeviceMemoryCallback is called after a region has been made visible to the device
type MapDeviceMemoryCallback func(
	manager *Manager,
	address uintptr,
	size uintptr,
	deviceHandle any,
	userData any,
)

// UnmapDeviceMemoryCallback is called after a region's device mapping has been removed
type UnmapDeviceMemoryCallback func(
	manager *Manager,
	address uintptr,
	size uintptr,
	deviceHandle any,
	userData any,
)

// MapCallbackOptions is an optional set of callbacks fired once per device mapping and unmapping
// performed by a Manager
type MapCallbackOptions struct {
	Map      MapDeviceMemoryCallback
	Unmap    UnmapDeviceMemoryCallback
	UserData interface{}
}

type mapCallbacks struct {
	Callbacks *MapCallbackOptions
	Manager   *Manager
}

func (c *mapCallbacks) Map(address, size uintptr, deviceHandle any) {
	if c.Callbacks != nil && c.Callbacks.Map != nil {
		c.Callbacks.Map(c.Manager, address, size, deviceHandle, c.Callbacks.UserData)
	}
}

func (c *mapCallbacks) Unmap(address, size uintptr, deviceHandle any) {
	if c.Callbacks != nil && c.Callbacks.Unmap != nil {
		c.Callbacks.Unmap(c.Manager, address, size, deviceHandle, c.Callbacks.UserData)
	}
}
