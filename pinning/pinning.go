// Package pinning provides operating-system implementations of the collaborators a hostptr.Manager
// needs: LockedPages makes fragments resident by locking their pages in physical memory, and
// AnonymousMemory supplies page-aligned memory for hostptr.Manager.AllocateHostMemory.
package pinning

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hostmem/hostptr"
)

// ErrUnsupported is returned on platforms without page locking
var ErrUnsupported = errors.New("page locking is not supported on this platform")

// LockedRegion is the device handle LockedPages returns for each mapped fragment
type LockedRegion struct {
	Address uintptr
	Size    uintptr
}

// LockedPages is a hostptr.DeviceMapper that pins each fragment's pages so they stay resident
// while an engine may access them. Page locks do not nest: unlocking a fragment unlocks its pages
// even if a host memory allocation that contains them is still mapped.
type LockedPages struct{}

var _ hostptr.DeviceMapper = LockedPages{}

// AnonymousMemory is a hostptr.BackingMemory that obtains private anonymous mappings from the
// operating system
type AnonymousMemory struct{}

var _ hostptr.BackingMemory = AnonymousMemory{}
