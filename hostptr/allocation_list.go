package hostptr

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/hostmem/memutils"
)

type listState byte

const (
	listNone listState = iota
	listTemporary
	listReusable
)

var listStateMapping = make(map[listState]string)

func (s listState) String() string {
	return listStateMapping[s]
}

func init() {
	listStateMapping[listNone] = "None"
	listStateMapping[listTemporary] = "Temporary"
	listStateMapping[listReusable] = "Reusable"
}

// allocationList is an intrusive doubly-linked list of allocations. Temporary lists are kept in
// ascending order of the completion value that makes each entry safe to destroy, so a clean pass
// can stop at the first entry that has not been reached. Reusable lists are kept in the order
// entries were stored.
//
// allocationList is protected by the owning Manager's mutex.
type allocationList struct {
	state listState

	count              int
	bytes              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

func (l *allocationList) Init(state listState) {
	l.state = state
}

func (l *allocationList) Validate() error {
	declaredCount := l.count
	actualCount := 0
	actualBytes := 0
	var prevValue uint64

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextAlloc() {
		actualCount++
		actualBytes += int(alloc.size)

		if alloc.listData.state != l.state {
			return errors.Newf("allocation %d is in a %s list but is marked as %s", alloc.id, l.state, alloc.listData.state)
		}

		if l.state == listTemporary {
			if alloc.listData.value < prevValue {
				return errors.Newf("allocation %d has completion value %d but follows an allocation with completion value %d", alloc.id, alloc.listData.value, prevValue)
			}
			prevValue = alloc.listData.value
		}
	}

	if declaredCount != actualCount {
		return errors.Newf("the listed number of allocations in the list (%d) does not match the actual number of allocations (%d)", declaredCount, actualCount)
	}
	if l.bytes != actualBytes {
		return errors.Newf("the listed number of bytes in the list (%d) does not match the actual number of bytes (%d)", l.bytes, actualBytes)
	}

	return nil
}

func (l *allocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for item := l.allocationListHead; item != nil; item = item.nextAlloc() {
		switch l.state {
		case listTemporary:
			stats.AddTemporary(int(item.size))
		case listReusable:
			stats.AddReusable(int(item.size))
		}
	}
}

func (l *allocationList) BuildStatsString(writer *jwriter.Writer) {
	s := writer.Array()
	defer s.End()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextAlloc() {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *allocationList) Head() *Allocation {
	return l.allocationListHead
}

// Insert adds alloc to the list. For temporary lists, value is the completion value on engine
// that must be reached before alloc can be destroyed, and alloc is placed after every entry with
// a lower or equal value. For reusable lists, alloc is appended and value is ignored.
func (l *allocationList) Insert(alloc *Allocation, engine EngineID, value uint64) {
	if alloc.listData.state != listNone {
		panic("attempted to insert an allocation into a list while it was already in a list")
	}

	alloc.listData.state = l.state
	alloc.listData.engine = engine
	alloc.listData.value = value

	if l.state != listTemporary {
		l.pushAllocation(alloc)
		return
	}

	after := l.allocationListTail
	for after != nil && after.listData.value > value {
		after = after.prevAlloc()
	}

	if after == nil {
		l.pushFrontAllocation(alloc)
	} else {
		l.insertAfter(after, alloc)
	}
}

func (l *allocationList) Remove(alloc *Allocation) {
	if alloc.listData.state != l.state {
		panic("attempted to remove an allocation from a list it does not belong to")
	}

	l.removeAllocation(alloc)
	alloc.listData = listData{}
}

func (l *allocationList) removeAllocation(alloc *Allocation) {
	prev := alloc.prevAlloc()
	next := alloc.nextAlloc()

	if prev != nil {
		prev.setNext(next)
	} else {
		l.allocationListHead = next
	}

	if next != nil {
		next.setPrev(prev)
	} else {
		l.allocationListTail = prev
	}

	alloc.setNext(nil)
	alloc.setPrev(nil)

	l.count--
	l.bytes -= int(alloc.size)
}

func (l *allocationList) pushAllocation(alloc *Allocation) {
	if l.count == 0 {
		l.allocationListHead = alloc
		l.allocationListTail = alloc
	} else {
		alloc.setPrev(l.allocationListTail)
		l.allocationListTail.setNext(alloc)

		l.allocationListTail = alloc
	}

	l.count++
	l.bytes += int(alloc.size)
}

func (l *allocationList) pushFrontAllocation(alloc *Allocation) {
	if l.count == 0 {
		l.pushAllocation(alloc)
		return
	}

	alloc.setNext(l.allocationListHead)
	l.allocationListHead.setPrev(alloc)
	l.allocationListHead = alloc

	l.count++
	l.bytes += int(alloc.size)
}

func (l *allocationList) insertAfter(after *Allocation, alloc *Allocation) {
	if after == l.allocationListTail {
		l.pushAllocation(alloc)
		return
	}

	next := after.nextAlloc()
	alloc.setPrev(after)
	alloc.setNext(next)
	after.setNext(alloc)
	next.setPrev(alloc)

	l.count++
	l.bytes += int(alloc.size)
}
