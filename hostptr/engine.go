package hostptr

import (
	"context"
	"time"
)

// EngineID identifies an engine registered with a Manager. Ids are dense and assigned in
// registration order starting at 0.
type EngineID int

// Engine is the completion signal source for one hardware engine context. Completion values are
// monotonic: once CurrentCompletionValue returns N, every submission numbered N or lower has finished.
// The value 0 is never assigned to a submission.
type Engine interface {
	// CurrentCompletionValue returns the highest completed value without blocking
	CurrentCompletionValue() uint64
	// WaitUntil blocks until the engine reaches value and reports whether it did. A timeout of zero
	// or less waits until ctx ends.
	WaitUntil(ctx context.Context, value uint64, timeout time.Duration) bool
}

// Flusher may be implemented by an Engine that batches submissions. The Manager calls Flush before
// blocking on the engine so that the work it waits for is actually in flight.
type Flusher interface {
	Flush(ctx context.Context) error
}

type engineState struct {
	id        EngineID
	engine    Engine
	temporary allocationList
}

func (e *engineState) isComplete(value uint64) bool {
	return e.engine.CurrentCompletionValue() >= value
}

type waitTarget struct {
	id     EngineID
	engine Engine
	value  uint64
}

// addWaitTarget raises the wait value for engine in targets, appending a new target if the engine
// is not present yet
func addWaitTarget(targets []waitTarget, state *engineState, value uint64) []waitTarget {
	for i := range targets {
		if targets[i].id == state.id {
			if value > targets[i].value {
				targets[i].value = value
			}
			return targets
		}
	}

	return append(targets, waitTarget{id: state.id, engine: state.engine, value: value})
}

// RegisterEngine adds an engine to the set the Manager tracks completion on and returns its id
func (m *Manager) RegisterEngine(engine Engine) EngineID {
	m.logger.Debug("Manager::RegisterEngine")

	if engine == nil {
		panic("attempted to register a nil engine")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	state := &engineState{
		id:     EngineID(len(m.engines)),
		engine: engine,
	}
	state.temporary.Init(listTemporary)
	m.engines = append(m.engines, state)

	return state.id
}

// EngineCount returns the number of registered engines
func (m *Manager) EngineCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.engines)
}

func (m *Manager) engine(id EngineID) (*engineState, bool) {
	if id < 0 || int(id) >= len(m.engines) {
		return nil, false
	}

	return m.engines[id], true
}
