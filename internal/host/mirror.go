package host

import (
	"sync"

	"voxelguard.ai/internal/history"
)

// Mirror is the live block state of every loaded world as last reported by the host.
// Cells never reported read as the vacant state.
type Mirror struct {
	vacant history.State

	mu     sync.RWMutex
	worlds map[string]map[history.Pos]history.State
}

func NewMirror(vacant history.State) *Mirror {
	return &Mirror{vacant: vacant, worlds: map[string]map[history.Pos]history.State{}}
}

func (m *Mirror) LoadWorld(world string) {
	m.mu.Lock()
	if m.worlds[world] == nil {
		m.worlds[world] = map[history.Pos]history.State{}
	}
	m.mu.Unlock()
}

// UnloadWorld drops a world. Reads against it fail until it is loaded again.
func (m *Mirror) UnloadWorld(world string) {
	m.mu.Lock()
	delete(m.worlds, world)
	m.mu.Unlock()
}

// Set records the live state of a cell, loading the world if needed.
func (m *Mirror) Set(world string, pos history.Pos, st history.State) {
	m.mu.Lock()
	cells := m.worlds[world]
	if cells == nil {
		cells = map[history.Pos]history.State{}
		m.worlds[world] = cells
	}
	if st == m.vacant {
		delete(cells, pos)
	} else {
		cells[pos] = st
	}
	m.mu.Unlock()
}

func (m *Mirror) LiveState(world string, pos history.Pos) (history.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cells, ok := m.worlds[world]
	if !ok {
		return 0, false
	}
	if st, ok := cells[pos]; ok {
		return st, true
	}
	return m.vacant, true
}

func (m *Mirror) Loaded(world string) bool {
	m.mu.RLock()
	_, ok := m.worlds[world]
	m.mu.RUnlock()
	return ok
}
