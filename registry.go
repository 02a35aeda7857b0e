package cryptopool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessRegistry tracks every live child process so the application can reap them all
// from a single shutdown hook. It is owned by the application and passed to the
// ProcessSpawner; there is no package-level instance.
type ProcessRegistry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// ProcessInfo describes one registered child.
type ProcessInfo struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Slot      int       `json:"slot"`
	StartTime time.Time `json:"start_time"`
}

type terminator interface {
	Terminate() error
}

type registryEntry struct {
	info ProcessInfo
	proc terminator
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{
		entries: make(map[string]registryEntry),
	}
}

func (r *ProcessRegistry) add(slot, pid int, proc terminator) string {
	id := uuid.New().String()

	r.mu.Lock()
	r.entries[id] = registryEntry{
		info: ProcessInfo{
			ID:        id,
			PID:       pid,
			Slot:      slot,
			StartTime: time.Now(),
		},
		proc: proc,
	}
	r.mu.Unlock()

	return id
}

func (r *ProcessRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// List returns the registered processes ordered by start time.
func (r *ProcessRegistry) List() []ProcessInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ProcessInfo, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e.info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// Len returns the number of live processes.
func (r *ProcessRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown terminates every registered process. Entries are removed as the processes exit.
func (r *ProcessRegistry) Shutdown() error {
	r.mu.RLock()
	procs := make([]terminator, 0, len(r.entries))
	for _, e := range r.entries {
		procs = append(procs, e.proc)
	}
	r.mu.RUnlock()

	var errs []error
	for _, p := range procs {
		if err := p.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
