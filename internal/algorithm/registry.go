// Package algorithm runs the per-algorithm execution pipeline: the supervised
// script-host subprocess, the feed and drain tasks between the exchange stream
// and the IPC socket, and the fund-checked order path into the trade ledger.
package algorithm

import (
	"context"
	"sync"

	apperrors "algonline/pkg/errors"
	"algonline/pkg/telemetry"
)

// Handle is the registry entry of one running algorithm. Cancel stops the
// supervision loop; Done closes once every resource of the pipeline is
// released.
type Handle struct {
	AlgorithmID string
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Registry is the global handle table. Presence of an id is the definition of
// "active"; the lock is held only across insert, remove and lookup.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Insert(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.AlgorithmID]; exists {
		return apperrors.Algorithm("Algorithm is already running")
	}
	r.handles[h.AlgorithmID] = h
	telemetry.GetGlobalMetrics().SetActiveAlgorithms(int64(len(r.handles)))
	return nil
}

// Remove takes the handle out of the table. The second return is false when
// the algorithm was not running.
func (r *Registry) Remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	telemetry.GetGlobalMetrics().SetActiveAlgorithms(int64(len(r.handles)))
	return h, ok
}

// RemoveExact deletes the entry only while it still holds h. A finished
// supervision loop uses this so it can never evict a successor that was
// registered under the same id after its own Stop.
func (r *Registry) RemoveExact(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.AlgorithmID]; ok && cur == h {
		delete(r.handles, h.AlgorithmID)
	}
	telemetry.GetGlobalMetrics().SetActiveAlgorithms(int64(len(r.handles)))
}

func (r *Registry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
