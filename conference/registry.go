// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package conference

import (
	"log/slog"
	"sync"

	"github.com/bureau-foundation/callbridge/lib/ref"
)

// Registry is the set of live conference calls, indexed by owner and
// by extension. The two indexes always agree.
//
// Registry embeds the state lock. Callers hold it (Lock/Unlock) for
// every method call and for every access to a Call or Leg obtained
// from it.
type Registry struct {
	mu          sync.Mutex
	pool        *ExtensionPool
	byOwner     map[ref.UserID]*Call
	byExtension map[Extension]*Call
	logger      *slog.Logger
}

// NewRegistry creates an empty registry allocating from pool. A nil
// logger uses slog.Default().
func NewRegistry(pool *ExtensionPool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:        pool,
		byOwner:     make(map[ref.UserID]*Call),
		byExtension: make(map[Extension]*Call),
		logger:      logger,
	}
}

// Lock acquires the state lock.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the state lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Get returns the call owned by owner.
func (r *Registry) Get(owner ref.UserID) (*Call, bool) {
	call, ok := r.byOwner[owner]
	return call, ok
}

// GetByExtension returns the call holding extension.
func (r *Registry) GetByExtension(extension Extension) (*Call, bool) {
	call, ok := r.byExtension[extension]
	return call, ok
}

// Put registers call under its owner and extension, replacing any
// previous entries for either key.
func (r *Registry) Put(call *Call) {
	if previous, ok := r.byOwner[call.Owner]; ok && previous != call {
		delete(r.byExtension, previous.Extension)
	}
	if previous, ok := r.byExtension[call.Extension]; ok && previous != call {
		delete(r.byOwner, previous.Owner)
	}
	r.byOwner[call.Owner] = call
	r.byExtension[call.Extension] = call
	r.logger.Info("conference registered",
		"owner", call.Owner,
		"extension", call.Extension,
		"calls", len(r.byOwner),
	)
}

// Remove drops leg from call, closes its backend session and evicts
// the call once it has no legs left. A leg already dropped by
// Call.AddLeg only has its session closed. Reports whether the call
// was evicted.
func (r *Registry) Remove(call *Call, leg *Leg) bool {
	if call.RemoveLeg(leg) {
		r.logger.Info("leg removed",
			"owner", call.Owner,
			"extension", call.Extension,
			"call_id", leg.CallID,
			"user_id", leg.UserID,
			"legs", call.LegCount(),
		)
	}
	if err := leg.CloseSession(); err != nil {
		r.logger.Warn("closing backend session failed",
			"call_id", leg.CallID,
			"backend_call_id", leg.BackendCallID,
			"error", err,
		)
	}
	if call.LegCount() > 0 || r.byOwner[call.Owner] != call {
		return false
	}
	delete(r.byOwner, call.Owner)
	if r.byExtension[call.Extension] == call {
		delete(r.byExtension, call.Extension)
	}
	r.logger.Info("conference ended",
		"owner", call.Owner,
		"extension", call.Extension,
	)
	return true
}

// FindByBackendCallID scans every call for the leg with the given
// backend call ID.
func (r *Registry) FindByBackendCallID(backendCallID string) (*Call, *Leg, bool) {
	for _, call := range r.byOwner {
		if leg, ok := call.LegByBackendCallID(backendCallID); ok {
			return call, leg, true
		}
	}
	return nil, nil, false
}

// AllocateExtension picks the extension for a new call owned by
// owner: the owner's existing extension if it has a call, else the
// pool's next extension, else the lowest free one.
func (r *Registry) AllocateExtension(owner ref.UserID) (Extension, error) {
	if call, ok := r.byOwner[owner]; ok {
		return call.Extension, nil
	}
	extension := r.pool.Next()
	if _, occupied := r.byExtension[extension]; !occupied {
		return extension, nil
	}
	return r.pool.AnyFree(func(candidate Extension) bool {
		_, occupied := r.byExtension[candidate]
		return occupied
	})
}

// Len returns the number of live calls.
func (r *Registry) Len() int { return len(r.byOwner) }

// Calls returns a snapshot of the live calls.
func (r *Registry) Calls() []*Call {
	calls := make([]*Call, 0, len(r.byOwner))
	for _, call := range r.byOwner {
		calls = append(calls, call)
	}
	return calls
}
