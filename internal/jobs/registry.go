package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Handler executes one job. The payload has already been validated and decoded
// into the variant matching the registered job type.
//
// Returning an error asks the scheduler to retry while jc.RetriesLeft() holds.
// Handlers that have already recorded a terminal outcome must return nil.
type Handler func(ctx context.Context, payload Payload, jc Context) (any, error)

// Registry maps job types to handlers. Build one at startup and hand it to the processor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Has reports whether a handler is registered for jobType.
func (r *Registry) Has(jobType JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch parses raw into the job type's payload and invokes its handler.
func (r *Registry) Dispatch(ctx context.Context, jobType JobType, raw json.RawMessage, jc Context) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJobType, "no handler registered for %q", jobType)
	}

	payload, err := ParsePayload(jobType, raw)
	if err != nil {
		return nil, err
	}
	return handler(ctx, payload, jc)
}
