package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Handler executes one job attempt. The returned payload is stored as the
// job result on success. Handlers must be idempotent: lease expiry can
// cause the same attempt to run twice on different workers.
type Handler func(ctx context.Context, j *Job) (json.RawMessage, error)

// Definition binds a job type to its execution policy and handler.
type Definition struct {
	// Type is the registry key carried in the job's type column.
	Type string

	// MaxAttempts is the retry ceiling (>= 1).
	MaxAttempts int

	// Timeout is the lease duration granted on claim. Handlers running
	// longer must renew the lease or risk reclaim by another worker.
	Timeout time.Duration

	// DefaultPriority is used when the enqueue request does not set one.
	DefaultPriority int

	// Validate rejects malformed payloads at enqueue time. Optional.
	Validate func(payload json.RawMessage) error

	Handler Handler
}

// Policy is the scheduling-relevant slice of a Definition.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Registry maps job types to definitions. It is built once at start-up,
// injected into the scheduler and workers, and safe for concurrent reads.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Registering an invalid or duplicate
// definition is a programming error and panics at start-up.
func (r *Registry) Register(def *Definition) {
	if def.Type == "" {
		panic("job: definition missing type")
	}
	if def.MaxAttempts < 1 {
		panic(fmt.Sprintf("job: definition %q has max attempts %d", def.Type, def.MaxAttempts))
	}
	if def.Timeout <= 0 {
		panic(fmt.Sprintf("job: definition %q has no timeout", def.Type))
	}
	if def.Handler == nil {
		panic(fmt.Sprintf("job: definition %q has no handler", def.Type))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		panic(fmt.Sprintf("job: definition %q registered twice", def.Type))
	}
	r.defs[def.Type] = def
}

// Resolve returns the definition for a type, or ErrUnknownJobType. An
// unknown type is a configuration error, not a per-job retryable failure.
func (r *Registry) Resolve(jobType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return def, nil
}

// Policy returns the retry/timeout policy for a type. Pure, static read
// used by the scheduler and by tests.
func (r *Registry) Policy(jobType string) (Policy, error) {
	def, err := r.Resolve(jobType)
	if err != nil {
		return Policy{}, err
	}
	return Policy{MaxAttempts: def.MaxAttempts, Timeout: def.Timeout}, nil
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	return types
}
