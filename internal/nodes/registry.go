package nodes

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Registry maps node type tags to executors. It is populated at startup and
// read concurrently by runs.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]Executor
	validator *ConfigValidator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeType]Executor),
		validator: NewConfigValidator(),
	}
}

// Register adds an executor. A second executor for the same tag is a CONFLICT.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	t := exec.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", t)
	}
	r.executors[t] = exec
	return nil
}

// Resolve returns the executor for t, or UNKNOWN_NODE_TYPE.
func (r *Registry) Resolve(t schema.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no executor registered for node type %q", t)
	}
	return exec, nil
}

// Has reports whether t has an executor.
func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[t]
	return ok
}

// List returns every registered type, sorted.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for t, exec := range r.executors {
		infos = append(infos, Info{
			Type:        t,
			Description: exec.Schema().Description,
			Trigger:     t.IsTrigger(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Validate checks config against the executor's declared schema.
func (r *Registry) Validate(t schema.NodeType, config map[string]any) error {
	exec, err := r.Resolve(t)
	if err != nil {
		return err
	}
	return r.validator.Validate(t, config, exec.Schema().Config)
}

// Execute resolves req.NodeType, validates req.Config and runs the executor.
// Nothing is published when resolution or validation fails.
func (r *Registry) Execute(ctx context.Context, req Request) (runctx.Context, error) {
	exec, err := r.Resolve(req.NodeType)
	if err != nil {
		return req.Context, err
	}
	if err := r.validator.Validate(req.NodeType, req.Config, exec.Schema().Config); err != nil {
		return req.Context, err
	}
	if req.Status == nil {
		req.Status = DiscardStatus
	}
	return exec.Execute(ctx, req)
}
