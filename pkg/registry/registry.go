// Package registry resolves handler names into invocable units: plain
// functions, agent dispatch, or workflow triggers.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/security"
)

// Invocable is a resolved unit of work: it receives the job payload and
// returns an opaque result.
type Invocable interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// AgentDispatcher hands work to an agent runtime. External collaborator.
type AgentDispatcher interface {
	Dispatch(ctx context.Context, payload []byte) ([]byte, error)
}

// WorkflowTrigger starts a workflow run. External collaborator.
type WorkflowTrigger interface {
	Trigger(ctx context.Context, payload []byte) ([]byte, error)
}

type agentInvocable struct{ d AgentDispatcher }

func (a agentInvocable) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return a.d.Dispatch(ctx, payload)
}

type workflowInvocable struct{ w WorkflowTrigger }

func (t workflowInvocable) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return t.w.Trigger(ctx, payload)
}

// Registry maps (name, type) pairs to invocables. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*FuncHandler
	agents    map[string]AgentDispatcher
	workflows map[string]WorkflowTrigger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		functions: make(map[string]*FuncHandler),
		agents:    make(map[string]AgentDispatcher),
		workflows: make(map[string]WorkflowTrigger),
	}
}

// RegisterFunction registers fn under name. The signature is validated
// eagerly; a bad signature panics, as misregistration is a programming
// error caught at startup.
func (r *Registry) RegisterFunction(name string, fn any) {
	if err := security.ValidateHandlerName(name); err != nil {
		panic(fmt.Sprintf("schedq: invalid handler name %q: %v", name, err))
	}
	h, err := NewFuncHandler(fn)
	if err != nil {
		panic(fmt.Sprintf("schedq: handler for %q: %v", name, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = h
}

// RegisterAgent registers an agent dispatcher under name.
func (r *Registry) RegisterAgent(name string, d AgentDispatcher) {
	if err := security.ValidateHandlerName(name); err != nil {
		panic(fmt.Sprintf("schedq: invalid handler name %q: %v", name, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = d
}

// RegisterWorkflow registers a workflow trigger under name.
func (r *Registry) RegisterWorkflow(name string, w WorkflowTrigger) {
	if err := security.ValidateHandlerName(name); err != nil {
		panic(fmt.Sprintf("schedq: invalid handler name %q: %v", name, err))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = w
}

// Resolve returns the invocable for (name, type). An unknown pair yields a
// HandlerResolutionError, which executions treat as non-retryable.
func (r *Registry) Resolve(name string, typ core.HandlerType) (Invocable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch typ {
	case core.HandlerFunction:
		if h, ok := r.functions[name]; ok {
			return h, nil
		}
	case core.HandlerAgent:
		if d, ok := r.agents[name]; ok {
			return agentInvocable{d: d}, nil
		}
	case core.HandlerWorkflow:
		if w, ok := r.workflows[name]; ok {
			return workflowInvocable{w: w}, nil
		}
	}
	return nil, &core.HandlerResolutionError{Name: name, Type: typ}
}

// Has reports whether (name, type) resolves.
func (r *Registry) Has(name string, typ core.HandlerType) bool {
	_, err := r.Resolve(name, typ)
	return err == nil
}
