package isolate

import (
	"sort"
	"sync"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/id"
)

// registry tracks every live environment of a Runtime. Once shut down it
// accepts nothing and finds nothing.
type registry struct {
	mu       sync.RWMutex
	byID     map[id.IsolateID]*Environment
	byVM     map[*goja.Runtime]*Environment
	shutdown bool
}

func newRegistry() *registry {
	return &registry{
		byID: make(map[id.IsolateID]*Environment),
		byVM: make(map[*goja.Runtime]*Environment),
	}
}

func (r *registry) add(env *Environment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.byID[env.id] = env
	r.byVM[env.vm] = env
	return true
}

func (r *registry) remove(env *Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[env.id] == env {
		delete(r.byID, env.id)
	}
	if r.byVM[env.vm] == env {
		delete(r.byVM, env.vm)
	}
}

func (r *registry) lookup(isolateID id.IsolateID) (*Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.shutdown {
		return nil, false
	}
	env, ok := r.byID[isolateID]
	return env, ok
}

func (r *registry) lookupVM(vm *goja.Runtime) (*Environment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.shutdown {
		return nil, false
	}
	env, ok := r.byVM[vm]
	return env, ok
}

// list returns the registered environments, oldest first.
func (r *registry) list() []*Environment {
	r.mu.RLock()
	envs := make([]*Environment, 0, len(r.byID))
	if !r.shutdown {
		for _, env := range r.byID {
			envs = append(envs, env)
		}
	}
	r.mu.RUnlock()

	sort.Slice(envs, func(i, j int) bool {
		return envs[i].created.Before(envs[j].created)
	})
	return envs
}

func (r *registry) closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shutdown
}

// close flips the shutdown flag and returns the child environments that
// were still registered.
func (r *registry) close() []*Environment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil
	}
	r.shutdown = true
	children := make([]*Environment, 0, len(r.byID))
	for _, env := range r.byID {
		if !env.root {
			children = append(children, env)
		}
	}
	return children
}
