package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/solanagram/backend/internal/workers"
)

// Container is one entry of the fake runtime's state.
type Container struct {
	ID     string
	State  string // running, exited, dead, restarting
	Spec   workers.ContainerSpec
	Labels map[string]string
}

// ContainerRuntime is an in-memory stand-in for the Docker engine. The
// zero value launches, signals and tears down containers successfully
// and keeps their state in a map; set the Fn fields to script failures.
type ContainerRuntime struct {
	mu         sync.Mutex
	containers map[string]*Container
	launches   int
	stopped    []string
	signals    []string

	LaunchFn  func(ctx context.Context, spec workers.ContainerSpec) (string, error)
	StopFn    func(ctx context.Context, name string, grace time.Duration) error
	RemoveFn  func(ctx context.Context, name string) error
	InspectFn func(ctx context.Context, name string) (*workers.ContainerState, error)
	SignalFn  func(ctx context.Context, name, signal string) error
	PingFn    func(ctx context.Context) error
}

func (r *ContainerRuntime) Launch(ctx context.Context, spec workers.ContainerSpec) (string, error) {
	r.mu.Lock()
	r.launches++
	fn := r.LaunchFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.containers == nil {
		r.containers = make(map[string]*Container)
	}
	delete(r.containers, spec.Name)
	id := fmt.Sprintf("cid-%d", r.launches)
	r.containers[spec.Name] = &Container{ID: id, State: "running", Spec: spec, Labels: spec.Labels}
	return id, nil
}

func (r *ContainerRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	r.mu.Lock()
	fn := r.StopFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, grace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, name)
	if c, ok := r.containers[name]; ok {
		c.State = "exited"
	}
	return nil
}

func (r *ContainerRuntime) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	fn := r.RemoveFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, name)
	return nil
}

func (r *ContainerRuntime) Inspect(ctx context.Context, name string) (*workers.ContainerState, error) {
	r.mu.Lock()
	fn := r.InspectFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, workers.ErrNotFound
	}
	return &workers.ContainerState{
		ID:      c.ID,
		Name:    name,
		Status:  c.State,
		Running: c.State == "running",
	}, nil
}

func (r *ContainerRuntime) Signal(ctx context.Context, name, signal string) error {
	r.mu.Lock()
	fn := r.SignalFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, signal)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return workers.ErrNotFound
	}
	r.signals = append(r.signals, name+":"+signal)
	return nil
}

func (r *ContainerRuntime) List(ctx context.Context, labels map[string]string) ([]workers.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []workers.ContainerInfo
	for name, c := range r.containers {
		if !matchLabels(c.Labels, labels) {
			continue
		}
		out = append(out, workers.ContainerInfo{ID: c.ID, Name: name, State: c.State, Labels: c.Labels})
	}
	return out, nil
}

func (r *ContainerRuntime) Ping(ctx context.Context) error {
	r.mu.Lock()
	fn := r.PingFn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok {
			return false
		}
		if v != "" && got != v {
			return false
		}
	}
	return true
}

// Seed plants a container directly, for orphan and reap scenarios.
func (r *ContainerRuntime) Seed(name, state string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.containers == nil {
		r.containers = make(map[string]*Container)
	}
	r.containers[name] = &Container{ID: "seed-" + name, State: state, Labels: labels}
}

// SetState rewrites a container's state, simulating a crash or restart.
func (r *ContainerRuntime) SetState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.State = state
	}
}

// Container returns a copy of the named entry, nil when absent.
func (r *ContainerRuntime) Container(name string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (r *ContainerRuntime) LaunchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches
}

func (r *ContainerRuntime) Stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

func (r *ContainerRuntime) Signals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signals...)
}
