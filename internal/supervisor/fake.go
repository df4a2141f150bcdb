package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/keelhost/control-plane/internal/models"
)

// Fake is an in-memory ProcessSupervisor for tests.
type Fake struct {
	mu     sync.Mutex
	nextID int
	procs  map[string]*Process
	specs  map[string]ProcessSpec

	// Injected failures, returned by the matching operation when non-nil.
	StartErr   error
	StopErr    error
	RestartErr error
	ReloadErr  error
	ListErr    error

	Starts    int
	Stops     int
	Restarts  int
	Reloads   int
	ListCalls int
}

// NewFake creates an empty fake supervisor.
func NewFake() *Fake {
	return &Fake{procs: make(map[string]*Process), specs: make(map[string]ProcessSpec)}
}

func (f *Fake) Start(ctx context.Context, spec ProcessSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Starts++
	if f.StartErr != nil {
		return "", f.StartErr
	}
	handle := strconv.Itoa(f.nextID)
	f.nextID++
	f.procs[handle] = &Process{Handle: handle, Name: spec.Name, Status: StatusOnline}
	f.specs[handle] = spec
	return handle, nil
}

func (f *Fake) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stops++
	if f.StopErr != nil {
		return f.StopErr
	}
	if _, ok := f.procs[handle]; !ok {
		return fmt.Errorf("%w: %w %s", models.ErrExternal, ErrUnknownHandle, handle)
	}
	delete(f.procs, handle)
	return nil
}

func (f *Fake) Restart(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restarts++
	if f.RestartErr != nil {
		return f.RestartErr
	}
	p, ok := f.procs[handle]
	if !ok {
		return fmt.Errorf("%w: %w %s", models.ErrExternal, ErrUnknownHandle, handle)
	}
	p.Status = StatusOnline
	return nil
}

func (f *Fake) Reload(ctx context.Context, handle string, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reloads++
	if f.ReloadErr != nil {
		return f.ReloadErr
	}
	p, ok := f.procs[handle]
	if !ok {
		return fmt.Errorf("%w: %w %s", models.ErrExternal, ErrUnknownHandle, handle)
	}
	spec := f.specs[handle]
	spec.Env = env
	f.specs[handle] = spec
	p.Status = StatusOnline
	return nil
}

func (f *Fake) List(ctx context.Context) ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]Process, 0, len(f.procs))
	for _, p := range f.procs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// Put inserts a process directly, bypassing Start.
func (f *Fake) Put(p Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.procs[p.Handle] = &cp
}

// Kill removes a process out-of-band, as if it vanished from the supervisor.
func (f *Fake) Kill(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, handle)
}

// SetStatus changes the live status of a process.
func (f *Fake) SetStatus(handle, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[handle]; ok {
		p.Status = status
	}
}

// Spec returns the spec a handle was started with.
func (f *Fake) Spec(handle string) (ProcessSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[handle]
	return s, ok
}

// Count returns the number of live processes.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}
