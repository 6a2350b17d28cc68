// Package fake is an in-memory runtime.Adapter used by tests and by
// `labkasten serve --runtime=fake` for local development without Docker.
package fake

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// Container is the fake's view of a created container.
type Container struct {
	Handle  string
	Spec    runtime.ContainerSpec
	Running bool
}

// Runtime is a thread-safe in-memory container engine.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*Container
	volumes    map[string]bool
	networks   map[string]bool
	images     map[string]bool
	calls      map[string]int
	streams    []*EchoStream

	// Failure injection. Each hook is consulted on every call; a non-nil
	// return value is returned from the operation.
	PullErr   func(ref string) error
	CreateErr func(spec runtime.ContainerSpec) error
	StartErr  func(handle string) error
	StopErr   func(handle string) error
	RemoveErr func(handle string) error
	// NetworkRemoveErr fails Remove after the container itself is gone,
	// leaving the session network behind.
	NetworkRemoveErr func(sessionID string) error
	// CreateDelay blocks Create for the given duration (or until ctx ends).
	CreateDelay time.Duration
	// StatsFunc produces samples; nil returns a zero sample.
	StatsFunc func(handle string) *runtime.Usage
	// HostPortBase is the first host port handed out for published ports.
	HostPortBase int
	nextPort     int
}

var (
	_ runtime.Adapter       = (*Runtime)(nil)
	_ runtime.NetworkPruner = (*Runtime)(nil)
)

func New() *Runtime {
	return &Runtime{
		containers:   make(map[string]*Container),
		volumes:      make(map[string]bool),
		networks:     make(map[string]bool),
		images:       make(map[string]bool),
		calls:        make(map[string]int),
		HostPortBase: 40000,
	}
}

func (r *Runtime) count(op string) {
	r.calls[op]++
}

// Calls returns how many times op was invoked.
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Container returns a copy of the container with the given handle.
func (r *Runtime) Container(handle string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[handle]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Containers returns the number of containers present.
func (r *Runtime) Containers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// HasVolume reports whether the named volume exists.
func (r *Runtime) HasVolume(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volumes[ref]
}

// Networks returns the number of session networks present.
func (r *Runtime) Networks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.networks)
}

// Kill removes a container behind labkasten's back, as a crash or a manual
// `docker rm` would.
func (r *Runtime) Kill(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, handle)
}

// Adopt registers a container that labkasten did not create (for orphan tests).
func (r *Runtime) Adopt(sessionID string, running bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := "fake-" + uuid.NewString()[:12]
	r.containers[handle] = &Container{
		Handle:  handle,
		Spec:    runtime.ContainerSpec{SessionID: sessionID},
		Running: running,
	}
	return handle
}

func (r *Runtime) EnsureImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("EnsureImage")
	if r.PullErr != nil {
		if err := r.PullErr(ref); err != nil {
			return err
		}
	}
	r.images[ref] = true
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if r.CreateDelay > 0 {
		select {
		case <-time.After(r.CreateDelay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", runtime.ErrContainerCreateFailed, ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("Create")
	if r.CreateErr != nil {
		if err := r.CreateErr(spec); err != nil {
			return "", err
		}
	}
	if !r.images[spec.Image] {
		return "", fmt.Errorf("%w: image %s not present", runtime.ErrContainerCreateFailed, spec.Image)
	}
	if spec.VolumeRef != "" {
		r.volumes[spec.VolumeRef] = true
	}
	if spec.SessionID != "" {
		r.networks[spec.SessionID] = true
	}
	handle := "fake-" + uuid.NewString()[:12]
	r.containers[handle] = &Container{Handle: handle, Spec: spec}
	return handle, nil
}

func (r *Runtime) Start(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("Start")
	if r.StartErr != nil {
		if err := r.StartErr(handle); err != nil {
			return err
		}
	}
	c, ok := r.containers[handle]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, handle)
	}
	c.Running = true
	return nil
}

func (r *Runtime) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("Stop")
	if r.StopErr != nil {
		if err := r.StopErr(handle); err != nil {
			return err
		}
	}
	c, ok := r.containers[handle]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, handle)
	}
	c.Running = false
	return nil
}

func (r *Runtime) Remove(ctx context.Context, handle string, removeVolume bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("Remove")
	if r.RemoveErr != nil {
		if err := r.RemoveErr(handle); err != nil {
			return err
		}
	}
	c, ok := r.containers[handle]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, handle)
	}
	delete(r.containers, handle)
	if r.NetworkRemoveErr != nil {
		if err := r.NetworkRemoveErr(c.Spec.SessionID); err != nil {
			return err
		}
	}
	delete(r.networks, c.Spec.SessionID)
	if removeVolume && c.Spec.VolumeRef != "" {
		delete(r.volumes, c.Spec.VolumeRef)
	}
	return nil
}

// PruneNetworks drops networks whose session has no container left.
func (r *Runtime) PruneNetworks(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("PruneNetworks")
	inUse := make(map[string]bool, len(r.containers))
	for _, c := range r.containers {
		inUse[c.Spec.SessionID] = true
	}
	pruned := 0
	for id := range r.networks {
		if !inUse[id] {
			delete(r.networks, id)
			pruned++
		}
	}
	return pruned, nil
}

func (r *Runtime) RemoveVolume(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("RemoveVolume")
	delete(r.volumes, ref)
	return nil
}

func (r *Runtime) Exec(ctx context.Context, handle string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("Exec")
	c, ok := r.containers[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, handle)
	}
	if !c.Running {
		return nil, fmt.Errorf("container %s is not running", handle)
	}
	stream := newEchoStream()
	r.streams = append(r.streams, stream)
	return stream, nil
}

// Streams returns every exec stream opened so far, oldest first.
func (r *Runtime) Streams() []*EchoStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*EchoStream(nil), r.streams...)
}

func (r *Runtime) Stats(ctx context.Context, handle string) (*runtime.Usage, error) {
	r.mu.Lock()
	c, ok := r.containers[handle]
	fn := r.StatsFunc
	r.count("Stats")
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, handle)
	}
	if fn != nil {
		if u := fn(handle); u != nil {
			return u, nil
		}
	}
	return &runtime.Usage{
		At:            time.Now().UTC(),
		MemLimitBytes: uint64(c.Spec.Limits.MemoryBytes),
	}, nil
}

func (r *Runtime) Inspect(ctx context.Context, handle string) (*runtime.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count("Inspect")
	c, ok := r.containers[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, handle)
	}
	endpoints := make(map[string]string, len(c.Spec.Ports))
	for _, p := range c.Spec.Ports {
		r.nextPort++
		endpoints[p.Name] = fmt.Sprintf("127.0.0.1:%d", r.HostPortBase+r.nextPort)
	}
	return &runtime.State{Handle: handle, Running: c.Running, Endpoints: endpoints}, nil
}

func (r *Runtime) List(ctx context.Context) ([]runtime.ContainerRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]runtime.ContainerRef, 0, len(r.containers))
	for _, c := range r.containers {
		refs = append(refs, runtime.ContainerRef{
			Handle:    c.Handle,
			SessionID: c.Spec.SessionID,
			Running:   c.Running,
		})
	}
	return refs, nil
}

func (r *Runtime) Ping(ctx context.Context) error { return nil }

func (r *Runtime) Close() error { return nil }

// EchoStream writes back whatever is written to it, like a shell with echo on.
type EchoStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	resizes [][2]uint
	closed  bool
}

func newEchoStream() *EchoStream {
	pr, pw := io.Pipe()
	return &EchoStream{pr: pr, pw: pw}
}

func (s *EchoStream) Read(p []byte) (int, error)  { return s.pr.Read(p) }
func (s *EchoStream) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *EchoStream) Resize(ctx context.Context, cols, rows uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]uint{cols, rows})
	return nil
}

// Resizes returns the terminal sizes requested so far as (cols, rows) pairs.
func (s *EchoStream) Resizes() [][2]uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint(nil), s.resizes...)
}

func (s *EchoStream) CloseWrite() error { return s.pw.Close() }

func (s *EchoStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.Close()
	return s.pr.Close()
}

// Closed reports whether Close was called.
func (s *EchoStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
