// Package runtime defines the capability set labkasten needs from a container
// engine. Implementations carry no business logic: they translate engine
// failures into the typed errors in errors.go and nothing else.
package runtime

import (
	"context"
	"io"
	"time"
)

// Limits are the resource limits applied to a lab container.
// CPUShares follows the Docker convention: 1024 shares is one full CPU.
type Limits struct {
	CPUShares   int64 `json:"cpu_shares" yaml:"cpu_shares"`
	MemoryBytes int64 `json:"memory_bytes" yaml:"memory_bytes"`
	DiskBytes   int64 `json:"disk_bytes" yaml:"disk_bytes"`
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.CPUShares == 0 && l.MemoryBytes == 0 && l.DiskBytes == 0
}

// VolumeName returns the persistent volume name for a session. The volume
// outlives the session's containers, so resize reattaches it by name.
func VolumeName(sessionID string) string {
	return "labkasten-vol-" + sessionID
}

// Port is a container port exposed under a logical name, e.g. "jupyter" -> "8888/tcp".
type Port struct {
	Name          string
	ContainerPort string
}

// ContainerSpec describes the container to create for a session.
type ContainerSpec struct {
	SessionID string
	Image     string
	Limits    Limits
	VolumeRef string
	Ports     []Port
	Env       []string
	Labels    map[string]string
}

// State is what the runtime reports about a container.
type State struct {
	Handle    string
	Running   bool
	Endpoints map[string]string
}

// ContainerRef identifies a container managed by labkasten.
type ContainerRef struct {
	Handle    string
	SessionID string
	Running   bool
}

// Usage is a point-in-time resource sample for one container.
type Usage struct {
	At            time.Time
	CPUPercent    float64
	MemBytes      uint64
	MemLimitBytes uint64
	DiskBytes     uint64
}

// ExecOptions configure an interactive exec.
type ExecOptions struct {
	Cmd  []string
	Tty  bool
	Env  []string
	User string
}

// ExecStream is a bidirectional byte stream attached to a process running
// inside a container.
type ExecStream interface {
	io.Reader
	io.Writer
	// Resize changes the terminal size of a TTY exec.
	Resize(ctx context.Context, cols, rows uint) error
	// CloseWrite signals EOF on the process's stdin.
	CloseWrite() error
	io.Closer
}

// Adapter is the container engine capability set.
type Adapter interface {
	// EnsureImage pulls ref when it is not present locally.
	EnsureImage(ctx context.Context, ref string) error
	// Create creates (but does not start) a container, creating or attaching
	// the persistent volume named in spec.
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, handle string) error
	// Stop stops the container gracefully, killing it after timeout.
	Stop(ctx context.Context, handle string, timeout time.Duration) error
	// Remove deletes the container and, when removeVolume is set, its volume.
	Remove(ctx context.Context, handle string, removeVolume bool) error
	// RemoveVolume deletes a persistent volume by reference. Missing volumes are not an error.
	RemoveVolume(ctx context.Context, ref string) error
	Exec(ctx context.Context, handle string, opts ExecOptions) (ExecStream, error)
	Stats(ctx context.Context, handle string) (*Usage, error)
	Inspect(ctx context.Context, handle string) (*State, error)
	// List returns every container carrying the labkasten management label.
	List(ctx context.Context) ([]ContainerRef, error)
	Ping(ctx context.Context) error
	Close() error
}

// NetworkPruner is implemented by adapters that give each session its own
// network. PruneNetworks deletes managed networks no container is attached
// to and reports how many went.
type NetworkPruner interface {
	PruneNetworks(ctx context.Context) (int, error)
}
