package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/p-arndt/labkasten/internal/runtime"
)

const labelPrefix = "labkasten."

const (
	labelManaged   = labelPrefix + "managed"
	labelSessionID = labelPrefix + "session_id"
	labelVolume    = labelPrefix + "volume"
	labelNetwork   = labelPrefix + "network"
)

// Options tune how lab containers are created.
type Options struct {
	// HostIP is the address published ports are bound to.
	HostIP string
	// PidsLimit caps the number of processes per container.
	PidsLimit int64
	// EnforceDiskQuota sets StorageOpt size; only overlay2 on xfs with pquota supports it.
	EnforceDiskQuota bool
	// VolumeMountPath is where the persistent volume is mounted.
	VolumeMountPath string
}

// Client is the Docker implementation of runtime.Adapter.
type Client struct {
	docker *client.Client
	opts   Options
}

var (
	_ runtime.Adapter       = (*Client)(nil)
	_ runtime.NetworkPruner = (*Client)(nil)
)

// networkPruneAge spares networks Create has made but not yet attached a
// container to.
const networkPruneAge = 10 * time.Minute

func New(opts Options) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.HostIP == "" {
		opts.HostIP = "127.0.0.1"
	}
	if opts.VolumeMountPath == "" {
		opts.VolumeMountPath = "/home/learner"
	}
	return &Client{docker: cli, opts: opts}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	return nil
}

// EnsureImage pulls the image unless it is already present.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, err := c.docker.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return translateErr(err, runtime.ErrImagePullFailed)
	}

	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return translateErr(err, runtime.ErrImagePullFailed)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %s: %v", runtime.ErrImagePullFailed, ref, err)
	}
	return nil
}

// Create creates the session network, the volume (if missing) and the container.
// Partially created resources are removed before an error is returned.
func (c *Client) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	netName := NetworkName(spec.SessionID)
	if err := c.ensureNetwork(ctx, netName, spec.SessionID); err != nil {
		return "", err
	}

	if spec.VolumeRef != "" {
		if err := c.ensureVolume(ctx, spec.VolumeRef, spec.SessionID); err != nil {
			return "", err
		}
	}

	exposed, bindings, err := portConfig(spec.Ports, c.opts.HostIP)
	if err != nil {
		return "", fmt.Errorf("%w: %v", runtime.ErrContainerCreateFailed, err)
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Labels:       containerLabels(spec, netName),
		Env:          spec.Env,
		ExposedPorts: exposed,
		Tty:          false,
	}
	hostCfg := c.hostConfig(spec, netName, bindings)

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, ContainerName(spec.SessionID))
	if err != nil {
		_ = c.docker.NetworkRemove(context.WithoutCancel(ctx), netName)
		return "", translateErr(err, runtime.ErrContainerCreateFailed)
	}
	return resp.ID, nil
}

func (c *Client) hostConfig(spec runtime.ContainerSpec, netName string, bindings nat.PortMap) *container.HostConfig {
	resources := container.Resources{
		CPUShares: spec.Limits.CPUShares,
		NanoCPUs:  spec.Limits.CPUShares * 1e9 / 1024,
		Memory:    spec.Limits.MemoryBytes,
	}
	if spec.Limits.MemoryBytes > 0 {
		// No swap beyond the memory limit.
		resources.MemorySwap = spec.Limits.MemoryBytes
	}
	if c.opts.PidsLimit > 0 {
		resources.PidsLimit = int64Ptr(c.opts.PidsLimit)
	}

	hostCfg := &container.HostConfig{
		Resources:    resources,
		AutoRemove:   false,
		NetworkMode:  container.NetworkMode(netName),
		PortBindings: bindings,
		SecurityOpt:  []string{"no-new-privileges"},
		CapDrop:      []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
		},
	}
	if spec.VolumeRef != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: spec.VolumeRef,
			Target: c.opts.VolumeMountPath,
		})
	}
	if c.opts.EnforceDiskQuota && spec.Limits.DiskBytes > 0 {
		hostCfg.StorageOpt = map[string]string{"size": strconv.FormatInt(spec.Limits.DiskBytes, 10)}
	}
	return hostCfg
}

func (c *Client) Start(ctx context.Context, handle string) error {
	if err := c.docker.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return translateErr(err, runtime.ErrContainerCreateFailed)
	}
	return nil
}

// Stop sends SIGTERM and kills the container once timeout elapses.
func (c *Client) Stop(ctx context.Context, handle string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.docker.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs}); err != nil {
		return translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	return nil
}

// Remove force-removes the container and its session network, and the volume
// when removeVolume is set. A network left behind after the container is gone
// is collected by PruneNetworks.
func (c *Client) Remove(ctx context.Context, handle string, removeVolume bool) error {
	info, err := c.docker.ContainerInspect(ctx, handle)
	if err != nil {
		return translateErr(err, runtime.ErrRuntimeUnavailable)
	}

	if err := c.docker.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return translateErr(err, runtime.ErrRuntimeUnavailable)
	}

	if netName := info.Config.Labels[labelNetwork]; netName != "" {
		if err := c.docker.NetworkRemove(ctx, netName); err != nil && !client.IsErrNotFound(err) {
			return translateErr(err, runtime.ErrRuntimeUnavailable)
		}
	}

	if removeVolume {
		if vol := info.Config.Labels[labelVolume]; vol != "" {
			return c.RemoveVolume(ctx, vol)
		}
	}
	return nil
}

// Inspect reports whether the container is running and where its ports are published.
func (c *Client) Inspect(ctx context.Context, handle string) (*runtime.State, error) {
	info, err := c.docker.ContainerInspect(ctx, handle)
	if err != nil {
		return nil, translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	state := &runtime.State{Handle: info.ID}
	if info.State != nil {
		state.Running = info.State.Running
	}
	if info.NetworkSettings != nil {
		state.Endpoints = endpointsFromPorts(info.Config.Labels, info.NetworkSettings.Ports)
	}
	return state, nil
}

// List returns all containers with the labkasten management label.
func (c *Client) List(ctx context.Context) ([]runtime.ContainerRef, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, translateErr(err, runtime.ErrRuntimeUnavailable)
	}

	result := make([]runtime.ContainerRef, 0, len(containers))
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelSessionID]
		if sessionID == "" {
			continue
		}
		result = append(result, runtime.ContainerRef{
			Handle:    ctr.ID,
			SessionID: sessionID,
			Running:   ctr.State == "running",
		})
	}
	return result, nil
}

// PruneNetworks removes labkasten networks with no attached containers that
// are older than networkPruneAge.
func (c *Client) PruneNetworks(ctx context.Context) (int, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged+"=true")
	f.Add("until", networkPruneAge.String())

	report, err := c.docker.NetworksPrune(ctx, f)
	if err != nil {
		return 0, translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	return len(report.NetworksDeleted), nil
}

func (c *Client) ensureNetwork(ctx context.Context, name, sessionID string) error {
	if _, err := c.docker.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return translateErr(err, runtime.ErrContainerCreateFailed)
	}

	_, err := c.docker.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			labelManaged:   "true",
			labelSessionID: sessionID,
		},
	})
	if err != nil {
		return translateErr(err, runtime.ErrContainerCreateFailed)
	}
	return nil
}

// ContainerName is the Docker name reserved for a session's container.
func ContainerName(sessionID string) string {
	return "labkasten-" + sessionID
}

// NetworkName is the per-session bridge network.
func NetworkName(sessionID string) string {
	return "labkasten-net-" + sessionID
}

func containerLabels(spec runtime.ContainerSpec, netName string) map[string]string {
	labels := map[string]string{
		labelManaged:   "true",
		labelSessionID: spec.SessionID,
		labelNetwork:   netName,
	}
	if spec.VolumeRef != "" {
		labels[labelVolume] = spec.VolumeRef
	}
	for _, p := range spec.Ports {
		labels[portLabel(p.ContainerPort)] = p.Name
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	return labels
}

func portLabel(containerPort string) string {
	return labelPrefix + "port." + containerPort
}

// portConfig builds the exposed port set and bindings. Host ports are left
// empty so Docker assigns a free one.
func portConfig(ports []runtime.Port, hostIP string) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port, err := nat.NewPort(nat.SplitProtoPort(p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("port %s (%s): %w", p.Name, p.ContainerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: hostIP, HostPort: ""}}
	}
	return exposed, bindings, nil
}

// endpointsFromPorts maps logical port names (stored as labels at create
// time) to the host addresses Docker assigned.
func endpointsFromPorts(labels map[string]string, ports nat.PortMap) map[string]string {
	endpoints := make(map[string]string)
	for port, bindings := range ports {
		if len(bindings) == 0 {
			continue
		}
		name := labels[portLabel(string(port))]
		if name == "" {
			name = string(port)
		}
		b := bindings[0]
		host := b.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		endpoints[name] = host + ":" + b.HostPort
	}
	return endpoints
}

func int64Ptr(v int64) *int64 {
	return &v
}
