package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// Stats takes a one-shot resource sample. Disk usage is the size of the
// container's writable layer.
func (c *Client) Stats(ctx context.Context, handle string) (*runtime.Usage, error) {
	resp, err := c.docker.ContainerStatsOneShot(ctx, handle)
	if err != nil {
		return nil, translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	usage := &runtime.Usage{
		At:            st.Read,
		CPUPercent:    cpuPercent(st),
		MemBytes:      memoryUsage(st.MemoryStats),
		MemLimitBytes: st.MemoryStats.Limit,
	}
	if usage.At.IsZero() {
		usage.At = time.Now().UTC()
	}

	info, _, err := c.docker.ContainerInspectWithRaw(ctx, handle, true)
	if err == nil && info.SizeRw != nil && *info.SizeRw > 0 {
		usage.DiskBytes = uint64(*info.SizeRw)
	}
	return usage, nil
}

// cpuPercent follows the docker CLI: container CPU delta over system CPU delta,
// scaled by the number of online CPUs.
func cpuPercent(st container.StatsResponse) float64 {
	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	online := float64(st.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(st.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100
}

// memoryUsage excludes page cache the kernel can reclaim, matching `docker stats`.
func memoryUsage(m container.MemoryStats) uint64 {
	// cgroup v2
	if v, ok := m.Stats["inactive_file"]; ok && v < m.Usage {
		return m.Usage - v
	}
	// cgroup v1
	if v, ok := m.Stats["total_inactive_file"]; ok && v < m.Usage {
		return m.Usage - v
	}
	return m.Usage
}
