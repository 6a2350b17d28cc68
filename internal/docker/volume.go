package docker

import (
	"context"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// ensureVolume creates the volume unless it already exists. Resize relies on
// this to reattach the volume of the container it just removed.
func (c *Client) ensureVolume(ctx context.Context, name, sessionID string) error {
	_, err := c.docker.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return translateErr(err, runtime.ErrContainerCreateFailed)
	}

	_, err = c.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
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

// RemoveVolume deletes a persistent volume. A missing volume is not an error.
func (c *Client) RemoveVolume(ctx context.Context, ref string) error {
	err := c.docker.VolumeRemove(ctx, ref, true)
	if err != nil && !client.IsErrNotFound(err) {
		return translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	return nil
}
