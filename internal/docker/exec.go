package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// Exec starts an interactive process inside the container and returns the
// hijacked connection as a stream. With a TTY Docker does not multiplex
// stdout/stderr, so the raw connection can be relayed as-is.
func (c *Client) Exec(ctx context.Context, handle string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		User:         opts.User,
		Tty:          opts.Tty,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, translateErr(err, runtime.ErrRuntimeUnavailable)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: opts.Tty})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", translateErr(err, runtime.ErrRuntimeUnavailable))
	}

	return &execStream{
		client: c,
		execID: execResp.ID,
		resp:   attachResp,
	}, nil
}

type execStream struct {
	client *Client
	execID string
	resp   types.HijackedResponse
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *execStream) Resize(ctx context.Context, cols, rows uint) error {
	err := s.client.docker.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
	if err != nil {
		return translateErr(err, runtime.ErrRuntimeUnavailable)
	}
	return nil
}

func (s *execStream) CloseWrite() error {
	return s.resp.CloseWrite()
}

func (s *execStream) Close() error {
	s.resp.Close()
	return nil
}
