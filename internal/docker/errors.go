package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// translateErr maps a Docker client error onto the runtime error taxonomy.
// fallback is used for failures that are neither "not found" nor connectivity.
func translateErr(err error, fallback error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case client.IsErrNotFound(err):
		return fmt.Errorf("%w: %v", runtime.ErrNotFound, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", runtime.ErrRuntimeUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", fallback, err)
	}
}
