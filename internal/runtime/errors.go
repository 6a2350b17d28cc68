package runtime

import (
	"context"
	"errors"
)

var (
	ErrRuntimeUnavailable    = errors.New("container runtime unavailable")
	ErrImagePullFailed       = errors.New("image pull failed")
	ErrContainerCreateFailed = errors.New("container create failed")
	ErrNotFound              = errors.New("container not found")
)

// IsTransient reports whether err is worth retrying for idempotent phases.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrRuntimeUnavailable)
}
