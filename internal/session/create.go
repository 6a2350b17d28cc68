package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/distribution/reference"
	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/p-arndt/labkasten/internal/admission"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

const (
	minCPUShares   = 2
	minMemoryBytes = 6 * units.MiB
)

type CreateRequest struct {
	UserID   string
	CourseID string
	ImageRef string
	// Limits overrides the image profile field by field; zero fields keep the profile value.
	Limits *runtime.Limits
}

// provisioned is what the runtime handed back for a new container. handle is
// set as soon as the container exists, even if a later step failed.
type provisioned struct {
	handle    string
	endpoints map[string]string
}

// Create admits, registers and provisions a new session. It returns once the
// session is running, or after the partial container has been cleaned up and
// the row marked error.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	if req.UserID == "" || req.CourseID == "" {
		return nil, fmt.Errorf("%w: user_id and course_id are required", ErrInvalidRequest)
	}
	image := m.resolveImage(req.ImageRef)
	if !isImageNameSafe(image) || !m.cfg.Labs.IsImageAllowed(image) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, image)
	}
	limits, err := m.resolveLimits(image, req.Limits)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := m.now()
	sess := &store.Session{
		ID:             id,
		UserID:         req.UserID,
		CourseID:       req.CourseID,
		ImageRef:       image,
		Status:         store.StatusProvisioning,
		Limits:         limits,
		VolumeRef:      runtime.VolumeName(id),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	// The id is fresh, so this never waits. Holding it from the insert on
	// keeps the reaper and reconciliation off the row while it provisions.
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.register(ctx, sess); err != nil {
		return nil, err
	}
	m.metrics.Transition(store.StatusProvisioning)
	m.logger.Info("provisioning session", "session_id", id, "user_id", req.UserID, "course_id", req.CourseID, "image", image)

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Labs.CreateTimeout())
	defer cancel()

	p, err := m.provision(pctx, sess, limits)
	if err == nil {
		err = m.transition(pctx, sess, store.StatusRunning, "", func(s *store.Session) {
			s.RuntimeHandle = p.handle
			s.Endpoints = p.endpoints
			s.LastActivityAt = m.now()
		})
	}
	if err != nil {
		m.metrics.SessionCreated("error")
		return nil, m.failProvision(ctx, pctx, sess, p, err, true)
	}

	m.metrics.SessionCreated("ok")
	m.logger.Info("session running", "session_id", id, "handle", sess.RuntimeHandle)
	return sess, nil
}

// register inserts the provisioning row, through admission control when configured.
func (m *Manager) register(ctx context.Context, sess *store.Session) error {
	reserve := func(ctx context.Context) error { return m.store.CreateSession(ctx, sess) }

	var err error
	if m.admission != nil {
		err = m.admission.Admit(ctx, sess.UserID, reserve)
	} else {
		err = reserve(ctx)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		m.metrics.SessionCreated("duplicate")
		return fmt.Errorf("%w: user %s already has an active session for course %s", ErrSessionAlreadyExists, sess.UserID, sess.CourseID)
	case errors.Is(err, admission.ErrQuotaExceeded):
		m.metrics.SessionCreated("quota")
		return err
	default:
		return fmt.Errorf("registering session: %w", err)
	}
}

// provision pulls the image, creates and starts the container and reads back
// its endpoints. The returned *provisioned is non-nil once a container exists.
func (m *Manager) provision(ctx context.Context, sess *store.Session, limits runtime.Limits) (*provisioned, error) {
	if err := m.withRetry(ctx, func(ctx context.Context) error {
		return m.runtime.EnsureImage(ctx, sess.ImageRef)
	}); err != nil {
		return nil, err
	}

	handle, err := m.runtime.Create(ctx, m.containerSpec(sess, limits))
	if err != nil {
		return nil, err
	}
	p := &provisioned{handle: handle}

	if err := m.withRetry(ctx, func(ctx context.Context) error {
		return m.runtime.Start(ctx, handle)
	}); err != nil {
		return p, err
	}

	state, err := m.runtime.Inspect(ctx, handle)
	if err != nil {
		return p, err
	}
	if !state.Running {
		return p, fmt.Errorf("%w: container exited right after start", runtime.ErrContainerCreateFailed)
	}
	p.endpoints = state.Endpoints
	return p, nil
}

// failProvision runs the rollback for create and resize: remove the partial
// container (and the volume when it was created for this attempt), then mark
// the session error. It returns the error for the caller.
func (m *Manager) failProvision(ctx, pctx context.Context, sess *store.Session, p *provisioned, cause error, removeVolume bool) error {
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	// A container that survives cleanup stays on the row so a later remove
	// or the orphan sweep can still find it.
	leftover := ""
	if p != nil {
		if err := m.removeContainer(cctx, p.handle, false); err != nil {
			m.logger.Error("cleanup: removing container", "session_id", sess.ID, "handle", p.handle, "error", err)
			leftover = p.handle
		}
	}
	volumeRemoved := false
	if removeVolume {
		if err := m.runtime.RemoveVolume(cctx, sess.VolumeRef); err != nil {
			m.logger.Error("cleanup: removing volume", "session_id", sess.ID, "volume", sess.VolumeRef, "error", err)
		} else {
			volumeRemoved = true
		}
	}

	reason := cause.Error()
	if timedOut {
		reason = fmt.Sprintf("timeout: provisioning exceeded %s", m.cfg.Labs.CreateTimeout())
	}
	if err := m.transition(cctx, sess, store.StatusError, reason, func(s *store.Session) {
		s.RuntimeHandle = leftover
		s.Endpoints = nil
		s.VolumeRemoved = s.VolumeRemoved || volumeRemoved
	}); err != nil {
		m.logger.Error("cleanup: marking session error", "session_id", sess.ID, "error", err)
	}

	m.logger.Warn("provisioning failed", "session_id", sess.ID, "reason", reason)
	if timedOut {
		return fmt.Errorf("%w: session %s: %s", ErrTimeout, sess.ID, reason)
	}
	return fmt.Errorf("provisioning session %s: %w", sess.ID, cause)
}

func (m *Manager) containerSpec(sess *store.Session, limits runtime.Limits) runtime.ContainerSpec {
	env := []string{
		"LABKASTEN_SESSION_ID=" + sess.ID,
		"LABKASTEN_USER_ID=" + sess.UserID,
		"LABKASTEN_COURSE_ID=" + sess.CourseID,
	}
	env = append(env, m.cfg.Labs.EnvFor(sess.ImageRef)...)
	return runtime.ContainerSpec{
		SessionID: sess.ID,
		Image:     sess.ImageRef,
		Limits:    limits,
		VolumeRef: sess.VolumeRef,
		Ports:     m.cfg.Labs.PortsFor(sess.ImageRef),
		Env:       env,
		Labels: map[string]string{
			"labkasten.user_id":   sess.UserID,
			"labkasten.course_id": sess.CourseID,
		},
	}
}

func (m *Manager) resolveImage(image string) string {
	if image == "" {
		return m.cfg.Labs.DefaultImage
	}
	return image
}

// resolveLimits starts from the image profile (or the lab defaults) and
// applies the non-zero fields of override.
func (m *Manager) resolveLimits(image string, override *runtime.Limits) (runtime.Limits, error) {
	limits := m.cfg.Labs.LimitsFor(image)
	if override != nil {
		if override.CPUShares != 0 {
			limits.CPUShares = override.CPUShares
		}
		if override.MemoryBytes != 0 {
			limits.MemoryBytes = override.MemoryBytes
		}
		if override.DiskBytes != 0 {
			limits.DiskBytes = override.DiskBytes
		}
	}
	return limits, validateLimits(limits)
}

func validateLimits(l runtime.Limits) error {
	if l.CPUShares < minCPUShares {
		return fmt.Errorf("%w: cpu_shares must be at least %d", ErrInvalidLimits, minCPUShares)
	}
	if l.MemoryBytes < minMemoryBytes {
		return fmt.Errorf("%w: memory_bytes must be at least %s", ErrInvalidLimits, units.BytesSize(minMemoryBytes))
	}
	if l.DiskBytes < 0 {
		return fmt.Errorf("%w: disk_bytes must not be negative", ErrInvalidLimits)
	}
	return nil
}

// isImageNameSafe accepts only well-formed image references.
func isImageNameSafe(image string) bool {
	_, err := reference.ParseNormalizedNamed(image)
	return err == nil
}
