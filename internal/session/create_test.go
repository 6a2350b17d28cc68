package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	units "github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/labkasten/internal/admission"
	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

func TestLifecycle_CreateStopRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.mgr.Create(ctx, CreateRequest{
		UserID:   "alice",
		CourseID: "py-101",
		ImageRef: "python:lab",
		Limits:   &runtime.Limits{CPUShares: 1024, MemoryBytes: 512 * units.MiB},
	})
	require.NoError(t, err)

	assert.Equal(t, store.StatusRunning, sess.Status)
	assert.NotEmpty(t, sess.RuntimeHandle)
	assert.Equal(t, runtime.VolumeName(sess.ID), sess.VolumeRef)
	assert.Contains(t, sess.Endpoints, "jupyter")
	assert.Equal(t, int64(1024), sess.Limits.CPUShares)
	assert.Equal(t, int64(512*units.MiB), sess.Limits.MemoryBytes)
	assert.True(t, h.rt.HasVolume(sess.VolumeRef))

	c, ok := h.rt.Container(sess.RuntimeHandle)
	require.True(t, ok)
	assert.True(t, c.Running)
	assert.Equal(t, sess.ID, c.Spec.SessionID)
	assert.Contains(t, c.Spec.Env, "LABKASTEN_SESSION_ID="+sess.ID)
	assert.Equal(t, "alice", c.Spec.Labels["labkasten.user_id"])
	h.assertRunningHaveContainers(t)

	handle := sess.RuntimeHandle
	stopped, err := h.mgr.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, stopped.Status)
	assert.Equal(t, ReasonUser, stopped.Reason)
	assert.Empty(t, stopped.Endpoints)
	c, ok = h.rt.Container(handle)
	require.True(t, ok, "stop keeps the container until removal")
	assert.False(t, c.Running)

	removed, err := h.mgr.Remove(ctx, sess.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, removed.Status)
	assert.Empty(t, removed.RuntimeHandle)
	assert.True(t, removed.VolumeRemoved)
	assert.Equal(t, 0, h.rt.Containers())
	assert.False(t, h.rt.HasVolume(sess.VolumeRef))

	row, err := h.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, store.IsTerminal(row.Status))
}

func TestCreate_DefaultsImageAndLimits(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "alice", "py-101")

	assert.Equal(t, "python:lab", sess.ImageRef)
	assert.Equal(t, int64(1024), sess.Limits.CPUShares)
	assert.Equal(t, int64(512*units.MiB), sess.Limits.MemoryBytes)
}

func TestCreate_OverridesLimitsPerField(t *testing.T) {
	h := newHarness(t)
	sess, err := h.mgr.Create(context.Background(), CreateRequest{
		UserID: "alice", CourseID: "py-101",
		Limits: &runtime.Limits{MemoryBytes: units.GiB},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1024), sess.Limits.CPUShares)
	assert.Equal(t, int64(units.GiB), sess.Limits.MemoryBytes)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"missing user", CreateRequest{CourseID: "c"}, ErrInvalidRequest},
		{"missing course", CreateRequest{UserID: "u"}, ErrInvalidRequest},
		{"image not allowed", CreateRequest{UserID: "u", CourseID: "c", ImageRef: "evil/miner:latest"}, ErrInvalidImage},
		{"malformed image", CreateRequest{UserID: "u", CourseID: "c", ImageRef: "Python:Lab"}, ErrInvalidImage},
		{"cpu too low", CreateRequest{UserID: "u", CourseID: "c", Limits: &runtime.Limits{CPUShares: 1}}, ErrInvalidLimits},
		{"memory too low", CreateRequest{UserID: "u", CourseID: "c", Limits: &runtime.Limits{MemoryBytes: units.MiB}}, ErrInvalidLimits},
		{"negative disk", CreateRequest{UserID: "u", CourseID: "c", Limits: &runtime.Limits{DiskBytes: -1}}, ErrInvalidLimits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.mgr.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, h.rt.Calls("Create"))

			rows, err := h.st.ListSessions(context.Background(), store.Filter{})
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestCreate_ConcurrentDuplicate(t *testing.T) {
	h := newHarness(t)
	h.rt.CreateDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
		}(i)
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSessionAlreadyExists):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)
	assert.Equal(t, 1, h.rt.Containers())
	h.assertRunningHaveContainers(t)
}

func TestCreate_SamePairAfterStop(t *testing.T) {
	h := newHarness(t)
	first := h.create(t, "alice", "py-101")

	_, err := h.mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
	require.ErrorIs(t, err, ErrSessionAlreadyExists)

	_, err = h.mgr.Stop(context.Background(), first.ID)
	require.NoError(t, err)

	second := h.create(t, "alice", "py-101")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreate_GlobalCapAndRecovery(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Admission.GlobalCap = 2 })

	a := h.create(t, "alice", "py-101")
	h.create(t, "bob", "py-101")

	_, err := h.mgr.Create(context.Background(), CreateRequest{UserID: "carol", CourseID: "py-101"})
	require.ErrorIs(t, err, admission.ErrQuotaExceeded)
	var qe *admission.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, admission.LimitGlobal, qe.Limit)

	_, err = h.mgr.Stop(context.Background(), a.ID)
	require.NoError(t, err)

	h.create(t, "carol", "py-101")
}

func TestCreate_PerUserCap(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Admission.PerUserCap = 1 })

	h.create(t, "alice", "py-101")
	_, err := h.mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "go-101"})
	require.ErrorIs(t, err, admission.ErrQuotaExceeded)

	h.create(t, "bob", "go-101")
}

func TestCreate_ConcurrentUnderCap(t *testing.T) {
	const capacity = 3
	h := newHarness(t, func(c *config.Config) { c.Admission.GlobalCap = capacity })
	h.rt.CreateDelay = 10 * time.Millisecond

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 2*capacity; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.mgr.Create(context.Background(), CreateRequest{
				UserID:   "user-" + string(rune('a'+i)),
				CourseID: "py-101",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, admission.ErrQuotaExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, ok)
	assert.Equal(t, capacity, full)
	assert.Equal(t, capacity, h.rt.Containers())
}

func TestCreate_StartFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.rt.StartErr = func(string) error { return errors.New("oci runtime error") }

	_, err := h.mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oci runtime error")

	assert.Equal(t, 0, h.rt.Containers())
	assert.Equal(t, 1, h.rt.Calls("Start"), "non-transient errors are not retried")

	rows, err := h.st.ListSessions(context.Background(), store.Filter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusError, rows[0].Status)
	assert.Contains(t, rows[0].Reason, "oci runtime error")
	assert.Empty(t, rows[0].RuntimeHandle)
	assert.True(t, rows[0].VolumeRemoved)
	assert.False(t, h.rt.HasVolume(rows[0].VolumeRef))
}

func TestCreate_PullFailure(t *testing.T) {
	h := newHarness(t)
	h.rt.PullErr = func(ref string) error { return runtime.ErrImagePullFailed }

	_, err := h.mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
	require.ErrorIs(t, err, runtime.ErrImagePullFailed)
	assert.Equal(t, 0, h.rt.Calls("Create"))

	rows, err := h.st.ListSessions(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusError, rows[0].Status)
}

func TestCreate_RetriesTransientStart(t *testing.T) {
	h := newHarness(t)
	failures := 2
	h.rt.StartErr = func(string) error {
		if failures > 0 {
			failures--
			return runtime.ErrRuntimeUnavailable
		}
		return nil
	}

	sess := h.create(t, "alice", "py-101")
	assert.Equal(t, store.StatusRunning, sess.Status)
	assert.Equal(t, 3, h.rt.Calls("Start"))
}

func TestCreate_Timeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Labs.CreateTimeoutSeconds = 1 })
	h.rt.CreateDelay = 5 * time.Second

	start := time.Now()
	_, err := h.mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)

	rows, err := h.st.ListSessions(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusError, rows[0].Status)
	assert.True(t, strings.HasPrefix(rows[0].Reason, "timeout"), rows[0].Reason)
	assert.Equal(t, 0, h.rt.Containers())
}

func TestCreate_WithoutAdmission(t *testing.T) {
	h := newHarness(t)
	mgr := NewManager(h.cfg, h.st, h.rt, nil, testLogger(), nil)

	sess, err := mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, sess.Status)

	_, err = mgr.Create(context.Background(), CreateRequest{UserID: "alice", CourseID: "py-101"})
	assert.ErrorIs(t, err, ErrSessionAlreadyExists)
}
