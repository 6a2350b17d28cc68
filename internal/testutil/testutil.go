package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	units "github.com/docker/go-units"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		Listen: "127.0.0.1:0",
		DBPath: ":memory:",
		Labs: config.LabsConfig{
			DefaultImage:  "python:lab",
			DefaultLimits: config.Limits{CPUs: 1, Memory: 512 * units.MiB},
			Images: map[string]config.ImageProfile{
				"python:lab": {Ports: map[string]string{"jupyter": "8888"}},
			},
			IdleThresholdSeconds: 600,
			AbsoluteTTLSeconds:   3600,
			CreateTimeoutSeconds: 5,
			StopGraceSeconds:     1,
		},
		Admission: config.AdmissionConfig{GlobalCap: 10, PerUserCap: 2},
		Gateway:   config.GatewayConfig{ActivityThrottleSeconds: 5, Shell: []string{"/bin/bash", "-l"}},
		Retry:     config.RetryConfig{Attempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 1},
	}
}

// TestSession returns a running session row owned by alice.
func TestSession(id string) *store.Session {
	now := time.Now().UTC()
	return &store.Session{
		ID:             id,
		UserID:         "alice",
		CourseID:       "py-101",
		ImageRef:       "python:lab",
		RuntimeHandle:  "container-" + id,
		Status:         store.StatusRunning,
		Limits:         runtime.Limits{CPUShares: 1024, MemoryBytes: 512 * units.MiB},
		VolumeRef:      runtime.VolumeName(id),
		Endpoints:      map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
