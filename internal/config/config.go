package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// ByteSize is a size in bytes that reads human units from YAML ("512m", "2g").
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Limits is the YAML form of runtime.Limits. CPUs is fractional cores.
type Limits struct {
	CPUs   float64  `yaml:"cpus"`
	Memory ByteSize `yaml:"memory"`
	Disk   ByteSize `yaml:"disk"`
}

// Runtime converts to runtime.Limits (1 CPU = 1024 shares).
func (l Limits) Runtime() runtime.Limits {
	return runtime.Limits{
		CPUShares:   int64(l.CPUs * 1024),
		MemoryBytes: int64(l.Memory),
		DiskBytes:   int64(l.Disk),
	}
}

// ImageProfile holds per-image settings. Every field is optional.
type ImageProfile struct {
	Limits *Limits `yaml:"limits"`
	// Ports maps a logical name to a container port, e.g. jupyter: "8888/tcp".
	Ports map[string]string `yaml:"ports"`
	Shell []string          `yaml:"shell"`
	Env   []string          `yaml:"env"`
}

type DockerConfig struct {
	HostIP           string `yaml:"host_ip"`
	PidsLimit        int64  `yaml:"pids_limit"`
	EnforceDiskQuota bool   `yaml:"enforce_disk_quota"`
	VolumeMountPath  string `yaml:"volume_mount_path"`
}

type LabsConfig struct {
	DefaultImage         string                  `yaml:"default_image"`
	AllowedImages        []string                `yaml:"allowed_images"`
	DefaultLimits        Limits                  `yaml:"default_limits"`
	Images               map[string]ImageProfile `yaml:"images"`
	IdleThresholdSeconds int                     `yaml:"idle_threshold_seconds"`
	IdleMarkSeconds      int                     `yaml:"idle_mark_seconds"`
	AbsoluteTTLSeconds   int                     `yaml:"absolute_ttl_seconds"`
	CreateTimeoutSeconds int                     `yaml:"create_timeout_seconds"`
	StopGraceSeconds     int                     `yaml:"stop_grace_seconds"`
	RetentionSeconds     int                     `yaml:"retention_seconds"`
	RemoveVolumeOnReap   bool                    `yaml:"remove_volume_on_reap"`
}

type AdmissionConfig struct {
	GlobalCap     int      `yaml:"global_cap"`
	PerUserCap    int      `yaml:"per_user_cap"`
	MinFreeMemory ByteSize `yaml:"min_free_memory"`
}

// PoolConfig controls keeping lab images pulled ahead of demand.
type PoolConfig struct {
	Enabled        bool `yaml:"enabled"`
	RefreshSeconds int  `yaml:"refresh_seconds"`
	Concurrency    int  `yaml:"concurrency"`
}

type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type MonitorConfig struct {
	IntervalSeconds     int     `yaml:"interval_seconds"`
	WindowSize          int     `yaml:"window_size"`
	MemoryPressureRatio float64 `yaml:"memory_pressure_ratio"`
	PressureSamples     int     `yaml:"pressure_samples"`
	Concurrency         int     `yaml:"concurrency"`
}

type GatewayConfig struct {
	ActivityThrottleSeconds int      `yaml:"activity_throttle_seconds"`
	Shell                   []string `yaml:"shell"`
	AllowedOrigins          []string `yaml:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWKSURL   string `yaml:"jwks_url"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

type RetryConfig struct {
	Attempts         int `yaml:"attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Log       LogConfig       `yaml:"log"`
	Docker    DockerConfig    `yaml:"docker"`
	Labs      LabsConfig      `yaml:"labs"`
	Admission AdmissionConfig `yaml:"admission"`
	Pool      PoolConfig      `yaml:"pool"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Auth      AuthConfig      `yaml:"auth"`
	Retry     RetryConfig     `yaml:"retry"`
}

func defaults() *Config {
	return &Config{
		Listen: "127.0.0.1:8080",
		DBPath: "./labkasten.db",
		Log:    LogConfig{Level: "info", Format: "text"},
		Docker: DockerConfig{
			HostIP:          "127.0.0.1",
			PidsLimit:       256,
			VolumeMountPath: "/home/learner",
		},
		Labs: LabsConfig{
			DefaultImage: "labkasten/base:latest",
			DefaultLimits: Limits{
				CPUs:   1,
				Memory: 512 * units.MiB,
				Disk:   2 * units.GiB,
			},
			Images:               make(map[string]ImageProfile),
			IdleThresholdSeconds: 1800,
			AbsoluteTTLSeconds:   4 * 3600,
			CreateTimeoutSeconds: 60,
			StopGraceSeconds:     10,
			RetentionSeconds:     7 * 24 * 3600,
		},
		Admission: AdmissionConfig{
			GlobalCap:  100,
			PerUserCap: 2,
		},
		Pool: PoolConfig{
			Enabled:        true,
			RefreshSeconds: 3600,
			Concurrency:    2,
		},
		Reaper: ReaperConfig{IntervalSeconds: 30},
		Monitor: MonitorConfig{
			IntervalSeconds:     15,
			WindowSize:          20,
			MemoryPressureRatio: 0.95,
			PressureSamples:     4,
			Concurrency:         8,
		},
		Gateway: GatewayConfig{
			ActivityThrottleSeconds: 5,
			Shell:                   []string{"/bin/bash", "-l"},
		},
		Retry: RetryConfig{
			Attempts:         3,
			InitialBackoffMs: 250,
			MaxBackoffMs:     4000,
		},
	}
}

// Load reads the YAML file at yamlPath over the built-in defaults and then
// applies LABKASTEN_* environment overrides. A missing file is not an error.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Labs.DefaultImage == "" {
		errs = append(errs, errors.New("labs.default_image is required"))
	}
	if c.Labs.IdleThresholdSeconds <= 0 {
		errs = append(errs, errors.New("labs.idle_threshold_seconds must be positive"))
	}
	if c.Labs.IdleMarkSeconds < 0 || (c.Labs.IdleMarkSeconds > 0 && c.Labs.IdleMarkSeconds >= c.Labs.IdleThresholdSeconds) {
		errs = append(errs, errors.New("labs.idle_mark_seconds must be below labs.idle_threshold_seconds"))
	}
	if c.Labs.AbsoluteTTLSeconds <= 0 {
		errs = append(errs, errors.New("labs.absolute_ttl_seconds must be positive"))
	}
	if c.Labs.CreateTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("labs.create_timeout_seconds must be positive"))
	}
	if c.Admission.GlobalCap < 0 || c.Admission.PerUserCap < 0 {
		errs = append(errs, errors.New("admission caps must not be negative"))
	}
	if c.Monitor.MemoryPressureRatio <= 0 || c.Monitor.MemoryPressureRatio > 1 {
		errs = append(errs, errors.New("monitor.memory_pressure_ratio must be in (0, 1]"))
	}
	if c.Monitor.PressureSamples < 1 || c.Monitor.PressureSamples > c.Monitor.WindowSize {
		errs = append(errs, errors.New("monitor.pressure_samples must be between 1 and monitor.window_size"))
	}
	if c.Reaper.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("reaper.interval_seconds must be positive"))
	}
	if c.Monitor.IntervalSeconds <= 0 {
		errs = append(errs, errors.New("monitor.interval_seconds must be positive"))
	}
	if c.Monitor.Concurrency < 1 {
		errs = append(errs, errors.New("monitor.concurrency must be at least 1"))
	}
	if c.Pool.RefreshSeconds < 0 {
		errs = append(errs, errors.New("pool.refresh_seconds must not be negative"))
	}
	if c.Pool.Enabled && c.Pool.Concurrency < 1 {
		errs = append(errs, errors.New("pool.concurrency must be at least 1"))
	}
	if c.Gateway.ActivityThrottleSeconds < 0 {
		errs = append(errs, errors.New("gateway.activity_throttle_seconds must not be negative"))
	}
	if len(c.Gateway.Shell) == 0 {
		errs = append(errs, errors.New("gateway.shell is required"))
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWKSURL != "" {
		errs = append(errs, errors.New("auth.jwt_secret and auth.jwks_url are mutually exclusive"))
	}
	for image, p := range c.Labs.Images {
		for name, port := range p.Ports {
			if name == "" || port == "" {
				errs = append(errs, fmt.Errorf("labs.images[%s].ports: empty name or port", image))
			}
		}
	}
	return errors.Join(errs...)
}

// IdleThreshold is how long a session may go without activity before it is reclaimed.
func (l LabsConfig) IdleThreshold() time.Duration {
	return time.Duration(l.IdleThresholdSeconds) * time.Second
}

// IdleMark is the inactivity after which a running session is flagged idle.
// It defaults to half the idle threshold.
func (l LabsConfig) IdleMark() time.Duration {
	if l.IdleMarkSeconds > 0 {
		return time.Duration(l.IdleMarkSeconds) * time.Second
	}
	return l.IdleThreshold() / 2
}

func (l LabsConfig) AbsoluteTTL() time.Duration {
	return time.Duration(l.AbsoluteTTLSeconds) * time.Second
}

func (l LabsConfig) CreateTimeout() time.Duration {
	return time.Duration(l.CreateTimeoutSeconds) * time.Second
}

func (l LabsConfig) StopGrace() time.Duration {
	return time.Duration(l.StopGraceSeconds) * time.Second
}

func (l LabsConfig) Retention() time.Duration {
	return time.Duration(l.RetentionSeconds) * time.Second
}

// LimitsFor returns the limits for image: its profile's limits when set,
// the lab defaults otherwise.
func (l LabsConfig) LimitsFor(image string) runtime.Limits {
	if p, ok := l.Images[image]; ok && p.Limits != nil {
		return p.Limits.Runtime()
	}
	return l.DefaultLimits.Runtime()
}

// PortsFor returns the ports declared for image, sorted by name.
func (l LabsConfig) PortsFor(image string) []runtime.Port {
	p, ok := l.Images[image]
	if !ok || len(p.Ports) == 0 {
		return nil
	}
	ports := make([]runtime.Port, 0, len(p.Ports))
	for name, port := range p.Ports {
		if !strings.Contains(port, "/") {
			port += "/tcp"
		}
		ports = append(ports, runtime.Port{Name: name, ContainerPort: port})
	}
	slices.SortFunc(ports, func(a, b runtime.Port) int { return strings.Compare(a.Name, b.Name) })
	return ports
}

// EnvFor returns extra container environment for image.
func (l LabsConfig) EnvFor(image string) []string {
	return l.Images[image].Env
}

// ShellFor returns the terminal command for image, falling back to def.
func (l LabsConfig) ShellFor(image string, def []string) []string {
	if p, ok := l.Images[image]; ok && len(p.Shell) > 0 {
		return p.Shell
	}
	return def
}

// IsImageAllowed reports whether image may be launched. With no allow-list,
// the default image and every image with a profile are allowed.
func (l LabsConfig) IsImageAllowed(image string) bool {
	if len(l.AllowedImages) == 0 {
		if image == l.DefaultImage {
			return true
		}
		_, ok := l.Images[image]
		return ok
	}
	for _, allowed := range l.AllowedImages {
		if allowed == image {
			return true
		}
	}
	return false
}

// KnownImages lists every image a session may be launched from: the default,
// the allow-list and the profiled images, deduplicated and sorted.
func (l LabsConfig) KnownImages() []string {
	seen := map[string]struct{}{l.DefaultImage: {}}
	for _, img := range l.AllowedImages {
		seen[img] = struct{}{}
	}
	for img := range l.Images {
		seen[img] = struct{}{}
	}
	delete(seen, "")
	out := make([]string, 0, len(seen))
	for img := range seen {
		out = append(out, img)
	}
	slices.Sort(out)
	return out
}

func (p PoolConfig) Refresh() time.Duration {
	return time.Duration(p.RefreshSeconds) * time.Second
}

func (g GatewayConfig) ActivityThrottle() time.Duration {
	return time.Duration(g.ActivityThrottleSeconds) * time.Second
}

func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LABKASTEN_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LABKASTEN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LABKASTEN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LABKASTEN_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LABKASTEN_DOCKER_HOST_IP"); v != "" {
		cfg.Docker.HostIP = v
	}
	if v := os.Getenv("LABKASTEN_DEFAULT_IMAGE"); v != "" {
		cfg.Labs.DefaultImage = v
	}
	if v := os.Getenv("LABKASTEN_ALLOWED_IMAGES"); v != "" {
		cfg.Labs.AllowedImages = strings.Split(v, ",")
	}
	if v := os.Getenv("LABKASTEN_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LABKASTEN_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"LABKASTEN_IDLE_THRESHOLD_SECONDS", &cfg.Labs.IdleThresholdSeconds},
		{"LABKASTEN_IDLE_MARK_SECONDS", &cfg.Labs.IdleMarkSeconds},
		{"LABKASTEN_ABSOLUTE_TTL_SECONDS", &cfg.Labs.AbsoluteTTLSeconds},
		{"LABKASTEN_CREATE_TIMEOUT_SECONDS", &cfg.Labs.CreateTimeoutSeconds},
		{"LABKASTEN_GLOBAL_CAP", &cfg.Admission.GlobalCap},
		{"LABKASTEN_PER_USER_CAP", &cfg.Admission.PerUserCap},
		{"LABKASTEN_REAPER_INTERVAL_SECONDS", &cfg.Reaper.IntervalSeconds},
		{"LABKASTEN_MONITOR_INTERVAL_SECONDS", &cfg.Monitor.IntervalSeconds},
	}
	for _, o := range ints {
		if v := os.Getenv(o.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = n
		}
	}

	if v := os.Getenv("LABKASTEN_MIN_FREE_MEMORY"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("LABKASTEN_MIN_FREE_MEMORY: %w", err)
		}
		cfg.Admission.MinFreeMemory = ByteSize(n)
	}
	if v := os.Getenv("LABKASTEN_REMOVE_VOLUME_ON_REAP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LABKASTEN_REMOVE_VOLUME_ON_REAP: %w", err)
		}
		cfg.Labs.RemoveVolumeOnReap = b
	}
	if v := os.Getenv("LABKASTEN_POOL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LABKASTEN_POOL_ENABLED: %w", err)
		}
		cfg.Pool.Enabled = b
	}
	return nil
}
