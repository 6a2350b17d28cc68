package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/docker"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/runtime/fake"
)

func main() {
	app := &cli.App{
		Name:  "labkasten",
		Usage: "Lab container orchestration for teaching platforms",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "labkasten.yaml",
				Usage:   "path to labkasten.yaml",
				EnvVars: []string{"LABKASTEN_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "runtime",
				Value:   "docker",
				Usage:   "container runtime: docker or fake (in-memory, for demos)",
				EnvVars: []string{"LABKASTEN_RUNTIME"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			reconcileCommand(),
			purgeCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "labkasten:", err)
		os.Exit(1)
	}
}

// setup loads config and builds the logger every command shares.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, newLogger(cfg.Log), nil
}

func newLogger(lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openRuntime(c *cli.Context, cfg *config.Config, logger *slog.Logger) (runtime.Adapter, error) {
	switch name := c.String("runtime"); name {
	case "docker":
		dc, err := docker.New(docker.Options{
			HostIP:           cfg.Docker.HostIP,
			PidsLimit:        cfg.Docker.PidsLimit,
			EnforceDiskQuota: cfg.Docker.EnforceDiskQuota,
			VolumeMountPath:  cfg.Docker.VolumeMountPath,
		})
		if err != nil {
			return nil, err
		}
		if err := dc.Ping(c.Context); err != nil {
			dc.Close()
			return nil, fmt.Errorf("docker ping failed, is Docker running? %w", err)
		}
		logger.Info("docker connection OK")
		return dc, nil
	case "fake":
		logger.Warn("using in-memory fake runtime, no containers will be started")
		return fake.New(), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", name)
	}
}
