package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// maintenanceManager opens what a one-shot command needs. Admission is not
// wired since these commands never create sessions.
func maintenanceManager(c *cli.Context) (*session.Manager, *config.Config, func(), error) {
	cfg, logger, err := setup(c)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := store.New(cfg.DBPath, 1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	rt, err := openRuntime(c, cfg, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		rt.Close()
		st.Close()
	}
	return session.NewManager(cfg, st, rt, nil, logger, nil), cfg, cleanup, nil
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "compare the session registry with the runtime once and repair drift",
		Action: func(c *cli.Context) error {
			mgr, _, cleanup, err := maintenanceManager(c)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := mgr.Reconcile(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "failed=%d finished=%d orphans=%d networks=%d skipped=%d\n",
				report.Failed, report.Finished, report.Orphans, report.Networks, report.Skipped)
			return nil
		},
	}
}

func purgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "delete terminal sessions older than the retention period, with their volumes",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "override labs.retention_seconds",
			},
		},
		Action: func(c *cli.Context) error {
			mgr, cfg, cleanup, err := maintenanceManager(c)
			if err != nil {
				return err
			}
			defer cleanup()

			olderThan := c.Duration("older-than")
			if olderThan <= 0 {
				olderThan = cfg.Labs.Retention()
			}
			if olderThan <= 0 {
				return fmt.Errorf("retention is disabled; pass --older-than")
			}

			n, err := mgr.Purge(c.Context, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "purged %d sessions older than %s\n", n, olderThan.Round(time.Second))
			return nil
		},
	}
}
