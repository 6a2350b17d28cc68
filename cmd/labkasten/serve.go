package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/labkasten/internal/admission"
	"github.com/p-arndt/labkasten/internal/api"
	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/gateway"
	"github.com/p-arndt/labkasten/internal/hoststat"
	"github.com/p-arndt/labkasten/internal/metrics"
	"github.com/p-arndt/labkasten/internal/monitor"
	"github.com/p-arndt/labkasten/internal/pool"
	"github.com/p-arndt/labkasten/internal/reaper"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

const dbMaxOpenConns = 8

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the API, terminal gateway, reaper and resource monitor",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath, dbMaxOpenConns)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			rt, err := openRuntime(c, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			host := hoststat.New()
			adm := admission.New(st, host, admission.Config{
				GlobalCap:     cfg.Admission.GlobalCap,
				PerUserCap:    cfg.Admission.PerUserCap,
				MinFreeMemory: uint64(cfg.Admission.MinFreeMemory),
			}, logger, m)
			mgr := session.NewManager(cfg, st, rt, adm, logger, m)

			verifier, err := auth.NewVerifier(cfg.Auth, logger)
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}
			defer verifier.Close()

			mon := monitor.New(mgr, rt, host, monitor.OptionsFromConfig(cfg.Monitor), logger, m)
			rpr := reaper.New(mgr, reaper.PolicyFromConfig(cfg), logger, m)
			gw := gateway.New(mgr, cfg.Gateway, logger)

			var images *pool.Pool
			if cfg.Pool.Enabled {
				images = pool.New(rt, cfg.Labs.KnownImages(), cfg.Pool.Refresh(), cfg.Pool.Concurrency, logger)
			}

			opts := api.Options{
				Sessions: mgr,
				Terminal: gw,
				Usage:    mon,
				Runtime:  rt,
				Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				Logger:   logger,
			}
			if images != nil {
				opts.Images = images
			}
			if verifier != nil {
				opts.Verifier = verifier
			} else {
				logger.Warn("no auth configured, running in open access mode")
			}
			srv := api.NewServer(opts)

			httpServer := &http.Server{
				Addr:              cfg.Listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rpr.Run(ctx)
				return nil
			})
			g.Go(func() error {
				mon.Run(ctx)
				return nil
			})
			if images != nil {
				g.Go(func() error {
					images.Run(ctx)
					return nil
				})
			}
			g.Go(func() error {
				logger.Info("listening", "addr", cfg.Listen)
				fmt.Fprintf(os.Stderr, "\n  labkasten ready at http://%s\n\n", cfg.Listen)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}
}
