// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/kiln/pkg/feed"
	"github.com/Thermoquad/kiln/pkg/metrics"
	"github.com/Thermoquad/kiln/pkg/ovenlink"
	"github.com/Thermoquad/kiln/pkg/session"
)

const shutdownTimeout = 5 * time.Second

var serveStopOnDisconnect bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve live status, control and metrics over HTTP",
	Long: `Connect to the controller and serve its status to browsers and scrapers.

Endpoints:
  /status    JSON status (connection, job, oven)
  /profiles  available profiles
  /ws        WebSocket status stream; send {"action":"stop"} to stop the
             run, and with --control {"action":"start","data":"<id>"}
  /metrics   Prometheus metrics

Runs started here are recorded in the history database. The link is
redialled with backoff when it degrades; an interrupted run is not resumed.

With --stop-on-disconnect (default) a run is stopped when the last
WebSocket client disconnects.

Browsers may only open /ws from the feed's own host or an origin given
with --allowed-origin. The default listen address is loopback only.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "HTTP listen address")
	serveCmd.Flags().Bool("control", false, "Allow feed clients to start runs")
	serveCmd.Flags().StringSlice("allowed-origin", nil, "Extra browser origin allowed to use the feed (repeatable)")
	serveCmd.Flags().BoolVar(&serveStopOnDisconnect, "stop-on-disconnect", true, "Stop the run when the last WebSocket client leaves")
	for key, flag := range map[string]string{
		"serve.listen":          "listen",
		"serve.control":         "control",
		"serve.allowed_origins": "allowed-origin",
	} {
		if err := v.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device, err := deviceToken()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(reg)
	if err != nil {
		return err
	}

	observers := []session.Observer{collector}
	_, recorder, closeHistory, err := openHistory()
	if err != nil {
		return err
	}
	defer closeHistory()
	if recorder != nil {
		observers = append(observers, recorder)
	}

	s, store, err := newSession(observers...)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	if err := connect(ctx, s, device, true); err != nil {
		return err
	}
	log.Infow("connected", "device", device)
	if cfg.Serve.Control {
		log.Warnw("feed clients may start runs", "listen", cfg.Serve.Listen, "allowed_origins", cfg.Serve.AllowedOrigins)
	}

	srv := feed.New(s, feed.Options{
		Profiles:         store,
		Gatherer:         reg,
		StopOnLastClient: serveStopOnDisconnect,
		Control:          cfg.Serve.Control,
		AllowedOrigins:   cfg.Serve.AllowedOrigins,
		Logger:           log.Named("feed"),
	})
	httpSrv := &http.Server{
		Addr:              cfg.Serve.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() { _ = srv.Run(ctx) }()
	go keepConnected(ctx, s, device)

	errCh := make(chan error, 1)
	go func() {
		log.Infow("serving", "listen", cfg.Serve.Listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	if s.Snapshot().Phase.Active() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if _, err := submit(stopCtx, s, ovenlink.Stop()); err != nil {
			log.Warnw("stop on shutdown failed", "err", err)
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// keepConnected redials whenever the session degrades
func keepConnected(ctx context.Context, s *session.Session, device string) {
	snaps, unwatch := s.Watch()
	defer unwatch()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if !snap.Degraded {
				continue
			}
			log.Warnw("link degraded, reconnecting", "device", device, "link", snap.Link.String())
			if err := connect(ctx, s, device, true); err != nil {
				return
			}
			log.Infow("reconnected", "device", device)
		}
	}
}
