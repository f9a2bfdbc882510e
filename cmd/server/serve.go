package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"coachbot/internal/config"
	"coachbot/internal/mail"
	"coachbot/internal/realtime"
	"coachbot/internal/retention"
	"coachbot/internal/watcher"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(loader *config.Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web server, mail poller and retention sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), loader)
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	cmd.Flags().Bool("mail", true, "poll the email inbox")
	cmd.Flags().String("script", "", "coaching script YAML file, reloaded on change")
	v := loader.Viper()
	v.BindPFlag(config.KeyPort, cmd.Flags().Lookup("port"))
	v.BindPFlag(config.KeyMailEnabled, cmd.Flags().Lookup("mail"))
	v.BindPFlag(config.KeyScriptFile, cmd.Flags().Lookup("script"))
	return cmd
}

func runServe(parent context.Context, loader *config.Loader) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := wireApp(loader)
	if err != nil {
		return err
	}

	var scriptWatch *watcher.ScriptWatcher
	if a.cfg.ScriptFile != "" {
		scriptWatch = watcher.New(a.cfg.ScriptFile, a.service.SetScript)
		script, err := scriptWatch.Load()
		if err != nil {
			return errors.Wrap(err, "load coaching script")
		}
		a.service.SetScript(script)
	}

	sweeper, err := retention.NewSweeper(a.registry, a.cfg.Retention)
	if err != nil {
		return err
	}

	rtServer := realtime.New(a.service, sweeper)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.Infof("coachbot server running on http://localhost:%d", a.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweeper.Run(gctx) })

	if scriptWatch != nil {
		g.Go(func() error { return scriptWatch.Run(gctx) })
	}
	if a.cfg.Mail.Enabled {
		poller := mail.NewPoller(a.account, a.service, mail.WithIntervals(a.cfg.Mail.Intervals))
		g.Go(func() error { return poller.Run(gctx) })
	} else {
		logrus.Info("email relay disabled")
	}

	err = g.Wait()
	a.service.Wait()
	return err
}
