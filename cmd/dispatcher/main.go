// Command dispatcher runs the Task Dispatcher (C9): the HTTP control plane
// that authenticates operators, turns requests into task payloads, and
// publishes them to the queue named by the Keyed-Hostname Router (C1).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/tkcreddy/dibba/pkg/config"
	"github.com/tkcreddy/dibba/pkg/dispatcher"
	"github.com/tkcreddy/dibba/pkg/registry"
	"github.com/tkcreddy/dibba/pkg/router"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "dibba-dispatcher",
		Usage: "task dispatcher control plane for dibba",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the dispatcher toml config file",
				Value:   "/etc/dibba/dispatcher.toml",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(clicontext *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx, clicontext.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg, err := registry.Open(cfg.RegistryDBPath)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	rt, err := router.New(cfg.Secret)
	if err != nil {
		return fmt.Errorf("constructing router: %w", err)
	}

	publisher, err := dispatcher.NewPublisher(cfg.AMQP)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer publisher.Close()

	taskStore := dispatcher.NewTaskStore()
	resultConsumer, err := dispatcher.NewResultConsumer(publisher.Channel(), cfg.AMQP.Exchange, taskStore)
	if err != nil {
		return fmt.Errorf("starting result consumer: %w", err)
	}

	srv := &dispatcher.Server{
		Registry:  reg,
		Router:    rt,
		Tasks:     taskStore,
		Publisher: publisher,
		Secret:    []byte(cfg.Secret),
		TokenTTL:  cfg.TokenTTL,
	}

	go func() {
		if err := resultConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.G(ctx).WithError(err).Error("dispatcher: result consumer stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.NewRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.G(ctx).WithField("addr", cfg.ListenAddress).Info("dispatcher: listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
