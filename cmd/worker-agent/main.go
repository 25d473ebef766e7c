// Command worker-agent runs the Worker Agent (C10): the single-node
// consumer bound to route_key(local_hostname) that executes pod-lifecycle
// and host-introspection tasks dispatched by C9.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/log"
	"github.com/streadway/amqp"
	"github.com/urfave/cli/v2"

	"github.com/tkcreddy/dibba/pkg/agent"
	"github.com/tkcreddy/dibba/pkg/cnet"
	"github.com/tkcreddy/dibba/pkg/config"
	"github.com/tkcreddy/dibba/pkg/imageresolver"
	"github.com/tkcreddy/dibba/pkg/pod"
	"github.com/tkcreddy/dibba/pkg/registry"
	"github.com/tkcreddy/dibba/pkg/router"
	"github.com/tkcreddy/dibba/pkg/snapshot"
)

// healthReportInterval is how often ReportHealth posts this host's
// liveness to the registry's cluster_health namespace.
const healthReportInterval = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "dibba-worker-agent",
		Usage: "per-host worker agent for dibba",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the worker-agent toml config file",
				Value:   "/etc/dibba/worker-agent.toml",
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
	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determining hostname: %w", err)
		}
		cfg.Hostname = hostname
	}

	client, err := containerd.New(cfg.ContainerdEndpoint, containerd.WithDefaultNamespace(cfg.ContainerdNamespace))
	if err != nil {
		return fmt.Errorf("dialing containerd at %s: %w", cfg.ContainerdEndpoint, err)
	}
	defer client.Close()

	snapshotterName := cfg.Snapshotter
	if snapshotterName == "" {
		snapshotterName = "overlayfs"
	}

	podEngine := pod.New(
		imageresolver.New(
			&imageresolver.ContainerdImageStore{Store: client.ImageService()},
			&imageresolver.ContainerdContentStore{Store: client.ContentStore()},
		),
		&snapshot.Manager{
			Snapshotter: &snapshot.ContainerdSnapshotter{Service: client.SnapshotService(snapshotterName)},
			Differ:      &snapshot.ContainerdDiffer{Applier: client.DiffService()},
		},
		&pod.ContainerdContentChecker{Store: client.ContentStore()},
		&pod.CRIPuller{},
		&pod.CNIAdapter{Invoker: cnet.New(cnet.Config{BinDir: cfg.CNI.BinDir, ConfDir: cfg.CNI.ConfDir})},
		&pod.ContainerdCreator{Client: client, Snapshotter: snapshotterName},
	)
	podEngine.CNIFailurePolicy = string(cfg.CNIFailurePolicy)

	reg, err := registry.Open(cfg.RegistryDBPath)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}
	defer reg.Close()

	conn, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		return fmt.Errorf("dialing amqp broker: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening amqp channel: %w", err)
	}
	defer ch.Close()

	exchange := cfg.AMQP.Exchange
	if exchange == "" {
		exchange = config.DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	hostnameQueue := router.RouteKey(cfg.Secret, cfg.Hostname)
	consumer := &agent.AMQPConsumer{Channel: ch, Exchange: exchange, Queue: hostnameQueue}
	results := &agent.AMQPResultPublisher{Channel: ch, Exchange: exchange}

	a := agent.New(cfg, podEngine, reg, consumer, results)

	go a.ReportHealth(ctx, healthReportInterval)

	log.G(ctx).WithField("hostname", cfg.Hostname).WithField("queue", hostnameQueue).Info("worker-agent: consuming")
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker-agent: run: %w", err)
	}
	return nil
}
