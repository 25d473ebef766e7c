// Package agent implements the Worker Agent (C10): the single-node
// consumer bound to route_key(local_hostname) that executes pod-lifecycle
// and host-introspection tasks dispatched by C9, posting results back to
// the task backend the dispatcher polls.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/tkcreddy/dibba/pkg/config"
	"github.com/tkcreddy/dibba/pkg/dibberr"
	"github.com/tkcreddy/dibba/pkg/dispatcher"
	"github.com/tkcreddy/dibba/pkg/ocispec"
	"github.com/tkcreddy/dibba/pkg/pod"
	"github.com/tkcreddy/dibba/pkg/registry"
)

// Task function names the worker agent knows how to execute, matching the
// source's worker_node_tasks.py/containerd_tasks.py task registry bound to
// the hostname queue.
const (
	FuncCreatePod     = "create_pod_task"
	FuncGetSystemInfo = "get_worker_node_info"
	FuncGetHostIP     = "get_host_ip"
	FuncGetUsage      = "get_usage"
)

// Consumer is the narrow surface Agent needs from an AMQP-backed queue, so
// tests can substitute a channel-backed fake instead of dialing a broker.
type Consumer interface {
	Consume(ctx context.Context) (<-chan dispatcher.TaskMessage, error)
}

// ResultPublisher is the narrow surface Agent needs to report task results,
// mirroring dispatcher.TaskPublisher's fake-ability.
type ResultPublisher interface {
	PublishResult(ctx context.Context, msg dispatcher.ResultMessage) error
}

// Agent dispatches messages from its hostname queue to the pod engine or a
// local collector, and reports liveness back to the registry.
type Agent struct {
	Hostname   string
	PauseImage string
	CNINetwork string

	Engine    PodEngine
	Registry  registry.Registry
	Consumer  Consumer
	Results   ResultPublisher

	// pods tracks records created by this agent so a later delete_pod
	// (driven by a future task) can find them; keyed by pod name.
	pods map[string]*pod.Record
}

// New constructs an Agent from a loaded Config plus its already-wired
// dependencies.
func New(cfg *config.Config, engine PodEngine, reg registry.Registry, consumer Consumer, results ResultPublisher) *Agent {
	return &Agent{
		Hostname:   cfg.Hostname,
		PauseImage: cfg.PauseImage,
		CNINetwork: cfg.CNI.Network,
		Engine:     engine,
		Registry:   reg,
		Consumer:   consumer,
		Results:    results,
		pods:       make(map[string]*pod.Record),
	}
}

// Run consumes tasks until ctx is cancelled, dispatching each one and
// posting its result. A failure to execute one task never stops the loop.
func (a *Agent) Run(ctx context.Context) error {
	tasks, err := a.Consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("agent: consume queue: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-tasks:
			if !ok {
				return nil
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Agent) handle(ctx context.Context, msg dispatcher.TaskMessage) {
	logger := log.G(ctx).WithField("task_id", msg.TaskID).WithField("func", msg.Func)
	result, err := a.dispatch(ctx, msg)
	if err != nil {
		retryable := dibberr.Retryable(err)
		logger.WithError(err).WithField("retryable", retryable).Warn("agent: task failed")
		if pubErr := a.Results.PublishResult(ctx, dispatcher.ResultMessage{
			TaskID: msg.TaskID, Status: string(dispatcher.TaskFailure), Error: err.Error(), Retryable: retryable,
		}); pubErr != nil {
			logger.WithError(pubErr).Error("agent: failed to publish task failure")
		}
		return
	}
	if pubErr := a.Results.PublishResult(ctx, dispatcher.ResultMessage{
		TaskID: msg.TaskID, Status: string(dispatcher.TaskSuccess), Result: result,
	}); pubErr != nil {
		logger.WithError(pubErr).Error("agent: failed to publish task success")
	}
}

func (a *Agent) dispatch(ctx context.Context, msg dispatcher.TaskMessage) (any, error) {
	switch msg.Func {
	case FuncCreatePod:
		return a.createPod(ctx, msg.Kwargs)
	case FuncGetSystemInfo:
		return CollectSystemInfo()
	case FuncGetHostIP:
		return CollectHostIP()
	case FuncGetUsage:
		return CollectUsage()
	default:
		return nil, fmt.Errorf("agent: unknown task func %q", msg.Func)
	}
}

func (a *Agent) createPod(ctx context.Context, kwargs map[string]any) (any, error) {
	namespace, _ := kwargs["namespace"].(string)
	rawContainers, ok := kwargs["containers"]
	if !ok {
		return nil, fmt.Errorf("agent: create_pod_task missing containers")
	}

	specs, err := decodeContainerSpecs(rawContainers)
	if err != nil {
		return nil, err
	}

	podName := namespace
	if podName == "" {
		podName = "pod"
	}

	rec, err := a.Engine.CreatePod(ctx, podName, a.PauseImage, ocispec.ResourceSpec{}, a.CNINetwork, "eth0")
	if err != nil {
		return nil, fmt.Errorf("agent: create pod: %w", err)
	}
	a.pods[rec.Name] = rec

	containers, err := a.Engine.AddContainers(ctx, rec, specs)
	if err != nil {
		return map[string]any{
			"pod":        rec,
			"containers": containers,
			"partial":    true,
		}, err
	}
	return map[string]any{"pod": rec, "containers": containers}, nil
}

// decodeContainerSpecs re-marshals the loosely-typed kwargs payload into
// pod.ContainerSpec values. Messages cross the queue as JSON, so every
// value here has already round-tripped through encoding/json at least once
// by the time it reaches the worker agent.
func decodeContainerSpecs(raw any) ([]pod.ContainerSpec, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("agent: re-encode containers: %w", err)
	}
	var wire []struct {
		Name      string            `json:"name"`
		Image     string            `json:"image"`
		Args      []string          `json:"args"`
		Env       map[string]string `json:"env"`
		CPUMillis uint64            `json:"cpu_millicores"`
		MemBytes  uint64            `json:"memory_bytes"`
	}
	if err := json.Unmarshal(encoded, &wire); err != nil {
		return nil, fmt.Errorf("agent: decode containers: %w", err)
	}
	specs := make([]pod.ContainerSpec, len(wire))
	for i, c := range wire {
		env := make([]string, 0, len(c.Env))
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		specs[i] = pod.ContainerSpec{
			Name:  c.Name,
			Image: c.Image,
			Args:  c.Args,
			Env:   env,
			Resources: ocispec.ResourceSpec{
				CPUMillicores: c.CPUMillis,
				MemoryBytes:   c.MemBytes,
			},
		}
	}
	return specs, nil
}

// ReportHealth periodically posts this host's liveness to the registry's
// cluster_health namespace until ctx is cancelled, per the worker-discovery
// supplemented feature.
func (a *Agent) ReportHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.reportOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) reportOnce(ctx context.Context) {
	ip, err := CollectHostIP()
	if err != nil {
		log.G(ctx).WithError(err).Warn("agent: failed to collect host ip for health report")
	}
	usage, err := CollectUsage()
	if err != nil {
		log.G(ctx).WithError(err).Warn("agent: failed to collect usage for health report")
	}
	err = a.Registry.PutClusterHealth(ctx, a.Hostname, registry.ClusterHealth{
		Hostname:              a.Hostname,
		IP:                    ip,
		FreeCPU:               usage.LoadAverage1m,
		FreeMemory:            int64(usage.FreeMemoryBytes),
		LastReportUnixSeconds: time.Now().Unix(),
	})
	if err != nil {
		log.G(ctx).WithError(err).Warn("agent: failed to report cluster health")
	}
}
