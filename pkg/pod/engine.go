// Package pod implements the Pod Engine (C7): the state machine that
// orchestrates the Image Resolver, Snapshot Manager, OCI Spec Builder, and
// CNI Invoker to create a sandbox plus application containers, and to tear
// them down again.
package pod

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tkcreddy/dibba/pkg/dibberr"
	"github.com/tkcreddy/dibba/pkg/imageresolver"
	dibbaspec "github.com/tkcreddy/dibba/pkg/ocispec"
	"github.com/tkcreddy/dibba/pkg/snapshot"
)

// defaultPauseArgs is the fallback entrypoint when a pause image's config
// has none, per spec §4.7 step 3.
var defaultPauseArgs = []string{"/pause"}

// defaultAppArgs is the fallback entrypoint for application containers
// that don't specify args and whose image config has none, per spec §4.7
// add_container step 2.
var defaultAppArgs = []string{"/bin/sh", "-c", "trap : TERM INT; sleep infinity & wait"}

// unpackRetries/unpackRetryDelay implement the bounded retry in spec §4.7
// step 1: five attempts, 300ms each.
const (
	unpackRetries   = 5
	unpackRetryDelay = 300 * time.Millisecond
)

// Engine composes C3-C6 plus the containerd container/task lifecycle.
type Engine struct {
	Resolver    Resolver
	Snapshots   SnapshotManager
	Content     ContentChecker
	Puller      Puller
	CNI         CNIInvoker
	Containers  ContainerCreator

	// CNIFailurePolicy mirrors config.CNIFailurePolicy as a plain string:
	// "rollback" tears the pause sandbox down on CNI ADD failure; any other
	// value keeps it.
	CNIFailurePolicy string

	clock clock

	mu    sync.Mutex
	tasks map[string]Task // cid -> live task handle, for teardown
}

// New constructs an Engine; CNIFailurePolicy defaults to "keep".
func New(resolver Resolver, snapshots SnapshotManager, content ContentChecker, puller Puller, cni CNIInvoker, containers ContainerCreator) *Engine {
	return &Engine{
		Resolver:         resolver,
		Snapshots:        snapshots,
		Content:          content,
		Puller:           puller,
		CNI:              cni,
		Containers:       containers,
		CNIFailurePolicy: "keep",
		clock:            realClock{},
		tasks:            map[string]Task{},
	}
}

func (e *Engine) rememberTask(cid string, t Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[cid] = t
}

func (e *Engine) forgetTask(cid string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[cid]
	delete(e.tasks, cid)
	return t, ok
}

// CreatePod implements spec §4.7's create_pod operation.
func (e *Engine) CreatePod(ctx context.Context, name, pauseImage string, resources dibbaspec.ResourceSpec, cniNetwork, cniIfName string) (*Record, error) {
	log := log.G(ctx).WithField("pod", name)

	_, config, chainID, err := e.ensureUnpacked(ctx, pauseImage)
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindOf(err), dibberr.StageUnpack, "check the pause image is pullable", err)
	}

	mounts, snapKey, err := e.Snapshots.PrepareRWSnapshot(ctx, chainID, name+"-pause-rootfs")
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageSnapshot, "", err)
	}

	args := entrypointOrDefault(config, defaultPauseArgs)

	spec, err := dibbaspec.Build(dibbaspec.Inputs{
		Args:      args,
		Env:       config.Config.Env,
		Resources: resources,
		Namespaces: []dibbaspec.NamespaceSpec{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.IPCNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.MountNamespace},
		},
	})
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindImageInvalid, dibberr.StageSpec, "", err)
	}

	container, err := e.Containers.Create(ctx, name, spec, snapKey)
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageCreate, "", err)
	}

	task, err := container.NewTask(ctx, mounts)
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageCreate, "", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageStart, "", err)
	}
	e.rememberTask(name, task)

	pid := task.Pid()
	nsPaths := NamespacePaths{
		PID: procNSPath(pid, "pid"),
		Net: procNSPath(pid, "net"),
		IPC: procNSPath(pid, "ipc"),
		UTS: procNSPath(pid, "uts"),
	}

	rec := &Record{
		Name:        name,
		Pause:       Pause{CID: name, PID: pid},
		NSPaths:     nsPaths,
		SnapshotKey: snapKey,
		Containers:  map[string]ContainerRecord{},
	}

	if cniNetwork != "" {
		_, cniErr := e.CNI.Add(ctx, cniNetwork, name, nsPaths.Net, cniIfName)
		if cniErr != nil {
			log.WithError(cniErr).Error("cni add failed")
			if e.CNIFailurePolicy == "rollback" {
				e.teardownPause(ctx, rec)
				return nil, dibberr.WithStage(dibberr.KindCNIFailed, dibberr.StageCNI, "pod rolled back; check CNI network configuration", cniErr)
			}
			// "keep" policy: pause stays up without networking; surface
			// the error to the caller but return the (partial) record.
			rec.CNI = CNIBinding{Network: cniNetwork, IfName: cniIfName}
			return rec, dibberr.WithStage(dibberr.KindCNIFailed, dibberr.StageCNI, "pause sandbox is up without networking", cniErr)
		}
		rec.CNI = CNIBinding{Network: cniNetwork, IfName: cniIfName}
	}

	return rec, nil
}

// AddContainer implements spec §4.7's add_container operation.
func (e *Engine) AddContainer(ctx context.Context, p *Record, name, image string, args, env []string, resources dibbaspec.ResourceSpec) (*ContainerRecord, error) {
	_, config, chainID, err := e.ensureUnpacked(ctx, image)
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindOf(err), dibberr.StageUnpack, "", err)
	}

	cid := p.Name + "-" + name
	mounts, snapKey, err := e.Snapshots.PrepareRWSnapshot(ctx, chainID, cid+"-rootfs")
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageSnapshot, "", err)
	}

	finalArgs := args
	if len(finalArgs) == 0 {
		finalArgs = entrypointOrDefault(config, defaultAppArgs)
	}
	finalEnv := env
	if len(finalEnv) == 0 {
		finalEnv = config.Config.Env
	}

	spec, err := dibbaspec.Build(dibbaspec.Inputs{
		Args:      finalArgs,
		Env:       finalEnv,
		Resources: resources,
		Namespaces: []dibbaspec.NamespaceSpec{
			{Type: specs.PIDNamespace, Path: p.NSPaths.PID},
			{Type: specs.NetworkNamespace, Path: p.NSPaths.Net},
			{Type: specs.IPCNamespace, Path: p.NSPaths.IPC},
			{Type: specs.UTSNamespace, Path: p.NSPaths.UTS},
			{Type: specs.MountNamespace},
		},
	})
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindImageInvalid, dibberr.StageSpec, "", err)
	}

	container, err := e.Containers.Create(ctx, cid, spec, snapKey)
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageCreate, "", err)
	}
	task, err := container.NewTask(ctx, mounts)
	if err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageCreate, "", err)
	}
	if err := task.Start(ctx); err != nil {
		return nil, dibberr.WithStage(dibberr.KindRuntimeRPC, dibberr.StageStart, "", err)
	}
	e.rememberTask(cid, task)

	rec := ContainerRecord{CID: cid, PID: task.Pid(), SnapshotKey: snapKey, PodRef: p.Name}
	p.Containers[name] = rec
	return &rec, nil
}

// ContainerSpec is one entry of the add_containers batch request.
type ContainerSpec struct {
	Name      string
	Image     string
	Args      []string
	Env       []string
	Resources dibbaspec.ResourceSpec
}

// AddContainers applies AddContainer sequentially, per spec §4.7: partial
// success is possible; on first failure the already-completed entries
// remain in the returned map and the caller decides whether to roll back.
func (e *Engine) AddContainers(ctx context.Context, p *Record, specs []ContainerSpec) (map[string]ContainerRecord, error) {
	out := map[string]ContainerRecord{}
	for _, s := range specs {
		rec, err := e.AddContainer(ctx, p, s.Name, s.Image, s.Args, s.Env, s.Resources)
		if err != nil {
			return out, fmt.Errorf("add_containers: container %q failed: %w", s.Name, err)
		}
		out[s.Name] = *rec
	}
	return out, nil
}

// DeletePod implements spec §4.7's delete_pod operation: apps first, then
// CNI DEL (best-effort), then the pause task/container, then its snapshot.
func (e *Engine) DeletePod(ctx context.Context, p *Record, apps []string) error {
	for _, name := range apps {
		rec, ok := p.Containers[name]
		if !ok {
			continue
		}
		if err := e.stopAndDeleteContainer(ctx, rec.CID); err != nil {
			log.G(ctx).WithField("pod", p.Name).WithField("container", name).WithError(err).Warn("app teardown failed")
		}
		if err := e.Snapshots.RemoveSnapshot(ctx, rec.SnapshotKey); err != nil {
			log.G(ctx).WithField("pod", p.Name).WithField("container", name).WithError(err).Warn("app snapshot removal failed")
		}
		delete(p.Containers, name)
	}

	if p.CNI.Network != "" {
		netns := p.NSPaths.Net
		if err := e.CNI.Del(ctx, p.CNI.Network, p.Pause.CID, netns, p.CNI.IfName); err != nil {
			// DEL is best-effort per spec §4.6/§4.7/§7: swallow, never
			// fail pod teardown on it.
			log.G(ctx).WithField("pod", p.Name).WithError(err).Warn("cni del failed, continuing teardown")
		}
	}

	e.teardownPause(ctx, p)
	return nil
}

func (e *Engine) teardownPause(ctx context.Context, p *Record) {
	if err := e.stopAndDeleteContainer(ctx, p.Pause.CID); err != nil {
		log.G(ctx).WithField("pod", p.Name).WithError(err).Warn("pause teardown failed")
	}
	if err := e.Snapshots.RemoveSnapshot(ctx, p.SnapshotKey); err != nil {
		log.G(ctx).WithField("pod", p.Name).WithError(err).Warn("pause snapshot removal failed")
	}
}

// taskDeleteTimeout/taskKillTimeout implement the stop protocol in spec
// §4.7: signal 15, wait up to 10s, signal 9, retry delete.
const (
	taskDeleteTimeout = 10 * time.Second
	taskKillTimeout   = 3 * time.Second
)

func (e *Engine) stopAndDeleteContainer(ctx context.Context, cid string) error {
	if task, ok := e.forgetTask(cid); ok {
		if err := stopTask(ctx, task); err != nil {
			return fmt.Errorf("stopping task %s: %w", cid, err)
		}
	}
	// containerd refuses Containers.Delete while a task is still running;
	// stopTask above guarantees it has exited (or been force-killed) first.
	return e.Containers.Delete(ctx, cid)
}

// stopTask runs the signal-then-wait-then-kill protocol in spec §4.7 for a
// live Task handle.
func stopTask(ctx context.Context, t Task) error {
	if err := t.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deleteCtx, cancel := context.WithTimeout(ctx, taskDeleteTimeout)
	defer cancel()
	done, err := t.Wait(deleteCtx)
	if err != nil {
		return fmt.Errorf("waiting for task exit: %w", err)
	}
	select {
	case <-done:
		return t.Delete(ctx)
	case <-deleteCtx.Done():
		killCtx, cancel := context.WithTimeout(ctx, taskKillTimeout)
		defer cancel()
		if err := t.Kill(killCtx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("sending SIGKILL after timeout: %w", err)
		}
		return t.Delete(ctx)
	}
}

// ensureUnpacked resolves ref, checks blob presence, pulls via the CRI
// side channel and retries if missing, then runs the Snapshot Manager's
// unpack, per spec §4.7 step 1.
func (e *Engine) ensureUnpacked(ctx context.Context, ref string) (ocispec.Descriptor, ocispec.Image, string, error) {
	desc, err := e.Resolver.ResolveManifest(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Image{}, "", err
	}

	manifest, config, err := e.Resolver.LoadManifestAndConfig(ctx, desc)
	if err != nil {
		return desc, ocispec.Image{}, "", err
	}

	diffIDs := digestStrings(config.RootFS.DiffIDs)
	chainIDs, err := imageresolver.ChainIDs(diffIDs)
	if err != nil {
		return desc, config, "", dibberr.New(dibberr.KindImageInvalid, err)
	}

	layers := manifestLayers(manifest)

	if missing, ok := e.Content.HasAllBlobs(ctx, layerDigests(layers)); !ok {
		if err := e.pullAndWait(ctx, ref, missing); err != nil {
			return desc, config, "", err
		}
		// Re-resolve by ref after the pull; the reference PullImage
		// returns is not used.
		desc, err = e.Resolver.ResolveManifest(ctx, ref)
		if err != nil {
			return ocispec.Descriptor{}, ocispec.Image{}, "", err
		}
		manifest, config, err = e.Resolver.LoadManifestAndConfig(ctx, desc)
		if err != nil {
			return desc, ocispec.Image{}, "", err
		}
		diffIDs = digestStrings(config.RootFS.DiffIDs)
		chainIDs, err = imageresolver.ChainIDs(diffIDs)
		if err != nil {
			return desc, config, "", dibberr.New(dibberr.KindImageInvalid, err)
		}
		layers = manifestLayers(manifest)
		if missing, ok := e.Content.HasAllBlobs(ctx, layerDigests(layers)); !ok {
			return desc, config, "", dibberr.Newf(dibberr.KindContentMissing, "missing blob %s after pull", missing)
		}
	}

	if err := e.Snapshots.EnsureUnpacked(ctx, chainIDs, layers); err != nil {
		return desc, config, "", err
	}

	last := chainIDs[len(chainIDs)-1]
	return desc, config, last, nil
}

func (e *Engine) pullAndWait(ctx context.Context, ref, firstMissing string) error {
	if e.Puller == nil {
		return dibberr.Newf(dibberr.KindContentMissing, "blob %s missing and no puller configured", firstMissing)
	}
	if _, err := e.Puller.PullImage(ctx, ref); err != nil {
		return dibberr.New(dibberr.KindRuntimeRPC, fmt.Errorf("pulling %s: %w", ref, err))
	}

	ck := e.clock
	if ck == nil {
		ck = realClock{}
	}
	for i := 0; i < unpackRetries; i++ {
		desc, err := e.Resolver.ResolveManifest(ctx, ref)
		if err == nil {
			manifest, _, err := e.Resolver.LoadManifestAndConfig(ctx, desc)
			if err == nil {
				if missing, ok := e.Content.HasAllBlobs(ctx, layerDigests(manifestLayers(manifest))); ok {
					return nil
				} else if i == unpackRetries-1 {
					return dibberr.Newf(dibberr.KindContentMissing, "missing blob %s after pull+retry", missing)
				}
			}
		}
		ck.Sleep(unpackRetryDelay)
	}
	return dibberr.Newf(dibberr.KindContentMissing, "missing blob %s after pull+retry", firstMissing)
}

func digestStrings(ds []digest.Digest) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

// manifestLayers converts a manifest's compressed layer descriptors into
// the Snapshot Manager's LayerDescriptor shape.
func manifestLayers(manifest ocispec.Manifest) []snapshot.LayerDescriptor {
	layers := make([]snapshot.LayerDescriptor, len(manifest.Layers))
	for i, l := range manifest.Layers {
		layers[i] = snapshot.LayerDescriptor{Digest: l.Digest.String(), MediaType: l.MediaType}
	}
	return layers
}

// layerDigests extracts the content-store keys (the compressed layer
// digests) HasAllBlobs checks presence for. These are NOT the rootfs
// diff_ids: diff_ids identify the uncompressed layer and never match a
// blob actually stored in the content store for a gzip-compressed layer.
func layerDigests(layers []snapshot.LayerDescriptor) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = l.Digest
	}
	return out
}

func entrypointOrDefault(config ocispec.Image, fallback []string) []string {
	args := append([]string{}, config.Config.Entrypoint...)
	args = append(args, config.Config.Cmd...)
	if len(args) == 0 {
		return fallback
	}
	return args
}

func procNSPath(pid uint32, ns string) string {
	return fmt.Sprintf("/proc/%d/ns/%s", pid, ns)
}
