// Package snapshot implements the Snapshot Manager (C4): the
// Prepare/Apply/Commit state machine that unpacks image layers into named,
// content-addressed snapshots idempotently, against a containerd
// Snapshotter + Diff service pair.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/tkcreddy/dibba/pkg/dibberr"
)

// Mount is the narrow shape of a containerd mounts.Mount this package
// passes through to callers (the Pod Engine hands these to
// Container.NewTask).
type Mount struct {
	Type    string
	Source  string
	Target  string
	Options []string
}

// Info is the narrow containerd snapshots.Info this package needs back
// from Stat.
type Info struct {
	Kind   Kind
	Name   string
	Parent string
}

// Kind mirrors containerd's snapshots.Kind (Active/Committed).
type Kind int

const (
	KindUnknown Kind = iota
	KindActive
	KindCommitted
)

// Snapshotter is the narrow containerd Snapshots service surface C4 calls
// (github.com/containerd/containerd/v2/core/snapshots.Snapshotter),
// keyed by snapshotter name at the client level; this interface is already
// bound to one snapshotter instance.
type Snapshotter interface {
	Stat(ctx context.Context, key string) (Info, error)
	Prepare(ctx context.Context, key, parent string) ([]Mount, error)
	Commit(ctx context.Context, name, key string) error
	Remove(ctx context.Context, key string) error
}

// LayerDescriptor is one layer the Diff service applies on top of a
// prepared snapshot's mounts.
type LayerDescriptor struct {
	Digest    string
	MediaType string
}

// Differ is the narrow containerd Diff service surface (core/diff.Applier)
// C4 uses to unpack a compressed layer blob onto prepared mounts.
type Differ interface {
	Apply(ctx context.Context, layer LayerDescriptor, mounts []Mount) error
}

// Manager runs the per-layer state machine described in spec §4.4.
type Manager struct {
	Snapshotter Snapshotter
	Differ      Differ

	mu              sync.Mutex
	snapshotterName string // cached for process lifetime once probed
}

// candidateSnapshotters is the probe order from spec §4.4; the first one
// the caller's environment actually exposes wins and is cached for the
// process lifetime (see DetectSnapshotter).
var candidateSnapshotters = []string{"overlayfs", "native", "btrfs", "zfs", "stargz"}

// DetectSnapshotter returns configured if non-empty, otherwise probes
// candidateSnapshotters via probe and caches the first that succeeds.
// Probing happens once; subsequent calls return the cached name.
func (m *Manager) DetectSnapshotter(ctx context.Context, configured string, probe func(name string) bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotterName != "" {
		return m.snapshotterName, nil
	}
	if configured != "" {
		m.snapshotterName = configured
		return configured, nil
	}
	for _, name := range candidateSnapshotters {
		if probe(name) {
			m.snapshotterName = name
			log.G(ctx).WithField("snapshotter", name).Info("detected snapshotter backend")
			return name, nil
		}
	}
	return "", fmt.Errorf("no snapshotter backend available among %v", candidateSnapshotters)
}

// EnsureUnpacked walks the chain-ID prefix sequence and unpacks any layer
// not already present as a committed snapshot, implementing the state
// machine in spec §4.4. It is safe to call concurrently for the same
// chain from multiple goroutines/processes: the ALREADY_EXISTS branch
// converges them onto the same committed snapshot.
func (m *Manager) EnsureUnpacked(ctx context.Context, chainIDs []string, layers []LayerDescriptor) error {
	if len(chainIDs) != len(layers) {
		return dibberr.Newf(dibberr.KindImageInvalid, "layer count %d != diff_id count %d", len(layers), len(chainIDs))
	}

	parent := ""
	for i, chainID := range chainIDs {
		if _, err := m.Snapshotter.Stat(ctx, chainID); err == nil {
			parent = chainID
			continue
		}

		key := fmt.Sprintf("unpack-%s-%d", uuid.NewString(), i)
		mounts, err := m.Snapshotter.Prepare(ctx, key, parent)
		if err != nil {
			return dibberr.WithStage(dibberr.KindRuntimeRPC, "snapshot", "", fmt.Errorf("prepare %s: %w", key, err))
		}

		if err := m.Differ.Apply(ctx, layers[i], mounts); err != nil {
			m.removeBestEffort(ctx, key)
			return dibberr.WithStage(dibberr.KindRuntimeRPC, "snapshot", "", fmt.Errorf("apply layer %d onto %s: %w", i, key, err))
		}

		if err := m.Snapshotter.Commit(ctx, chainID, key); err != nil {
			if dibberr.KindOf(err) == dibberr.KindSnapshotRace {
				// Another unpacker committed chainID first; converge onto it.
				m.removeBestEffort(ctx, key)
				parent = chainID
				continue
			}
			m.removeBestEffort(ctx, key)
			return dibberr.WithStage(dibberr.KindRuntimeRPC, "snapshot", "", fmt.Errorf("commit %s: %w", chainID, err))
		}
		parent = chainID
	}
	return nil
}

func (m *Manager) removeBestEffort(ctx context.Context, key string) {
	if err := m.Snapshotter.Remove(ctx, key); err != nil {
		log.G(ctx).WithField("key", key).WithError(err).Warn("best-effort snapshot removal failed")
	}
}

// PrepareRWSnapshot returns a fresh read-write layer over parentChain,
// keyed with hint for readability, per spec §4.4.
func (m *Manager) PrepareRWSnapshot(ctx context.Context, parentChain, hint string) ([]Mount, string, error) {
	key := fmt.Sprintf("rw-%s-%s", hint, uuid.NewString())
	mounts, err := m.Snapshotter.Prepare(ctx, key, parentChain)
	if err != nil {
		return nil, "", dibberr.WithStage(dibberr.KindRuntimeRPC, "snapshot", "", fmt.Errorf("prepare rw snapshot %s: %w", key, err))
	}
	return mounts, key, nil
}

// RemoveSnapshot removes an active (prepared) snapshot key. Idempotent per
// spec §3: removing an already-removed key is not an error.
func (m *Manager) RemoveSnapshot(ctx context.Context, key string) error {
	if err := m.Snapshotter.Remove(ctx, key); err != nil && dibberr.KindOf(err) != dibberr.KindNotFound {
		return dibberr.New(dibberr.KindRuntimeRPC, err)
	}
	return nil
}
