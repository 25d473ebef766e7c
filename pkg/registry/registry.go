// Package registry implements the Node/Credential Registry (C2): a durable
// mapping from logical keys (hostname -> node record, namespace -> instance
// set, user -> credential hash) backed by bbolt, the same embedded store
// containerd itself uses for its metadata.
package registry

import (
	"context"
)

// NodeRecord is the §3 Node Record.
type NodeRecord struct {
	PrivateDNS   string `json:"private_dns"`
	IP           string `json:"ip"`
	InstanceID   string `json:"instance_id"`
	Namespace    string `json:"namespace"`
	InstanceType string `json:"instance_type"`
}

// ClusterHealth is the worker-liveness record the agent reports and the
// dispatcher's get_worker_info reads, the worker-discovery feature's
// backing store.
type ClusterHealth struct {
	Hostname    string  `json:"hostname"`
	IP          string  `json:"ip"`
	FreeCPU     float64 `json:"free_cpu"`
	FreeMemory  int64   `json:"free_memory"`
	LastReportUnixSeconds int64 `json:"last_report_unix_seconds"`
}

// Registry is the single-key operation surface described in spec §4.2.
// Every method is single-key; there are no multi-key transactions exposed
// to callers (bbolt's own transaction is used internally only to make a
// single logical operation atomic).
type Registry interface {
	PutNode(ctx context.Context, name string, rec NodeRecord) error
	GetNode(ctx context.Context, name string) (*NodeRecord, error)
	ListNodes(ctx context.Context) (map[string]NodeRecord, error)
	ListInstanceIDsInNamespace(ctx context.Context, namespace string) (map[string]struct{}, error)
	DeleteNodesByInstanceIDs(ctx context.Context, ids map[string]struct{}) (bool, error)

	GetUserHash(ctx context.Context, user string) (*string, error)
	PutUserHash(ctx context.Context, user, hash string) error

	PutClusterHealth(ctx context.Context, hostname string, h ClusterHealth) error
	GetClusterHealth(ctx context.Context, hostname string) (*ClusterHealth, error)
	ListClusterHealth(ctx context.Context) (map[string]ClusterHealth, error)

	Close() error
}
