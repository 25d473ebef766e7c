/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config carries the toml-configured settings shared by the
// dispatcher and worker-agent daemons, adapted from containerd's own
// pkg/cri/config loader.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
)

// CNIFailurePolicy decides what CreatePod does when the CNI ADD call fails
// after the pause sandbox is already started. Left as an operator choice
// per spec §9's open question.
type CNIFailurePolicy string

const (
	// CNIFailureKeep leaves the pause sandbox running without networking
	// and surfaces the CNI error to the caller. Matches source behavior.
	CNIFailureKeep CNIFailurePolicy = "keep"
	// CNIFailureRollback tears down the pause sandbox it just started.
	CNIFailureRollback CNIFailurePolicy = "rollback"
)

// Config is the top-level configuration for both daemons. Fields not
// relevant to a given daemon are simply left unused by it.
type Config struct {
	// Secret is the shared HMAC secret used by the Keyed-Hostname Router
	// (C1) and for signing dispatcher tokens. Process-wide, set once.
	Secret string `toml:"secret" json:"secret"`

	// ContainerdEndpoint is the containerd gRPC socket address, e.g.
	// "/run/containerd/containerd.sock".
	ContainerdEndpoint string `toml:"containerd_endpoint" json:"containerdEndpoint"`
	// ContainerdNamespace is the containerd namespace dibba operates in.
	ContainerdNamespace string `toml:"containerd_namespace" json:"containerdNamespace"`

	// Snapshotter names the snapshotter the worker agent uses; empty means
	// "overlayfs". The worker agent does not probe the other candidates.
	Snapshotter string `toml:"snapshotter" json:"snapshotter"`

	// PauseImage is the sandbox image create_pod_task uses when the
	// incoming request doesn't name one explicitly (the HTTP create_pods
	// body has no such field per spec §6; it is an agent-side default).
	PauseImage string `toml:"pause_image" json:"pauseImage"`

	// CNI holds the network plugin settings for C6.
	CNI CNIConfig `toml:"cni" json:"cni"`

	// CNIFailurePolicy controls pause-sandbox rollback on CNI ADD failure.
	CNIFailurePolicy CNIFailurePolicy `toml:"cni_failure_policy" json:"cniFailurePolicy"`

	// RegistryDBPath is the bbolt file backing the Node/Credential
	// Registry (C2).
	RegistryDBPath string `toml:"registry_db_path" json:"registryDbPath"`

	// AMQP holds the task queue connection settings (C9/C10).
	AMQP AMQPConfig `toml:"amqp" json:"amqp"`

	// TokenTTL is the dispatcher-issued token lifetime; spec §4.9 fixes
	// this at 30 minutes but it is configurable for tests.
	TokenTTL time.Duration `toml:"-" json:"-"`
	TokenTTLRaw string `toml:"token_ttl" json:"tokenTtl"`

	// ListenAddress is the dispatcher's HTTP bind address.
	ListenAddress string `toml:"listen_address" json:"listenAddress"`

	// Hostname is this worker agent's own hostname, used to derive the
	// queue it consumes from (route_key(local_hostname)).
	Hostname string `toml:"hostname" json:"hostname"`
}

// CNIConfig mirrors containerd's own CniConfig shape (pkg/cri/config),
// narrowed to what C6 needs.
type CNIConfig struct {
	// BinDir is the directory containing CNI plugin binaries.
	BinDir string `toml:"bin_dir" json:"binDir"`
	// ConfDir is the directory containing *.conflist / *.conf files.
	ConfDir string `toml:"conf_dir" json:"confDir"`
	// Network is the default network name create_pod_task attaches pods
	// to when the request doesn't name one explicitly.
	Network string `toml:"network" json:"network"`
}

// AMQPConfig holds the broker connection string and the fixed exchange
// name dibba publishes tasks to (spec §3 Queue Binding / §6 Queue).
type AMQPConfig struct {
	URL      string `toml:"url" json:"url"`
	Exchange string `toml:"exchange" json:"exchange"`
}

const (
	// DefaultExchange is the one direct exchange all route-key queues bind to.
	DefaultExchange = "secure_exchange"
	// DefaultTokenTTL matches spec §4.9's 30-minute token lifetime.
	DefaultTokenTTL = 30 * time.Minute
)

// Default returns a Config with every field containerd-style defaulted;
// callers layer a loaded toml file on top.
func Default() *Config {
	return &Config{
		ContainerdNamespace: "dibba",
		PauseImage:          "docker.io/library/pause:3.9",
		CNIFailurePolicy:    CNIFailureKeep,
		RegistryDBPath:      "/var/lib/dibba/registry.db",
		AMQP: AMQPConfig{
			Exchange: DefaultExchange,
		},
		TokenTTL:      DefaultTokenTTL,
		ListenAddress: ":8080",
	}
}

// Validate fills in derived fields and rejects configurations spec §7
// classifies as config_invalid (fatal at startup).
func Validate(ctx context.Context, c *Config) error {
	if c.Secret == "" {
		return errors.New("`secret` must be non-empty")
	}
	if c.ContainerdEndpoint == "" {
		return errors.New("`containerd_endpoint` must be set")
	}
	if c.ContainerdNamespace == "" {
		c.ContainerdNamespace = "dibba"
		log.G(ctx).Warning("`containerd_namespace` empty, defaulting to \"dibba\"")
	}
	if c.PauseImage == "" {
		c.PauseImage = "docker.io/library/pause:3.9"
	}
	if c.CNIFailurePolicy == "" {
		c.CNIFailurePolicy = CNIFailureKeep
	}
	if c.CNIFailurePolicy != CNIFailureKeep && c.CNIFailurePolicy != CNIFailureRollback {
		return fmt.Errorf("invalid `cni_failure_policy` %q", c.CNIFailurePolicy)
	}
	if c.AMQP.Exchange == "" {
		c.AMQP.Exchange = DefaultExchange
	}
	if c.TokenTTLRaw != "" {
		d, err := time.ParseDuration(c.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("invalid `token_ttl`: %w", err)
		}
		c.TokenTTL = d
	} else if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	return nil
}
