// Package cnet implements the CNI Invoker (C6): executing a CNI plugin
// chain's ADD/DEL against a network namespace, either through the cnitool
// helper binary when present on PATH, or by loading the configured
// conflist directly and invoking its first plugin.
package cnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/invoke"

	"github.com/tkcreddy/dibba/pkg/dibberr"
)

// Config holds the plugin/config directories and helper lookup, per
// spec §4.6 / §6.
type Config struct {
	BinDir  string
	ConfDir string
}

// Invoker runs CNI ADD/DEL for a named network against a given netns.
type Invoker struct {
	cfg Config
	// lookPath and execFunc are overridden in tests.
	lookPath func(string) (string, error)
	execFunc invoke.Exec
}

// New constructs an Invoker bound to cfg.
func New(cfg Config) *Invoker {
	return &Invoker{
		cfg:      cfg,
		lookPath: exec.LookPath,
		execFunc: &invoke.RawExec{Stderr: os.Stderr},
	}
}

// cniTimeout caps every CNI subprocess invocation per spec §5.
const cniTimeout = 20 * time.Second

// Result is the subset of a CNI plugin's JSON result dibba cares about.
type Result struct {
	Raw json.RawMessage
	IPs []IPConfig
}

// IPConfig is one IP assignment from a CNI ADD result.
type IPConfig struct {
	Address string
	Gateway string
}

// Add invokes the CNI plugin chain's ADD operation for network against
// netnsPath, using the helper fast-path (cnitool) if it's on PATH,
// otherwise the direct-execution fallback.
func (inv *Invoker) Add(ctx context.Context, network, containerID, netnsPath, ifName string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cniTimeout)
	defer cancel()

	if path, err := inv.lookPath("cnitool"); err == nil {
		return inv.viaHelper(ctx, path, "add", network, containerID, netnsPath, ifName)
	}
	return inv.viaDirectExec(ctx, "ADD", network, containerID, netnsPath, ifName)
}

// Del invokes the CNI plugin chain's DEL operation. DEL is best-effort per
// spec §4.6/§4.7/§7: the caller should not fail pod teardown on its error,
// but Del still returns the error so the caller can log it.
func (inv *Invoker) Del(ctx context.Context, network, containerID, netnsPath, ifName string) error {
	ctx, cancel := context.WithTimeout(ctx, cniTimeout)
	defer cancel()

	var err error
	if path, lookErr := inv.lookPath("cnitool"); lookErr == nil {
		_, err = inv.viaHelper(ctx, path, "del", network, containerID, netnsPath, ifName)
	} else {
		_, err = inv.viaDirectExec(ctx, "DEL", network, containerID, netnsPath, ifName)
	}
	return err
}

func (inv *Invoker) viaHelper(ctx context.Context, toolPath, subcommand, network, containerID, netnsPath, ifName string) (*Result, error) {
	cmd := exec.CommandContext(ctx, toolPath, subcommand, network, netnsPath)
	cmd.Env = append(os.Environ(),
		"CNI_PATH="+inv.cfg.BinDir,
		"CNI_NETNS="+netnsPath,
		"CNI_CONTAINERID="+containerID,
		"CNI_IFNAME="+ifName,
		"CNI_ARGS=IgnoreUnknown=1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, dibberr.New(dibberr.KindCNITimeout, fmt.Errorf("cnitool %s timed out: %w", subcommand, ctx.Err()))
		}
		return nil, dibberr.New(dibberr.KindCNIFailed, fmt.Errorf("cnitool %s failed: %w: %s", subcommand, err, stderr.String()))
	}
	if stdout.Len() == 0 {
		return &Result{}, nil
	}
	return parseResult(stdout.Bytes())
}

// viaDirectExec enumerates the conflist directory, locates the one whose
// name matches network, and executes its first plugin, per spec §4.6.
func (inv *Invoker) viaDirectExec(ctx context.Context, command, network, containerID, netnsPath, ifName string) (*Result, error) {
	confList, err := inv.loadConfList(network)
	if err != nil {
		return nil, dibberr.New(dibberr.KindCNIFailed, err)
	}
	if len(confList.Plugins) == 0 {
		return nil, dibberr.Newf(dibberr.KindCNIFailed, "network %q has no plugins configured", network)
	}
	plugin := confList.Plugins[0]

	pluginType := plugin.Network.Type
	pluginPath := filepath.Join(inv.cfg.BinDir, pluginType)

	args := &invoke.Args{
		Command:     command,
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      ifName,
		Path:        inv.cfg.BinDir,
	}

	result, err := invoke.ExecPluginWithResult(ctx, pluginPath, plugin.Bytes, args, inv.execFunc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, dibberr.New(dibberr.KindCNITimeout, fmt.Errorf("%s on %s timed out: %w", command, pluginType, ctx.Err()))
		}
		return nil, dibberr.New(dibberr.KindCNIFailed, fmt.Errorf("%s on %s failed: %w", command, pluginType, err))
	}
	if result == nil {
		return &Result{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, dibberr.New(dibberr.KindCNIFailed, fmt.Errorf("marshaling plugin result: %w", err))
	}
	return parseResult(data)
}

// loadConfList loads the *.conflist (verbatim) or wraps a single *.conf
// into a synthetic conflist, matching it by its top-level "name" field,
// per spec §4.6.
func (inv *Invoker) loadConfList(network string) (*libcni.NetworkConfigList, error) {
	entries, err := os.ReadDir(inv.cfg.ConfDir)
	if err != nil {
		return nil, fmt.Errorf("reading cni conf dir %s: %w", inv.cfg.ConfDir, err)
	}
	for _, e := range entries {
		path := filepath.Join(inv.cfg.ConfDir, e.Name())
		switch filepath.Ext(e.Name()) {
		case ".conflist":
			cl, err := libcni.ConfListFromFile(path)
			if err != nil {
				log.L.WithField("file", path).WithError(err).Warn("skipping unparsable conflist")
				continue
			}
			if cl.Name == network {
				return cl, nil
			}
		case ".conf":
			conf, err := libcni.ConfFromFile(path)
			if err != nil {
				log.L.WithField("file", path).WithError(err).Warn("skipping unparsable conf")
				continue
			}
			if conf.Network.Name != network {
				continue
			}
			cl, err := libcni.ConfListFromConf(conf)
			if err != nil {
				return nil, fmt.Errorf("wrapping %s into synthetic conflist: %w", path, err)
			}
			return cl, nil
		}
	}
	return nil, fmt.Errorf("no cni config found for network %q in %s", network, inv.cfg.ConfDir)
}

func parseResult(data []byte) (*Result, error) {
	var raw struct {
		IPs []struct {
			Address string `json:"address"`
			Gateway string `json:"gateway"`
		} `json:"ips"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, dibberr.New(dibberr.KindCNIFailed, fmt.Errorf("parsing cni result: %w", err))
	}
	res := &Result{Raw: data}
	for _, ip := range raw.IPs {
		res.IPs = append(res.IPs, IPConfig{Address: ip.Address, Gateway: ip.Gateway})
	}
	return res, nil
}
