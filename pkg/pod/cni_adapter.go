package pod

import (
	"context"

	"github.com/tkcreddy/dibba/pkg/cnet"
)

// CNIAdapter wraps a *cnet.Invoker to satisfy CNIInvoker, translating
// cnet.Result into the engine's narrower CNIResult view.
type CNIAdapter struct {
	Invoker *cnet.Invoker
}

func (a *CNIAdapter) Add(ctx context.Context, network, containerID, netnsPath, ifName string) (*CNIResult, error) {
	res, err := a.Invoker.Add(ctx, network, containerID, netnsPath, ifName)
	if err != nil {
		return nil, err
	}
	out := &CNIResult{}
	for _, ip := range res.IPs {
		out.IPs = append(out.IPs, struct{ Address, Gateway string }{Address: ip.Address, Gateway: ip.Gateway})
	}
	return out, nil
}

func (a *CNIAdapter) Del(ctx context.Context, network, containerID, netnsPath, ifName string) error {
	return a.Invoker.Del(ctx, network, containerID, netnsPath, ifName)
}
