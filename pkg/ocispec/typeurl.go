package ocispec

import (
	typeurl "github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// WrapForRuntime serializes spec as JSON and wraps it with the runtime's
// spec type URL, the form the Containers service's Create call stores on
// the container record. containerd.WithSpec (used by ContainerdCreator.Create)
// already does this wrapping internally given a bare *specs.Spec, so the
// real create path never calls this directly; WrapForRuntime exists for any
// caller that needs the wrapped Any value itself — for example to inspect
// or re-marshal a spec before handing it to a lower-level NewContainer call
// that bypasses WithSpec.
func WrapForRuntime(spec *specs.Spec) (typeurl.Any, error) {
	return typeurl.MarshalAny(spec)
}
