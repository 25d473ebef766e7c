// Package dibberr defines the structured error shape used across dibba:
// a discriminated kind (for callers deciding retry/404/etc.), an optional
// stage within the Pod Engine pipeline, and a human remediation hint.
package dibberr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind discriminates error categories per spec §7.
type Kind string

const (
	KindConfigInvalid     Kind = "config_invalid"
	KindAuthInvalid       Kind = "auth_invalid"
	KindAuthExpired       Kind = "auth_expired"
	KindNotFound          Kind = "not_found"
	KindImageInvalid      Kind = "image_invalid"
	KindContentMissing    Kind = "content_missing"
	KindSnapshotRace      Kind = "snapshot_race"
	KindRuntimeRPC        Kind = "runtime_rpc"
	KindCNIFailed         Kind = "cni_failed"
	KindCNITimeout        Kind = "cni_timeout"
	KindPlacementInfeasible Kind = "placement_infeasible"
)

// Stage identifies which step of pod creation produced the error.
type Stage string

const (
	StageUnpack   Stage = "unpack"
	StageSnapshot Stage = "snapshot"
	StageSpec     Stage = "spec"
	StageCreate   Stage = "create"
	StageStart    Stage = "start"
	StageCNI      Stage = "cni"
)

// Error is the structured error value every package in dibba returns for
// anything beyond a plain not-found.
type Error struct {
	Kind  Kind
	Stage Stage
	Hint  string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a structured error wrapping cause with kind and no stage.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Newf builds a structured error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithStage builds a structured error with kind, stage and hint that wraps
// cause; a cause that is already an *Error is wrapped, not modified.
func WithStage(kind Kind, stage Stage, hint string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Hint: hint, Err: cause}
}

// KindOf extracts the Kind from err, translating errdefs sentinels and
// gRPC status codes it may wrap; returns "" if unrecognized.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsAlreadyExists(err):
		return KindSnapshotRace
	case errdefs.IsInvalidArgument(err):
		return KindImageInvalid
	case errdefs.IsUnavailable(err), errdefs.IsDeadlineExceeded(err):
		return KindRuntimeRPC
	default:
		return ""
	}
}

// Retryable reports whether the runtime_rpc error wraps one of the
// retryable gRPC statuses per spec §7 (UNAVAILABLE, DEADLINE_EXCEEDED).
func Retryable(err error) bool {
	return errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err)
}

// IsNotFound reports whether err (or anything it wraps) signals "missing",
// matching the registry contract that missing keys return nil, never error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNotFound {
		return true
	}
	return errdefs.IsNotFound(err)
}
