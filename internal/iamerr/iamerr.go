// Package iamerr defines the error-kind taxonomy shared by every IAM
// component and its mapping onto gRPC transport status and the in-band
// ErrorInfo representation used by provisioning and certificate RPCs.
package iamerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error independent of its message, so callers can
// branch on cause without string matching.
type Kind int

const (
	Internal Kind = iota
	NotFound
	WrongState
	InvalidArgument
	Unavailable
	Timeout
	PermissionDenied
	AlreadyExists
	ResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case WrongState:
		return "wrong_state"
	case InvalidArgument:
		return "invalid_argument"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case PermissionDenied:
		return "permission_denied"
	case AlreadyExists:
		return "already_exists"
	case ResourceExhausted:
		return "resource_exhausted"
	default:
		return "internal"
	}
}

// Error is the concrete error type produced by every IAM component.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind/message context to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// StreamNotFound mirrors original_source's cStreamNotFoundError constant:
// returned whenever a dispatcher looks up a node_id with no registered
// stream handle.
var StreamNotFound = New(NotFound, "stream not found")

// As recovers the Kind of err if it (or something it wraps) is an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Internal, false
}

// ToGRPCStatus converts an IAM error into a transport-level gRPC status,
// used for RPCs where attempting the call was itself impossible (e.g. the
// target node has no registered stream).
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	kind, ok := As(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	return status.Error(grpcCode(kind), err.Error())
}

func grpcCode(kind Kind) codes.Code {
	switch kind {
	case NotFound:
		return codes.NotFound
	case WrongState:
		return codes.FailedPrecondition
	case InvalidArgument:
		return codes.InvalidArgument
	case Unavailable:
		return codes.Unavailable
	case Timeout:
		return codes.DeadlineExceeded
	case PermissionDenied:
		return codes.PermissionDenied
	case AlreadyExists:
		return codes.AlreadyExists
	case ResourceExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// Info is the in-band error representation carried inside provisioning and
// certificate RPC responses (transport status stays OK; the caller reads
// Info to learn what failed). Mirrors original_source's ErrorInfo proto.
type Info struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ToInfo converts err into its in-band representation, or returns a nil
// Info if err is nil.
func ToInfo(err error) *Info {
	if err == nil {
		return nil
	}
	kind, ok := As(err)
	if !ok {
		return &Info{Kind: Internal.String(), Message: err.Error()}
	}
	return &Info{Kind: kind.String(), Message: err.Error()}
}

// FromInfo reconstructs an error from its in-band representation, used by
// the agent side when decoding a forwarded response.
func FromInfo(info *Info) error {
	if info == nil {
		return nil
	}
	for _, k := range []Kind{NotFound, WrongState, InvalidArgument, Unavailable, Timeout, PermissionDenied, AlreadyExists, ResourceExhausted, Internal} {
		if k.String() == info.Kind {
			return New(k, info.Message)
		}
	}
	return New(Internal, info.Message)
}
