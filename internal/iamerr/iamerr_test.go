package iamerr

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToGRPCStatus_MapsEveryKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want codes.Code
	}{
		{Internal, codes.Internal},
		{NotFound, codes.NotFound},
		{WrongState, codes.FailedPrecondition},
		{InvalidArgument, codes.InvalidArgument},
		{Unavailable, codes.Unavailable},
		{Timeout, codes.DeadlineExceeded},
		{PermissionDenied, codes.PermissionDenied},
		{AlreadyExists, codes.AlreadyExists},
		{ResourceExhausted, codes.ResourceExhausted},
	}
	for _, c := range cases {
		err := ToGRPCStatus(New(c.kind, "boom"))
		if got := status.Code(err); got != c.want {
			t.Errorf("kind %s: code = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestToGRPCStatus_NilIsNil(t *testing.T) {
	if err := ToGRPCStatus(nil); err != nil {
		t.Fatalf("ToGRPCStatus(nil) = %v, want nil", err)
	}
}

func TestToGRPCStatus_UnknownErrorIsInternal(t *testing.T) {
	err := ToGRPCStatus(errors.New("plain error"))
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v, want Internal", status.Code(err))
	}
}

func TestAs_UnwrapsWrappedError(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := Wrap(ResourceExhausted, "over quota", cause)

	kind, ok := As(wrapped)
	if !ok || kind != ResourceExhausted {
		t.Fatalf("As(wrapped) = (%v, %v), want (ResourceExhausted, true)", kind, ok)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected Wrap to preserve the cause via Unwrap")
	}
}

func TestToInfoAndFromInfo_RoundTrip(t *testing.T) {
	original := New(WrongState, "pause not legal from unprovisioned")

	info := ToInfo(original)
	if info == nil {
		t.Fatal("ToInfo returned nil for a non-nil error")
	}
	if info.Kind != WrongState.String() {
		t.Fatalf("info.Kind = %q, want %q", info.Kind, WrongState.String())
	}

	reconstructed := FromInfo(info)
	kind, ok := As(reconstructed)
	if !ok || kind != WrongState {
		t.Fatalf("FromInfo round trip kind = (%v, %v), want (WrongState, true)", kind, ok)
	}
}

func TestToInfo_Nil(t *testing.T) {
	if info := ToInfo(nil); info != nil {
		t.Fatalf("ToInfo(nil) = %+v, want nil", info)
	}
}

func TestFromInfo_Nil(t *testing.T) {
	if err := FromInfo(nil); err != nil {
		t.Fatalf("FromInfo(nil) = %v, want nil", err)
	}
}
