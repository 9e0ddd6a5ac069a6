package tracing

import (
	"context"
	"testing"
)

func TestSetup_EmptyEndpointReturnsNoopDisabled(t *testing.T) {
	shutdown, enabled := Setup(context.Background(), "iamfleet-server", "", nil)
	if enabled {
		t.Fatal("expected tracing to be disabled with an empty endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown should never error: %v", err)
	}
}
