package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/vm0-runner/internal/config"
)

func TestInitWithoutEndpointStaysNoop(t *testing.T) {
	if err := Init(context.Background(), config.TracingConfig{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Enabled() {
		t.Fatal("expected tracing to stay disabled with no endpoint configured")
	}
}

func TestStartSpanRecordsErrorWithoutPanicking(t *testing.T) {
	if err := Init(context.Background(), config.TracingConfig{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, end := StartSpan(context.Background(), "sandbox.boot")
	end(errors.New("boom"))
}

func TestShutdownIsNoopWhenNeverEnabled(t *testing.T) {
	if err := Init(context.Background(), config.TracingConfig{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
