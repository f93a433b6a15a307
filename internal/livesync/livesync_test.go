package livesync

import (
	"context"
	"testing"
	"time"

	"github.com/nexusctl/core/pkg/attestqueue"
	"github.com/nexusctl/core/pkg/decision"
)

func TestNewClient_DisabledIsNoOp(t *testing.T) {
	client, err := NewClient(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.IsEnabled() {
		t.Fatal("IsEnabled should be false for a disabled config")
	}
}

func TestNewClient_NilConfigDefaultsToDisabled(t *testing.T) {
	client, err := NewClient(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.IsEnabled() {
		t.Fatal("IsEnabled should be false for a nil config")
	}
}

func TestNewClient_EnabledWithoutProjectIDFails(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{Enabled: true})
	if err == nil {
		t.Fatal("NewClient: want an error when enabled without a project id")
	}
}

func TestProjectDecision_DisabledClientIsNoOp(t *testing.T) {
	client, err := NewClient(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	d := &decision.Decision{ID: "d1", State: decision.State("PROPOSED"), CreatedAt: time.Now().UTC()}
	if err := client.ProjectDecision(context.Background(), d); err != nil {
		t.Fatalf("ProjectDecision: %v, want nil for a disabled client", err)
	}
}

func TestProjectQueuedIntent_DisabledClientIsNoOp(t *testing.T) {
	client, err := NewClient(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	qi := &attestqueue.QueuedIntent{QueueID: "sha256:abc", Status: attestqueue.StatusPending}
	if err := client.ProjectQueuedIntent(context.Background(), qi); err != nil {
		t.Fatalf("ProjectQueuedIntent: %v, want nil for a disabled client", err)
	}
}
