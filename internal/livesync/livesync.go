// Package livesync mirrors decision state into Firestore so a dashboard can
// subscribe to live updates instead of polling the HTTP API. It is optional:
// every method is a no-op when the client is built without
// config.FirestoreEnabled, the same degrade-to-no-op convention the rest of
// this module's ambient stack follows when an optional backend is off.
package livesync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/nexusctl/core/pkg/attestqueue"
	"github.com/nexusctl/core/pkg/decision"
)

// Config configures the Firestore projector.
type Config struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// Client projects decision and attestation state into Firestore.
type Client struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	projectID string
	logger    *log.Logger
	enabled   bool
	mu        sync.RWMutex
}

// NewClient builds a Client. When cfg.Enabled is false it returns a
// ready-to-use no-op client rather than an error, so callers can wire it
// unconditionally and let Enabled gate behavior.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[livesync] ", log.LstdFlags)
	}

	client := &Client{projectID: cfg.ProjectID, logger: cfg.Logger, enabled: cfg.Enabled}

	if !cfg.Enabled {
		cfg.Logger.Println("live sync is disabled - running in no-op mode")
		return client, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("livesync: project id is required when enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("livesync: init firebase app: %w", err)
	}
	fsClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("livesync: init firestore client: %w", err)
	}

	client.app = app
	client.firestore = fsClient
	cfg.Logger.Printf("live sync initialized for project %s", cfg.ProjectID)
	return client, nil
}

// Close releases the underlying Firestore client, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firestore != nil {
		return c.firestore.Close()
	}
	return nil
}

// IsEnabled reports whether live sync is active.
func (c *Client) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// ProjectDecision mirrors a decision's current projection to
// /decisions/{id}. Fields are a flattened summary, not the full event
// history — the event log in Postgres remains the system of record.
func (c *Client) ProjectDecision(ctx context.Context, d *decision.Decision) error {
	if !c.IsEnabled() {
		c.logger.Printf("live sync disabled - skipping decision projection for %s", d.ID)
		return nil
	}

	docPath := fmt.Sprintf("decisions/%s", d.ID)
	_, err := c.firestore.Doc(docPath).Set(ctx, map[string]interface{}{
		"state":             string(d.State),
		"activeApprovals":   d.ActiveApprovalCount(time.Now().UTC()),
		"totalGrantedCount": d.TotalGrantedCount(),
		"hasPolicy":         d.Policy != nil,
		"lastUpdated":       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("livesync: project decision %s: %w", d.ID, err)
	}
	return nil
}

// ProjectQueuedIntent mirrors an attestation intent's current status to
// /attestations/{queue_id}.
func (c *Client) ProjectQueuedIntent(ctx context.Context, qi *attestqueue.QueuedIntent) error {
	if !c.IsEnabled() {
		c.logger.Printf("live sync disabled - skipping attestation projection for %s", qi.QueueID)
		return nil
	}

	docPath := fmt.Sprintf("attestations/%s", qi.QueueID)
	_, err := c.firestore.Doc(docPath).Set(ctx, map[string]interface{}{
		"status":      qi.Status,
		"lastAttempt": qi.LastAttempt,
		"updatedAt":   qi.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("livesync: project attestation %s: %w", qi.QueueID, err)
	}
	return nil
}
