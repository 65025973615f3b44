package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// CloudSubscriber is the subscription surface of the cloud client.
type CloudSubscriber interface {
	RegisterWebhook(ctx context.Context, plantID, endpointURL string) (smarther.SubscriptionInfo, error)
	ListWebhooks(ctx context.Context) ([]smarther.SubscriptionInfo, error)
	DeleteWebhook(ctx context.Context, plantID, subscriptionID string) error
}

// SubscriptionStore persists active subscription IDs so stale ones can
// be cleared after an unclean shutdown.
type SubscriptionStore interface {
	Save(ctx context.Context, sub smarther.SubscriptionInfo) error
	List(ctx context.Context) ([]smarther.SubscriptionInfo, error)
	Delete(ctx context.Context, subscriptionID string) error
}

// SQLiteSubscriptionStore implements SubscriptionStore on the
// webhook_subscriptions table.
type SQLiteSubscriptionStore struct {
	db *sql.DB
}

// NewSQLiteSubscriptionStore creates a SQLite-backed subscription store.
func NewSQLiteSubscriptionStore(db *sql.DB) *SQLiteSubscriptionStore {
	return &SQLiteSubscriptionStore{db: db}
}

// Save upserts a subscription record.
func (s *SQLiteSubscriptionStore) Save(ctx context.Context, sub smarther.SubscriptionInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (subscription_id, plant_id, endpoint_url, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subscription_id) DO UPDATE SET
		   plant_id = excluded.plant_id,
		   endpoint_url = excluded.endpoint_url`,
		sub.SubscriptionID, sub.PlantID, sub.EndPointURL,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return nil
}

// List returns all stored subscriptions.
func (s *SQLiteSubscriptionStore) List(ctx context.Context) ([]smarther.SubscriptionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription_id, plant_id, endpoint_url FROM webhook_subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var subs []smarther.SubscriptionInfo
	for rows.Next() {
		var sub smarther.SubscriptionInfo
		if err := rows.Scan(&sub.SubscriptionID, &sub.PlantID, &sub.EndPointURL); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

// Delete removes a subscription record.
func (s *SQLiteSubscriptionStore) Delete(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

// ManagerOptions holds configuration for creating a Manager.
type ManagerOptions struct {
	// Cloud performs the subscription API calls. Required.
	Cloud CloudSubscriber

	// Store persists subscription IDs. Required.
	Store SubscriptionStore

	// Endpoint is the externally reachable base URL (without the
	// per-plant path). Required.
	Endpoint string

	// Logger is optional structured logging.
	Logger Logger
}

// Manager owns the bridge's cloud subscriptions: it clears stale ones,
// registers one per plant, and unregisters on shutdown.
type Manager struct {
	cloud    CloudSubscriber
	store    SubscriptionStore
	endpoint string
	logger   Logger
}

// NewManager creates a subscription manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Cloud == nil {
		return nil, fmt.Errorf("cloud subscriber is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("subscription store is required")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Manager{
		cloud:    opts.Cloud,
		store:    opts.Store,
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		logger:   logger,
	}, nil
}

// EndpointURL returns the notification URL registered for a plant.
func (m *Manager) EndpointURL(plantID string) string {
	return m.endpoint + pathPrefix + "/" + plantID
}

// Start clears stale subscriptions and registers the endpoint for every
// given plant. It fails only when not a single registration succeeded.
func (m *Manager) Start(ctx context.Context, plantIDs []string) error {
	m.clearStale(ctx)

	registered := 0
	for _, plantID := range plantIDs {
		sub, err := m.cloud.RegisterWebhook(ctx, plantID, m.EndpointURL(plantID))
		if err != nil {
			m.logger.Error("failed to register webhook",
				"plant_id", plantID,
				"error", err,
			)
			continue
		}

		if err := m.store.Save(ctx, sub); err != nil {
			m.logger.Error("failed to persist subscription",
				"subscription_id", sub.SubscriptionID,
				"error", err,
			)
		}
		registered++
		m.logger.Info("webhook registered",
			"plant_id", plantID,
			"subscription_id", sub.SubscriptionID,
		)
	}

	if registered == 0 && len(plantIDs) > 0 {
		return fmt.Errorf("failed to register any webhook")
	}
	return nil
}

// Stop unregisters all stored subscriptions. Failures are logged; the
// next Start clears leftovers.
func (m *Manager) Stop(ctx context.Context) {
	subs, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("failed to list subscriptions for cleanup", "error", err)
		return
	}

	for _, sub := range subs {
		if err := m.cloud.DeleteWebhook(ctx, sub.PlantID, sub.SubscriptionID); err != nil {
			m.logger.Error("failed to unregister webhook",
				"subscription_id", sub.SubscriptionID,
				"error", err,
			)
			continue
		}
		if err := m.store.Delete(ctx, sub.SubscriptionID); err != nil {
			m.logger.Error("failed to delete subscription record",
				"subscription_id", sub.SubscriptionID,
				"error", err,
			)
		}
	}
	m.logger.Info("webhooks unregistered", "count", len(subs))
}

// clearStale removes subscriptions left behind by a previous run: both
// those recorded in the store and those the cloud still lists for this
// endpoint.
func (m *Manager) clearStale(ctx context.Context) {
	// Stored subscriptions are certainly ours.
	if stored, err := m.store.List(ctx); err == nil {
		for _, sub := range stored {
			if err := m.cloud.DeleteWebhook(ctx, sub.PlantID, sub.SubscriptionID); err != nil {
				m.logger.Warn("failed to clear stored subscription",
					"subscription_id", sub.SubscriptionID,
					"error", err,
				)
			}
			if err := m.store.Delete(ctx, sub.SubscriptionID); err != nil {
				m.logger.Warn("failed to delete stale subscription record",
					"subscription_id", sub.SubscriptionID,
					"error", err,
				)
			}
		}
	}

	// Cloud-side subscriptions pointing at our endpoint are stale
	// duplicates from an unclean shutdown.
	cloudSubs, err := m.cloud.ListWebhooks(ctx)
	if err != nil {
		m.logger.Warn("failed to list cloud subscriptions", "error", err)
		return
	}
	for _, sub := range cloudSubs {
		if sub.PlantID == "" || !strings.HasPrefix(sub.EndPointURL, m.endpoint) {
			continue
		}
		if err := m.cloud.DeleteWebhook(ctx, sub.PlantID, sub.SubscriptionID); err != nil {
			m.logger.Warn("failed to clear cloud subscription",
				"subscription_id", sub.SubscriptionID,
				"error", err,
			)
		}
	}
}
