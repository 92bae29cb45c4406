package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/pkg/types"
)

// CreateNotificationChannel inserts a delivery target
func (s *Store) CreateNotificationChannel(c *types.NotificationChannel) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO notification_channels (id, name, channel_type, config, enabled, created_at)
		VALUES (:id, :name, :channel_type, :config, :enabled, :created_at)`, c)
	return err
}

// GetNotificationChannel retrieves a channel by ID
func (s *Store) GetNotificationChannel(id string) (*types.NotificationChannel, error) {
	var c types.NotificationChannel
	err := s.db.Get(&c, `SELECT * FROM notification_channels WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListEnabledChannels returns every enabled channel
func (s *Store) ListEnabledChannels() ([]types.NotificationChannel, error) {
	var channels []types.NotificationChannel
	err := s.db.Select(&channels,
		`SELECT * FROM notification_channels WHERE enabled = 1 ORDER BY name`)
	return channels, err
}

// UpdateNotificationChannel persists channel edits
func (s *Store) UpdateNotificationChannel(c *types.NotificationChannel) error {
	_, err := s.db.NamedExec(`
		UPDATE notification_channels SET name = :name, channel_type = :channel_type,
			config = :config, enabled = :enabled
		WHERE id = :id`, c)
	return err
}

// DeleteNotificationChannel removes a channel; subscriptions cascade
func (s *Store) DeleteNotificationChannel(id string) error {
	_, err := s.db.Exec(`DELETE FROM notification_channels WHERE id = ?`, id)
	return err
}

// CreateSubscription scopes a channel to an event type and optional app
func (s *Store) CreateSubscription(sub *types.NotificationSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO notification_subscriptions (id, channel_id, event_type, app_id)
		VALUES (:id, :channel_id, :event_type, :app_id)`, sub)
	return err
}

// DeleteSubscription removes a subscription
func (s *Store) DeleteSubscription(id string) error {
	_, err := s.db.Exec(`DELETE FROM notification_subscriptions WHERE id = ?`, id)
	return err
}

// ChannelsForEvent returns the enabled channels that should receive an
// event. A channel with no subscriptions at all receives every event;
// a channel with subscriptions receives only matching (event_type, app)
// pairs, where a NULL app_id subscription matches any app.
func (s *Store) ChannelsForEvent(eventType, appID string) ([]types.NotificationChannel, error) {
	var channels []types.NotificationChannel
	err := s.db.Select(&channels, `
		SELECT c.* FROM notification_channels c
		WHERE c.enabled = 1 AND (
			NOT EXISTS (SELECT 1 FROM notification_subscriptions s WHERE s.channel_id = c.id)
			OR EXISTS (
				SELECT 1 FROM notification_subscriptions s
				WHERE s.channel_id = c.id AND s.event_type = ?
					AND (s.app_id IS NULL OR s.app_id = ?)
			)
		)
		ORDER BY c.name`, eventType, appID)
	return channels, err
}
