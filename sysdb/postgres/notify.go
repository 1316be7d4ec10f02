package postgres

import (
	"context"
	"fmt"
)

// StreamChannel returns the LISTEN/NOTIFY channel that announces appends to
// one stream. The payload of each notification is {"offset": N}. Channel
// names are capped at 63 bytes by PostgreSQL; execution IDs plus the short
// stream keys used here stay under the cap.
func StreamChannel(workflowID, key string) string {
	return "dbos_stream_" + workflowID + "_" + key
}

// NotificationChannel announces new inter-workflow messages. The payload is
// "recipientId::topic".
const NotificationChannel = "dbos_notifications"

// notifyDDL holds the trigger function and trigger statements, executed one
// at a time because the extended protocol rejects multi-statement strings.
var notifyDDL = []string{
	`CREATE OR REPLACE FUNCTION cascade_stream_notify() RETURNS trigger
	LANGUAGE plpgsql AS $$
	BEGIN
		PERFORM pg_notify('dbos_stream_' || NEW.workflow_id || '_' || NEW.key,
			json_build_object('offset', NEW."offset")::text);
		RETURN NEW;
	END;
	$$`,
	`CREATE OR REPLACE TRIGGER streams_notify
	AFTER INSERT ON streams
	FOR EACH ROW EXECUTE FUNCTION cascade_stream_notify()`,
	`CREATE OR REPLACE FUNCTION cascade_notification_notify() RETURNS trigger
	LANGUAGE plpgsql AS $$
	BEGIN
		PERFORM pg_notify('dbos_notifications', NEW.recipient_id || '::' || NEW.topic);
		RETURN NEW;
	END;
	$$`,
	`CREATE OR REPLACE TRIGGER notifications_notify
	AFTER INSERT ON notifications
	FOR EACH ROW EXECUTE FUNCTION cascade_notification_notify()`,
}

// EnsureNotifyTriggers installs the notification function and triggers.
// Installation requires TRIGGER privilege on the tables; on failure the
// caller is expected to log a warning and fall back to polling.
func (s *Store) EnsureNotifyTriggers(ctx context.Context) error {
	for _, stmt := range notifyDDL {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("install notify trigger: %w", err)
		}
	}
	return nil
}
