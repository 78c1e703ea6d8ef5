// Package eventstore implements the event store: append-only
// persistence of sessions and typed events, backed by SQL.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/iiagent/coreserver/internal/models"
)

// Store is the contract the rest of the core depends on. All operations
// execute inside a transaction; on failure the transaction rolls back and
// the error propagates — the store never silently drops an event.
type Store interface {
	// CreateSession creates a session for workspacePath, or returns the
	// existing session id if one with that workspace path already exists
	// (idempotent on workspace path).
	CreateSession(ctx context.Context, id, workspacePath, deviceID string) (string, error)

	// SaveEvent appends an event to a session's stream and returns its id.
	SaveEvent(ctx context.Context, sessionID string, eventType models.EventType, payload map[string]any) (string, error)

	// ListEvents returns a session's events in ascending timestamp order.
	ListEvents(ctx context.Context, sessionID string) ([]models.Event, error)

	// ListSessionsByDevice returns up to limit sessions for deviceID,
	// newest first, each augmented with its first user_message text.
	ListSessionsByDevice(ctx context.Context, deviceID string, limit int) ([]models.SessionWithPreview, error)

	Close() error
}

// SQLBacked is implemented by Store backends that sit on top of
// database/sql, letting callers (the Pro credit ledger) share the same
// connection pool and pro_usage table rather than opening a second one.
// The in-memory test Store does not implement it.
type SQLBacked interface {
	DB() *sql.DB
	DialectName() string
}

// marshalPayload canonicalizes a payload to JSON bytes for storage.
func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(payload)
}

func unmarshalPayload(raw []byte) (map[string]any, error) {
	var out map[string]any
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// now is overridable in tests for deterministic timestamp sequencing.
var now = time.Now
