package eventstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/observability"
)

// Dialect distinguishes the two supported SQL backends. Each uses a
// different placeholder syntax and a slightly different JSON column type,
// but the same three-table schema.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// sqlStore is the shared database/sql-backed Store implementation for
// both the default SQLite backing store and the optional Postgres one.
type sqlStore struct {
	db      *sql.DB
	dialect Dialect
	log     *observability.Logger
}

// OpenSQLite opens (creating if needed) a SQLite-backed store at dsn using
// the pure-Go modernc.org/sqlite driver.
func OpenSQLite(dsn string, log *observability.Logger) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sqlite: %w", err)
	}
	s := &sqlStore{db: db, dialect: DialectSQLite, log: log}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a Postgres-backed store at dsn using lib/pq.
func OpenPostgres(dsn string, log *observability.Logger) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open postgres: %w", err)
	}
	s := &sqlStore{db: db, dialect: DialectPostgres, log: log}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB so the Pro credit ledger can share
// the same connection pool and pro_usage table this store migrates.
func (s *sqlStore) DB() *sql.DB { return s.db }

// DialectName returns "sqlite" or "postgres", matching the ledger's
// placeholder-syntax selector.
func (s *sqlStore) DialectName() string {
	if s.dialect == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (s *sqlStore) migrate(ctx context.Context) error {
	jsonType := "JSON"
	if s.dialect == DialectSQLite {
		jsonType = "TEXT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session (
			id CHAR(36) PRIMARY KEY,
			workspace_dir TEXT UNIQUE NOT NULL,
			created_at TIMESTAMP NOT NULL,
			device_id TEXT NULL,
			summary TEXT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS event (
			id CHAR(36) PRIMARY KEY,
			session_id CHAR(36) NOT NULL REFERENCES session(id) ON DELETE CASCADE,
			timestamp TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			event_payload %s NOT NULL
		)`, jsonType),
		`CREATE TABLE IF NOT EXISTS pro_usage (
			id CHAR(36) PRIMARY KEY,
			pro_key CHAR(8) NOT NULL,
			month_year CHAR(7) NOT NULL,
			sonnet_requests INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pro_usage_key_month ON pro_usage(pro_key, month_year)`,
		`CREATE INDEX IF NOT EXISTS idx_event_session_ts ON event(session_id, timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventstore: migrate: %w", err)
		}
	}
	return nil
}

// ph returns the i'th (1-indexed) placeholder for the active dialect.
func (s *sqlStore) ph(i int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (s *sqlStore) CreateSession(ctx context.Context, id, workspacePath, deviceID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("eventstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	q := fmt.Sprintf(`SELECT id FROM session WHERE workspace_dir = %s`, s.ph(1))
	err = tx.QueryRowContext(ctx, q, workspacePath).Scan(&existing)
	switch {
	case err == nil:
		if s.log != nil {
			s.log.Info(ctx, "session already exists for workspace, reusing", "workspace_dir", workspacePath, "session_id", existing)
		}
		return existing, tx.Commit()
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("eventstore: lookup existing session: %w", err)
	}

	if id == "" {
		id = uuid.NewString()
	}
	var deviceIDArg any
	if deviceID != "" {
		deviceIDArg = deviceID
	}
	insert := fmt.Sprintf(`INSERT INTO session (id, workspace_dir, created_at, device_id) VALUES (%s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	if _, err := tx.ExecContext(ctx, insert, id, workspacePath, now(), deviceIDArg); err != nil {
		return "", fmt.Errorf("eventstore: insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("eventstore: commit create session: %w", err)
	}
	return id, nil
}

func (s *sqlStore) SaveEvent(ctx context.Context, sessionID string, eventType models.EventType, payload map[string]any) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("eventstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	insert := fmt.Sprintf(`INSERT INTO event (id, session_id, timestamp, event_type, event_payload) VALUES (%s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, insert, id, sessionID, now(), string(eventType), string(raw)); err != nil {
		return "", fmt.Errorf("eventstore: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("eventstore: commit save event: %w", err)
	}
	return id, nil
}

func (s *sqlStore) ListEvents(ctx context.Context, sessionID string) ([]models.Event, error) {
	q := fmt.Sprintf(`SELECT id, session_id, timestamp, event_type, event_payload FROM event WHERE session_id = %s ORDER BY timestamp ASC`, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		var payloadRaw string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Type, &payloadRaw); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		payload, err := unmarshalPayload([]byte(payloadRaw))
		if err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal payload: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSessionsByDevice returns sessions newest-first, each augmented with
// the first user_message event's content.text, extracted via a single
// bulk query using a windowed minimum over timestamp. If the bulk query
// fails, a per-session fallback is used and the failure is logged.
func (s *sqlStore) ListSessionsByDevice(ctx context.Context, deviceID string, limit int) ([]models.SessionWithPreview, error) {
	if limit <= 0 {
		limit = 50
	}

	sessionsQ := fmt.Sprintf(`SELECT id, workspace_dir, created_at, device_id, summary FROM session WHERE device_id = %s ORDER BY created_at DESC LIMIT %s`,
		s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, sessionsQ, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var deviceIDCol, summary sql.NullString
		if err := rows.Scan(&sess.ID, &sess.WorkspaceDir, &sess.CreatedAt, &deviceIDCol, &summary); err != nil {
			return nil, fmt.Errorf("eventstore: scan session: %w", err)
		}
		sess.DeviceID = deviceIDCol.String
		sess.Summary = summary.String
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	previews, err := s.bulkFirstMessages(ctx, sessions)
	if err != nil {
		if s.log != nil {
			s.log.Warn(ctx, "bulk first-message extraction failed, falling back to per-session lookup", "error", err.Error())
		}
		previews = s.perSessionFirstMessages(ctx, sessions)
	}

	out := make([]models.SessionWithPreview, len(sessions))
	for i, sess := range sessions {
		out[i] = models.SessionWithPreview{Session: sess, FirstMessage: previews[sess.ID]}
	}
	return out, nil
}

// bulkFirstMessages extracts content.text of the earliest user_message
// event per session id, using a single query with a windowed MIN(timestamp)
// per session.
func (s *sqlStore) bulkFirstMessages(ctx context.Context, sessions []models.Session) (map[string]string, error) {
	out := make(map[string]string, len(sessions))
	if len(sessions) == 0 {
		return out, nil
	}

	ids := make([]any, len(sessions))
	placeholders := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
		placeholders[i] = s.ph(i + 1)
	}

	q := fmt.Sprintf(`
		SELECT e.session_id, e.event_payload
		FROM event e
		INNER JOIN (
			SELECT session_id, MIN(timestamp) AS min_ts
			FROM event
			WHERE event_type = 'user_message' AND session_id IN (%s)
			GROUP BY session_id
		) first ON first.session_id = e.session_id AND first.min_ts = e.timestamp
		WHERE e.event_type = 'user_message'
	`, joinPlaceholders(placeholders))

	rows, err := s.db.QueryContext(ctx, q, ids...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: bulk first message query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sessionID, payloadRaw string
		if err := rows.Scan(&sessionID, &payloadRaw); err != nil {
			return nil, err
		}
		payload, err := unmarshalPayload([]byte(payloadRaw))
		if err != nil {
			continue
		}
		out[sessionID] = extractContentText(payload)
	}
	return out, rows.Err()
}

func (s *sqlStore) perSessionFirstMessages(ctx context.Context, sessions []models.Session) map[string]string {
	out := make(map[string]string, len(sessions))
	for _, sess := range sessions {
		q := fmt.Sprintf(`SELECT event_payload FROM event WHERE session_id = %s AND event_type = 'user_message' ORDER BY timestamp ASC LIMIT 1`, s.ph(1))
		var payloadRaw string
		if err := s.db.QueryRowContext(ctx, q, sess.ID).Scan(&payloadRaw); err != nil {
			continue
		}
		payload, err := unmarshalPayload([]byte(payloadRaw))
		if err != nil {
			continue
		}
		out[sess.ID] = extractContentText(payload)
	}
	return out
}

func extractContentText(payload map[string]any) string {
	content, ok := payload["content"].(map[string]any)
	if !ok {
		return ""
	}
	text, _ := content["text"].(string)
	return text
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}
