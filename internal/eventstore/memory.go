package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/iiagent/coreserver/internal/models"
)

// MemoryStore is an in-memory Store fake for tests; an interface fake
// keeps store-dependent tests free of SQL mocking.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	byPath   map[string]string
	events   map[string][]models.Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
		byPath:   make(map[string]string),
		events:   make(map[string][]models.Event),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, id, workspacePath, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPath[workspacePath]; ok {
		return existing, nil
	}
	if id == "" {
		id = uuid.NewString()
	}
	m.sessions[id] = models.Session{ID: id, WorkspaceDir: workspacePath, DeviceID: deviceID, CreatedAt: now()}
	m.byPath[workspacePath] = id
	return id, nil
}

func (m *MemoryStore) SaveEvent(_ context.Context, sessionID string, eventType models.EventType, payload map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.events[sessionID] = append(m.events[sessionID], models.Event{
		ID:        id,
		SessionID: sessionID,
		Timestamp: now(),
		Type:      eventType,
		Payload:   payload,
	})
	return id, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, sessionID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Event, len(m.events[sessionID]))
	copy(out, m.events[sessionID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) ListSessionsByDevice(_ context.Context, deviceID string, limit int) ([]models.SessionWithPreview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var matched []models.Session
	for _, sess := range m.sessions {
		if sess.DeviceID == deviceID {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]models.SessionWithPreview, 0, len(matched))
	for _, sess := range matched {
		first := ""
		for _, e := range m.events[sess.ID] {
			if e.Type == models.EventUserMessage {
				first = extractContentText(e.Payload)
				break
			}
		}
		out = append(out, models.SessionWithPreview{Session: sess, FirstMessage: first})
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
