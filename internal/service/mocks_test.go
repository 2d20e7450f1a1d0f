package service

import (
	"context"
	"sync"
	"time"

	"github.com/specgate/specgate/internal/domain"
	"github.com/specgate/specgate/internal/domain/apikey"
	"github.com/specgate/specgate/internal/domain/audit"
	"github.com/specgate/specgate/internal/domain/gate"
	"github.com/specgate/specgate/internal/port/messagequeue"
	"github.com/specgate/specgate/internal/port/reviewer"
)

// mockStore is an in-memory database.Store.
type mockStore struct {
	mu          sync.Mutex
	evaluations map[string]*gate.Evaluation
	escalations map[string]*gate.Escalation
	keys        map[string]*apikey.Key
}

func newMockStore() *mockStore {
	return &mockStore{
		evaluations: make(map[string]*gate.Evaluation),
		escalations: make(map[string]*gate.Escalation),
		keys:        make(map[string]*apikey.Key),
	}
}

func (m *mockStore) CreateEvaluation(_ context.Context, e *gate.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.evaluations[e.ID] = &cp
	return nil
}

func (m *mockStore) UpdateEvaluation(_ context.Context, e *gate.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evaluations[e.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *e
	m.evaluations[e.ID] = &cp
	return nil
}

func (m *mockStore) GetEvaluation(_ context.Context, id string) (*gate.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.evaluations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) ListEvaluations(_ context.Context, stage audit.Stage, _ int) ([]gate.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gate.Evaluation
	for _, e := range m.evaluations {
		if stage == "" || e.Stage == stage {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockStore) CreateEscalation(_ context.Context, esc *gate.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *esc
	m.escalations[esc.ID] = &cp
	return nil
}

func (m *mockStore) GetEscalation(_ context.Context, id string) (*gate.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escalations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *esc
	return &cp, nil
}

func (m *mockStore) ListEscalations(_ context.Context, status gate.EscalationStatus, _ int) ([]gate.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gate.Escalation
	for _, esc := range m.escalations {
		if status == "" || esc.Status == status {
			out = append(out, *esc)
		}
	}
	return out, nil
}

func (m *mockStore) ResolveEscalation(_ context.Context, esc *gate.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.escalations[esc.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != gate.EscalationPending {
		return domain.ErrConflict
	}
	cp := *esc
	m.escalations[esc.ID] = &cp
	return nil
}

func (m *mockStore) CreateAPIKey(_ context.Context, k *apikey.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *mockStore) GetAPIKey(_ context.Context, id string) (*apikey.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *mockStore) TouchAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now()
		k.LastUsedAt = &now
	}
	return nil
}

// pendingEscalation returns any pending escalation, if one exists.
func (m *mockStore) pendingEscalation() *gate.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, esc := range m.escalations {
		if esc.Status == gate.EscalationPending {
			cp := *esc
			return &cp
		}
	}
	return nil
}

// mockQueue records published messages.
type mockQueue struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMockQueue() *mockQueue {
	return &mockQueue{messages: make(map[string][][]byte)}
}

func (m *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[subject] = append(m.messages[subject], data)
	return nil
}

func (m *mockQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (m *mockQueue) Close() error { return nil }

func (m *mockQueue) count(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[subject])
}

// mockBroadcaster records broadcast events.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
}

// mockReviewer answers per role via a caller-supplied function.
type mockReviewer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req reviewer.Request, call int) (string, error)
}

func (m *mockReviewer) Review(ctx context.Context, req reviewer.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	return m.fn(ctx, req, n)
}

func (m *mockReviewer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// memCache is an in-memory cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
