package messaging

import (
	"context"
	"sync"
)

// Sent is one message captured by MemorySender.
type Sent struct {
	TenantID  string
	Recipient string
	Payload   Payload
}

// MemorySender records messages in memory. FailFor makes sends to the given
// recipients fail with the returned error.
type MemorySender struct {
	mu      sync.Mutex
	sent    []Sent
	FailFor map[string]error
}

func (m *MemorySender) Send(_ context.Context, tenantID, recipient string, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[recipient]; ok {
		return err
	}
	m.sent = append(m.sent, Sent{TenantID: tenantID, Recipient: recipient, Payload: payload})
	return nil
}

// Sent returns a copy of everything delivered so far.
func (m *MemorySender) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}
