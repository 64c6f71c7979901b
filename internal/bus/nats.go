package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsSubject is the single subject ken publishes store-change
// notifications under; subscribers don't need per-session subjects
// since the scheduler only cares "something changed, re-poll".
const natsSubject = "ken.session.changed"

// NATSEventBus publishes store-change notifications to a NATS server,
// letting an external process tail the workflow's event stream without
// touching the store file directly. It also fans out locally the same
// way MemoryEventBus does, so the in-process scheduler doesn't need a
// round-trip through the server to wake up.
type NATSEventBus struct {
	conn  *nats.Conn
	local *MemoryEventBus
	mu    sync.Mutex
	sub   *nats.Subscription
}

// NewNATSEventBus connects to the given NATS URL and wires local
// fan-out alongside publishing.
func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats: %w", err)
	}
	return &NATSEventBus{conn: conn, local: NewMemoryEventBus()}, nil
}

// Publish sends ev to NATS and fans it out to local subscribers.
func (b *NATSEventBus) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err == nil {
		_ = b.conn.Publish(natsSubject, data)
	}
	b.local.Publish(ev)
}

// Subscribe registers a local subscriber; it does not require a NATS
// round-trip since the publishing process and the scheduler share an
// address space.
func (b *NATSEventBus) Subscribe() (<-chan Event, func()) {
	return b.local.Subscribe()
}

// Close drains the local bus and closes the NATS connection.
func (b *NATSEventBus) Close() error {
	_ = b.local.Close()
	b.conn.Close()
	return nil
}
