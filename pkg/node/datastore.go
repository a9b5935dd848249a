package node

import (
	"context"
	"sync"

	ds "github.com/ipfs/go-datastore"
	recpb "github.com/libp2p/go-libp2p-record/pb"
	"github.com/multiformats/go-base32"
)

// Event says what the DHT did with a record in the local datastore.
type Event int

const (
	// EventGet is a lookup of a record, local or on behalf of a remote peer
	EventGet Event = iota
	// EventGetResponse is a lookup that found the record
	EventGetResponse
	// EventPut is a record being stored
	EventPut
)

func (e Event) String() string {
	switch e {
	case EventGet:
		return "get"
	case EventGetResponse:
		return "get-response"
	case EventPut:
		return "put"
	}
	return "unknown"
}

// Observer is told about DHT records passing through the datastore. value
// is nil for EventGet. Observers run on the datastore caller goroutine and
// must not block.
type Observer func(ev Event, key string, value []byte)

// monitoredStore reports records the DHT reads and writes to observers.
type monitoredStore struct {
	ds.Batching

	mu        sync.RWMutex
	lastID    uint64
	observers map[uint64]Observer
}

func newMonitoredStore(inner ds.Batching) *monitoredStore {
	return &monitoredStore{
		Batching:  inner,
		observers: make(map[uint64]Observer),
	}
}

func (m *monitoredStore) observe(o Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	id := m.lastID
	m.observers[id] = o
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

func (m *monitoredStore) notify(ev Event, key string, value []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.observers {
		o(ev, key, value)
	}
}

func (m *monitoredStore) hasObservers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers) > 0
}

// recordKey recovers the DHT key from a datastore key. The DHT stores
// records under the base32 encoding of their key; other entries (provider
// records etc.) do not decode and are ignored.
func recordKey(k ds.Key) (string, bool) {
	raw, err := base32.RawStdEncoding.DecodeString(k.String()[1:])
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func recordOf(data []byte) (*recpb.Record, bool) {
	rec := new(recpb.Record)
	if err := rec.Unmarshal(data); err != nil {
		return nil, false
	}
	return rec, true
}

func (m *monitoredStore) Get(ctx context.Context, k ds.Key) ([]byte, error) {
	value, err := m.Batching.Get(ctx, k)
	if !m.hasObservers() {
		return value, err
	}
	key, ok := recordKey(k)
	if !ok {
		return value, err
	}
	m.notify(EventGet, key, nil)
	if err == nil {
		if rec, ok := recordOf(value); ok {
			m.notify(EventGetResponse, key, rec.GetValue())
		}
	}
	return value, err
}

func (m *monitoredStore) Put(ctx context.Context, k ds.Key, value []byte) error {
	if err := m.Batching.Put(ctx, k, value); err != nil {
		return err
	}
	if !m.hasObservers() {
		return nil
	}
	rec, ok := recordOf(value)
	if !ok {
		return nil
	}
	m.notify(EventPut, string(rec.GetKey()), rec.GetValue())
	return nil
}
