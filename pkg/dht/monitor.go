package dht

import (
	"time"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/metrics"
	"happystoic/overlaytest/pkg/node"
)

type (
	// GetSeen is called when the peer looks up a record.
	GetSeen func(t block.Type, key block.HashCode)
	// GetResponseSeen is called when a lookup on the peer found a record.
	GetResponseSeen func(t block.Type, expiry time.Time, key block.HashCode, data []byte)
	// PutSeen is called when the peer stores a record.
	PutSeen func(t block.Type, expiry time.Time, key block.HashCode, data []byte)
)

// MonitorHandle is a running monitor.
type MonitorHandle struct {
	h       *Handle
	remove  func()
	stopped bool
}

// Stop removes the monitor. Events already queued are dropped.
func (m *MonitorHandle) Stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	m.remove()
	delete(m.h.monitors, m)
}

// MonitorStart watches the records the local peer handles. t filters by
// block type, TypeAny matches all. A nil key matches every key. Any of the
// callbacks may be nil.
func (h *Handle) MonitorStart(t block.Type, key *block.HashCode,
	onGet GetSeen, onGetResp GetResponseSeen, onPut PutSeen) (*MonitorHandle, error) {

	if h.closed {
		return nil, ErrDisconnected
	}
	m := &MonitorHandle{h: h}
	var filter block.HashCode
	if key != nil {
		filter = *key
	}

	m.remove = h.node.Observe(func(ev node.Event, dhtKey string, value []byte) {
		bt, hash, err := block.ParseKey(dhtKey)
		if err != nil {
			return
		}
		if t != block.TypeAny && bt != t {
			return
		}
		if key != nil && hash != filter {
			return
		}

		var b *block.Block
		if ev != node.EventGet {
			if b, err = block.Unmarshal(value); err != nil {
				return
			}
		}

		h.sched.Add(func() {
			if m.stopped {
				return
			}
			metrics.DhtMonitorEvents.WithLabelValues(ev.String()).Inc()
			switch ev {
			case node.EventGet:
				if onGet != nil {
					onGet(bt, hash)
				}
			case node.EventGetResponse:
				if onGetResp != nil {
					onGetResp(b.Type, b.Expiry, hash, b.Data)
				}
			case node.EventPut:
				if onPut != nil {
					onPut(b.Type, b.Expiry, hash, b.Data)
				}
			}
		})
	})
	h.monitors[m] = struct{}{}
	return m, nil
}
