package dht

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/metrics"
)

// GetIterator receives every value found by a get. The paths are the peers
// the request and the value passed through; kad-dht does not record them
// and they are always empty.
type GetIterator func(expiry time.Time, key block.HashCode, getPath, putPath []peer.ID, t block.Type, data []byte)

// GetHandle is a running get.
type GetHandle struct {
	h       *Handle
	cancel  context.CancelFunc
	stopped bool
}

// Stop ends the get, the iterator is not called anymore.
func (g *GetHandle) Stop() {
	if g.stopped {
		return
	}
	g.stopped = true
	g.cancel()
	delete(g.h.gets, g)
}

// GetStart looks up values of type t stored under key. The iterator is
// called for each better value found until the search ends or the handle is
// stopped. replication is the number of peers that must answer before the
// search settles.
func (h *Handle) GetStart(t block.Type, key block.HashCode, replication uint32, options RouteOption,
	iter GetIterator) (*GetHandle, error) {

	dhtKey, err := block.Key(t, key)
	if err != nil {
		return nil, err
	}
	if err := h.acquire(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(h.ctx)
	values, err := h.node.Dht().SearchValue(ctx, dhtKey, append(options.routing(), quorum(replication))...)
	if err != nil {
		cancel()
		h.table.Release(1)
		return nil, err
	}
	g := &GetHandle{h: h, cancel: cancel}
	h.gets[g] = struct{}{}
	log.Debugf("getting type %s under %s", t, key.Short())

	go func() {
		defer h.table.Release(1)
		for value := range values {
			b, err := block.Unmarshal(value)
			if err != nil {
				log.Debugf("skipping undecodable value under %s: %s", key.Short(), err)
				continue
			}
			h.sched.Add(func() {
				if g.stopped {
					return
				}
				metrics.DhtGetResults.Inc()
				iter(b.Expiry, key, nil, nil, b.Type, b.Data)
			})
		}
		log.Debugf("search under %s ended", key.Short())
	}()
	return g, nil
}
