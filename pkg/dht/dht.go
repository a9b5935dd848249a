// Package dht is the table service used by testbed scenarios. Requests run
// on background goroutines; their continuations, iterators and monitor
// callbacks are delivered on the peer's scheduler loop. Handles must only be
// used from that loop.
package dht

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/node"
	"happystoic/overlaytest/pkg/scheduler"
)

var log = logging.Logger("dht")

var (
	ErrTableFull    = errors.New("too many pending dht requests")
	ErrDisconnected = errors.New("dht handle is disconnected")
)

// RouteOption tunes how a request is routed.
type RouteOption uint32

const (
	RONone RouteOption = 0
	// ROOffline keeps the request on the local peer
	ROOffline RouteOption = 1 << 0
)

func (o RouteOption) routing() []routing.Option {
	opts := make([]routing.Option, 0, 1)
	if o&ROOffline != 0 {
		opts = append(opts, routing.Offline)
	}
	return opts
}

// Handle is a connection to the table service of one peer.
type Handle struct {
	node  *node.Node
	sched *scheduler.Scheduler

	// table bounds the requests pending at the same time
	table *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	puts     map[*PutHandle]struct{}
	gets     map[*GetHandle]struct{}
	monitors map[*MonitorHandle]struct{}
	closed   bool
}

// Connect opens the table service of n. htLength is the number of requests
// that may be pending in parallel.
func Connect(n *node.Node, htLength uint) (*Handle, error) {
	if htLength == 0 {
		return nil, errors.New("dht request table length must be positive")
	}
	if n.Dht() == nil {
		return nil, errors.Errorf("peer %d runs no dht", n.Index)
	}
	ctx, cancel := context.WithCancel(n.Context())
	h := &Handle{
		node:     n,
		sched:    n.Scheduler(),
		table:    semaphore.NewWeighted(int64(htLength)),
		ctx:      ctx,
		cancel:   cancel,
		puts:     make(map[*PutHandle]struct{}),
		gets:     make(map[*GetHandle]struct{}),
		monitors: make(map[*MonitorHandle]struct{}),
	}
	log.Debugf("connected to dht of peer %d", n.Index)
	return h, nil
}

func (h *Handle) acquire() error {
	if h.closed {
		return ErrDisconnected
	}
	if !h.table.TryAcquire(1) {
		return ErrTableFull
	}
	return nil
}

// Disconnect cancels every pending request and monitor of the handle.
// Continuations of cancelled requests are not called.
func (h *Handle) Disconnect() {
	if h.closed {
		return
	}
	h.closed = true
	for p := range h.puts {
		p.Cancel()
	}
	for g := range h.gets {
		g.Stop()
	}
	for m := range h.monitors {
		m.Stop()
	}
	h.cancel()
	log.Debugf("disconnected from dht of peer %d", h.node.Index)
}

// Provide announces the local peer as provider of key. cont gets the
// outcome on the scheduler loop.
func (h *Handle) Provide(key block.HashCode, cont func(error)) error {
	c, err := key.Cid()
	if err != nil {
		return err
	}
	if err := h.acquire(); err != nil {
		return err
	}
	go func() {
		err := h.node.Dht().Provide(h.ctx, c, true)
		h.table.Release(1)
		h.sched.Add(func() {
			if h.closed {
				return
			}
			if cont != nil {
				cont(err)
			}
		})
	}()
	return nil
}

// FindProviders looks up the peers providing key.
func (h *Handle) FindProviders(key block.HashCode, cb func([]peer.AddrInfo, error)) error {
	c, err := key.Cid()
	if err != nil {
		return err
	}
	if err := h.acquire(); err != nil {
		return err
	}
	go func() {
		providers, err := h.node.Dht().FindProviders(h.ctx, c)
		h.table.Release(1)
		h.sched.Add(func() {
			if h.closed {
				return
			}
			cb(providers, err)
		})
	}()
	return nil
}

// quorum converts a replication level to the number of values a get waits
// for.
func quorum(replication uint32) routing.Option {
	if replication == 0 {
		replication = 1
	}
	return kaddht.Quorum(int(replication))
}

func expiryString(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.String()
}
