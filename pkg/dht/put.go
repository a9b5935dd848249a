package dht

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/metrics"
)

// PutStatus is the outcome of a put.
type PutStatus int

const (
	// PutOK means the put was transmitted
	PutOK PutStatus = iota
	// PutTimeout means the put did not finish within its timeout
	PutTimeout
	// PutDisconnected means the put was sent but the outcome is unknown
	PutDisconnected
)

func (s PutStatus) String() string {
	switch s {
	case PutOK:
		return "ok"
	case PutTimeout:
		return "timeout"
	case PutDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// PutContinuation is called once a put finished.
type PutContinuation func(status PutStatus)

// PutHandle is a pending put.
type PutHandle struct {
	h      *Handle
	cancel context.CancelFunc
	done   bool
}

// Cancel aborts the put, its continuation will not be called.
func (p *PutHandle) Cancel() {
	if p.done {
		return
	}
	p.done = true
	p.cancel()
	delete(p.h.puts, p)
}

func (p *PutHandle) finish() bool {
	if p.done {
		return false
	}
	p.done = true
	delete(p.h.puts, p)
	return true
}

func putStatus(ctx context.Context, err error) PutStatus {
	switch {
	case err == nil:
		return PutOK
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return PutTimeout
	}
	return PutDisconnected
}

// Put stores data of type t under key. replication is the number of
// copies asked for; kad-dht stores the record on the closest peers of its
// bucket, so it only has to be positive. A zero expiry never expires.
func (h *Handle) Put(key block.HashCode, replication uint32, options RouteOption, t block.Type,
	data []byte, expiry time.Time, timeout time.Duration, cont PutContinuation) (*PutHandle, error) {

	if replication == 0 {
		return nil, errors.New("replication level must be positive")
	}
	dhtKey, err := block.Key(t, key)
	if err != nil {
		return nil, err
	}
	value, err := (&block.Block{Type: t, Expiry: expiry, Data: data}).Marshal()
	if err != nil {
		return nil, err
	}
	if err := h.acquire(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	p := &PutHandle{h: h, cancel: cancel}
	h.puts[p] = struct{}{}
	log.Debugf("putting %d bytes of type %s under %s (replication %d, expires %s)",
		len(data), t, key.Short(), replication, expiryString(expiry))

	go func() {
		err := h.node.Dht().PutValue(ctx, dhtKey, value, options.routing()...)
		status := putStatus(ctx, err)
		cancel()
		h.table.Release(1)
		if err != nil {
			log.Debugf("put under %s finished with %s: %s", key.Short(), status, err)
		}

		h.sched.Add(func() {
			if !p.finish() {
				return
			}
			metrics.DhtPuts.WithLabelValues(status.String()).Inc()
			if cont != nil {
				cont(status)
			}
		})
	}()
	return p, nil
}
