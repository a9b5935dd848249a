package testbed

import (
	"happystoic/overlaytest/pkg/scheduler"
)

// AdaptFunc connects to a service of p and returns its handle.
type AdaptFunc func(p *Peer) (interface{}, error)

// ReleaseFunc releases a handle returned by the AdaptFunc.
type ReleaseFunc func(handle interface{})

// ConnectCallback is told the outcome of a service connect. handle is nil
// when err is set.
type ConnectCallback func(op *Operation, handle interface{}, err error)

// Operation is a service connection of one peer. It stays open until Done
// is called or the testbed shuts down.
type Operation struct {
	tb      *Testbed
	peer    *Peer
	service string
	release ReleaseFunc

	task    scheduler.TaskID
	handle  interface{}
	adapted bool
	done    bool
}

// ServiceConnect connects to service of p on the next run of the loop. adapt
// builds the handle, cb gets it and release frees it once the operation is
// done.
func (tb *Testbed) ServiceConnect(p *Peer, service string, cb ConnectCallback, adapt AdaptFunc, release ReleaseFunc) *Operation {
	op := &Operation{
		tb:      tb,
		peer:    p,
		service: service,
		release: release,
	}
	tb.ops[op] = struct{}{}
	op.task = tb.sched.Add(func() {
		op.task = scheduler.NoTask
		if op.done {
			return
		}
		handle, err := adapt(p)
		if err != nil {
			log.Errorf("error connecting to %s of peer %d: %s", service, p.Index, err)
			cb(op, nil, err)
			return
		}
		op.handle = handle
		op.adapted = true
		log.Debugf("connected to %s of peer %d", service, p.Index)
		cb(op, handle, nil)
	})
	return op
}

// Peer returns the peer the operation is connected to.
func (op *Operation) Peer() *Peer {
	return op.peer
}

// Done releases the service connection. Later calls do nothing.
func (op *Operation) Done() {
	if op.done {
		return
	}
	op.done = true
	delete(op.tb.ops, op)
	op.tb.sched.Cancel(op.task)
	if op.adapted && op.release != nil {
		log.Debugf("releasing %s of peer %d", op.service, op.peer.Index)
		op.release(op.handle)
	}
	op.handle = nil
}

// releaseAll finishes every operation still open.
func (tb *Testbed) releaseAll() {
	for op := range tb.ops {
		op.Done()
	}
}
