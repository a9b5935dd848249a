package scenario

import (
	"time"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/dht"
	"happystoic/overlaytest/pkg/regex"
	"happystoic/overlaytest/pkg/scheduler"
	"happystoic/overlaytest/pkg/testbed"
)

// Operation is an open service connection.
type Operation interface {
	Done()
}

type PutRequest interface {
	Cancel()
}

type GetRequest interface {
	Stop()
}

type Monitor interface {
	Stop()
}

// Table is the DHT service of one peer.
type Table interface {
	Put(key block.HashCode, replication uint32, options dht.RouteOption, t block.Type,
		data []byte, expiry time.Time, timeout time.Duration, cont dht.PutContinuation) (PutRequest, error)
	GetStart(t block.Type, key block.HashCode, replication uint32, options dht.RouteOption,
		iter dht.GetIterator) (GetRequest, error)
	MonitorStart(t block.Type, key *block.HashCode,
		onGet dht.GetSeen, onGetResp dht.GetResponseSeen, onPut dht.PutSeen) (Monitor, error)
}

type Announcement interface {
	AcceptingDhtEntries(cb func(states map[block.HashCode]string)) error
	Cancel()
}

type Search interface {
	Cancel()
}

// TableCallback is called once the table service is connected, or failed
// to connect.
type TableCallback func(t Table, err error)

// Env is what the scenarios use of the testbed. All calls and callbacks
// happen on the scheduler loop.
type Env interface {
	Scheduler() *scheduler.Scheduler
	NumPeers() int
	Identity(peer int) peer.ID

	// ConnectTable connects to the table service of peer. release runs
	// before the table is disconnected when the operation is done.
	ConnectTable(peer int, htLength uint, cb TableCallback, release func()) Operation
	Announce(peer int, pattern string, refresh time.Duration, anonymity uint, key crypto.PrivKey) (Announcement, error)
	Search(peer int, str string, cb regex.ResultCallback) (Search, error)
}

// testbedEnv runs the scenarios on the peers of a testbed run.
type testbedEnv struct {
	tb    *testbed.Testbed
	peers []*testbed.Peer
}

func NewTestbedEnv(tb *testbed.Testbed, peers []*testbed.Peer) Env {
	return &testbedEnv{tb: tb, peers: peers}
}

func (e *testbedEnv) Scheduler() *scheduler.Scheduler {
	return e.tb.Scheduler()
}

func (e *testbedEnv) NumPeers() int {
	return len(e.peers)
}

func (e *testbedEnv) Identity(p int) peer.ID {
	return e.peers[p].ID()
}

func (e *testbedEnv) ConnectTable(p int, htLength uint, cb TableCallback, release func()) Operation {
	return e.tb.ServiceConnect(e.peers[p], "dht",
		func(_ *testbed.Operation, handle interface{}, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			cb(table{handle.(*dht.Handle)}, nil)
		},
		func(p *testbed.Peer) (interface{}, error) {
			return dht.Connect(p.Node, htLength)
		},
		func(handle interface{}) {
			if release != nil {
				release()
			}
			handle.(*dht.Handle).Disconnect()
		})
}

func (e *testbedEnv) Announce(p int, pattern string, refresh time.Duration, anonymity uint, key crypto.PrivKey) (Announcement, error) {
	a, err := regex.Announce(e.peers[p].Node, pattern, refresh, anonymity, key)
	if err != nil {
		return nil, err
	}
	return announcement{a}, nil
}

func (e *testbedEnv) Search(p int, str string, cb regex.ResultCallback) (Search, error) {
	s, err := regex.NewSearch(e.peers[p].Node, str, cb)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// table adapts *dht.Handle to Table.
type table struct {
	h *dht.Handle
}

func (t table) Put(key block.HashCode, replication uint32, options dht.RouteOption, bt block.Type,
	data []byte, expiry time.Time, timeout time.Duration, cont dht.PutContinuation) (PutRequest, error) {

	p, err := t.h.Put(key, replication, options, bt, data, expiry, timeout, cont)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t table) GetStart(bt block.Type, key block.HashCode, replication uint32, options dht.RouteOption,
	iter dht.GetIterator) (GetRequest, error) {

	g, err := t.h.GetStart(bt, key, replication, options, iter)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (t table) MonitorStart(bt block.Type, key *block.HashCode,
	onGet dht.GetSeen, onGetResp dht.GetResponseSeen, onPut dht.PutSeen) (Monitor, error) {

	m, err := t.h.MonitorStart(bt, key, onGet, onGetResp, onPut)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type announcement struct {
	a *regex.Announcement
}

func (a announcement) AcceptingDhtEntries(cb func(states map[block.HashCode]string)) error {
	return a.a.AcceptingDhtEntries(func(_ *regex.Announcement, states map[block.HashCode]string) {
		cb(states)
	})
}

func (a announcement) Cancel() {
	a.a.Cancel()
}

func checkPeer(env Env, p int, role string) error {
	if p < 0 || p >= env.NumPeers() {
		return errors.Errorf("%s peer %d not in testbed of %d peers", role, p, env.NumPeers())
	}
	return nil
}
