package scenario

import (
	"time"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/dht"
	"happystoic/overlaytest/pkg/regex"
	"happystoic/overlaytest/pkg/scheduler"
)

type fakePut struct {
	key     block.HashCode
	t       block.Type
	data    []byte
	expiry  time.Time
	cont    dht.PutContinuation
	stopped bool
}

func (p *fakePut) Cancel() { p.stopped = true }

type fakeGet struct {
	key     block.HashCode
	iter    dht.GetIterator
	stopped bool
}

func (g *fakeGet) Stop() { g.stopped = true }

type fakeMonitor struct {
	t       block.Type
	key     block.HashCode
	onPut   dht.PutSeen
	stopped bool
}

func (m *fakeMonitor) Stop() { m.stopped = true }

type fakeTable struct {
	puts         []*fakePut
	gets         []*fakeGet
	monitors     []*fakeMonitor
	putErr       error
	monitorErr   error
	disconnected bool
}

func (t *fakeTable) Put(key block.HashCode, _ uint32, _ dht.RouteOption, bt block.Type,
	data []byte, expiry time.Time, _ time.Duration, cont dht.PutContinuation) (PutRequest, error) {
	if t.putErr != nil {
		return nil, t.putErr
	}
	p := &fakePut{key: key, t: bt, data: data, expiry: expiry, cont: cont}
	t.puts = append(t.puts, p)
	return p, nil
}

func (t *fakeTable) GetStart(_ block.Type, key block.HashCode, _ uint32, _ dht.RouteOption,
	iter dht.GetIterator) (GetRequest, error) {
	g := &fakeGet{key: key, iter: iter}
	t.gets = append(t.gets, g)
	return g, nil
}

func (t *fakeTable) MonitorStart(bt block.Type, key *block.HashCode,
	_ dht.GetSeen, _ dht.GetResponseSeen, onPut dht.PutSeen) (Monitor, error) {
	if t.monitorErr != nil {
		return nil, t.monitorErr
	}
	m := &fakeMonitor{t: bt, key: *key, onPut: onPut}
	t.monitors = append(t.monitors, m)
	return m, nil
}

type fakeOp struct {
	release func()
	table   *fakeTable
	done    bool
}

func (o *fakeOp) Done() {
	if o.done {
		return
	}
	o.done = true
	if o.release != nil {
		o.release()
	}
	if o.table != nil {
		o.table.disconnected = true
	}
}

type fakeAnnouncement struct {
	pattern   string
	anonymity uint
	key       crypto.PrivKey
	cb        func(map[block.HashCode]string)
	err       error
	cancelled bool
}

func (a *fakeAnnouncement) AcceptingDhtEntries(cb func(map[block.HashCode]string)) error {
	if a.err != nil {
		return a.err
	}
	a.cb = cb
	return nil
}

func (a *fakeAnnouncement) Cancel() { a.cancelled = true }

type fakeSearch struct {
	str       string
	cb        regex.ResultCallback
	cancelled bool
}

func (s *fakeSearch) Cancel() { s.cancelled = true }

// fakeEnv connects tables on the next loop run and releases them when the
// loop shuts down, like the testbed does.
type fakeEnv struct {
	sched      *scheduler.Scheduler
	ids        []peer.ID
	tables     []*fakeTable
	connectErr map[int]error
	connects   []int

	announcement *fakeAnnouncement
	search       *fakeSearch

	announceErr  error
	acceptingErr error
	searchErr    error
}

func newFakeEnv(n int) *fakeEnv {
	e := &fakeEnv{
		sched:      scheduler.New(),
		connectErr: make(map[int]error),
	}
	for i := 0; i < n; i++ {
		e.ids = append(e.ids, peer.ID([]byte{'p', byte('0' + i)}))
		e.tables = append(e.tables, &fakeTable{})
	}
	return e
}

func (e *fakeEnv) Scheduler() *scheduler.Scheduler { return e.sched }
func (e *fakeEnv) NumPeers() int                   { return len(e.ids) }
func (e *fakeEnv) Identity(p int) peer.ID          { return e.ids[p] }

func (e *fakeEnv) ConnectTable(p int, _ uint, cb TableCallback, release func()) Operation {
	e.connects = append(e.connects, p)
	op := &fakeOp{}
	e.sched.AddShutdown(op.Done)
	e.sched.Add(func() {
		if err := e.connectErr[p]; err != nil {
			cb(nil, err)
			return
		}
		op.release = release
		op.table = e.tables[p]
		cb(e.tables[p], nil)
	})
	return op
}

func (e *fakeEnv) Announce(_ int, pattern string, _ time.Duration, anonymity uint, key crypto.PrivKey) (Announcement, error) {
	if e.announceErr != nil {
		return nil, e.announceErr
	}
	e.announcement = &fakeAnnouncement{pattern: pattern, anonymity: anonymity, key: key, err: e.acceptingErr}
	return e.announcement, nil
}

func (e *fakeEnv) Search(_ int, str string, cb regex.ResultCallback) (Search, error) {
	if e.searchErr != nil {
		return nil, e.searchErr
	}
	e.search = &fakeSearch{str: str, cb: cb}
	return e.search, nil
}
