package scenario

import (
	"bytes"
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/config"
	"happystoic/overlaytest/pkg/cryptotools"
	"happystoic/overlaytest/pkg/dht"
	"happystoic/overlaytest/pkg/report"
	"happystoic/overlaytest/pkg/testbed"
)

var dhtLog = logging.Logger("dht-testbed")

// DhtCyclePeers is the size of the testbed of the DHT cycle.
const DhtCyclePeers = 5

// DhtCycle writes a value into the DHT from one peer and reads it back from
// another.
type DhtCycle struct {
	conf *config.DhtCycle
	rep  report.Reporter

	env      Env
	shutdown *Shutdowner
	result   Flag
	data     []byte
	reader   int

	writerOp    Operation
	readerOp    Operation
	writerTable Table
	readerTable Table
	put         PutRequest
	get         GetRequest
}

func NewDhtCycle(conf *config.DhtCycle, rep report.Reporter) *DhtCycle {
	return &DhtCycle{conf: conf, rep: rep, data: []byte(conf.Data)}
}

func (c *DhtCycle) Result() Result {
	return c.result.Get()
}

// Start runs on the loop once the testbed is up.
func (c *DhtCycle) Start(env Env) {
	c.env = env
	c.shutdown = NewShutdowner(env.Scheduler(), dhtLog)
	c.shutdown.Schedule(c.conf.Timeout)

	c.reader = env.NumPeers() - 1
	if c.conf.ReaderPeer != nil {
		c.reader = *c.conf.ReaderPeer
	}
	if err := checkPeer(env, c.conf.WriterPeer, "writer"); err != nil {
		c.fail("%s", err)
		return
	}
	if err := checkPeer(env, c.reader, "reader"); err != nil {
		c.fail("%s", err)
		return
	}

	dhtLog.Infof("connecting to dht of writer peer %d", c.conf.WriterPeer)
	c.writerOp = env.ConnectTable(c.conf.WriterPeer, c.conf.HtLength, c.writerConnected, c.releaseWriter)
}

func (c *DhtCycle) fail(format string, args ...interface{}) {
	dhtLog.Errorf(format, args...)
	c.result.Set(Failure)
	c.shutdown.Schedule(0)
}

func (c *DhtCycle) writerConnected(t Table, err error) {
	if err != nil {
		c.fail("error connecting to dht of writer: %s", err)
		return
	}
	c.writerTable = t

	var key block.HashCode
	dhtLog.Debugf("putting %s under %s", cryptotools.MemDump(c.data), key.Short())
	c.put, err = t.Put(key, c.conf.Replication, dht.RONone, block.TypeTest, c.data,
		block.Forever, c.conf.PutTimeout, c.putDone)
	if err != nil {
		c.put = nil
		c.fail("error starting put: %s", err)
		return
	}
	c.rep.Trace("put_started", map[string]interface{}{"peer": c.conf.WriterPeer, "key": key.Short()})
	c.shutdown.Schedule(c.conf.Grace)
}

func (c *DhtCycle) putDone(status dht.PutStatus) {
	c.put = nil
	c.rep.Trace("put_done", map[string]interface{}{"status": status.String()})
	switch status {
	case dht.PutOK:
		var key block.HashCode
		dhtLog.Infof("put under %s finished, reading it from peer %d", key.Short(), c.reader)
		c.readerOp = c.env.ConnectTable(c.reader, c.conf.HtLength, c.readerConnected, c.releaseReader)
	case dht.PutTimeout:
		c.fail("put timed out")
	default:
		c.fail("put was sent but its outcome is unknown (%s)", status)
	}
}

func (c *DhtCycle) readerConnected(t Table, err error) {
	if err != nil {
		c.fail("error connecting to dht of reader: %s", err)
		return
	}
	c.readerTable = t

	var key block.HashCode
	c.get, err = t.GetStart(block.TypeTest, key, c.conf.Replication, dht.RONone, c.gotValue)
	if err != nil {
		c.get = nil
		c.fail("error starting get: %s", err)
	}
}

func (c *DhtCycle) gotValue(_ time.Time, key block.HashCode, _, _ []peer.ID, _ block.Type, data []byte) {
	dhtLog.Infof("got %s under %s", cryptotools.MemDump(data), key.Short())
	c.rep.Trace("get_result", map[string]interface{}{"peer": c.reader, "data": string(data)})
	if !bytes.Equal(data, c.data) {
		return
	}
	c.result.Set(Success)
	if c.get != nil {
		c.get.Stop()
		c.get = nil
	}
	c.shutdown.Schedule(0)
}

func (c *DhtCycle) releaseWriter() {
	if c.put != nil {
		c.put.Cancel()
		c.put = nil
	}
	c.writerTable = nil
	c.writerOp = nil
}

func (c *DhtCycle) releaseReader() {
	if c.get != nil {
		c.get.Stop()
		c.get = nil
	}
	c.readerTable = nil
	c.readerOp = nil
}

// RunDhtCycle runs the DHT cycle on a fresh testbed.
func RunDhtCycle(ctx context.Context, conf *config.Config, rep report.Reporter) (Result, error) {
	c := NewDhtCycle(&conf.DhtCycle, rep)
	numPeers := conf.Testbed.NumPeers
	if numPeers == 0 {
		numPeers = DhtCyclePeers
	}
	err := testbed.TestRun(ctx, "dht-cycle", conf, numPeers,
		func(tb *testbed.Testbed, peers []*testbed.Peer, linksOK, linksFailed int) {
			dhtLog.Infof("testbed up: %d links, %d failed", linksOK, linksFailed)
			c.Start(NewTestbedEnv(tb, peers))
		})
	result := c.Result()
	if err != nil && result == Pending {
		result = Failure
	}
	if result == Pending {
		dhtLog.Warnf("no value read before shutdown")
		result = Failure
	}
	rep.Result("dht-cycle", result.String())
	return result, err
}
