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

var regexLog = logging.Logger("regex-testbed")

const (
	RegexPubSubPeers = 2
	publisherPeer    = 0
	subscriberPeer   = 1
)

type publisher struct {
	op       Operation
	table    Table
	search   Search
	put      PutRequest
	identity peer.ID

	// key of the match waiting for the table connection
	waiting *block.HashCode
}

type subscriber struct {
	op           Operation
	table        Table
	announcement Announcement
	monitors     []Monitor
	identity     peer.ID

	// accepting states waiting for the table connection
	states map[block.HashCode]string
}

// RegexPubSub has the subscriber announce a topic pattern anonymously while
// the publisher searches for its topic and writes its identity under the
// accepting key it found. The run succeeds once the subscriber sees that
// write. Each role connects to its table on first use.
type RegexPubSub struct {
	conf *config.RegexPubSub
	rep  report.Reporter

	env      Env
	shutdown *Shutdowner
	result   Flag

	pub publisher
	sub subscriber
}

func NewRegexPubSub(conf *config.RegexPubSub, rep report.Reporter) *RegexPubSub {
	return &RegexPubSub{conf: conf, rep: rep}
}

func (r *RegexPubSub) Result() Result {
	return r.result.Get()
}

func (r *RegexPubSub) Start(env Env) {
	r.env = env
	r.shutdown = NewShutdowner(env.Scheduler(), regexLog)
	r.shutdown.Schedule(r.conf.Timeout)

	if env.NumPeers() < RegexPubSubPeers {
		r.fail("regex pub/sub needs %d peers, testbed has %d", RegexPubSubPeers, env.NumPeers())
		return
	}
	// the subscriber recognises the publisher by its identity
	r.pub.identity = env.Identity(publisherPeer)
	r.sub.identity = env.Identity(subscriberPeer)
	env.Scheduler().AddShutdown(r.releaseDiscovery)

	r.startSearch()
	if r.result.Get() == Pending {
		r.startAnnouncement()
	}
}

func (r *RegexPubSub) fail(format string, args ...interface{}) {
	regexLog.Errorf(format, args...)
	r.result.Set(Failure)
	r.shutdown.Schedule(0)
}

func (r *RegexPubSub) startSearch() {
	regexLog.Debugf("publisher identity %s", cryptotools.MemDump([]byte(r.pub.identity)))
	search, err := r.env.Search(publisherPeer, r.conf.PublisherTopic, r.matchFound)
	if err != nil {
		r.fail("publisher failed searching for \"%s\": %s", r.conf.PublisherTopic, err)
		return
	}
	r.pub.search = search
	regexLog.Infof("publisher searching for \"%s\"", r.conf.PublisherTopic)
}

func (r *RegexPubSub) matchFound(id peer.ID, _, _ []peer.ID, key block.HashCode) {
	// matches arriving while a put is outstanding are dropped, not queued
	if r.pub.put != nil || r.pub.waiting != nil {
		regexLog.Debugf("publisher ignores match at %s, put outstanding", key.Short())
		return
	}
	if id != cryptotools.AnonymousIdentity() {
		regexLog.Debugf("publisher ignores match of %s", id)
		return
	}
	regexLog.Infof("publisher found subscriber at %s", key.Short())
	r.rep.Trace("match_found", map[string]interface{}{"key": key.Short()})

	if r.pub.table == nil {
		r.pub.waiting = &key
		if r.pub.op == nil {
			r.pub.op = r.env.ConnectTable(publisherPeer, r.conf.HtLength, r.publisherConnected, r.releasePublisher)
		}
		return
	}
	r.putIdentity(key)
}

func (r *RegexPubSub) publisherConnected(t Table, err error) {
	if err != nil {
		r.fail("publisher failed connecting to dht: %s", err)
		return
	}
	r.pub.table = t
	if key := r.pub.waiting; key != nil {
		r.pub.waiting = nil
		r.putIdentity(*key)
	}
}

func (r *RegexPubSub) putIdentity(key block.HashCode) {
	put, err := r.pub.table.Put(key, r.conf.Replication, dht.RONone, block.TypeTest,
		[]byte(r.pub.identity), block.Forever, r.conf.PutTimeout, r.putDone)
	if err != nil {
		r.fail("publisher failed putting its identity: %s", err)
		return
	}
	r.pub.put = put
}

func (r *RegexPubSub) putDone(status dht.PutStatus) {
	r.pub.put = nil
	r.rep.Trace("put_done", map[string]interface{}{"status": status.String()})
	if status != dht.PutOK {
		r.fail("publisher put finished with %s", status)
		return
	}
	regexLog.Debugf("publisher put its identity")
}

func (r *RegexPubSub) startAnnouncement() {
	regexLog.Debugf("subscriber identity %s", cryptotools.MemDump([]byte(r.sub.identity)))
	a, err := r.env.Announce(subscriberPeer, r.conf.SubscriberTopic, r.conf.RefreshDelay,
		*r.conf.Anonymity, cryptotools.AnonymousKey())
	if err != nil {
		r.fail("subscriber failed announcing interest \"%s\": %s", r.conf.SubscriberTopic, err)
		return
	}
	r.sub.announcement = a
	regexLog.Infof("subscriber announced interest \"%s\"", r.conf.SubscriberTopic)

	if err := a.AcceptingDhtEntries(r.statesKnown); err != nil {
		r.fail("subscriber failed initiating accepting state lookup: %s", err)
	}
}

func (r *RegexPubSub) statesKnown(states map[block.HashCode]string) {
	if r.sub.table != nil {
		r.monitorStates(states)
		return
	}
	if r.sub.states == nil {
		r.sub.states = make(map[block.HashCode]string)
	}
	for key, state := range states {
		r.sub.states[key] = state
	}
	if r.sub.op == nil {
		r.sub.op = r.env.ConnectTable(subscriberPeer, r.conf.HtLength, r.subscriberConnected, r.releaseSubscriber)
	}
}

func (r *RegexPubSub) subscriberConnected(t Table, err error) {
	if err != nil {
		r.fail("subscriber failed connecting to dht: %s", err)
		return
	}
	r.sub.table = t
	states := r.sub.states
	r.sub.states = nil
	r.monitorStates(states)
}

func (r *RegexPubSub) monitorStates(states map[block.HashCode]string) {
	regexLog.Debugf("subscriber monitoring %d accepting states", len(states))
	for key, state := range states {
		key := key
		m, err := r.sub.table.MonitorStart(block.TypeTest, &key, r.getSeen, r.getResponseSeen, r.putSeen)
		if err != nil {
			r.fail("subscriber failed monitoring state %q: %s", state, err)
			return
		}
		r.sub.monitors = append(r.sub.monitors, m)
	}
}

func (r *RegexPubSub) getSeen(t block.Type, key block.HashCode) {
	regexLog.Debugf("subscriber saw get of %s at %s", t, key.Short())
	r.rep.Trace("monitor_get", map[string]interface{}{"type": t.String(), "key": key.Short()})
}

func (r *RegexPubSub) getResponseSeen(t block.Type, _ time.Time, key block.HashCode, data []byte) {
	regexLog.Debugf("subscriber saw response of %s at %s: %s", t, key.Short(), cryptotools.MemDump(data))
	r.rep.Trace("monitor_get_response", map[string]interface{}{"type": t.String(), "key": key.Short()})
}

func (r *RegexPubSub) putSeen(t block.Type, _ time.Time, key block.HashCode, data []byte) {
	regexLog.Debugf("subscriber saw put of %s at %s: %s", t, key.Short(), cryptotools.MemDump(data))
	r.rep.Trace("monitor_put", map[string]interface{}{"type": t.String(), "key": key.Short()})
	if t != block.TypeTest || !bytes.Equal(data, []byte(r.pub.identity)) {
		return
	}
	regexLog.Infof("subscriber received the identity of the publisher")
	r.result.Set(Success)
	r.shutdown.Schedule(0)
}

// releaseDiscovery runs at shutdown whether or not a table was connected.
func (r *RegexPubSub) releaseDiscovery() {
	if r.pub.search != nil {
		r.pub.search.Cancel()
		r.pub.search = nil
	}
	if r.sub.announcement != nil {
		r.sub.announcement.Cancel()
		r.sub.announcement = nil
	}
}

func (r *RegexPubSub) releasePublisher() {
	if r.pub.put != nil {
		r.pub.put.Cancel()
		r.pub.put = nil
	}
	r.pub.waiting = nil
	r.pub.table = nil
	r.pub.op = nil
}

func (r *RegexPubSub) releaseSubscriber() {
	for _, m := range r.sub.monitors {
		m.Stop()
	}
	r.sub.monitors = nil
	r.sub.states = nil
	r.sub.table = nil
	r.sub.op = nil
}

// RunRegexPubSub runs the regex pub/sub scenario on a fresh testbed.
func RunRegexPubSub(ctx context.Context, conf *config.Config, rep report.Reporter) (Result, error) {
	r := NewRegexPubSub(&conf.RegexPubSub, rep)
	numPeers := conf.Testbed.NumPeers
	if numPeers == 0 {
		numPeers = RegexPubSubPeers
	}
	err := testbed.TestRun(ctx, "regex-pubsub", conf, numPeers,
		func(tb *testbed.Testbed, peers []*testbed.Peer, linksOK, linksFailed int) {
			regexLog.Infof("testbed up: %d links, %d failed", linksOK, linksFailed)
			r.Start(NewTestbedEnv(tb, peers))
		})
	result := r.Result()
	if result == Pending {
		if err == nil {
			regexLog.Warnf("subscriber saw no publication before shutdown")
		}
		result = Failure
	}
	rep.Result("regex-pubsub", result.String())
	return result, err
}
