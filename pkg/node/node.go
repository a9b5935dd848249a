package node

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	libp2pConnMngr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-libp2p-core/routing"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsubpb "github.com/libp2p/go-libp2p-pubsub/pb"
	libp2pquic "github.com/libp2p/go-libp2p-quic-transport"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/config"
	"happystoic/overlaytest/pkg/scheduler"
)

var log = logging.Logger("node")

// Node is one simulated peer of a testbed run.
type Node struct {
	host.Host

	Index int

	dht    *kaddht.IpfsDHT
	pubsub *pubsub.PubSub
	store  *monitoredStore
	sched  *scheduler.Scheduler
	key    crypto.PrivKey
	conf   *config.Peer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// messageID identifies pubsub messages by content, there is no author or
// sequence number to build it from.
func messageID(m *pubsubpb.Message) string {
	sum := sha256.Sum256(m.GetData())
	return string(sum[:])
}

func NewNode(ctx context.Context, index int, listenHost string, conf *config.Peer,
	key crypto.PrivKey, sched *scheduler.Scheduler) (*Node, error) {

	ctx, cancel := context.WithCancel(ctx)

	cm, err := libp2pConnMngr.NewConnManager(
		conf.Connections.Low,  // Lowwater
		conf.Connections.High, // HighWater
		libp2pConnMngr.WithGracePeriod(conf.Connections.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	store := newMonitoredStore(dssync.MutexWrap(ds.NewMapDatastore()))

	dhtOpts := []kaddht.Option{
		kaddht.Mode(kaddht.ModeServer),
		kaddht.ProtocolPrefix(protocol.ID(conf.ProtocolPrefix)),
		kaddht.BucketSize(conf.Dht.BucketSize),
		kaddht.Datastore(store),
	}
	for ns, v := range block.Validators() {
		dhtOpts = append(dhtOpts, kaddht.NamespacedValidator(ns, v))
	}

	var dht *kaddht.IpfsDHT
	p2phost, err := libp2p.New(
		// Use the keypair we generated
		libp2p.Identity(key),
		// a UDP endpoint for the QUIC transport, port picked by the system
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/udp/0/quic", listenHost)),
		// support QUIC
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			dht, err = kaddht.New(ctx, h, dhtOpts...)
			return dht, err
		}),
		// testbed peers talk to each other directly
		libp2p.DisableRelay(),
	)
	if err != nil {
		cancel()
		return nil, errors.WithMessage(err, "error creating libp2p host")
	}

	ps, err := pubsub.NewGossipSub(ctx, p2phost,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
		pubsub.WithNoAuthor(),
		pubsub.WithMessageIdFn(messageID),
	)
	if err != nil {
		_ = p2phost.Close()
		cancel()
		return nil, errors.WithMessage(err, "error creating gossipsub")
	}

	n := &Node{
		Host:   p2phost,
		Index:  index,
		dht:    dht,
		pubsub: ps,
		store:  store,
		sched:  sched,
		key:    key,
		conf:   conf,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}
	log.Debugf("created peer %d with ID %s", index, p2phost.ID())
	return n, nil
}

// Dht returns the DHT instance of the peer.
func (n *Node) Dht() *kaddht.IpfsDHT {
	return n.dht
}

// Scheduler returns the loop that runs the callbacks of this peer.
func (n *Node) Scheduler() *scheduler.Scheduler {
	return n.sched
}

// Context is cancelled when the peer is closed.
func (n *Node) Context() context.Context {
	return n.ctx
}

// PrivKey returns the identity key of the peer.
func (n *Node) PrivKey() crypto.PrivKey {
	return n.key
}

// ProtocolPrefix namespaces every protocol and topic of the run.
func (n *Node) ProtocolPrefix() string {
	return n.conf.ProtocolPrefix
}

// Observe registers o for DHT records passing through the datastore of this
// peer. The returned function removes it.
func (n *Node) Observe(o Observer) func() {
	return n.store.observe(o)
}

// Join returns the pubsub topic, joining it on first use.
func (n *Node) Join(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

// Ready reports whether the peer knows at least one DHT server.
func (n *Node) Ready() bool {
	return n.dht.RoutingTable().Size() > 0
}

func (n *Node) Close() error {
	n.cancel()

	n.mu.Lock()
	for name, t := range n.topics {
		if err := t.Close(); err != nil {
			log.Debugf("error closing topic %s: %s", name, err)
		}
	}
	n.topics = make(map[string]*pubsub.Topic)
	n.mu.Unlock()

	if err := n.dht.Close(); err != nil {
		log.Errorf("error closing dht of peer %d: %s", n.Index, err)
	}
	return n.Host.Close()
}
