package regex

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/cryptotools"
	"happystoic/overlaytest/pkg/metrics"
	"happystoic/overlaytest/pkg/node"
	"happystoic/overlaytest/pkg/scheduler"
)

// QueryInterval is how often a search asks announcers to repeat themselves.
var QueryInterval = 5 * time.Second

// rejectedTTL is how long a pattern that does not accept the searched
// string is skipped without matching it again.
const rejectedTTL = time.Minute

// ResultCallback receives the identity that announced a pattern accepting
// the searched string and the DHT key of the accepting state. The paths
// are not recorded and always empty.
type ResultCallback func(id peer.ID, getPath, putPath []peer.ID, key block.HashCode)

// Search looks for announcers of patterns accepting str until cancelled.
// Each announcer is reported once per accepting state.
type Search struct {
	node  *node.Node
	sched *scheduler.Scheduler
	str   string
	cb    ResultCallback

	ctx    context.Context
	cancel context.CancelFunc

	queryTopic    *pubsub.Topic
	announcements *pubsub.Subscription
	queryTask     scheduler.TaskID

	// lookups in progress and identities already reported, by state
	pending  map[block.HashCode]struct{}
	reported map[block.HashCode]map[peer.ID]struct{}

	// patterns that do not accept str
	rejected *seenCache

	cancelled bool
}

// NewSearch starts searching for str. It must be called from the scheduler
// loop of n, cb runs on that loop.
func NewSearch(n *node.Node, str string, cb ResultCallback) (*Search, error) {
	if cb == nil {
		return nil, errors.New("search needs a result callback")
	}
	topic, err := n.Join(AnnounceTopic(n.ProtocolPrefix()))
	if err != nil {
		return nil, errors.WithMessage(err, "error joining announce topic")
	}
	announcements, err := topic.Subscribe()
	if err != nil {
		return nil, errors.WithMessage(err, "error subscribing to announce topic")
	}
	queryTopic, err := n.Join(SearchTopic(n.ProtocolPrefix()))
	if err != nil {
		announcements.Cancel()
		return nil, errors.WithMessage(err, "error joining search topic")
	}

	ctx, cancel := context.WithCancel(n.Context())
	s := &Search{
		node:          n,
		sched:         n.Scheduler(),
		str:           str,
		cb:            cb,
		ctx:           ctx,
		cancel:        cancel,
		queryTopic:    queryTopic,
		announcements: announcements,
		pending:       make(map[block.HashCode]struct{}),
		reported:      make(map[block.HashCode]map[peer.ID]struct{}),
		rejected:      newSeenCache(rejectedTTL),
	}
	go s.readAnnouncements()
	s.query()

	log.Infof("peer %d searching for %q", n.Index, str)
	return s, nil
}

// Cancel stops the search, cb is not called anymore.
func (s *Search) Cancel() {
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.sched.Cancel(s.queryTask)
	s.announcements.Cancel()
	s.cancel()
}

func (s *Search) query() {
	if s.cancelled {
		return
	}
	msg := (&query{Str: s.str, Nonce: cryptotools.GenerateUUID()}).marshal()
	go func() {
		if err := s.queryTopic.Publish(s.ctx, msg); err != nil && s.ctx.Err() == nil {
			log.Warnf("error publishing query for %q: %s", s.str, err)
		}
	}()
	s.queryTask = s.sched.AddDelayed(QueryInterval, s.query)
}

func (s *Search) readAnnouncements() {
	for {
		msg, err := s.announcements.Next(s.ctx)
		if err != nil {
			return
		}
		a, err := unmarshalAnnouncement(msg.Data)
		if err != nil {
			log.Debugf("dropping announcement: %s", err)
			continue
		}
		s.sched.Add(func() { s.handle(a) })
	}
}

func (s *Search) handle(a *announcement) {
	if s.cancelled {
		return
	}
	now := time.Now()
	if s.rejected.Seen(a.Pattern, now) {
		return
	}
	key, ok, err := AcceptingKey(a.Pattern, s.str)
	if err != nil {
		log.Debugf("ignoring announcement of %q: %s", a.Pattern, err)
	}
	if err != nil || !ok {
		s.rejected.Add(a.Pattern, now)
		return
	}
	if _, busy := s.pending[key]; busy {
		return
	}
	s.pending[key] = struct{}{}
	log.Debugf("%q accepts %q, looking up state %s", a.Pattern, s.str, key.Short())

	go func() {
		id, err := s.lookup(key)
		s.sched.Add(func() { s.finish(key, id, err) })
	}()
}

// lookup fetches the accept block of key and returns its signer.
func (s *Search) lookup(key block.HashCode) (peer.ID, error) {
	dhtKey, err := block.Key(block.TypeRegexAccept, key)
	if err != nil {
		return "", err
	}
	value, err := s.node.Dht().GetValue(s.ctx, dhtKey)
	if err != nil {
		return "", err
	}
	b, err := block.Unmarshal(value)
	if err != nil {
		return "", err
	}
	if b.Type != block.TypeRegexAccept {
		return "", errors.Errorf("block of type %s under accepting key", b.Type)
	}
	return verifyAccept(key, b.Data)
}

func (s *Search) finish(key block.HashCode, id peer.ID, err error) {
	delete(s.pending, key)
	if s.cancelled {
		return
	}
	if err != nil {
		// the next announcement retries
		log.Debugf("error looking up accepting state %s: %s", key.Short(), err)
		return
	}
	ids, ok := s.reported[key]
	if !ok {
		ids = make(map[peer.ID]struct{})
		s.reported[key] = ids
	}
	if _, dup := ids[id]; dup {
		return
	}
	ids[id] = struct{}{}
	metrics.RegexMatches.Inc()
	log.Infof("search for %q found %s at state %s", s.str, id, key.Short())
	s.cb(id, nil, nil, key)
}
