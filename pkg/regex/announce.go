package regex

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/crypto"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/cryptotools"
	"happystoic/overlaytest/pkg/metrics"
	"happystoic/overlaytest/pkg/node"
	"happystoic/overlaytest/pkg/scheduler"
)

var log = logging.Logger("regex")

// accept blocks outlive a few missed refreshes
const lifetimeRefreshes = 3

// AnnounceTopic is the pubsub topic announcements are gossiped on.
func AnnounceTopic(prefix string) string {
	return prefix + "/regex/announce"
}

// SearchTopic is the pubsub topic searchers send their queries to.
func SearchTopic(prefix string) string {
	return prefix + "/regex/search"
}

// AcceptingStatesCallback receives the accepting states of an announcement,
// keyed by their DHT key.
type AcceptingStatesCallback func(a *Announcement, states map[block.HashCode]string)

// Announcement keeps a pattern announced until it is cancelled. It must be
// used from the scheduler loop of its peer.
type Announcement struct {
	node  *node.Node
	sched *scheduler.Scheduler

	canonical string
	states    map[block.HashCode]string
	refresh   time.Duration
	anonymity uint
	key       crypto.PrivKey
	id        string
	seq       uint64

	ctx    context.Context
	cancel context.CancelFunc

	topic   *pubsub.Topic
	queries *pubsub.Subscription

	refreshTask scheduler.TaskID
	stored      bool
	waiting     []AcceptingStatesCallback
	cancelled   bool
}

// Announce stores the accepting states of pattern in the DHT, signed with
// key, and gossips the pattern to searchers. Both are repeated every
// refresh. With anonymity 0 the peer also registers as provider of every
// state, any other level keeps the peer out of provider records.
func Announce(n *node.Node, pattern string, refresh time.Duration, anonymity uint, key crypto.PrivKey) (*Announcement, error) {
	if refresh <= 0 {
		return nil, errors.New("refresh delay must be positive")
	}
	canonical, _, err := Canonical(pattern)
	if err != nil {
		return nil, err
	}
	states, err := AcceptingStates(pattern)
	if err != nil {
		return nil, err
	}

	topic, err := n.Join(AnnounceTopic(n.ProtocolPrefix()))
	if err != nil {
		return nil, errors.WithMessage(err, "error joining announce topic")
	}
	searchTopic, err := n.Join(SearchTopic(n.ProtocolPrefix()))
	if err != nil {
		return nil, errors.WithMessage(err, "error joining search topic")
	}
	queries, err := searchTopic.Subscribe()
	if err != nil {
		return nil, errors.WithMessage(err, "error subscribing to search topic")
	}

	ctx, cancel := context.WithCancel(n.Context())
	a := &Announcement{
		node:      n,
		sched:     n.Scheduler(),
		canonical: canonical,
		states:    states,
		refresh:   refresh,
		anonymity: anonymity,
		key:       key,
		id:        cryptotools.GenerateUUID(),
		ctx:       ctx,
		cancel:    cancel,
		topic:     topic,
		queries:   queries,
	}
	go a.answerQueries()
	a.announce()

	log.Infof("peer %d announced %q with %d accepting states", n.Index, canonical, len(states))
	return a, nil
}

// Cancel stops refreshing and answering queries. Stored accept blocks expire
// on their own.
func (a *Announcement) Cancel() {
	if a.cancelled {
		return
	}
	a.cancelled = true
	a.sched.Cancel(a.refreshTask)
	a.queries.Cancel()
	a.cancel()
	a.waiting = nil
}

// AcceptingDhtEntries hands the accepting states to cb once they were
// stored for the first time.
func (a *Announcement) AcceptingDhtEntries(cb AcceptingStatesCallback) error {
	if a.cancelled {
		return errors.New("announcement was cancelled")
	}
	if !a.stored {
		a.waiting = append(a.waiting, cb)
		return nil
	}
	states := a.statesCopy()
	a.sched.Add(func() {
		if !a.cancelled {
			cb(a, states)
		}
	})
	return nil
}

func (a *Announcement) statesCopy() map[block.HashCode]string {
	states := make(map[block.HashCode]string, len(a.states))
	for k, v := range a.states {
		states[k] = v
	}
	return states
}

// announce stores every accepting state, then gossips the pattern.
func (a *Announcement) announce() {
	if a.cancelled {
		return
	}
	expiry := time.Now().Add(lifetimeRefreshes * a.refresh)

	var wg sync.WaitGroup
	for hash, state := range a.states {
		dhtKey, value, err := a.acceptBlock(hash, state, expiry)
		if err != nil {
			log.Errorf("error building accept block for %q: %s", state, err)
			continue
		}
		wg.Add(1)
		go func(hash block.HashCode) {
			defer wg.Done()
			// the block is stored locally even when no other peer takes it
			if err := a.node.Dht().PutValue(a.ctx, dhtKey, value); err != nil {
				log.Debugf("error storing accepting state %s: %s", hash.Short(), err)
			}
			if a.anonymity > 0 {
				return
			}
			c, err := hash.Cid()
			if err == nil {
				err = a.node.Dht().Provide(a.ctx, c, true)
			}
			if err != nil {
				log.Debugf("error providing accepting state %s: %s", hash.Short(), err)
			}
		}(hash)
	}
	go func() {
		wg.Wait()
		a.sched.Add(a.storedAll)
	}()

	a.refreshTask = a.sched.AddDelayed(a.refresh, a.announce)
}

func (a *Announcement) acceptBlock(hash block.HashCode, state string, expiry time.Time) (string, []byte, error) {
	r, err := signAccept(a.canonical, state, a.key)
	if err != nil {
		return "", nil, err
	}
	dhtKey, err := block.Key(block.TypeRegexAccept, hash)
	if err != nil {
		return "", nil, err
	}
	value, err := (&block.Block{Type: block.TypeRegexAccept, Expiry: expiry, Data: r.marshal()}).Marshal()
	return dhtKey, value, err
}

func (a *Announcement) storedAll() {
	if a.cancelled {
		return
	}
	if !a.stored {
		a.stored = true
		states := a.statesCopy()
		for _, cb := range a.waiting {
			cb(a, states)
		}
		a.waiting = nil
	}
	a.publish()
}

// publish gossips the pattern. Each message carries a new sequence number,
// pubsub drops messages it has already seen.
func (a *Announcement) publish() {
	a.seq++
	msg := (&announcement{Pattern: a.canonical, ID: a.id, Seq: a.seq}).marshal()
	go func() {
		if err := a.topic.Publish(a.ctx, msg); err != nil && a.ctx.Err() == nil {
			log.Warnf("error publishing announcement of %q: %s", a.canonical, err)
			return
		}
		metrics.RegexAnnouncements.Inc()
	}()
}

func (a *Announcement) answerQueries() {
	for {
		msg, err := a.queries.Next(a.ctx)
		if err != nil {
			return
		}
		q, err := unmarshalQuery(msg.Data)
		if err != nil {
			log.Debugf("dropping query: %s", err)
			continue
		}
		log.Debugf("query for %q", q.Str)
		a.sched.Add(func() {
			if a.stored && !a.cancelled {
				a.publish()
			}
		})
	}
}
