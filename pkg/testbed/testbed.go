// Package testbed starts a set of in-process peers, links them by a
// topology and runs a test master on their shared scheduler loop.
package testbed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/config"
	"happystoic/overlaytest/pkg/cryptotools"
	"happystoic/overlaytest/pkg/metrics"
	"happystoic/overlaytest/pkg/node"
	"happystoic/overlaytest/pkg/scheduler"
)

var log = logging.Logger("testbed")

// how often readiness of the peers is checked
const readyPoll = 100 * time.Millisecond

// Peer is one started peer of the run.
type Peer struct {
	*node.Node

	// Dir is the directory of the peer inside the run directory, empty when
	// no run directory is configured
	Dir string
}

// MasterFunc is the test logic. It runs once on the scheduler loop after all
// peers are started and linked.
type MasterFunc func(tb *Testbed, peers []*Peer, linksOK, linksFailed int)

type Testbed struct {
	name  string
	runID string
	conf  *config.Config
	sched *scheduler.Scheduler
	peers []*Peer

	ops map[*Operation]struct{}
}

// Scheduler returns the loop shared by all peers of the run.
func (tb *Testbed) Scheduler() *scheduler.Scheduler {
	return tb.sched
}

// RunID identifies this run in logs and the run directory.
func (tb *Testbed) RunID() string {
	return tb.runID
}

func (tb *Testbed) Name() string {
	return tb.name
}

// TestRun starts numPeers peers, links them and runs master. It returns once
// the scheduler shut down and every peer is closed. Cancelling ctx shuts the
// run down.
func TestRun(ctx context.Context, name string, conf *config.Config, numPeers int, master MasterFunc) error {
	if numPeers <= 0 {
		return errors.Errorf("testbed %s needs at least one peer", name)
	}
	tb := &Testbed{
		name:  name,
		runID: cryptotools.GenerateUUID(),
		conf:  conf,
		sched: scheduler.New(),
		ops:   make(map[*Operation]struct{}),
	}
	log.Infof("starting testbed %s (run %s) with %d peers", name, tb.runID, numPeers)

	defer tb.closePeers()
	if err := tb.startPeers(ctx, numPeers); err != nil {
		return err
	}

	seed := conf.Testbed.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	links, err := Links(conf.Testbed.Topology, numPeers, conf.Testbed.LinkDegree, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	linksOK, linksFailed := tb.link(ctx, links)
	log.Infof("%d links up, %d failed", linksOK, linksFailed)

	tb.waitReady(ctx)
	if err := ctx.Err(); err != nil {
		return errors.WithMessage(err, "testbed setup interrupted")
	}

	tb.sched.AddShutdown(tb.releaseAll)
	return tb.sched.Run(ctx, func() {
		master(tb, tb.peers, linksOK, linksFailed)
	})
}

func (tb *Testbed) startPeers(ctx context.Context, numPeers int) error {
	rd, err := newRunDir(tb.conf.Testbed.RunDir, tb.runID)
	if err != nil {
		return err
	}
	for i := 0; i < numPeers; i++ {
		dir, err := rd.peerDir(i)
		if err != nil {
			return err
		}
		key, err := cryptotools.GetPrivateKey(&config.IdentityConfig{
			GenerateNewKey: true,
			SaveKeyToFile:  keyPath(dir),
		})
		if err != nil {
			return err
		}
		n, err := node.NewNode(ctx, i, tb.conf.Testbed.ListenHost, &tb.conf.Peer, key, tb.sched)
		if err != nil {
			return errors.WithMessagef(err, "error starting peer %d", i)
		}
		p := &Peer{Node: n, Dir: dir}
		tb.peers = append(tb.peers, p)
		if err := writeDescription(p, &tb.conf.Peer); err != nil {
			log.Errorf("error describing peer %d: %s", i, err)
		}
	}
	return nil
}

// link dials every link in parallel. A failed link does not abort the run,
// it is counted and passed to the master.
func (tb *Testbed) link(ctx context.Context, links []Link) (ok, failed int) {
	ctx, cancel := context.WithTimeout(ctx, tb.conf.Testbed.SetupTimeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, l := range links {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tb.connect(ctx, l)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warnf("error linking peer %d to %d: %s", l.From, l.To, err)
				metrics.TestbedLinks.WithLabelValues("failed").Inc()
				failed++
				return
			}
			log.Debugf("linked peer %d to %d", l.From, l.To)
			metrics.TestbedLinks.WithLabelValues("ok").Inc()
			ok++
		}()
	}
	wg.Wait()
	return ok, failed
}

func (tb *Testbed) connect(ctx context.Context, l Link) error {
	from, to := tb.peers[l.From], tb.peers[l.To]
	for _, s := range connectionStrings(to) {
		ai, err := addrInfoFromConnectionString(s)
		if err != nil {
			return err
		}
		if err = from.Connect(ctx, *ai); err == nil {
			return nil
		}
		log.Debugf("error connecting to %s: %s", s, err)
	}
	return errors.Errorf("no address of peer %d is reachable", l.To)
}

// waitReady waits until every peer has a DHT server in its routing table or
// the setup timeout passed. Peers still alone are reported and the run goes
// on.
func (tb *Testbed) waitReady(ctx context.Context) {
	if len(tb.peers) < 2 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, tb.conf.Testbed.SetupTimeout)
	defer cancel()
	ticker := time.NewTicker(readyPoll)
	defer ticker.Stop()

	for {
		waiting := 0
		for _, p := range tb.peers {
			if !p.Ready() {
				waiting++
			}
		}
		if waiting == 0 {
			log.Debugf("all peers ready")
			return
		}
		select {
		case <-ctx.Done():
			log.Warnf("%d peers without DHT neighbours after setup", waiting)
			return
		case <-ticker.C:
		}
	}
}

func (tb *Testbed) closePeers() {
	for i := len(tb.peers) - 1; i >= 0; i-- {
		if err := tb.peers[i].Close(); err != nil {
			log.Debugf("error closing peer %d: %s", i, err)
		}
	}
	tb.peers = nil
	log.Infof("testbed %s stopped", tb.name)
}
