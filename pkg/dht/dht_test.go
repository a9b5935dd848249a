package dht

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/config"
	"happystoic/overlaytest/pkg/cryptotools"
	"happystoic/overlaytest/pkg/node"
	"happystoic/overlaytest/pkg/scheduler"
)

func TestPutStatus(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PutOK, putStatus(ctx, nil))
	assert.Equal(t, PutTimeout, putStatus(ctx, errors.Wrap(context.DeadlineExceeded, "put")))
	assert.Equal(t, PutDisconnected, putStatus(ctx, errors.New("failed to find any peer in table")))

	expired, cancel := context.WithTimeout(ctx, -time.Second)
	defer cancel()
	assert.Equal(t, PutTimeout, putStatus(expired, errors.New("lookup aborted")))

	assert.Equal(t, "ok", PutOK.String())
	assert.Equal(t, "timeout", PutTimeout.String())
	assert.Equal(t, "disconnected", PutDisconnected.String())
}

func TestRouteOptions(t *testing.T) {
	assert.Empty(t, RONone.routing())

	var opts routing.Options
	require.NoError(t, opts.Apply(ROOffline.routing()...))
	assert.True(t, opts.Offline)
}

func newPeers(t *testing.T, count int) ([]*node.Node, *scheduler.Scheduler) {
	t.Helper()
	c := &config.Config{}
	require.NoError(t, c.Check())
	sched := scheduler.New()

	peers := make([]*node.Node, count)
	for i := range peers {
		key, err := cryptotools.GetPrivateKey(&config.IdentityConfig{GenerateNewKey: true})
		require.NoError(t, err)
		n, err := node.NewNode(context.Background(), i, "127.0.0.1", &c.Peer, key, sched)
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		peers[i] = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for i := 1; i < count; i++ {
		require.NoError(t, peers[0].Connect(ctx, peer.AddrInfo{ID: peers[i].ID(), Addrs: peers[i].Addrs()}))
	}
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if !p.Ready() {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
	return peers, sched
}

func TestConnectRejectsEmptyTable(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	peers, _ := newPeers(t, 2)
	_, err := Connect(peers[0], 0)
	assert.Error(t, err)
}

func TestPutGetMonitor(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	peers, sched := newPeers(t, 2)
	data := []byte("cycle")
	var zero block.HashCode

	var (
		status       = make(chan PutStatus, 1)
		found        = make(chan []byte, 1)
		seenPut      = make(chan []byte, 1)
		tableFullErr = make(chan error, 1)
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		_ = sched.Run(ctx, func() {
			writer, err := Connect(peers[0], 1)
			assert.NoError(t, err)
			reader, err := Connect(peers[1], 4)
			assert.NoError(t, err)
			sched.AddShutdown(writer.Disconnect)
			sched.AddShutdown(reader.Disconnect)

			_, err = reader.MonitorStart(block.TypeTest, &zero, nil, nil,
				func(_ block.Type, _ time.Time, _ block.HashCode, d []byte) {
					select {
					case seenPut <- d:
					default:
					}
				})
			assert.NoError(t, err)

			_, err = writer.Put(zero, 2, RONone, block.TypeTest, data, block.Forever, 10*time.Second,
				func(s PutStatus) {
					status <- s
					if s != PutOK {
						return
					}
					var g *GetHandle
					g, err = reader.GetStart(block.TypeTest, zero, 1, RONone,
						func(_ time.Time, _ block.HashCode, _, _ []peer.ID, bt block.Type, d []byte) {
							assert.Equal(t, block.TypeTest, bt)
							if bytes.Equal(d, data) {
								g.Stop()
								found <- d
							}
						})
					assert.NoError(t, err)
				})
			assert.NoError(t, err)

			// a table of length one holds a single pending request
			_, err = writer.Put(zero, 2, RONone, block.TypeTest, data, block.Forever, time.Second, nil)
			tableFullErr <- err
		})
	}()

	assert.ErrorIs(t, <-tableFullErr, ErrTableFull)
	assert.Equal(t, PutOK, <-status)
	select {
	case d := <-found:
		assert.Equal(t, data, d)
	case <-ctx.Done():
		t.Fatal("value not found")
	}
	select {
	case d := <-seenPut:
		assert.Equal(t, data, d)
	case <-ctx.Done():
		t.Fatal("put not observed")
	}
	sched.Shutdown()
}

func TestCancelledPutSkipsContinuation(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	peers, sched := newPeers(t, 2)
	called := make(chan struct{}, 1)
	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	go func() {
		defer close(done)
		_ = sched.Run(ctx, func() {
			h, err := Connect(peers[0], 2)
			assert.NoError(t, err)
			p, err := h.Put(block.Hash([]byte("cancelled")), 1, RONone, block.TypeTest,
				[]byte("x"), block.Forever, 5*time.Second, func(PutStatus) { called <- struct{}{} })
			assert.NoError(t, err)
			p.Cancel()
			sched.AddDelayed(time.Second, sched.Shutdown)
		})
	}()

	<-done
	assert.Empty(t, called)
}

func TestProvideFindProviders(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	peers, sched := newPeers(t, 2)
	key := block.Hash([]byte("provided"))
	found := make(chan []peer.AddrInfo, 1)
	done := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() {
		defer close(done)
		_ = sched.Run(ctx, func() {
			provider, err := Connect(peers[0], 2)
			assert.NoError(t, err)
			seeker, err := Connect(peers[1], 2)
			assert.NoError(t, err)
			sched.AddShutdown(provider.Disconnect)
			sched.AddShutdown(seeker.Disconnect)

			err = provider.Provide(key, func(err error) {
				assert.NoError(t, err)
				err = seeker.FindProviders(key, func(infos []peer.AddrInfo, err error) {
					assert.NoError(t, err)
					found <- infos
					sched.Shutdown()
				})
				assert.NoError(t, err)
			})
			assert.NoError(t, err)
		})
	}()

	<-done
	select {
	case infos := <-found:
		var ids []peer.ID
		for _, info := range infos {
			ids = append(ids, info.ID)
		}
		assert.Contains(t, ids, peers[0].ID())
	default:
		t.Fatal("providers not looked up")
	}
}
