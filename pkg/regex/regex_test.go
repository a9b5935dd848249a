package regex

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/config"
	"happystoic/overlaytest/pkg/cryptotools"
	"happystoic/overlaytest/pkg/node"
	"happystoic/overlaytest/pkg/scheduler"
)

func values(m map[block.HashCode]string) []string {
	var out []string
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestAcceptingStatesFinite(t *testing.T) {
	states, err := AcceptingStates("news/(gnunet|wikileaks)")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"news/gnunet", "news/wikileaks"}, values(states))

	key, ok, err := AcceptingKey("news/(gnunet|wikileaks)", "news/wikileaks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "news/wikileaks", states[key])

	_, ok, err = AcceptingKey("news/(gnunet|wikileaks)", "news/gnunet/extra")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcceptingStatesInfinite(t *testing.T) {
	states, err := AcceptingStates("news/.*")
	require.NoError(t, err)
	require.Len(t, states, 1)

	key, ok, err := AcceptingKey("news/.*", "news/anything")
	require.NoError(t, err)
	require.True(t, ok)
	_, found := states[key]
	assert.True(t, found)
}

func TestAcceptingStatesTooMany(t *testing.T) {
	states, err := AcceptingStates("[a-z][a-z]")
	require.NoError(t, err)
	assert.Len(t, states, 1)

	states, err = AcceptingStates("id[0-9]")
	require.NoError(t, err)
	assert.Len(t, states, 10)
}

func TestCanonicalSharesKeys(t *testing.T) {
	a, ok, err := AcceptingKey("x(?:ab)", "xab")
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := AcceptingKey("xab", "xab")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, b)

	_, err = AcceptingStates("news/(")
	assert.Error(t, err)
}

func TestMessages(t *testing.T) {
	a, err := unmarshalAnnouncement((&announcement{Pattern: "p", ID: "id", Seq: 7}).marshal())
	require.NoError(t, err)
	assert.Equal(t, &announcement{Pattern: "p", ID: "id", Seq: 7}, a)

	_, err = unmarshalAnnouncement((&announcement{ID: "id"}).marshal())
	assert.Error(t, err)

	q, err := unmarshalQuery((&query{Str: "news/wikileaks", Nonce: "n"}).marshal())
	require.NoError(t, err)
	assert.Equal(t, "news/wikileaks", q.Str)

	_, err = unmarshalAcceptRecord([]byte{0xff})
	assert.Error(t, err)
}

func TestAcceptPlugin(t *testing.T) {
	canonical, _, err := Canonical("news/(gnunet|wikileaks)")
	require.NoError(t, err)
	key, ok, err := AcceptingKey(canonical, "news/gnunet")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := signAccept(canonical, "news/gnunet", cryptotools.AnonymousKey())
	require.NoError(t, err)

	id, err := verifyAccept(key, r.marshal())
	require.NoError(t, err)
	assert.Equal(t, cryptotools.AnonymousIdentity(), id)

	v := block.Validators()[block.TypeRegexAccept.Namespace()]
	dhtKey, err := block.Key(block.TypeRegexAccept, key)
	require.NoError(t, err)
	good, err := (&block.Block{Type: block.TypeRegexAccept, Data: r.marshal()}).Marshal()
	require.NoError(t, err)
	assert.NoError(t, v.Validate(dhtKey, good))

	// the record must sit under the key of its own state
	other, err := block.Key(block.TypeRegexAccept, block.Hash([]byte("elsewhere")))
	require.NoError(t, err)
	assert.Error(t, v.Validate(other, good))

	r.Signed.Signature[0] ^= 0xff
	forged, err := (&block.Block{Type: block.TypeRegexAccept, Data: r.marshal()}).Marshal()
	require.NoError(t, err)
	assert.Error(t, v.Validate(dhtKey, forged))
}

func TestSeenCache(t *testing.T) {
	c := newSeenCache(time.Minute)
	now := time.Now()

	assert.False(t, c.Seen("a*", now))
	c.Add("a*", now)
	assert.True(t, c.Seen("a*", now.Add(30*time.Second)))
	assert.False(t, c.Seen("a*", now.Add(time.Minute)))

	c.Add("b", now.Add(2*time.Minute))
	assert.Len(t, c.entries, 1)
}

func TestAnnounceAndSearch(t *testing.T) {
	if testing.Short() {
		t.Skip("starts libp2p hosts")
	}
	QueryInterval = time.Second

	c := &config.Config{}
	require.NoError(t, c.Check())
	sched := scheduler.New()
	peers := make([]*node.Node, 2)
	for i := range peers {
		key, err := cryptotools.GetPrivateKey(&config.IdentityConfig{GenerateNewKey: true})
		require.NoError(t, err)
		n, err := node.NewNode(context.Background(), i, "127.0.0.1", &c.Peer, key, sched)
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		peers[i] = n
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, peers[0].Connect(ctx, peer.AddrInfo{ID: peers[1].ID(), Addrs: peers[1].Addrs()}))
	require.Eventually(t, func() bool { return peers[0].Ready() && peers[1].Ready() }, 10*time.Second, 50*time.Millisecond)

	type result struct {
		id  peer.ID
		key block.HashCode
	}
	results := make(chan result, 4)
	states := make(chan map[block.HashCode]string, 1)

	go func() {
		_ = sched.Run(ctx, func() {
			a, err := Announce(peers[1], "news/(gnunet|wikileaks)", time.Second, 1, cryptotools.AnonymousKey())
			if !assert.NoError(t, err) {
				return
			}
			sched.AddShutdown(a.Cancel)
			assert.NoError(t, a.AcceptingDhtEntries(func(_ *Announcement, m map[block.HashCode]string) {
				states <- m
			}))

			s, err := NewSearch(peers[0], "news/wikileaks", func(id peer.ID, _, _ []peer.ID, key block.HashCode) {
				results <- result{id, key}
			})
			if !assert.NoError(t, err) {
				return
			}
			sched.AddShutdown(s.Cancel)
		})
	}()
	defer sched.Shutdown()

	var m map[block.HashCode]string
	select {
	case m = <-states:
	case <-ctx.Done():
		t.Fatal("accepting states not delivered")
	}
	assert.Len(t, m, 2)

	select {
	case r := <-results:
		assert.Equal(t, cryptotools.AnonymousIdentity(), r.id)
		assert.Equal(t, "news/wikileaks", m[r.key])
	case <-ctx.Done():
		t.Fatal("search found nothing")
	}
}
