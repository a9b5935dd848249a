package cryptotools

import (
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happystoic/overlaytest/pkg/config"
)

func TestAnonymousIdentityIsStable(t *testing.T) {
	a := AnonymousIdentity()
	b := AnonymousIdentity()
	assert.Equal(t, a, b)

	fresh, err := GetPrivateKey(&config.IdentityConfig{GenerateNewKey: true})
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(fresh)
	require.NoError(t, err)
	assert.NotEqual(t, a, id)
}

func TestKeySaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.priv")
	saved, err := GetPrivateKey(&config.IdentityConfig{GenerateNewKey: true, SaveKeyToFile: path})
	require.NoError(t, err)

	loaded, err := GetPrivateKey(&config.IdentityConfig{LoadKeyFromFile: path})
	require.NoError(t, err)
	assert.True(t, saved.Equals(loaded))

	_, err = GetPrivateKey(&config.IdentityConfig{})
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	key := AnonymousKey()
	data := []byte("accepting state")

	signed, err := Sign(key, data)
	require.NoError(t, err)

	id, err := Verify(data, signed)
	require.NoError(t, err)
	assert.Equal(t, AnonymousIdentity(), id)

	_, err = Verify([]byte("tampered"), signed)
	assert.Error(t, err)
}

func TestMemDump(t *testing.T) {
	assert.Equal(t, "00FF10", MemDump([]byte{0x00, 0xff, 0x10}))
	assert.Equal(t, "", MemDump(nil))
}
