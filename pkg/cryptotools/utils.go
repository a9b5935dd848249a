package cryptotools

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"

	"happystoic/overlaytest/pkg/config"
)

func GetPrivateKey(conf *config.IdentityConfig) (key libp2pcrypto.PrivKey, err error) {
	if err := conf.Check(); err != nil {
		return nil, err
	}
	if conf.GenerateNewKey {
		key, err = generateKey()
		if err != nil {
			return nil, err
		}
	} else {
		key, err = loadKeyFromFile(conf.LoadKeyFromFile)
		if err != nil {
			return nil, err
		}
	}

	if conf.SaveKeyToFile != "" {
		err := saveKeyToFile(conf.SaveKeyToFile, key)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

func generateKey() (libp2pcrypto.PrivKey, error) {
	priv, _, err := libp2pcrypto.GenerateKeyPair(
		libp2pcrypto.Ed25519, // Select your key type. Ed25519 are nice short
		-1,                   // Select key length when possible (i.e. RSA).
	)
	return priv, err
}

func loadKeyFromFile(file string) (libp2pcrypto.PrivKey, error) {
	bytes, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	key, err := libp2pcrypto.UnmarshalPrivateKey(bytes)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func saveKeyToFile(file string, key libp2pcrypto.PrivKey) error {
	bytes, err := libp2pcrypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	err = os.WriteFile(file, bytes, 0600)
	if err != nil {
		return err
	}
	return nil
}

// anonymousSeed is known to every peer, so all of them derive the same
// anonymous key pair.
var anonymousSeed = sha256.Sum256([]byte("overlaytest anonymous peer"))

// AnonymousKey returns the well-known private key used for anonymous
// announcements.
func AnonymousKey() libp2pcrypto.PrivKey {
	key, _, err := libp2pcrypto.GenerateEd25519Key(bytes.NewReader(anonymousSeed[:]))
	if err != nil {
		// reading from a 32 byte seed cannot fail
		panic(err)
	}
	return key
}

// AnonymousIdentity returns the peer ID of AnonymousKey.
func AnonymousIdentity() peer.ID {
	id, err := peer.IDFromPrivateKey(AnonymousKey())
	if err != nil {
		panic(err)
	}
	return id
}

// MemDump renders data as upper case hex, the format used in trace lines.
func MemDump(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

func GenerateUUID() string {
	return uuid.New().String()
}
