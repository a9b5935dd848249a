package cryptotools

import (
	libp2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
)

// Signed is what Sign produces: the marshalled public key of the signer and
// the signature over the data.
type Signed struct {
	PubKey    []byte
	Signature []byte
}

// Sign signs data with key and attaches the marshalled public key so the
// receiver can derive the signer identity.
func Sign(key libp2pcrypto.PrivKey, data []byte) (*Signed, error) {
	pubKey, err := libp2pcrypto.MarshalPublicKey(key.GetPublic())
	if err != nil {
		return nil, errors.WithMessage(err, "error marshalling public key")
	}
	sig, err := key.Sign(data)
	if err != nil {
		return nil, err
	}
	return &Signed{PubKey: pubKey, Signature: sig}, nil
}

// Verify checks the signature over data and returns the identity of the
// signer.
func Verify(data []byte, s *Signed) (peer.ID, error) {
	// extract node id from the provided public key
	key, err := libp2pcrypto.UnmarshalPublicKey(s.PubKey)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPublicKey(key)
	if err != nil {
		return "", err
	}

	valid, err := key.Verify(data, s.Signature)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", errors.New("signature does not match")
	}
	return id, nil
}
