package regex

import (
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"happystoic/overlaytest/pkg/block"
	"happystoic/overlaytest/pkg/cryptotools"
)

func init() {
	block.RegisterPlugin(block.TypeRegexAccept, func(key block.HashCode, b *block.Block) error {
		_, err := verifyAccept(key, b.Data)
		return err
	})
}

// signAccept builds the signed accept record of one state.
func signAccept(canonical, state string, key crypto.PrivKey) (*acceptRecord, error) {
	r := &acceptRecord{Pattern: canonical, State: state}
	signed, err := cryptotools.Sign(key, r.signedData())
	if err != nil {
		return nil, err
	}
	r.Signed = *signed
	return r, nil
}

// verifyAccept checks that data is an accept record stored under its own
// accepting key and returns the identity that signed it.
func verifyAccept(key block.HashCode, data []byte) (peer.ID, error) {
	r, err := unmarshalAcceptRecord(data)
	if err != nil {
		return "", err
	}
	canonical, _, err := Canonical(r.Pattern)
	if err != nil {
		return "", err
	}
	if canonical != r.Pattern {
		return "", errors.Errorf("accept record pattern %q is not canonical", r.Pattern)
	}
	if stateKey(r.Pattern, r.State) != key {
		return "", errors.Errorf("accept record for %q stored under foreign key %s", r.State, key.Short())
	}
	id, err := cryptotools.Verify(r.signedData(), &r.Signed)
	if err != nil {
		return "", errors.WithMessage(err, "invalid accept record signature")
	}
	return id, nil
}
