package block

import (
	"sync"
	"time"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/pkg/errors"
)

// Plugin checks the payload of blocks of one type.
type Plugin func(key HashCode, b *Block) error

var (
	pluginsMu sync.RWMutex
	plugins   = make(map[Type]Plugin)
)

// RegisterPlugin installs the payload check for blocks of type t. Types
// without a plugin accept any payload.
func RegisterPlugin(t Type, p Plugin) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	plugins[t] = p
}

func pluginOf(t Type) Plugin {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	return plugins[t]
}

// nowFunc is replaced in tests
var nowFunc = time.Now

type validator struct {
	t Type
}

// Validators returns a record validator per block namespace, ready to be
// installed into a kad-dht instance.
func Validators() map[string]record.Validator {
	vals := make(map[string]record.Validator, len(namespaces))
	for t, ns := range namespaces {
		vals[ns] = validator{t}
	}
	return vals
}

// Validate checks the envelope and delegates the payload to the type
// plugin.
func (v validator) Validate(key string, value []byte) error {
	t, h, err := ParseKey(key)
	if err != nil {
		return err
	}
	if t != v.t {
		return errors.Errorf("block key of type %s in namespace of %s", t, v.t)
	}
	b, err := Unmarshal(value)
	if err != nil {
		return errors.WithMessage(err, "error decoding block")
	}
	if b.Type != v.t {
		return errors.Errorf("block of type %s stored under %s key", b.Type, v.t)
	}
	if b.Expired(nowFunc()) {
		return errors.Errorf("block %s expired at %s", h.Short(), b.Expiry)
	}
	if p := pluginOf(t); p != nil {
		return p(h, b)
	}
	return nil
}

// Select prefers the block that lives longest. Ties keep the first value,
// which makes a repeated put of the same block succeed.
func (v validator) Select(_ string, values [][]byte) (int, error) {
	best := -1
	var bestExpiry time.Time
	for i, value := range values {
		b, err := Unmarshal(value)
		if err != nil {
			continue
		}
		if best == -1 || outlives(b.Expiry, bestExpiry) {
			best = i
			bestExpiry = b.Expiry
		}
	}
	if best == -1 {
		return 0, errors.New("no valid block to select from")
	}
	return best, nil
}

func outlives(a, b time.Time) bool {
	switch {
	case b.IsZero():
		return false
	case a.IsZero():
		return true
	}
	return a.After(b)
}
