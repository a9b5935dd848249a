// Package block defines the values stored in the overlay DHT: typed,
// expiring envelopes addressed by a 512 bit hash.
package block

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Type selects how a block is validated and which DHT namespace it lives
// in.
type Type uint32

const (
	TypeAny Type = iota
	TypeTest
	TypeRegexAccept
)

var namespaces = map[Type]string{
	TypeTest:        "test",
	TypeRegexAccept: "regex-accept",
}

// Namespace returns the DHT key namespace of the type.
func (t Type) Namespace() string {
	return namespaces[t]
}

func (t Type) String() string {
	switch t {
	case TypeAny:
		return "ANY"
	case TypeTest:
		return "TEST"
	case TypeRegexAccept:
		return "REGEX_ACCEPT"
	}
	return "unknown"
}

// TypeFromNamespace is the inverse of Namespace.
func TypeFromNamespace(ns string) (Type, error) {
	for t, n := range namespaces {
		if n == ns {
			return t, nil
		}
	}
	return TypeAny, errors.Errorf("unknown block namespace: %s", ns)
}

// HashCodeSize is the length of a HashCode in bytes.
const HashCodeSize = sha512.Size

// HashCode addresses blocks in the DHT.
type HashCode [HashCodeSize]byte

// Hash returns the HashCode of data.
func Hash(data []byte) HashCode {
	return HashCode(sha512.Sum512(data))
}

func (h HashCode) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// Short returns the first bytes of the hash for log lines.
func (h HashCode) Short() string {
	return h.String()[:8]
}

// Cid returns ipfs cid of the hash which can be used for provider records
func (h HashCode) Cid() (cid.Cid, error) {
	return cid.V0Builder.Sum(cid.V0Builder{}, h[:])
}

// Key builds the DHT key of a block of type t stored under h.
func Key(t Type, h HashCode) (string, error) {
	ns := t.Namespace()
	if ns == "" {
		return "", errors.Errorf("block type %s has no namespace", t)
	}
	return "/" + ns + "/" + string(h[:]), nil
}

// ParseKey splits a DHT key built by Key.
func ParseKey(key string) (Type, HashCode, error) {
	var h HashCode
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != "" {
		return TypeAny, h, errors.Errorf("invalid block key %q", key)
	}
	t, err := TypeFromNamespace(parts[1])
	if err != nil {
		return TypeAny, h, err
	}
	if len(parts[2]) != HashCodeSize {
		return TypeAny, h, errors.Errorf("block key hash has %d bytes, expected %d", len(parts[2]), HashCodeSize)
	}
	copy(h[:], parts[2])
	return t, h, nil
}

// Block is a typed value with an expiration. Zero Expiry never expires.
type Block struct {
	Type   Type
	Expiry time.Time
	Data   []byte
}

// Forever is the expiration of blocks that never expire.
var Forever time.Time

const (
	fieldType   protowire.Number = 1
	fieldExpiry protowire.Number = 2
	fieldData   protowire.Number = 3
)

// Expired reports whether the block expired at now.
func (b *Block) Expired(now time.Time) bool {
	return !b.Expiry.IsZero() && now.After(b.Expiry)
}

// Marshal encodes the block in protobuf wire format.
func (b *Block) Marshal() ([]byte, error) {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.Type))
	if !b.Expiry.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(b.Expiry))
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, fieldExpiry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ts)
	}
	buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.Data)
	return buf, nil
}

// Unmarshal decodes a block produced by Marshal. Unknown fields are skipped.
func Unmarshal(buf []byte) (*Block, error) {
	b := &Block{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b.Type = Type(v)
			buf = buf[n:]
		case num == fieldExpiry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ts := &timestamppb.Timestamp{}
			if err := proto.Unmarshal(v, ts); err != nil {
				return nil, errors.WithMessage(err, "error decoding block expiry")
			}
			if err := ts.CheckValid(); err != nil {
				return nil, err
			}
			b.Expiry = ts.AsTime()
			buf = buf[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b.Data = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return b, nil
}
