package regex

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"happystoic/overlaytest/pkg/cryptotools"
)

// acceptRecord is the payload of a TypeRegexAccept block.
type acceptRecord struct {
	Pattern string
	State   string
	Signed  cryptotools.Signed
}

// signedData is what the announcer signs, it binds the state to the pattern.
func (r *acceptRecord) signedData() []byte {
	return []byte("regex-accept\x00" + r.Pattern + "\x00" + r.State)
}

// announcement is gossiped on the announce topic. ID tells announcements of
// different announcers apart, Seq makes every refresh a new message.
type announcement struct {
	Pattern string
	ID      string
	Seq     uint64
}

// query asks announcers to repeat their announcements.
type query struct {
	Str   string
	Nonce string
}

// fields is a decoded flat protobuf message: bytes fields and varints by
// field number. Repeated fields keep the last value.
type fields struct {
	bytes   map[protowire.Number][]byte
	varints map[protowire.Number]uint64
}

func parseFields(buf []byte) (*fields, error) {
	f := &fields{
		bytes:   make(map[protowire.Number][]byte),
		varints: make(map[protowire.Number]uint64),
	}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.bytes[num] = append([]byte(nil), v...)
			buf = buf[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.varints[num] = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}
	return f, nil
}

func appendString(buf []byte, num protowire.Number, s string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

func appendBytes(buf []byte, num protowire.Number, b []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, b)
}

func (r *acceptRecord) marshal() []byte {
	var buf []byte
	buf = appendString(buf, 1, r.Pattern)
	buf = appendString(buf, 2, r.State)
	buf = appendBytes(buf, 3, r.Signed.PubKey)
	buf = appendBytes(buf, 4, r.Signed.Signature)
	return buf
}

func unmarshalAcceptRecord(buf []byte) (*acceptRecord, error) {
	f, err := parseFields(buf)
	if err != nil {
		return nil, errors.WithMessage(err, "error decoding accept record")
	}
	r := &acceptRecord{
		Pattern: string(f.bytes[1]),
		State:   string(f.bytes[2]),
		Signed: cryptotools.Signed{
			PubKey:    f.bytes[3],
			Signature: f.bytes[4],
		},
	}
	if r.Pattern == "" || len(r.Signed.PubKey) == 0 || len(r.Signed.Signature) == 0 {
		return nil, errors.New("incomplete accept record")
	}
	return r, nil
}

func (a *announcement) marshal() []byte {
	var buf []byte
	buf = appendString(buf, 1, a.Pattern)
	buf = appendString(buf, 2, a.ID)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	return protowire.AppendVarint(buf, a.Seq)
}

func unmarshalAnnouncement(buf []byte) (*announcement, error) {
	f, err := parseFields(buf)
	if err != nil {
		return nil, errors.WithMessage(err, "error decoding announcement")
	}
	a := &announcement{
		Pattern: string(f.bytes[1]),
		ID:      string(f.bytes[2]),
		Seq:     f.varints[3],
	}
	if a.Pattern == "" {
		return nil, errors.New("announcement without pattern")
	}
	return a, nil
}

func (q *query) marshal() []byte {
	var buf []byte
	buf = appendString(buf, 1, q.Str)
	return appendString(buf, 2, q.Nonce)
}

func unmarshalQuery(buf []byte) (*query, error) {
	f, err := parseFields(buf)
	if err != nil {
		return nil, errors.WithMessage(err, "error decoding query")
	}
	return &query{Str: string(f.bytes[1]), Nonce: string(f.bytes[2])}, nil
}
