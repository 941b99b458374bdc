// Package wire frames cache entries for stores that cannot carry per-entry
// metadata themselves. The envelope records an absolute expiry and the
// entry's tag set next to the payload, so a store with only a global life
// window (e.g. bigcache) still honors per-entry TTLs on read.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const version byte = 1

var (
	// ErrCorrupt marks bytes that are not a valid envelope. Readers treat
	// corrupt entries as misses and delete them (self-heal).
	ErrCorrupt = errors.New("rescache: corrupt entry")

	magic4 = [...]byte{'R', 'S', 'C', 'W'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Envelope is the decoded frame around a payload.
type Envelope struct {
	ExpiresAt time.Time // zero => never expires
	Tags      []string
	Payload   []byte
}

// Expired reports whether the envelope's deadline has passed at now.
func (e Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Encode frames payload with expiry and tags:
//
//	magic(4) | ver(1) | ntags(u16 be) | expiry(unix-nano i64 be, 0=never)
//	| { tagLen(u16 be) | tag }* | payload
func Encode(e Envelope) []byte {
	total := 4 + 1 + 2 + 8 + len(e.Payload)
	for _, t := range e.Tags {
		total += 2 + len(t)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u2 [2]byte

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Tags)))
	buf.Write(u2[:])

	var exp int64
	if !e.ExpiresAt.IsZero() {
		exp = e.ExpiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(exp))
	buf.Write(u8[:])

	for _, t := range e.Tags {
		if l := len(t); l > 0xFFFF {
			panic("wire: tag too long")
		}
		binary.BigEndian.PutUint16(u2[:], uint16(len(t)))
		buf.Write(u2[:])
		buf.WriteString(t)
	}

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode parses an envelope produced by Encode.
func Decode(b []byte) (Envelope, error) {
	const hdr = 4 + 1 + 2 + 8
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Envelope{}, ErrCorrupt
	}

	off := 5
	ntags := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2

	exp := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	var e Envelope
	if exp != 0 {
		e.ExpiresAt = time.Unix(0, exp)
	}

	if ntags > 0 {
		e.Tags = make([]string, 0, ntags)
		for i := 0; i < ntags; i++ {
			if off+2 > len(b) {
				return Envelope{}, ErrCorrupt
			}
			tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
			off += 2
			if tlen > len(b)-off {
				return Envelope{}, ErrCorrupt
			}
			e.Tags = append(e.Tags, string(b[off:off+tlen]))
			off += tlen
		}
	}

	e.Payload = b[off:]
	return e, nil
}
