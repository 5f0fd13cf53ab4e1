// Package format provides the binary format of persisted product blobs.
package format

import (
	"errors"
	"fmt"
)

// Every blob starts with four bytes: the signature 's', a type code ('p'
// for products), the body version and a flags byte.
const (
	Signature  = 's'
	HeaderSize = 4

	TypeProduct = 'p'

	// FlagCompressed marks a body compressed with zstd.
	FlagCompressed = 0x01

	knownFlags = FlagCompressed
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrUnknownFlags      = errors.New("unknown flags")
)

type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{Signature, h.Type, h.Version, h.Flags}
}

// ReadHeader parses the header at the start of buf and checks it names the
// wanted type and version. Flag bits this build does not understand are
// rejected rather than ignored, since they may change how the body reads.
func ReadHeader(buf []byte, typ, version byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrHeaderTooSmall, len(buf))
	}
	if buf[0] != Signature {
		return Header{}, ErrSignatureMismatch
	}
	h := Header{Type: buf[1], Version: buf[2], Flags: buf[3]}
	switch {
	case h.Type != typ:
		return Header{}, fmt.Errorf("%w: %q, want %q", ErrTypeMismatch, h.Type, typ)
	case h.Version != version:
		return Header{}, fmt.Errorf("%w: %d, want %d", ErrVersionMismatch, h.Version, version)
	case h.Flags&^knownFlags != 0:
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFlags, h.Flags&^knownFlags)
	}
	return h, nil
}
