// Package trace implements the companion trace files of raw profiles:
// time-ordered samples referring to calling contexts by call path id.
package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Big endian order is used.
//
// [Header]  Magic, version and flags. Copied verbatim when a file is
//           rewritten.
//
// [Records] Fixed size sample records until EOF: timestamp uint64 and
//           call path id uint32.

const (
	HeaderSize = 24
	RecordSize = 12

	FileExt = ".hpctrace"
)

const (
	_ = iota

	FormatV1

	unknownVersion
)

var magic = [16]byte{'H', 'P', 'C', 'R', 'U', 'N', '-', 't', 'r', 'a', 'c', 'e', '_', '_', '_', '_'}

var (
	ErrInvalidSize        = &FormatError{fmt.Errorf("invalid size")}
	ErrInvalidMagic       = &FormatError{fmt.Errorf("invalid magic number")}
	ErrUnsupportedVersion = &FormatError{fmt.Errorf("unsupported version")}
	ErrShortRecord        = &FormatError{fmt.Errorf("short trace record")}
)

type FormatError struct{ err error }

func (e *FormatError) Error() string {
	return e.err.Error()
}

type Header struct {
	Version uint32
	Flags   uint32
}

func NewHeader() Header { return Header{Version: FormatV1} }

func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b[0:16], magic[:])
	binary.BigEndian.PutUint32(b[16:20], h.Version)
	binary.BigEndian.PutUint32(b[20:24], h.Flags)
	return b, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) != HeaderSize {
		return ErrInvalidSize
	}
	if !bytes.Equal(b[0:16], magic[:]) {
		return ErrInvalidMagic
	}
	if h.Version = binary.BigEndian.Uint32(b[16:20]); h.Version == 0 || h.Version >= unknownVersion {
		return ErrUnsupportedVersion
	}
	h.Flags = binary.BigEndian.Uint32(b[20:24])
	return nil
}

func readHeader(r io.Reader) ([]byte, Header, error) {
	var h Header
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, h, ErrInvalidSize
		}
		return nil, h, err
	}
	return b, h, h.UnmarshalBinary(b)
}

type Record struct {
	Timestamp uint64
	CallPath  uint32
}

func (r Record) marshal(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], r.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], r.CallPath)
}

func (r *Record) unmarshal(b []byte) {
	r.Timestamp = binary.BigEndian.Uint64(b[0:8])
	r.CallPath = binary.BigEndian.Uint32(b[8:12])
}
