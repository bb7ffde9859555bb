package profile

import (
	"fmt"
)

// A raw profile file is a header followed by one or more epochs, each
// being a complete measurement interval of the execution unit.
//
// Big endian order is used. Strings are prefixed with a uint32 length.
//
// [Header]    Magic, format version, flags and name/value pairs. With
//             FlagCompressed set, the rest of the file is a zstd stream.
//
// [Epoch]...  Epoch header (tag, flags, granularity, RA-to-callsite
//             offset, name/value pairs), metric table, load module
//             table, node table, and the values of the root itself,
//             one per metric.
//
// In the node table, a node always follows its parent, and the absolute
// value of the parent id is less than the absolute value of the node id.
// The id of a trace sample point is negated. Top-level nodes have the
// parent id 0. The record of a node is version-specific:
//
//  FormatV1: id, parent, assoc, load module, ip, lip, metric values.
//            The call path id of a trace sample point is its absolute id,
//            and the kind of a node is derived from its position.
//
//  FormatV2: id, parent, kind. Dynamic nodes continue with assoc, load
//            module, ip, lip, and the call path id if the node is a trace
//            sample point. Other kinds continue with a label. Metric
//            values follow.
//
// Integer metric values are stored as two's complement, real values
// as IEEE 754 bits.

const (
	FileExt = ".hpcrun"
)

const (
	_ = iota

	FormatV1
	FormatV2

	unknownVersion
)

const (
	FlagCompressed uint32 = 1 << iota
)

var (
	fileMagic  = [16]byte{'H', 'P', 'C', 'R', 'U', 'N', '-', 'p', 'r', 'o', 'f', 'i', 'l', 'e', '_', '_'}
	epochMagic = [16]byte{'H', 'P', 'C', 'R', 'U', 'N', '-', 'e', 'p', 'o', 'c', 'h', '_', '_', '_', '_'}
)

const (
	maxStringLen = 1 << 20
	// Preallocation bound of tables; larger tables grow as they are read.
	maxPrealloc = 1 << 16
)

var (
	ErrInvalidMagic       = &FormatError{fmt.Errorf("invalid magic number")}
	ErrUnsupportedVersion = &FormatError{fmt.Errorf("unsupported version")}
	ErrTruncated          = &FormatError{fmt.Errorf("unexpected end of file")}
	ErrInvalidString      = &FormatError{fmt.Errorf("invalid string length")}
	ErrInvalidNodeKind    = &FormatError{fmt.Errorf("invalid node kind")}
	ErrInvalidMetric      = &FormatError{fmt.Errorf("invalid metric descriptor")}
	ErrNodeOrder          = &FormatError{fmt.Errorf("invalid node order")}
	ErrDuplicateNode      = &FormatError{fmt.Errorf("duplicate node id")}
	ErrInvalidLoadModule  = &FormatError{fmt.Errorf("invalid load module id")}
	ErrNoEpochs           = &FormatError{fmt.Errorf("no epochs")}
)

// ErrUnorderable is returned when a tree cannot be written in the
// legacy format: node ids of trace sample points are their call path
// ids, which must be greater than the id of their parent.
var ErrUnorderable = fmt.Errorf("tree cannot be ordered for format version %d", FormatV1)

type FormatError struct{ err error }

func (e *FormatError) Error() string {
	return e.err.Error()
}

// formatErrorf returns an error matching the sentinel with errors.Is.
func formatErrorf(sentinel *FormatError, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
