package profile

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"github.com/valyala/bytebufferpool"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/metric"
)

type WriteOptions struct {
	// Version of the format, FormatV2 if zero.
	Version  uint32
	Compress bool
}

// WriteFile writes the profile to a temporary file next to path, and
// renames it once complete.
func WriteFile(fs afero.Fs, path string, p *Profile, opts WriteOptions) (err error) {
	tmp := fmt.Sprintf("%s.%s.tmp", path, ulid.MustNew(ulid.Now(), rand.Reader))
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = fs.Remove(tmp)
		}
	}()
	if err = Write(f, p, opts); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmp, path)
}

// Write writes the profile as a single epoch. Nodes are renumbered
// with dense pre-order ids.
func Write(w io.Writer, p *Profile, opts WriteOptions) error {
	version := opts.Version
	if version == 0 {
		version = FormatV2
	}
	if version >= unknownVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	e := encoder{buf: buf}

	var flags uint32
	if opts.Compress {
		flags |= FlagCompressed
	}
	e.bytes(fileMagic[:])
	e.u32(version)
	e.u32(flags)
	nv := p.NameValues
	if _, ok := p.NameValue(ProgramNameKey); !ok && p.Name != "" {
		nv = append([]NameValue{{Name: ProgramNameKey, Value: p.Name}}, nv...)
	}
	e.nameValues(nv)
	if _, err := w.Write(buf.B); err != nil {
		return err
	}
	buf.Reset()

	if err := encodeEpoch(&e, p, version); err != nil {
		return err
	}
	if !opts.Compress {
		_, err := w.Write(buf.B)
		return err
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	if _, err = zw.Write(buf.B); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func encodeEpoch(e *encoder, p *Profile, version uint32) error {
	e.bytes(epochMagic[:])
	e.u64(p.Flags)
	e.u64(p.Granularity)
	e.u32(p.RAToCallsiteOffset)
	e.nameValues(nil)

	kinds := make([]metric.ValueKind, p.Metrics.Len())
	e.u32(uint32(p.Metrics.Len()))
	for i := range kinds {
		m := p.Metrics.At(i)
		kinds[i] = m.ValueKind
		e.str(m.Name)
		e.str(m.Description)
		e.u64(m.Period)
		e.u8(uint8(m.ValueKind))
		e.bool(m.Final)
		e.u8(uint8(m.Kind))
		e.u32(uint32(int32(m.Partner)))
		e.u8(uint8(m.Display))
	}

	modules := p.LoadModules.Modules()
	e.u32(uint32(len(modules)))
	for _, m := range modules {
		e.str(m.Name)
		e.u64(m.LoadAddr)
	}

	t := p.CCT
	ids, err := nodeIDs(t, version)
	if err != nil {
		return err
	}
	e.u32(uint32(t.Len() - 1))
	for h := range t.SortedPreOrder(t.Root()) {
		if h == t.Root() {
			continue
		}
		n := t.Node(h)
		traced := n.Kind.IsDynamic() && n.CallPath != cct.NoCallPath
		id := ids[h]
		if traced {
			id = -id
		}
		e.u32(uint32(id))
		e.u32(uint32(ids[t.Parent(h)]))
		if version >= FormatV2 {
			e.u8(uint8(n.Kind))
		}
		if n.Kind.IsDynamic() {
			e.u32(n.Assoc)
			e.u16(uint16(n.LoadModule))
			e.u64(n.IP)
			if n.LIP != nil {
				e.u8(1)
				e.u16(uint16(n.LIP.LoadModule))
				e.u64(n.LIP.Offset)
			} else {
				e.u8(0)
			}
			if traced && version >= FormatV2 {
				e.u32(uint32(n.CallPath))
			}
		} else {
			e.str(n.Label)
		}
		for i, k := range kinds {
			e.u64(encodeValue(n.Metric(i), k))
		}
	}
	root := t.Node(t.Root())
	for i, k := range kinds {
		e.u64(encodeValue(root.Metric(i), k))
	}
	return nil
}

// nodeIDs returns the file ids of the nodes, the root being 0. In the
// legacy format, trace sample points are identified by their call path
// id, and the other nodes take the lowest ids available above their
// parent.
func nodeIDs(t *cct.Tree, version uint32) (map[cct.Handle]int32, error) {
	t.MakeDensePreorderIDs()
	ids := make(map[cct.Handle]int32, t.Len())
	if version >= FormatV2 {
		for h := range t.PreOrder(t.Root()) {
			ids[h] = int32(t.ID(h) - 1)
		}
		return ids, nil
	}

	reserved := make(map[int64]struct{})
	for _, id := range t.CallPaths() {
		reserved[int64(id)] = struct{}{}
	}
	next := int64(1)
	for h := range t.SortedPreOrder(t.Root()) {
		if h == t.Root() {
			ids[h] = 0
			continue
		}
		n := t.Node(h)
		parent := int64(ids[t.Parent(h)])
		if !n.Kind.IsDynamic() {
			return nil, fmt.Errorf("%w: %s node", ErrUnorderable, n.Kind)
		}
		var id int64
		if n.CallPath != cct.NoCallPath {
			if id = int64(n.CallPath); id <= parent {
				return nil, fmt.Errorf("%w: call path id %d follows parent %d", ErrUnorderable, id, parent)
			}
		} else {
			id = max(next, parent+1)
			for {
				if _, ok := reserved[id]; !ok {
					break
				}
				id++
			}
			next = id + 1
		}
		if id > math.MaxInt32 {
			return nil, fmt.Errorf("%w: node id %d overflows", ErrUnorderable, id)
		}
		ids[h] = int32(id)
	}
	return ids, nil
}

func encodeValue(v float64, k metric.ValueKind) uint64 {
	if k == metric.ValueReal {
		return math.Float64bits(v)
	}
	return uint64(int64(v))
}

type encoder struct {
	buf *bytebufferpool.ByteBuffer
}

func (e *encoder) bytes(b []byte) { e.buf.B = append(e.buf.B, b...) }
func (e *encoder) u8(v uint8)     { e.buf.B = append(e.buf.B, v) }
func (e *encoder) u16(v uint16)   { e.buf.B = binary.BigEndian.AppendUint16(e.buf.B, v) }
func (e *encoder) u32(v uint32)   { e.buf.B = binary.BigEndian.AppendUint32(e.buf.B, v) }
func (e *encoder) u64(v uint64)   { e.buf.B = binary.BigEndian.AppendUint64(e.buf.B, v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.B = append(e.buf.B, s...)
}

func (e *encoder) nameValues(nv []NameValue) {
	e.u32(uint32(len(nv)))
	for _, x := range nv {
		e.str(x.Name)
		e.str(x.Value)
	}
}
