package profile

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/metric"
	"github.com/grafana/cctmerge/pkg/trace"
)

// ReadFile reads the raw profile at path. Load module names are
// canonicalized against fs. The companion trace file, named after the
// profile with the trace file extension, is registered if it exists.
func ReadFile(fs afero.Fs, path string) (*Profile, error) {
	return ReadFileWithOptions(fs, path, ReadOptions{Canonicalizer: loadmodule.CanonicalPath(fs)})
}

type ReadOptions struct {
	// Canonicalizer rewrites load module names. Nil keeps them as
	// recorded.
	Canonicalizer loadmodule.Canonicalizer
	Logger        log.Logger
}

// ReadFileWithOptions is like ReadFile, load module names being
// canonicalized by opts.Canonicalizer.
func ReadFileWithOptions(fs afero.Fs, path string, opts ReadOptions) (*Profile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := read(f, path, opts)
	if err != nil {
		return nil, err
	}
	tf := strings.TrimSuffix(path, filepath.Ext(path)) + trace.FileExt
	if ok, err := afero.Exists(fs, tf); err != nil {
		return nil, err
	} else if ok {
		p.AddTraceFile(tf)
	}
	return p, nil
}

// Read reads a raw profile. The name is used to report errors and
// becomes the raw file name of the profile. Epochs are merged into
// one profile.
func Read(r io.Reader, name string) (*Profile, error) {
	return read(r, name, ReadOptions{})
}

func read(r io.Reader, name string, opts ReadOptions) (*Profile, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	br := bufio.NewReader(r)
	d := &decoder{r: br}
	var h fileHeader
	if err := h.read(d); err != nil {
		return nil, errors.Wrapf(err, "read header of %s", name)
	}
	body := io.Reader(br)
	if h.flags&FlagCompressed != 0 {
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		defer zr.Close()
		body = bufio.NewReader(zr)
	}
	d = &decoder{r: body}

	var p *Profile
	for i := 0; ; i++ {
		e, err := readEpoch(d, h.version, opts.Canonicalizer)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read epoch %d of %s", i, name)
		}
		if p == nil {
			p = e
			continue
		}
		// Epochs of one file share the metric table layout and the
		// trace files, which are not rewritten.
		res, err := Merge(p, e, MergeOptions{MetricPolicy: metric.MergeByOffset, Logger: logger})
		if err != nil {
			return nil, errors.Wrapf(err, "merge epoch %d of %s", i, name)
		}
		if len(res.CallPathEffects) > 0 {
			level.Warn(logger).Log(
				"msg", "epochs disagree on call path ids, trace files are left as is",
				"file", name,
				"epoch", i,
				"callpath_effects", len(res.CallPathEffects),
			)
		}
	}
	if p == nil {
		return nil, errors.Wrapf(ErrNoEpochs, "read %s", name)
	}

	epochPairs := p.NameValues
	p.NameValues = h.nameValues
	for _, nv := range epochPairs {
		p.setNameValue(nv.Name, nv.Value)
	}
	p.Name, _ = p.NameValue(ProgramNameKey)
	p.Version = h.version
	p.RawFile = name
	return p, nil
}

type fileHeader struct {
	version    uint32
	flags      uint32
	nameValues []NameValue
}

func (h *fileHeader) read(d *decoder) error {
	var magic [16]byte
	if copy(magic[:], d.read(16)); d.err != nil {
		return d.err
	}
	if magic != fileMagic {
		return ErrInvalidMagic
	}
	if h.version = d.u32(); d.err == nil && (h.version == 0 || h.version >= unknownVersion) {
		return formatErrorf(ErrUnsupportedVersion, "version %d", h.version)
	}
	h.flags = d.u32()
	h.nameValues = d.nameValues()
	return d.err
}

func readEpoch(d *decoder, version uint32, canon loadmodule.Canonicalizer) (*Profile, error) {
	var tag [16]byte
	n, err := io.ReadFull(d.r, tag[:])
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, truncated(err)
	}
	if tag != epochMagic {
		return nil, ErrInvalidMagic
	}
	p := New()
	p.Version = version
	p.LoadModules = loadmodule.NewMapWithCanonicalizer(canon)
	p.CCT = cct.NewRawTree()
	p.Flags = d.u64()
	p.Granularity = d.u64()
	p.RAToCallsiteOffset = d.u32()
	p.NameValues = d.nameValues()
	if d.err != nil {
		return nil, d.err
	}
	if err = readMetrics(d, p.Metrics); err != nil {
		return nil, errors.Wrap(err, "metric table")
	}
	lms, err := readLoadModules(d, p.LoadModules)
	if err != nil {
		return nil, errors.Wrap(err, "load module table")
	}
	nr := nodeReader{
		d:           d,
		version:     version,
		tree:        p.CCT,
		loadModules: lms,
		valueKinds:  make([]metric.ValueKind, p.Metrics.Len()),
	}
	for i := range nr.valueKinds {
		nr.valueKinds[i] = p.Metrics.At(i).ValueKind
	}
	if err = nr.readNodes(); err != nil {
		return nil, err
	}
	if err = nr.readRootValues(); err != nil {
		return nil, errors.Wrap(err, "root values")
	}
	p.CCT.Canonicalize()
	return p, nil
}

func readMetrics(d *decoder, r *metric.Registry) error {
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		m := metric.Descriptor{
			Name:        d.str(),
			Description: d.str(),
			Period:      d.u64(),
			ValueKind:   metric.ValueKind(d.u8()),
			Final:       d.u8() != 0,
			Kind:        metric.Kind(d.u8()),
			Partner:     int(d.i32()),
			Display:     metric.Display(d.u8()),
		}
		if d.err != nil {
			break
		}
		if !m.Kind.Valid() || m.ValueKind > metric.ValueReal ||
			m.Partner < metric.NoPartner || m.Partner >= int(n) {
			return errors.Wrapf(formatErrorf(ErrInvalidMetric, "%q", m.Name), "metric %d", i)
		}
		r.Add(m)
	}
	return d.err
}

// readLoadModules returns the ids of the modules indexed by their
// position in the table: canonicalization may collapse entries.
func readLoadModules(d *decoder, m *loadmodule.Map) ([]loadmodule.ID, error) {
	n := d.u32()
	ids := make([]loadmodule.ID, 0, min(n, maxPrealloc))
	for i := uint32(0); i < n && d.err == nil; i++ {
		name := d.str()
		addr := d.u64()
		if d.err != nil {
			break
		}
		if i >= math.MaxUint16 {
			return nil, formatErrorf(ErrInvalidLoadModule, "too many load modules")
		}
		ids = append(ids, m.Insert(name, addr).ID)
	}
	return ids, d.err
}

type nodeReader struct {
	d           *decoder
	version     uint32
	tree        *cct.Tree
	loadModules []loadmodule.ID
	valueKinds  []metric.ValueKind

	handles map[int64]cct.Handle
}

func (r *nodeReader) readNodes() error {
	n := r.d.u32()
	if r.d.err != nil {
		return r.d.err
	}
	r.handles = make(map[int64]cct.Handle, min(n, maxPrealloc))
	for i := uint32(0); i < n; i++ {
		if err := r.readNode(); err != nil {
			return errors.Wrapf(err, "node %d", i)
		}
	}
	if r.version == FormatV1 {
		// Nodes with children are call sites.
		for _, h := range r.handles {
			if !r.tree.IsLeaf(h) {
				r.tree.Node(h).Kind = cct.KindCall
			}
		}
	}
	return nil
}

// readRootValues reads the values attributed to the root itself,
// one per metric.
func (r *nodeReader) readRootValues() error {
	if metrics, ok := r.readValues(); ok {
		r.tree.Node(r.tree.Root()).Metrics = metrics
	}
	return r.d.err
}

// readValues returns the metric values of a node, and whether any of
// them is not zero.
func (r *nodeReader) readValues() ([]float64, bool) {
	metrics := make([]float64, len(r.valueKinds))
	var nonZero bool
	for i, k := range r.valueKinds {
		metrics[i] = decodeValue(r.d.u64(), k)
		nonZero = nonZero || metrics[i] != 0
	}
	return metrics, nonZero && r.d.err == nil
}

func (r *nodeReader) readNode() error {
	d := r.d
	rawID, rawParent := int64(d.i32()), int64(d.i32())
	if d.err != nil {
		return d.err
	}
	traced := rawID < 0
	id, parent := abs(rawID), abs(rawParent)
	if id == 0 {
		return formatErrorf(ErrNodeOrder, "node id 0")
	}
	if _, ok := r.handles[id]; ok {
		return formatErrorf(ErrDuplicateNode, "id %d", id)
	}
	ph := r.tree.Root()
	if parent != 0 {
		if parent >= id {
			return formatErrorf(ErrNodeOrder, "parent %d of node %d", parent, id)
		}
		var ok bool
		if ph, ok = r.handles[parent]; !ok {
			return formatErrorf(ErrNodeOrder, "parent %d not yet defined", parent)
		}
	}

	kind := cct.KindStmt
	if r.version >= FormatV2 {
		if kind = cct.Kind(d.u8()); d.err != nil {
			return d.err
		}
		if !kind.Valid() || kind == cct.KindRoot {
			return formatErrorf(ErrInvalidNodeKind, "kind %d", kind)
		}
	}
	var h cct.Handle
	if kind.IsDynamic() {
		n, err := r.readDynamic(id, traced)
		if err != nil {
			return err
		}
		h = r.tree.NewDynamic(kind, n)
	} else {
		if traced {
			return formatErrorf(ErrInvalidNodeKind, "%s node cannot be a trace sample point", kind)
		}
		label := d.str()
		h = r.tree.New(kind)
		r.tree.Node(h).Label = label
	}

	metrics, nonZero := r.readValues()
	if d.err != nil {
		return d.err
	}
	if nonZero {
		r.tree.Node(h).Metrics = metrics
	}
	r.tree.SetID(h, uint32(id))
	r.tree.Link(h, ph)
	r.handles[id] = h
	return nil
}

func (r *nodeReader) readDynamic(id int64, traced bool) (cct.Dynamic, error) {
	d := r.d
	var n cct.Dynamic
	var err error
	n.Assoc = d.u32()
	lm := d.u16()
	n.IP = d.u64()
	if n.LoadModule, err = r.loadModule(lm); err != nil {
		return n, err
	}
	if d.u8() != 0 {
		lipLM, off := d.u16(), d.u64()
		lip := &cct.LIP{Offset: off}
		if lip.LoadModule, err = r.loadModule(lipLM); err != nil {
			return n, err
		}
		n.LIP = lip
	}
	if traced {
		if r.version >= FormatV2 {
			n.CallPath = cct.CallPathID(d.u32())
		} else {
			n.CallPath = cct.CallPathID(id)
		}
	}
	return n, d.err
}

func (r *nodeReader) loadModule(id uint16) (loadmodule.ID, error) {
	if id == 0 {
		return loadmodule.Null, nil
	}
	if int(id) > len(r.loadModules) {
		return 0, formatErrorf(ErrInvalidLoadModule, "id %d (%d modules)", id, len(r.loadModules))
	}
	return r.loadModules[id-1], nil
}

func decodeValue(v uint64, k metric.ValueKind) float64 {
	if k == metric.ValueReal {
		return math.Float64frombits(v)
	}
	return float64(int64(v))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// decoder reads big endian values. The first error is retained and
// subsequent reads are no-ops.
type decoder struct {
	r   io.Reader
	buf [16]byte
	err error
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return d.buf[:n]
	}
	b := d.buf[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = truncated(err)
		clear(b)
	}
	return b
}

func (d *decoder) u8() uint8   { return d.read(1)[0] }
func (d *decoder) u16() uint16 { return binary.BigEndian.Uint16(d.read(2)) }
func (d *decoder) u32() uint32 { return binary.BigEndian.Uint32(d.read(4)) }
func (d *decoder) u64() uint64 { return binary.BigEndian.Uint64(d.read(8)) }
func (d *decoder) i32() int32  { return int32(d.u32()) }

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	if n > maxStringLen {
		d.err = formatErrorf(ErrInvalidString, "%d bytes", n)
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = truncated(err)
		return ""
	}
	return string(b)
}

func (d *decoder) nameValues() []NameValue {
	n := d.u32()
	var nv []NameValue
	for i := uint32(0); i < n && d.err == nil; i++ {
		k, v := d.str(), d.str()
		if d.err == nil {
			nv = append(nv, NameValue{Name: k, Value: v})
		}
	}
	return nv
}
