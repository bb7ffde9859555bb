package trace

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cctmerge/pkg/cct"
)

func encode(t *testing.T, h Header, records ...Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, h)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func decode(t *testing.T, b []byte) (Header, []Record) {
	t.Helper()
	r, err := NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	records, err := r.ReadAll()
	require.NoError(t, err)
	return r.Header(), records
}

func Test_ReaderWriter(t *testing.T) {
	h := Header{Version: FormatV1, Flags: 0x5}
	records := []Record{{Timestamp: 1, CallPath: 3}, {Timestamp: 2, CallPath: 7}}
	b := encode(t, h, records...)
	assert.Len(t, b, HeaderSize+2*RecordSize)

	hh, rr := decode(t, b)
	assert.Equal(t, h, hh)
	assert.Equal(t, records, rr)
}

func Test_Reader_Malformed(t *testing.T) {
	valid := encode(t, NewHeader(), Record{Timestamp: 1, CallPath: 1})
	for _, tc := range []struct {
		name     string
		input    []byte
		expected error
	}{
		{name: "empty", input: nil, expected: ErrInvalidSize},
		{name: "truncated header", input: valid[:10], expected: ErrInvalidSize},
		{
			name:     "magic",
			input:    append([]byte("HPCRUN-profile__"), valid[16:]...),
			expected: ErrInvalidMagic,
		},
		{
			name:     "version",
			input:    append(append(append([]byte{}, valid[:16]...), 0, 0, 0, 9), valid[20:]...),
			expected: ErrUnsupportedVersion,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tc.input))
			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

func Test_Reader_ShortRecord(t *testing.T) {
	b := encode(t, NewHeader(), Record{Timestamp: 1, CallPath: 1})
	b = append(b, 0, 0, 0)
	r, err := NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrShortRecord)
}

func Test_Rewrite(t *testing.T) {
	h := Header{Version: FormatV1, Flags: 0xff}
	in := encode(t, h,
		Record{Timestamp: 1, CallPath: 3},
		Record{Timestamp: 2, CallPath: 4},
		Record{Timestamp: 3, CallPath: 5},
		Record{Timestamp: 4, CallPath: 3},
	)
	var out bytes.Buffer
	// 3 -> 4 and 4 -> 5 are applied simultaneously, not chained.
	n, err := Rewrite(bytes.NewReader(in), &out, []cct.Effect{{Old: 3, New: 4}, {Old: 4, New: 5}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, in[:HeaderSize], out.Bytes()[:HeaderSize])
	_, records := decode(t, out.Bytes())
	assert.Equal(t, []Record{
		{Timestamp: 1, CallPath: 4},
		{Timestamp: 2, CallPath: 5},
		{Timestamp: 3, CallPath: 5},
		{Timestamp: 4, CallPath: 4},
	}, records)
}

func Test_Rewrite_ShortRecord(t *testing.T) {
	in := encode(t, NewHeader(), Record{Timestamp: 1, CallPath: 3})
	in = append(in, 1)
	_, err := Rewrite(bytes.NewReader(in), io.Discard, []cct.Effect{{Old: 3, New: 4}})
	assert.ErrorIs(t, err, ErrShortRecord)
}

func Test_FileRewriter(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := encode(t, NewHeader(), Record{Timestamp: 1, CallPath: 3}, Record{Timestamp: 2, CallPath: 9})
	require.NoError(t, afero.WriteFile(fs, "/data/run-0.hpctrace", in, 0o644))

	r := NewFileRewriter(fs, nil)
	require.NoError(t, r.RewriteTraceFile("/data/run-0.hpctrace", []cct.Effect{{Old: 3, New: 11}}))

	b, err := afero.ReadFile(fs, "/data/run-0.hpctrace")
	require.NoError(t, err)
	_, records := decode(t, b)
	assert.Equal(t, []Record{{Timestamp: 1, CallPath: 11}, {Timestamp: 2, CallPath: 9}}, records)

	// No temporary files are left behind.
	entries, err := afero.ReadDir(fs, "/data")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func Test_FileRewriter_NoEffects(t *testing.T) {
	// The file does not exist: no I/O must be attempted.
	r := NewFileRewriter(afero.NewMemMapFs(), nil)
	assert.NoError(t, r.RewriteTraceFile("/missing.hpctrace", nil))
}

func Test_FileRewriter_Malformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.hpctrace", []byte("garbage"), 0o644))
	r := NewFileRewriter(fs, nil)
	err := r.RewriteTraceFile("/bad.hpctrace", []cct.Effect{{Old: 1, New: 2}})
	var ferr *FormatError
	assert.True(t, errors.As(err, &ferr))

	b, err := afero.ReadFile(fs, "/bad.hpctrace")
	require.NoError(t, err)
	assert.Equal(t, []byte("garbage"), b)
	entries, err := afero.ReadDir(fs, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
