package profile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/loadmodule"
)

func Test_Read_V1(t *testing.T) {
	b := encodeFile(FormatV1, 3, func(e *encoder) {
		nodeV1(e, 1, 0, 1, 0x10)
		nodeV1(e, -2, 1, 1, 0x20)
		nodeV1(e, -3, 0, 0, 0x30)
	})
	p, err := Read(bytes.NewReader(b), "run.hpcrun")
	require.NoError(t, err)
	assert.Equal(t, uint32(FormatV1), p.Version)
	assert.Equal(t, "run.hpcrun", p.RawFile)

	tr := p.CCT
	assert.True(t, tr.IsCanonical())
	top := tr.Children(tr.Root())
	require.Len(t, top, 2)
	main := tr.Node(top[0])
	assert.Equal(t, cct.KindCall, main.Kind)
	assert.Equal(t, cct.NoCallPath, main.CallPath)
	assert.Equal(t, loadmodule.ID(1), main.LoadModule)

	leaf := tr.Node(tr.FirstChild(top[0]))
	assert.Equal(t, cct.KindStmt, leaf.Kind)
	assert.Equal(t, cct.CallPathID(2), leaf.CallPath)
	assert.Equal(t, uint64(0x20), leaf.IP)

	other := tr.Node(top[1])
	assert.Equal(t, cct.KindStmt, other.Kind)
	assert.Equal(t, cct.CallPathID(3), other.CallPath)
	assert.Equal(t, loadmodule.Null, other.LoadModule)

	h, ok := tr.Find(2)
	require.True(t, ok)
	assert.Equal(t, uint64(0x20), tr.Node(h).IP)
}

func Test_Read_V2_CallPath(t *testing.T) {
	b := encodeFile(FormatV2, 2, func(e *encoder) {
		nodeV2(e, 1, 0, uint8(cct.KindCall), 1, 0x10, 0)
		nodeV2(e, -2, 1, uint8(cct.KindStmt), 1, 0x20, 42)
	})
	p, err := Read(bytes.NewReader(b), "run.hpcrun")
	require.NoError(t, err)
	assert.Equal(t, []cct.CallPathID{42}, p.CCT.CallPaths())
}

func Test_Read_Malformed(t *testing.T) {
	valid := encodeFile(FormatV2, 1, func(e *encoder) {
		nodeV2(e, 1, 0, uint8(cct.KindStmt), 1, 0x10, 0)
	})
	withVersion := func(v byte) []byte {
		b := bytes.Clone(valid)
		b[19] = v
		return b
	}
	for _, tc := range []struct {
		name     string
		input    []byte
		expected error
		message  string
	}{
		{name: "empty", input: nil, expected: ErrTruncated},
		{name: "short magic", input: valid[:10], expected: ErrTruncated},
		{
			name:     "magic",
			input:    append([]byte("HPCRUN-garbage__"), valid[16:]...),
			expected: ErrInvalidMagic,
		},
		{name: "version 0", input: withVersion(0), expected: ErrUnsupportedVersion},
		{name: "version 3", input: withVersion(3), expected: ErrUnsupportedVersion},
		{name: "truncated", input: valid[:len(valid)-3], expected: ErrTruncated},
		{name: "no epochs", input: valid[:28], expected: ErrNoEpochs},
		{
			name: "parent not defined",
			input: encodeFile(FormatV2, 2, func(e *encoder) {
				nodeV2(e, 1, 0, uint8(cct.KindCall), 1, 0x10, 0)
				nodeV2(e, 3, 2, uint8(cct.KindStmt), 1, 0x20, 0)
			}),
			expected: ErrNodeOrder,
			message:  "read epoch 0 of bad.hpcrun: node 1: invalid node order: parent 2 not yet defined",
		},
		{
			name: "parent follows child",
			input: encodeFile(FormatV2, 1, func(e *encoder) {
				nodeV2(e, 1, 2, uint8(cct.KindStmt), 1, 0x10, 0)
			}),
			expected: ErrNodeOrder,
		},
		{
			name: "duplicate",
			input: encodeFile(FormatV2, 2, func(e *encoder) {
				nodeV2(e, 1, 0, uint8(cct.KindStmt), 1, 0x10, 0)
				nodeV2(e, -1, 0, uint8(cct.KindStmt), 1, 0x20, 5)
			}),
			expected: ErrDuplicateNode,
		},
		{
			name: "load module",
			input: encodeFile(FormatV2, 1, func(e *encoder) {
				nodeV2(e, 1, 0, uint8(cct.KindStmt), 2, 0x10, 0)
			}),
			expected: ErrInvalidLoadModule,
		},
		{
			name: "truncated node kind",
			input: encodeFile(FormatV2, 1, func(e *encoder) {
				e.u32(1)
				e.u32(0)
			}),
			expected: ErrTruncated,
		},
		{
			name: "node kind",
			input: encodeFile(FormatV2, 1, func(e *encoder) {
				nodeV2(e, 1, 0, 9, 1, 0x10, 0)
			}),
			expected: ErrInvalidNodeKind,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tc.input), "bad.hpcrun")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expected)
			if tc.message != "" {
				assert.EqualError(t, err, tc.message)
			}
		})
	}
}
