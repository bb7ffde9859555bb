package structure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Tree(t *testing.T) {
	tr := NewTree()
	f := tr.Add(nil, KindFile, "main.c", "main.c", 0)
	p := tr.Add(f, KindProc, "main", "main.c", 3)
	l := tr.Add(p, KindLoop, "", "main.c", 5)
	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, uint32(1), f.ID)
	assert.Equal(t, uint32(3), l.ID)
	assert.Same(t, p, l.Parent)

	s, ok := tr.Lookup(2)
	require.True(t, ok)
	assert.Same(t, p, s)
	for _, id := range []uint32{0, 4} {
		_, ok = tr.Lookup(id)
		assert.False(t, ok)
	}
}
