package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	f := New("abc:def\n\n  abc:ghi  \n")
	assert.Equal(t, Filter{"abc:def", "abc:ghi"}, f)
	assert.Equal(t, "abc:def\nabc:ghi", f.String())
}

func TestIsSubsetOf(t *testing.T) {
	parent := New("abc")
	child := New("abc:def\nabc:ghi")
	unrelated := New("xyz:def")

	assert.True(t, child.IsSubsetOf(parent))
	assert.True(t, parent.IsSubsetOf(parent))
	assert.False(t, parent.IsSubsetOf(child))
	assert.False(t, unrelated.IsSubsetOf(parent))

	// Empty filter is a subset of anything.
	assert.True(t, Filter{}.IsSubsetOf(parent))
}

func TestContainsPartition(t *testing.T) {
	f := New("abc:def\nxyz")
	assert.True(t, f.ContainsPartition("abc:def"))
	assert.True(t, f.ContainsPartition("abc:def:ghi"))
	assert.True(t, f.ContainsPartition("xyz:anything"))
	assert.False(t, f.ContainsPartition("abc"))
	assert.False(t, f.ContainsPartition("def"))
}

func TestAdd(t *testing.T) {
	sum := New("a").Add(New("b\nc"))
	assert.Equal(t, Filter{"a", "b", "c"}, sum)
}

func TestEqual(t *testing.T) {
	assert.True(t, New("a\nb").Equal(New("a\nb")))
	assert.False(t, New("a\nb").Equal(New("b\na")))
	assert.False(t, New("a").Equal(New("a\nb")))
}
