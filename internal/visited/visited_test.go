package visited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	v := New(10)

	assert.False(t, v.Visited(1))
	assert.False(t, v.Visited(5))

	assert.True(t, v.Visit(1))
	assert.False(t, v.Visit(1))
	assert.True(t, v.Visited(1))
	assert.False(t, v.Visited(5))

	v.Visit(5)
	assert.Equal(t, 2, v.Len())

	v.Reset()
	assert.False(t, v.Visited(1))
	assert.False(t, v.Visited(5))
	assert.Equal(t, 0, v.Len())
}

func TestSet_Grows(t *testing.T) {
	v := New(1)
	v.Visit(100_000)
	assert.True(t, v.Visited(100_000))
	assert.False(t, v.Visited(99_999))
	v.Reset()
	assert.False(t, v.Visited(100_000))
}
