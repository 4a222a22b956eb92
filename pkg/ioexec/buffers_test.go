package ioexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool_GetPutRoundTrip(t *testing.T) {
	p := newBufferPool(2, 128)
	assert.Equal(t, 2, p.available())

	a := p.get()
	assert.NotNil(t, a)
	assert.Equal(t, 128, len(a))
	assert.Equal(t, 1, p.available())

	b := p.get()
	assert.NotNil(t, b)
	assert.Equal(t, 0, p.available())

	assert.Nil(t, p.get(), "pool should be exhausted")

	p.put(a)
	assert.Equal(t, 1, p.available())
	p.put(b)
	assert.Equal(t, 2, p.available())
}

func TestBufferPool_RejectsUndersizedForeignBuffer(t *testing.T) {
	p := newBufferPool(1, 128)
	_ = p.get()

	p.put(make([]byte, 4)) // too small, should be dropped not pooled
	assert.Equal(t, 0, p.available())
}
