package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromNumBoundaries(t *testing.T) {
	assert.Panics(t, func() { FromNum(0) })
	assert.Panics(t, func() { FromNum(MaxPartID + 1) })
	assert.NotPanics(t, func() { FromNum(MaxPartID) })
	assert.NotPanics(t, func() { FromNum(1) })
}

func TestEltIDBoundaries(t *testing.T) {
	p := FromNum(7)
	assert.Panics(t, func() { p.EltID(MaxLocal + 1) })
	assert.NotPanics(t, func() { p.EltID(MaxLocal) })
}

func TestEltIDRoundTrip(t *testing.T) {
	p := FromNum(42)
	e := p.EltID(1000)
	assert.Equal(t, p, e.PartID())
	assert.EqualValues(t, 1000, e.Local())
}

func TestTryEltIDRejectsZeroPartition(t *testing.T) {
	_, ok := TryEltID(12345)
	assert.False(t, ok)

	p := FromNum(1)
	e := p.EltID(0)
	got, ok := TryEltID(e.Uint64())
	assert.True(t, ok)
	assert.Equal(t, e, got)
}

func TestNextEltWrapsWithinPartition(t *testing.T) {
	p := FromNum(3)
	last := p.EltID(MaxLocal)
	wrapped := last.NextElt()
	assert.Equal(t, p, wrapped.PartID())
	assert.EqualValues(t, 0, wrapped.Local())
}
