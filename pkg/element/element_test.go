package element

import (
	"testing"

	"github.com/cuemby/pippin/pkg/ident"
	"github.com/stretchr/testify/assert"
)

func TestStringRoundTrip(t *testing.T) {
	p := ident.FromNum(1)
	id := p.EltID(1)

	e := String("hello pippin")
	s1, err := Sum(e, id)
	assert.NoError(t, err)

	got, err := ReadString([]byte("hello pippin"))
	assert.NoError(t, err)
	s2, err := Sum(got, id)
	assert.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.True(t, e.Equal(got))
}

func TestStringRejectsInvalidUTF8(t *testing.T) {
	_, err := ReadString([]byte{0xff, 0xfe})
	assert.Error(t, err)
}

func TestSumDependsOnID(t *testing.T) {
	p := ident.FromNum(1)
	e := String("same data")

	s1, err := Sum(e, p.EltID(1))
	assert.NoError(t, err)
	s2, err := Sum(e, p.EltID(2))
	assert.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}
