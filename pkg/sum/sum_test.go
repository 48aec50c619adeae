package sum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermuteSelfInverse(t *testing.T) {
	x := Calculate([]byte("first contribution"))
	y := Calculate([]byte("second contribution"))

	assert.Equal(t, x, x.Permute(y).Permute(y), "permute must be its own inverse")
}

func TestPermuteAssociative(t *testing.T) {
	a := Calculate([]byte("a"))
	b := Calculate([]byte("b"))
	c := Calculate([]byte("c"))

	left := a.Permute(b).Permute(c)
	right := a.Permute(b.Permute(c))
	assert.Equal(t, left, right)
}

func TestOrderIndependence(t *testing.T) {
	contribs := []Sum{
		Calculate([]byte("one")),
		Calculate([]byte("two")),
		Calculate([]byte("three")),
	}

	forward := Zero()
	for _, c := range contribs {
		forward = forward.Permute(c)
	}

	backward := Zero()
	for i := len(contribs) - 1; i >= 0; i-- {
		backward = backward.Permute(contribs[i])
	}

	assert.Equal(t, forward, backward)
}

func TestLoadWriteRoundTrip(t *testing.T) {
	want := Calculate([]byte("round trip"))

	var buf []byte
	n, err := want.WriteTo(writerFunc(func(p []byte) (int, error) {
		buf = append(buf, p...)
		return len(p), nil
	}))
	assert.NoError(t, err)
	assert.EqualValues(t, Bytes, n)

	got := Load(buf)
	assert.Equal(t, want, got)
}

func TestLoadPanicsOnWrongLength(t *testing.T) {
	assert.Panics(t, func() {
		Load(make([]byte, 10))
	})
}

func TestHexAndMatchesPrefix(t *testing.T) {
	s := Calculate([]byte("prefix test"))
	hexStr := s.Hex()

	assert.Len(t, hexStr, 64)
	assert.True(t, s.MatchesPrefix(hexStr[:8]))
	assert.True(t, s.MatchesPrefix(""))
	assert.False(t, s.MatchesPrefix(hexStr[:8]+"ZZZZZZZZ"))
}

func TestEltSumDependsOnId(t *testing.T) {
	payload := []byte("element payload")
	a := EltSum(1, payload)
	b := EltSum(2, payload)
	assert.NotEqual(t, a, b)
}

func TestStateMetaSumDeterministic(t *testing.T) {
	parents := []Sum{Calculate([]byte("parent"))}
	a := StateMetaSum(7, 1, 1234, parents, "extra")
	b := StateMetaSum(7, 1, 1234, parents, "extra")
	assert.Equal(t, a, b)

	c := StateMetaSum(7, 2, 1234, parents, "extra")
	assert.NotEqual(t, a, c)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestHasherMatchesCalculate(t *testing.T) {
	data := []byte("streamed in two writes")
	h := NewHasher()
	_, err := h.Write(data[:10])
	assert.NoError(t, err)
	_, err = h.Write(data[10:])
	assert.NoError(t, err)

	assert.Equal(t, Calculate(data), h.Sum())
}
