package support

import (
	"testing"

	"github.com/archengine/archengine/ae"
	"github.com/stretchr/testify/require"
)

func TestScratchPoolReuseSmallestFit(t *testing.T) {
	p := NewScratchPool()
	a := p.Alloc(64)
	b := p.Alloc(128) // a is still INUSE, so this takes a new slot
	p.Free(a)
	p.Free(b)

	c := p.Alloc(100)
	require.Same(t, b, c) // smallest non-INUSE buffer >= 100 is the 128-byte one
	require.Equal(t, 2, p.Len())
}

func TestScratchPoolGrowsLargestWhenNoFit(t *testing.T) {
	p := NewScratchPool()
	a := p.Alloc(16)
	p.Free(a)

	b := p.Alloc(1024)
	require.Same(t, a, b)
	require.Equal(t, 1024, b.Cap())
}

func TestScratchPoolDiscard(t *testing.T) {
	p := NewScratchPool()
	p.Alloc(16)
	p.Discard()
	require.Equal(t, 0, p.Len())
}

type xorEnc struct{ key byte }

func (x xorEnc) Encrypt(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ x.key
	}
	return out, nil
}
func (x xorEnc) Decrypt(c []byte) ([]byte, error) { return x.Encrypt(c) }

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Register("aes", "k1", xorEnc{0x42})

	enc, err := r.Lookup("aes", "k1")
	require.NoError(t, err)
	ct, _ := enc.Encrypt([]byte("hello"))
	pt, _ := enc.Decrypt(ct)
	require.Equal(t, []byte("hello"), pt)

	r.Unregister("aes", "k1")
	_, err = r.Lookup("aes", "k1")
	require.ErrorIs(t, err, ae.ErrNotFound)
}
