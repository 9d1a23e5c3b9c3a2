package block

import "github.com/golang/snappy"

// Compressor is a plug-in compression capability interface; internals of
// any particular scheme beyond this contract are out of scope.
// block.Manager ships a golang/snappy-backed implementation as the
// default.
type Compressor interface {
	Compress(plain []byte) []byte
	Decompress(compressed []byte) ([]byte, error)
}

// SnappyCompressor is the built-in default Compressor.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(plain []byte) []byte { return snappy.Encode(nil, plain) }
func (SnappyCompressor) Decompress(c []byte) ([]byte, error) { return snappy.Decode(nil, c) }

// noopCompressor is used when a manager is opened with compression disabled.
type noopCompressor struct{}

func (noopCompressor) Compress(p []byte) []byte                  { return p }
func (noopCompressor) Decompress(c []byte) ([]byte, error) { return c, nil }
