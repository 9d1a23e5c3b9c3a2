package block

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/archengine/archengine/ae"
)

// checksum32 computes the block manager's 32-bit checksum, built on the
// standard library's hash/crc32 (see DESIGN.md for why no third-party
// checksum library fit here).
func checksum32(b []byte) uint32 { return crc32.ChecksumIEEE(b) }

const (
	magic        = 0x41524348 // "ARCH"
	majorVersion = 1
	minorVersion = 0

	// descriptorSize is the minimum size of the descriptor block before
	// zero-padding to the allocation size; it never exceeds the smallest
	// allowed allocation size (512B).
	descriptorSize = 12
)

// descriptor is the file's first allocation unit.
type descriptor struct {
	magic    uint32
	major    uint16
	minor    uint16
	checksum uint32
}

func (d descriptor) marshal(allocSize uint64) []byte {
	buf := make([]byte, allocSize)
	binary.BigEndian.PutUint32(buf[0:4], d.magic)
	binary.BigEndian.PutUint16(buf[4:6], d.major)
	binary.BigEndian.PutUint16(buf[6:8], d.minor)
	// checksum is computed over the whole block with this field zeroed.
	binary.BigEndian.PutUint32(buf[8:12], 0)
	d.checksum = checksum32(buf)
	binary.BigEndian.PutUint32(buf[8:12], d.checksum)
	return buf
}

func unmarshalDescriptor(buf []byte) (descriptor, error) {
	if len(buf) < descriptorSize {
		return descriptor{}, ae.ErrCorruptFile
	}
	var d descriptor
	d.magic = binary.BigEndian.Uint32(buf[0:4])
	d.major = binary.BigEndian.Uint16(buf[4:6])
	d.minor = binary.BigEndian.Uint16(buf[6:8])
	d.checksum = binary.BigEndian.Uint32(buf[8:12])

	check := append([]byte(nil), buf...)
	binary.BigEndian.PutUint32(check[8:12], 0)
	if checksum32(check) != d.checksum {
		return descriptor{}, ae.ErrCorruptFile
	}
	return d, nil
}

// Page header flags.
const (
	FlagCompressed  uint8 = 0x01
	FlagEmptyVAll   uint8 = 0x02
	FlagEmptyVNone  uint8 = 0x04
	FlagEncrypted   uint8 = 0x08
	FlagLASUpdate   uint8 = 0x10
)

// Page type tags.
const (
	TypeFix     uint8 = 2
	TypeColInt  uint8 = 3
	TypeColVar  uint8 = 4
	TypeOvfl    uint8 = 5
	TypeRowInt  uint8 = 6
	TypeRowLeaf uint8 = 7
)

// PageHeaderSize is fixed at exactly 28 bytes; callers above
// the block manager (the out-of-scope B-tree layer) build this header and
// hand the block manager a buffer that already includes it — the block
// manager itself only ever treats it as opaque payload bytes plus its own
// leading block header (see blockHeader below).
const PageHeaderSize = 28

// PageHeader mirrors the fixed 28-byte on-disk struct.
type PageHeader struct {
	Recno    uint64
	WriteGen uint64
	MemSize  uint32
	DataLen  uint32
	Type     uint8
	Flags    uint8
}

func (h PageHeader) Marshal() []byte {
	buf := make([]byte, PageHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Recno)
	binary.BigEndian.PutUint64(buf[8:16], h.WriteGen)
	binary.BigEndian.PutUint32(buf[16:20], h.MemSize)
	binary.BigEndian.PutUint32(buf[20:24], h.DataLen)
	buf[24] = h.Type
	buf[25] = h.Flags
	// buf[26:28] reserved, zero
	return buf
}

func UnmarshalPageHeader(buf []byte) (PageHeader, error) {
	if len(buf) < PageHeaderSize {
		return PageHeader{}, ae.ErrCorruptBlock
	}
	var h PageHeader
	h.Recno = binary.BigEndian.Uint64(buf[0:8])
	h.WriteGen = binary.BigEndian.Uint64(buf[8:16])
	h.MemSize = binary.BigEndian.Uint32(buf[16:20])
	h.DataLen = binary.BigEndian.Uint32(buf[20:24])
	h.Type = buf[24]
	h.Flags = buf[25]
	return h, nil
}

// Block header flags.
const FlagDataChecksum uint8 = 0x01

// blockHeaderSize is the block-manager-specific header immediately
// preceding the payload: disk_size (u32) + cksum (u32) + flags (u8).
const blockHeaderSize = 4 + 4 + 1

// compressSkipBytes is the fixed prefix checksummed when DATA_CKSUM is not
// set: just the block header itself, so a
// later in-place recompression of the payload doesn't invalidate the
// checksum.
const compressSkipBytes = blockHeaderSize

type blockHeader struct {
	diskSize uint32
	cksum    uint32
	flags    uint8
}

func (h blockHeader) marshal() []byte {
	buf := make([]byte, blockHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.diskSize)
	binary.BigEndian.PutUint32(buf[4:8], h.cksum)
	buf[8] = h.flags
	return buf
}

func unmarshalBlockHeader(buf []byte) blockHeader {
	return blockHeader{
		diskSize: binary.BigEndian.Uint32(buf[0:4]),
		cksum:    binary.BigEndian.Uint32(buf[4:8]),
		flags:    buf[8],
	}
}
