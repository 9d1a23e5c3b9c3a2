// Package wal implements the write-ahead log: fixed outer record framing,
// COMMIT/CHECKPOINT/FILE_SYNC/MESSAGE record types, the configurable
// sync-level append path, and log recovery.
//
// Framing and the buffered-append-then-flush shape follow a bufio.Writer
// accumulating records, synced to disk according to an explicit policy
// rather than on every single append.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/archengine/archengine/ae"
	"github.com/archengine/archengine/config"
	"github.com/archengine/archengine/log"
	"github.com/archengine/archengine/metrics"
)

// RecordType tags a WAL record's payload.
type RecordType uint8

const (
	RecordCommit RecordType = iota + 1
	RecordCheckpoint
	RecordFileSync
	RecordMessage
)

// Flag bits stored alongside a record's type.
const (
	FlagNone       uint8 = 0
	FlagCompressed uint8 = 0x01
	FlagEncrypted  uint8 = 0x02
)

// outerHeaderSize is the fixed record framing: len (u32) + mem_len (u32) +
// checksum (u32) + type (u8) + flags (u8).
const outerHeaderSize = 4 + 4 + 4 + 1 + 1

// LSN identifies a record's position in the log by (file number, offset).
type LSN struct {
	File   uint32
	Offset uint64
}

// Record is one decoded WAL entry.
type Record struct {
	LSN     LSN
	Type    RecordType
	Flags   uint8
	Payload []byte
}

// Writer appends records to a single log file under the sync policy named
// by cfg.Sync.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	bw   *bufio.Writer
	file uint32
	off  uint64

	sync config.SyncLevel

	appendMeter metrics.Meter
	logger      *log.Logger
}

// Create truncates (or creates) path as a fresh, empty log file.
func Create(path string, file uint32, sync config.SyncLevel) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, ae.ErrIOError
	}
	return &Writer{
		f:           f,
		bw:          bufio.NewWriter(f),
		file:        file,
		sync:        sync,
		appendMeter: metrics.NewRegisteredMeter("wal/append", nil),
		logger:      log.New("component", "wal", "file", file),
	}, nil
}

// OpenAppend opens an existing log file positioned at its current end for
// further appends.
func OpenAppend(path string, file uint32, sync config.SyncLevel) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, ae.ErrIOError
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ae.ErrIOError
	}
	return &Writer{
		f:           f,
		bw:          bufio.NewWriter(f),
		file:        file,
		off:         uint64(st.Size()),
		sync:        sync,
		appendMeter: metrics.NewRegisteredMeter("wal/append", nil),
		logger:      log.New("component", "wal", "file", file),
	}, nil
}

// Append frames and writes one record. Depending on the configured sync
// level, the data may only be buffered (SyncNone), flushed to the kernel
// but not synced (SyncBackground, synced later by a background routine
// the caller drives), or fsync'd/dsync'd before Append returns.
func (w *Writer) Append(t RecordType, flags uint8, payload []byte) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := LSN{File: w.file, Offset: w.off}

	hdr := make([]byte, outerHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(outerHeaderSize+len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	hdr[12] = uint8(t)
	hdr[13] = flags
	cksum := crc32.ChecksumIEEE(payload)
	binary.BigEndian.PutUint32(hdr[8:12], cksum)

	if _, err := w.bw.Write(hdr); err != nil {
		return LSN{}, ae.ErrIOError
	}
	if _, err := w.bw.Write(payload); err != nil {
		return LSN{}, ae.ErrIOError
	}
	w.off += uint64(outerHeaderSize + len(payload))
	w.appendMeter.Mark(int64(outerHeaderSize + len(payload)))

	switch w.sync {
	case config.SyncNone:
		// leave buffered; a background flush or the next checkpoint will push it out
	case config.SyncBackground:
		if err := w.bw.Flush(); err != nil {
			return LSN{}, ae.ErrIOError
		}
	case config.SyncFsync:
		if err := w.bw.Flush(); err != nil {
			return LSN{}, ae.ErrIOError
		}
		if err := w.f.Sync(); err != nil {
			return LSN{}, ae.ErrIOError
		}
	case config.SyncDsync:
		if err := w.bw.Flush(); err != nil {
			return LSN{}, ae.ErrIOError
		}
		if err := w.f.Sync(); err != nil { // os.File has no fdatasync; Sync is the portable substitute
			return LSN{}, ae.ErrIOError
		}
	}
	return lsn, nil
}

// Flush pushes any buffered bytes to the kernel without forcing a sync.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return ae.ErrIOError
	}
	return nil
}

// Sync flushes and fsyncs the log file, used by the checkpoint path after
// writing a CHECKPOINT record.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return ae.ErrIOError
	}
	if err := w.f.Sync(); err != nil {
		return ae.ErrIOError
	}
	return nil
}

// Close flushes, syncs, and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// Reader scans a log file's records from the beginning, the shape used by
// recovery after a restart and by the archctl replay subcommand.
type Reader struct {
	f    *os.File
	file uint32
	off  uint64
}

// OpenReader opens path for a forward scan starting at offset 0.
func OpenReader(path string, file uint32) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ae.ErrIOError
	}
	return &Reader{f: f, file: file}, nil
}

// Next decodes the record at the reader's current position, verifying its
// checksum. It returns io.EOF once the file is exhausted, and
// ae.ErrCorruptFile on a truncated or corrupt trailing record — the
// recovery scan treats that as "end of valid log", not a hard failure,
// since an unsynced tail record is an expected crash artifact.
func (r *Reader) Next() (Record, error) {
	hdr := make([]byte, outerHeaderSize)
	if _, err := io.ReadFull(r.f, hdr); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, ae.ErrCorruptFile
	}
	totalLen := binary.BigEndian.Uint32(hdr[0:4])
	memLen := binary.BigEndian.Uint32(hdr[4:8])
	cksum := binary.BigEndian.Uint32(hdr[8:12])
	recType := RecordType(hdr[12])
	flags := hdr[13]

	if uint32(outerHeaderSize)+memLen != totalLen {
		return Record{}, ae.ErrCorruptFile
	}

	payload := make([]byte, memLen)
	if _, err := io.ReadFull(r.f, payload); err != nil {
		return Record{}, ae.ErrCorruptFile
	}
	if crc32.ChecksumIEEE(payload) != cksum {
		return Record{}, ae.ErrCorruptFile
	}

	lsn := LSN{File: r.file, Offset: r.off}
	r.off += uint64(totalLen)
	return Record{LSN: lsn, Type: recType, Flags: flags, Payload: payload}, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Recover scans the log from the start, calling onRecord for every valid
// record in order, and stops cleanly (without error) at the first
// corrupt-or-truncated trailer it finds.
func Recover(path string, file uint32, onRecord func(Record) error) error {
	r, err := OpenReader(path, file)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF || err == ae.ErrCorruptFile {
			return nil
		}
		if err != nil {
			return err
		}
		if err := onRecord(rec); err != nil {
			return err
		}
	}
}
