// Package config parses engine configuration option strings from an
// already-split map[string]string. The URI/schema layer that produces that
// map (config_*, schema_*) is out of scope — callers hand in pre-split
// key/value pairs.
package config

import (
	"strconv"
	"strings"

	"github.com/archengine/archengine/ae"
)

// Options is a thin typed view over a raw string map.
type Options map[string]string

func (o Options) str(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

func (o Options) Bytes(key string, def uint64) (uint64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ae.ErrInvalidArgument
	}
	return n, nil
}

func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "on", "1", "yes":
		return true, nil
	case "false", "off", "0", "no":
		return false, nil
	default:
		return false, ae.ErrInvalidArgument
	}
}

func (o Options) Enum(key string, def string, allowed ...string) (string, error) {
	v := o.str(key, def)
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", ae.ErrInvalidArgument
}

// Allocation is the block.Manager's block_allocation option.
type Allocation string

const (
	AllocFirstFit Allocation = "first"
	AllocBestFit  Allocation = "best"
)

// Isolation is the txn package's per-operation isolation level.
type Isolation string

const (
	ReadUncommitted Isolation = "read-uncommitted"
	ReadCommitted   Isolation = "read-committed"
	Snapshot        Isolation = "snapshot"
)

// SyncLevel is the WAL's append sync policy.
type SyncLevel string

const (
	SyncNone       SyncLevel = "none"
	SyncBackground SyncLevel = "background"
	SyncFsync      SyncLevel = "fsync"
	SyncDsync      SyncLevel = "dsync"
)

// Block holds the block manager's recognized options.
type Block struct {
	Allocation       Allocation
	OSCacheMax       uint64
	OSCacheDirtyMax  uint64
	AllocationSize   uint64
	HeliumOTruncate  bool
}

func ParseBlock(o Options) (Block, error) {
	alloc, err := o.Enum("block_allocation", string(AllocFirstFit), string(AllocFirstFit), string(AllocBestFit))
	if err != nil {
		return Block{}, err
	}
	osMax, err := o.Bytes("os_cache_max", 0)
	if err != nil {
		return Block{}, err
	}
	osDirtyMax, err := o.Bytes("os_cache_dirty_max", 0)
	if err != nil {
		return Block{}, err
	}
	allocSize, err := o.Bytes("allocation_size", 4096)
	if err != nil {
		return Block{}, err
	}
	if allocSize == 0 || allocSize&(allocSize-1) != 0 {
		return Block{}, ae.ErrInvalidArgument
	}
	truncate, err := o.Bool("helium_o_truncate", false)
	if err != nil {
		return Block{}, err
	}
	return Block{
		Allocation:      Allocation(alloc),
		OSCacheMax:      osMax,
		OSCacheDirtyMax: osDirtyMax,
		AllocationSize:  allocSize,
		HeliumOTruncate: truncate,
	}, nil
}

// Txn holds the transaction manager's recognized options.
type Txn struct {
	Isolation Isolation
}

func ParseTxn(o Options) (Txn, error) {
	iso, err := o.Enum("isolation", string(Snapshot), string(ReadUncommitted), string(ReadCommitted), string(Snapshot))
	if err != nil {
		return Txn{}, err
	}
	return Txn{Isolation: Isolation(iso)}, nil
}

// Async holds the async op queue's recognized options.
type Async struct {
	Enabled bool
	OpsMax  uint64
	Threads uint64
}

func ParseAsync(o Options) (Async, error) {
	enabled, err := o.Bool("async.enabled", false)
	if err != nil {
		return Async{}, err
	}
	opsMax, err := o.Bytes("async.ops_max", 1024)
	if err != nil {
		return Async{}, err
	}
	if opsMax < 10 {
		return Async{}, ae.ErrInvalidArgument
	}
	threads, err := o.Bytes("async.threads", 2)
	if err != nil {
		return Async{}, err
	}
	return Async{Enabled: enabled, OpsMax: opsMax, Threads: threads}, nil
}

// LSM holds the LSM tree's recognized options.
type LSM struct {
	ChunkSize      uint64
	MergeThrottle  uint64
	BloomBitCount  uint64
	BloomHashCount uint64
}

func ParseLSM(o Options) (LSM, error) {
	chunkSize, err := o.Bytes("chunk_size", 20<<20)
	if err != nil {
		return LSM{}, err
	}
	throttle, err := o.Bytes("merge_throttle", 0)
	if err != nil {
		return LSM{}, err
	}
	bits, err := o.Bytes("bloom_bit_count", 8)
	if err != nil {
		return LSM{}, err
	}
	hashes, err := o.Bytes("bloom_hash_count", 4)
	if err != nil {
		return LSM{}, err
	}
	return LSM{ChunkSize: chunkSize, MergeThrottle: throttle, BloomBitCount: bits, BloomHashCount: hashes}, nil
}

// Checkpoint holds the checkpoint trigger options.
type Checkpoint struct {
	Sync    bool
	LogSize uint64
}

func ParseCheckpoint(o Options) (Checkpoint, error) {
	sync, err := o.Bool("sync", true)
	if err != nil {
		return Checkpoint{}, err
	}
	logSize, err := o.Bytes("log_size", 0)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Sync: sync, LogSize: logSize}, nil
}
