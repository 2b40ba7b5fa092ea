package db

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
)

const (
	// DefaultBlockCacheSize is 256 MB.
	DefaultBlockCacheSize = 256 << 20

	// DefaultIndexCacheSize is 256 MB.
	DefaultIndexCacheSize = 256 << 20

	// DefaultMemTableSize is 64 MB. The larger
	// this value is, the larger database transactions
	// storage can handle (~15% of the max table size
	// == max commit size).
	DefaultMemTableSize = 64 << 20

	// DefaultLogValueSize is 64 MB.
	DefaultLogValueSize = 64 << 20

	// DefaultCompressionMode is the default block
	// compression setting.
	DefaultCompressionMode = options.Snappy

	// in-memory stores are short lived, keep them small.
	inMemoryTableSize = 8 << 20
	inMemoryCacheSize = 16 << 20

	// Default GC settings for reclaiming
	// space in value logs.
	defaultGCInterval     = 30 * time.Minute
	defaultGCDiscardRatio = 0.1
)

func DefaultBadgerOptions(conf *config.BadgerDBConfig) badger.Options {
	opts := badger.DefaultOptions(conf.Directory).
		WithLoggingLevel(badger.WARNING).
		WithDetectConflicts(false)

	opts.Compression = DefaultCompressionMode

	opts.MemTableSize = DefaultMemTableSize
	opts.ValueLogFileSize = DefaultLogValueSize

	// Don't keep multiple memtables in memory.
	opts.NumMemtables = 1
	opts.NumLevelZeroTables = 1
	opts.NumLevelZeroTablesStall = 2

	// We don't compact L0 on close as this can greatly delay shutdown time.
	opts.CompactL0OnClose = false

	opts.IndexCacheSize = DefaultIndexCacheSize
	opts.BlockCacheSize = DefaultBlockCacheSize

	if conf.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true).
			WithMemTableSize(inMemoryTableSize).
			WithBlockCacheSize(inMemoryCacheSize).
			WithIndexCacheSize(inMemoryCacheSize)
	}
	if conf.MemTableSize > 0 {
		opts.MemTableSize = conf.MemTableSize
	}
	if conf.BlockCacheSize > 0 {
		opts.BlockCacheSize = conf.BlockCacheSize
	}
	return opts
}
