package db

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"go.uber.org/zap"
)

// BadgerDB is a wrapper around the badger.DB instance.
type BadgerDB struct {
	*badger.DB
	logger *zap.Logger
}

// NewBadgerDB creates a new BadgerDB instance.
func NewBadgerDB(conf *config.BadgerDBConfig, logger *zap.Logger) (*BadgerDB, error) {
	db, err := badger.Open(DefaultBadgerOptions(conf))
	if err != nil {
		return nil, err
	}

	return &BadgerDB{
		DB:     db,
		logger: logger,
	}, nil
}

func (db *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (db *BadgerDB) Write(b *Batch) error {
	// 创建一个WriteBatch
	wb := db.NewWriteBatch()
	defer wb.Cancel()

	for i, key := range b.keys {
		if err := wb.Set(key, b.values[i]); err != nil {
			return err
		}
	}

	return wb.Flush()
}

func (db *BadgerDB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		//前缀查询
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// RunGC reclaims value log space until ctx is done. In-memory stores have no
// value log and return immediately.
func (db *BadgerDB) RunGC(ctx context.Context) {
	if db.Opts().InMemory {
		return
	}
	ticker := time.NewTicker(defaultGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			for {
				err := db.RunValueLogGC(defaultGCDiscardRatio)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					db.logger.Error("RunValueLogGC", zap.Error(err))
				}
				break
			}
			db.logger.Debug("RunGC::Info", zap.Duration("ttl", time.Since(start)))
		}
	}
}
