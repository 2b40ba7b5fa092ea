package db

import (
	"errors"
	"fmt"

	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"go.uber.org/zap"
)

// errStop ends a prefix scan early without reporting an error.
var errStop = errors.New("stop iteration")

// KV is the slice of a key-value engine the wallet store needs. Get returns
// nil for a missing key.
type KV interface {
	Get(key []byte) ([]byte, error)
	Write(b *Batch) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch collects the writes of one Write call. badger commits it as one
// transaction; DB commits it atomically per key family.
type Batch struct {
	keys   [][]byte
	values [][]byte
}

func (b *Batch) Set(key, value []byte) {
	if value == nil {
		value = []byte{}
	}
	b.keys = append(b.keys, key)
	b.values = append(b.values, value)
}

func (b *Batch) Len() int {
	return len(b.keys)
}

// hasPrefix reports whether any key starts with prefix.
func hasPrefix(kv KV, prefix []byte) (bool, error) {
	found := false
	err := kv.IteratePrefix(prefix, func(_, _ []byte) error {
		found = true
		return errStop
	})
	return found, err
}

// OpenKV opens the engine named by conf.DB.DBType: "badger" or any cosmos-db
// backend.
func OpenKV(conf *config.Config, logger *zap.Logger) (KV, error) {
	switch conf.DB.DBType {
	case "badger":
		return NewBadgerDB(conf.BadgerDB, logger)
	case "":
		return nil, fmt.Errorf("db type not set")
	default:
		return NewDB(conf.DB, logger)
	}
}
