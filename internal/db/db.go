package db

import (
	"bytes"
	"context"
	"fmt"

	tmdb "github.com/cosmos/cosmos-db"
	"github.com/ronickg/chia-wallet-sdk/internal/config"
	"github.com/ronickg/chia-wallet-sdk/pkg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	ddbName = "derivation"
	cdbName = "coin"
	pdbName = "puzzle"
)

// DB spreads the wallet keyspace over three cosmos-db databases, one per key
// family, so each can be compacted and backed up on its own. Each family is
// written atomically. Across families a batch is written in writeOrder, so
// an interrupted write can leave an address marked used without its coin
// record, never a coin record on an address that reads as unused.
type DB struct {
	ddb    tmdb.DB
	cdb    tmdb.DB
	pdb    tmdb.DB
	logger *zap.Logger
}

func NewDB(conf *config.DBConfig, logger *zap.Logger) (*DB, error) {
	backend := tmdb.BackendType(conf.DBType)
	open := func(suffix string) (tmdb.DB, error) {
		return tmdb.NewDB(conf.Name+"_"+suffix, backend, conf.Dir)
	}

	var opened []tmdb.DB
	for _, name := range []string{ddbName, cdbName, pdbName} {
		d, err := open(name)
		if err != nil {
			for _, o := range opened {
				if cerr := o.Close(); cerr != nil {
					logger.Error("NewDB::Close", zap.Error(cerr))
				}
			}
			return nil, fmt.Errorf("open %s db: %w", name, err)
		}
		opened = append(opened, d)
	}

	return &DB{
		ddb:    opened[0],
		cdb:    opened[1],
		pdb:    opened[2],
		logger: logger,
	}, nil
}

// NewMemDB is a DB backed by cosmos-db's in-memory btree.
func NewMemDB(logger *zap.Logger) *DB {
	return &DB{
		ddb:    tmdb.NewMemDB(),
		cdb:    tmdb.NewMemDB(),
		pdb:    tmdb.NewMemDB(),
		logger: logger,
	}
}

func (db *DB) Close() error {
	g, _ := errgroup.WithContext(context.Background())
	g.Go(db.ddb.Close)
	g.Go(db.cdb.Close)
	g.Go(db.pdb.Close)
	return g.Wait()
}

func (db *DB) route(key []byte) (tmdb.DB, error) {
	switch {
	case bytes.HasPrefix(key, derivationPrefix):
		return db.ddb, nil
	case bytes.HasPrefix(key, coinPrefix):
		return db.cdb, nil
	case bytes.HasPrefix(key, puzzlePrefix):
		return db.pdb, nil
	}
	return nil, fmt.Errorf("invalid key:%x", key)
}

func (db *DB) Get(key []byte) ([]byte, error) {
	d, err := db.route(key)
	if err != nil {
		return nil, err
	}
	return d.Get(key)
}

func (db *DB) writeOrder() []tmdb.DB {
	return []tmdb.DB{db.ddb, db.pdb, db.cdb}
}

func (db *DB) Write(b *Batch) error {
	parts := make(map[tmdb.DB]*Batch, 3)
	for i, key := range b.keys {
		d, err := db.route(key)
		if err != nil {
			return err
		}
		part, ok := parts[d]
		if !ok {
			part = &Batch{}
			parts[d] = part
		}
		part.Set(key, b.values[i])
	}

	for _, d := range db.writeOrder() {
		part, ok := parts[d]
		if !ok {
			continue
		}
		if err := writeSync(d, part); err != nil {
			return err
		}
	}
	return nil
}

func writeSync(d tmdb.DB, part *Batch) error {
	wb := d.NewBatch()
	defer wb.Close()

	for i, key := range part.keys {
		if err := wb.Set(key, part.values[i]); err != nil {
			return err
		}
	}
	return wb.WriteSync()
}

func (db *DB) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	d, err := db.route(prefix)
	if err != nil {
		return err
	}
	it, err := d.Iterator(prefix, pkg.PrefixEnd(prefix))
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		if err := fn(key, value); err != nil {
			if err == errStop {
				return nil
			}
			return err
		}
	}
	return it.Error()
}
