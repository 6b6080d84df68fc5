// Package keyValStore is the container engine behind every box: one badger
// database per box, optionally encrypted at rest with a caller-supplied key.
package keyValStore

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("keyValStore: box is closed")

type BoxConfig struct {
	Name             string
	Path             string // directory of this box, ignored when InMemory
	InMemory         bool
	EncryptionKey    []byte // nil for a plaintext box
	MinimumFreeSpace int    // in GB
	Compaction       CompactionPolicy
	Logger           *logrus.Logger
}

type Box struct {
	config   BoxConfig
	log      *logrus.Entry
	badgerDB *badger.DB

	lifecycle sync.RWMutex
	closed    bool

	countMu sync.Mutex
	live    int
	deleted int

	readCounter  uint64
	writeCounter uint64
}

func Open(config BoxConfig) (*Box, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger.WithField("box", config.Name)

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for box %s: %w", config.Name, err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts.Logger = log
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts.SyncWrites = false
	if len(config.EncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(config.EncryptionKey).WithIndexCacheSize(64 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening box %s: %w", config.Name, err)
	}

	b := &Box{
		config:   config,
		log:      log,
		badgerDB: db,
	}
	if b.live, err = b.countLive(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if !config.InMemory {
		logDiskUsage(log, config.Path)
	}
	log.WithFields(logrus.Fields{
		"encrypted": len(config.EncryptionKey) > 0,
		"entries":   b.live,
	}).Debug("box opened")

	return b, nil
}

func (b *Box) Name() string {
	return b.config.Name
}

// acquire takes the read side of the lifecycle lock; it fails once the box is
// closed.
func (b *Box) acquire() error {
	b.lifecycle.RLock()
	if b.closed {
		b.lifecycle.RUnlock()
		return ErrClosed
	}
	return nil
}

func (b *Box) release() {
	b.lifecycle.RUnlock()
}

func (b *Box) Put(key string, content []byte) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()
	atomic.AddUint64(&b.writeCounter, 1)

	created := false
	err := b.badgerDB.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			created = true
		} else if err != nil {
			return err
		}
		return txn.Set([]byte(key), content)
	})
	if err != nil {
		return fmt.Errorf("error writing key to box %s: %w", b.config.Name, err)
	}

	if created {
		b.countMu.Lock()
		b.live++
		b.countMu.Unlock()
	}
	return nil
}

// Get returns the value for key; found is false when the key is absent.
func (b *Box) Get(key string) (value []byte, found bool, err error) {
	if err := b.acquire(); err != nil {
		return nil, false, err
	}
	defer b.release()
	atomic.AddUint64(&b.readCounter, 1)

	err = b.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading key from box %s: %w", b.config.Name, err)
	}
	return value, true, nil
}

func (b *Box) Has(key string) (bool, error) {
	if err := b.acquire(); err != nil {
		return false, err
	}
	defer b.release()
	atomic.AddUint64(&b.readCounter, 1)

	err := b.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking key in box %s: %w", b.config.Name, err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (b *Box) Delete(key string) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()
	atomic.AddUint64(&b.writeCounter, 1)

	existed := false
	err := b.badgerDB.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("error deleting key from box %s: %w", b.config.Name, err)
	}
	if !existed {
		return nil
	}

	b.countMu.Lock()
	b.live--
	b.deleted++
	compact := b.config.Compaction(b.live, b.deleted)
	b.countMu.Unlock()

	if compact {
		if err := b.compact(); err != nil {
			b.log.Warnf("compaction failed: %v", err)
		}
	}
	return nil
}

// Keys returns every key with the given prefix, an empty prefix lists all.
func (b *Box) Keys(prefix string) ([]string, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}
	defer b.release()
	atomic.AddUint64(&b.readCounter, 1)

	var keys []string
	err := b.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing keys of box %s: %w", b.config.Name, err)
	}
	return keys, nil
}

// Clear drops every entry of the box.
func (b *Box) Clear() error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if err := b.badgerDB.DropAll(); err != nil {
		return fmt.Errorf("error clearing box %s: %w", b.config.Name, err)
	}
	b.countMu.Lock()
	b.live, b.deleted = 0, 0
	b.countMu.Unlock()
	return nil
}

// compact flattens the LSM tree and garbage collects the value log.
func (b *Box) compact() error {
	b.countMu.Lock()
	b.deleted = 0
	b.countMu.Unlock()

	if b.config.InMemory {
		return nil
	}

	err := b.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// The parameter is the number of concurrent compactions
	err = b.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	err = b.badgerDB.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	b.log.Debug("box compacted")
	return nil
}

// Backup writes a full badger backup stream of the box to w.
func (b *Box) Backup(w io.Writer) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if _, err := b.badgerDB.Backup(w, 0); err != nil {
		return fmt.Errorf("error backing up box %s: %w", b.config.Name, err)
	}
	return nil
}

// Load replaces every entry of the box with the entries of a stream produced
// by Backup. Badger keeps the versions of loaded entries, so the box is
// dropped first; otherwise newer delete markers would hide restored keys.
func (b *Box) Load(r io.Reader) error {
	if err := b.acquire(); err != nil {
		return err
	}
	defer b.release()

	if err := b.badgerDB.DropAll(); err != nil {
		return fmt.Errorf("error clearing box %s before load: %w", b.config.Name, err)
	}
	b.countMu.Lock()
	b.deleted = 0
	b.countMu.Unlock()
	if err := b.badgerDB.Load(r, 256); err != nil {
		return fmt.Errorf("error loading box %s: %w", b.config.Name, err)
	}
	live, err := b.countLive()
	if err != nil {
		return err
	}
	b.countMu.Lock()
	b.live = live
	b.countMu.Unlock()
	return nil
}

// stats returns the live and deleted entry counters used for compaction.
func (b *Box) stats() (live, deleted int) {
	b.countMu.Lock()
	defer b.countMu.Unlock()
	return b.live, b.deleted
}

func (b *Box) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	b.log.WithFields(logrus.Fields{
		"reads":  atomic.LoadUint64(&b.readCounter),
		"writes": atomic.LoadUint64(&b.writeCounter),
	}).Debug("closing box")
	return b.badgerDB.Close()
}

func (b *Box) countLive() (int, error) {
	count := 0
	err := b.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error counting entries of box %s: %w", b.config.Name, err)
	}
	return count, nil
}
