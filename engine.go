// Package vault is a local persistence engine for values and files under two
// trust levels. Normal data is stored in plaintext, secure data is encrypted
// at rest. Data lives in named boxes: four reserved ones plus any number of
// caller-declared custom boxes.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/i5heu/ouroboros-vault/internal/backup"
	"github.com/i5heu/ouroboros-vault/internal/codec"
	"github.com/i5heu/ouroboros-vault/internal/encryption"
	"github.com/i5heu/ouroboros-vault/internal/fileStore"
	"github.com/i5heu/ouroboros-vault/internal/keyValStore"
	workerpool "github.com/i5heu/ouroboros-vault/internal/workerPool"
	"github.com/i5heu/ouroboros-vault/pkg/keyvault"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// boxStore is the container behind one box.
type boxStore interface {
	Name() string
	Put(key string, content []byte) error
	Get(key string) (value []byte, found bool, err error)
	Has(key string) (bool, error)
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Clear() error
	Backup(w io.Writer) error
	Load(r io.Reader) error
	Close() error
}

type handle struct {
	desc BoxDescriptor
	box  boxStore // nil until opened
}

// Engine routes values and files to boxes. It is safe for concurrent use;
// concurrent writes of the same key to the same box are last-writer-wins.
type Engine struct {
	config   Config
	log      *logrus.Entry
	keys     *keyvault.Manager
	pipeline encryption.Pipeline
	backups  *backup.Manager
	metrics  *metrics

	initGroup singleflight.Group

	mu    sync.RWMutex
	ready bool
	boxes map[string]*handle
	sched *workerpool.Scheduler
	pool  *workerpool.WorkerPool
	blobs *fileStore.FileBlobStore
}

// New validates config and returns an engine that still needs Init.
func New(config Config) (*Engine, error) {
	if err := config.checkConfig(); err != nil {
		return nil, wrap(ErrInitialization, "new", "", err)
	}
	m, err := newMetrics(config.Registerer)
	if err != nil {
		return nil, wrap(ErrInitialization, "new", "", fmt.Errorf("registering metrics: %w", err))
	}

	return &Engine{
		config: config,
		log:    config.Logger.WithField("component", "vault"),
		keys:   keyvault.NewManager(config.Vault, config.Logger),
		pipeline: encryption.Pipeline{
			StreamingThreshold: config.Thresholds.StreamingThresholdBytes,
			ChunkSize:          config.Thresholds.StreamingChunkSizeBytes,
		},
		backups: backup.NewManager(config.Thresholds.StreamingChunkSizeBytes),
		metrics: m,
	}, nil
}

// Init bootstraps the master key and opens every non-lazy box. Concurrent
// calls share one bootstrap and all return its result. Init on a ready
// engine is a no-op.
func (e *Engine) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrap(ErrInitialization, "init", "", err)
	}
	_, err, _ := e.initGroup.Do("init", func() (interface{}, error) {
		return nil, e.bootstrap()
	})
	e.metrics.observe("init", err)
	return err
}

// Ready reports whether Init succeeded and Dispose has not been called since.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

func (e *Engine) descriptors() []BoxDescriptor {
	return append(append([]BoxDescriptor{}, reservedBoxes...), e.config.CustomBoxes...)
}

func (e *Engine) customNames() []string {
	names := make([]string, 0, len(e.config.CustomBoxes))
	for _, d := range e.config.CustomBoxes {
		names = append(names, d.Name)
	}
	return names
}

func (e *Engine) bootstrap() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	if err := validateDescriptors(e.config.CustomBoxes); err != nil {
		return wrap(ErrInitialization, "init", "", err)
	}
	master, err := e.keys.GetOrCreateMasterKey()
	if err != nil {
		return wrap(ErrInitialization, "init", "", err)
	}

	boxes := make(map[string]*handle)
	for _, d := range e.descriptors() {
		h := &handle{desc: d}
		if !d.LazyLoaded {
			if h.box, err = e.openBox(d, master); err != nil {
				closeAll(e.log, boxes)
				return wrap(ErrInitialization, "init", d.Name, err)
			}
		}
		boxes[d.Name] = h
	}

	var blobs *fileStore.FileBlobStore
	if e.config.FilesOnDisk {
		if blobs, err = fileStore.NewFileBlobStore(filepath.Join(e.config.Path, "files")); err != nil {
			closeAll(e.log, boxes)
			return wrap(ErrInitialization, "init", "", err)
		}
	}

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: e.config.Workers})
	sched := workerpool.NewScheduler(pool, workerpool.Policy{
		JSONChars:      e.config.Thresholds.JSONIsolateChars,
		Base64Bytes:    e.config.Thresholds.Base64IsolateBytes,
		StreamingBytes: e.config.Thresholds.StreamingThresholdBytes,
	})
	sched.OnOffload = func(kind workerpool.Kind) {
		e.metrics.offload(kind.String())
		e.log.WithField("kind", kind.String()).Debug("offloading work to pool")
	}

	e.boxes, e.pool, e.sched, e.blobs = boxes, pool, sched, blobs
	e.ready = true
	e.log.WithField("boxes", len(boxes)).Info("vault initialized")
	return nil
}

func (e *Engine) openBox(d BoxDescriptor, master []byte) (boxStore, error) {
	cfg := keyValStore.BoxConfig{
		Name:             d.Name,
		InMemory:         e.config.InMemory,
		MinimumFreeSpace: e.config.MinimumFreeGB,
		Compaction:       e.config.Compaction,
		Logger:           e.config.Logger,
	}
	if !e.config.InMemory {
		cfg.Path = e.boxDir(d.Name)
	}
	if d.Encrypted {
		cfg.EncryptionKey = master
	}
	box, err := keyValStore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return box, nil
}

func (e *Engine) boxDir(name string) string {
	return filepath.Join(e.config.Path, "boxes", name)
}

func closeAll(log *logrus.Entry, boxes map[string]*handle) []error {
	var errs []error
	for name, h := range boxes {
		if h.box == nil {
			continue
		}
		if err := h.box.Close(); err != nil {
			log.WithField("box", name).Warnf("closing box failed: %v", err)
			errs = append(errs, fmt.Errorf("box %s: %w", name, err))
		}
	}
	return errs
}

// Dispose closes every open box. A failing box does not stop the others from
// being closed. Afterwards every operation fails with ErrInitialization until
// Init is called again.
func (e *Engine) Dispose() (err error) {
	defer func() { e.metrics.observe("dispose", err) }()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.boxes == nil {
		e.ready = false
		return nil
	}

	e.ready = false
	errs := closeAll(e.log, e.boxes)
	e.boxes = nil
	e.pool.Close()
	e.pool, e.sched, e.blobs = nil, nil, nil

	if len(errs) > 0 {
		return &OpError{Kind: ErrDisposal, Op: "dispose", Err: errors.Join(errs...)}
	}
	e.log.Info("vault disposed")
	return nil
}

// session is the per-call view of the engine's collaborators.
type session struct {
	sched *workerpool.Scheduler
	blobs *fileStore.FileBlobStore
}

func (r session) jsonRunner() codec.Runner {
	return func(size int, fn func() error) error {
		return r.sched.Run(workerpool.KindJSON, size, fn)
	}
}

func (e *Engine) begin(ctx context.Context, kind error, op string) (session, error) {
	if err := ctx.Err(); err != nil {
		return session{}, wrap(kind, op, "", err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.ready {
		return session{}, opError(ErrInitialization, op, "", "engine is not initialized")
	}
	return session{sched: e.sched, blobs: e.blobs}, nil
}

// boxFor returns the open box called name, opening a lazy box on first use.
func (e *Engine) boxFor(op, name string) (boxStore, BoxDescriptor, error) {
	e.mu.RLock()
	if !e.ready {
		e.mu.RUnlock()
		return nil, BoxDescriptor{}, opError(ErrInitialization, op, name, "engine is not initialized")
	}
	h, ok := e.boxes[name]
	if !ok {
		e.mu.RUnlock()
		return nil, BoxDescriptor{}, opError(ErrBoxNotFound, op, name, "no box named %q", name)
	}
	if h.box != nil {
		box := h.box
		e.mu.RUnlock()
		return box, h.desc, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, BoxDescriptor{}, opError(ErrInitialization, op, name, "engine is not initialized")
	}
	h = e.boxes[name]
	if h.box != nil {
		return h.box, h.desc, nil
	}

	// An encrypted box dropped together with the master key reopens empty
	// under a new one.
	var master []byte
	if h.desc.Encrypted {
		var err error
		if master, err = e.keys.GetOrCreateMasterKey(); err != nil {
			return nil, BoxDescriptor{}, wrap(ErrInitialization, op, name, err)
		}
	}
	box, err := e.openBox(h.desc, master)
	if err != nil {
		return nil, BoxDescriptor{}, wrap(ErrInitialization, op, name, err)
	}
	h.box = box
	e.log.WithField("box", name).Debug("lazy box opened")
	return box, h.desc, nil
}
