// Package backup exports and imports whole boxes as lzma-compressed streams,
// sealed under a key for encrypted boxes.
package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-vault/internal/encryption"
	"github.com/ulikunitz/xz/lzma"
)

// Backup layout: magic "OVB1", one mode byte, then the lzma stream of a
// badger backup, wrapped in an encryption stream when the mode is sealed.
var backupMagic = []byte("OVB1")

const (
	modePlain  byte = 0
	modeSealed byte = 1
)

var (
	ErrNotBackup   = errors.New("backup: not a backup stream")
	ErrKeyRequired = errors.New("backup: sealed backup needs a key")
)

// Source is a box that can dump and reload its entries.
type Source interface {
	Name() string
	Backup(w io.Writer) error
	Load(r io.Reader) error
}

// Status describes the most recent backup of one box.
type Status struct {
	LastBackup       int64 // unix seconds
	LastBackupSize   int64
	BackupInProgress bool
}

type Manager struct {
	chunkSize int

	mu     sync.Mutex
	status map[string]Status
}

func NewManager(chunkSize int) *Manager {
	return &Manager{chunkSize: chunkSize, status: make(map[string]Status)}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (m *Manager) setStatus(name string, fn func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status[name]
	fn(&s)
	m.status[name] = s
}

// BackupData writes src to w. With a non-nil key the compressed stream is
// sealed under it.
func (m *Manager) BackupData(ctx context.Context, src Source, w io.Writer, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setStatus(src.Name(), func(s *Status) { s.BackupInProgress = true })
	defer m.setStatus(src.Name(), func(s *Status) { s.BackupInProgress = false })

	out := &countingWriter{w: w}
	mode := modePlain
	if key != nil {
		mode = modeSealed
	}
	if _, err := out.Write(append(append([]byte{}, backupMagic...), mode)); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(compress(src, pw))
	}()

	var err error
	if mode == modeSealed {
		err = encryption.SealStream(key, pr, out, m.chunkSize)
	} else {
		_, err = io.Copy(out, pr)
	}
	_ = pr.CloseWithError(err)
	if err != nil {
		return fmt.Errorf("backing up box %s: %w", src.Name(), err)
	}

	m.setStatus(src.Name(), func(s *Status) {
		s.LastBackup = time.Now().Unix()
		s.LastBackupSize = out.n
	})
	return nil
}

func compress(src Source, w io.Writer) error {
	lw, err := lzma.NewWriter(w)
	if err != nil {
		return err
	}
	if err := src.Backup(lw); err != nil {
		_ = lw.Close()
		return err
	}
	return lw.Close()
}

// RestoreData loads a stream written by BackupData into dst. Sealed chunks are
// verified before they reach dst, but a failure part way through leaves the
// entries loaded so far in place.
func (m *Manager) RestoreData(ctx context.Context, dst Source, r io.Reader, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	br := bufio.NewReader(r)
	header := make([]byte, len(backupMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil || string(header[:len(backupMagic)]) != string(backupMagic) {
		return ErrNotBackup
	}

	var compressed io.Reader = br
	switch header[len(backupMagic)] {
	case modePlain:
	case modeSealed:
		if key == nil {
			return ErrKeyRequired
		}
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(encryption.OpenStream(key, br, pw))
		}()
		defer pr.Close()
		compressed = pr
	default:
		return ErrNotBackup
	}

	lr, err := lzma.NewReader(compressed)
	if err != nil {
		return fmt.Errorf("restoring box %s: %w", dst.Name(), err)
	}
	if err := dst.Load(lr); err != nil {
		return fmt.Errorf("restoring box %s: %w", dst.Name(), err)
	}
	return nil
}

// GetBackupStatus returns the status recorded for the named box.
func (m *Manager) GetBackupStatus(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[name]
}
