package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/i5heu/ouroboros-vault/internal/backup"
	"github.com/i5heu/ouroboros-vault/pkg/keyvault"
)

type ClearOptions struct {
	// DeleteMasterKey also removes the master key from the vault and drops
	// the encrypted boxes. They come back empty under a new master key the
	// next time they are used.
	DeleteMasterKey bool
}

// ClearAll empties every box. Blobs and per-file keys of the stored files are
// released first; failures there are logged and skipped. Clearing the boxes
// themselves must succeed.
func (e *Engine) ClearAll(ctx context.Context, opts ClearOptions) (err error) {
	const op = "clearAll"
	defer func() { e.metrics.observe(op, err) }()

	s, err := e.begin(ctx, ErrDelete, op)
	if err != nil {
		return err
	}

	names := append([]string{BoxNormal, BoxSecure, BoxNormalFiles, BoxSecureFiles}, e.customNames()...)
	boxes := make(map[string]boxStore, len(names))
	for _, name := range names {
		box, _, err := e.boxFor(op, name)
		if err != nil {
			return err
		}
		boxes[name] = box
	}

	for _, name := range names {
		if isValueBox(name) {
			continue
		}
		e.releaseAll(ctx, s, name, boxes[name])
	}

	var errs []error
	for _, name := range names {
		if err := boxes[name].Clear(); err != nil {
			errs = append(errs, fmt.Errorf("box %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return wrap(ErrDelete, op, "", errors.Join(errs...))
	}

	if opts.DeleteMasterKey {
		if err := e.keys.DeleteMasterKey(); err != nil {
			return wrap(ErrDelete, op, "", err)
		}
		if err := e.dropEncrypted(op); err != nil {
			return err
		}
		e.log.Warn("master key deleted")
	}
	e.log.WithField("boxes", len(names)).Info("all boxes cleared")
	return nil
}

// dropEncrypted closes every encrypted box and removes its files. Badger
// binds a box directory to the key it was created with, so the boxes are
// recreated empty on next use, under whichever master key exists then.
func (e *Engine) dropEncrypted(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return opError(ErrInitialization, op, "", "engine is not initialized")
	}

	var errs []error
	for name, h := range e.boxes {
		if !h.desc.Encrypted {
			continue
		}
		if h.box != nil {
			if err := h.box.Close(); err != nil {
				errs = append(errs, fmt.Errorf("box %s: %w", name, err))
				continue
			}
			h.box = nil
		}
		if e.config.InMemory {
			continue
		}
		if err := os.RemoveAll(e.boxDir(name)); err != nil {
			errs = append(errs, fmt.Errorf("box %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return wrap(ErrDelete, op, "", errors.Join(errs...))
	}
	return nil
}

// releaseAll releases the payload and key of every file record in box.
func (e *Engine) releaseAll(ctx context.Context, s session, name string, box boxStore) {
	log := e.log.WithField("box", name)
	keys, err := box.Keys(fileKey(name, ""))
	if err != nil {
		log.Warnf("listing files failed: %v", err)
		return
	}
	for _, k := range keys {
		raw, found, err := box.Get(k)
		if err != nil || !found {
			continue
		}
		rec, err := parseRecord(s, raw)
		if err != nil {
			log.Warnf("skipping file record with invalid metadata: %v", err)
			continue
		}
		e.release(ctx, s, rec.FileMetadata)
	}
}

// backupKey returns the key a backup of the box is sealed with, nil for a
// plaintext box.
func (e *Engine) backupKey(op string, desc BoxDescriptor) ([]byte, error) {
	if !desc.Encrypted {
		return nil, nil
	}
	key, err := e.keys.ReadMasterKey()
	if errors.Is(err, keyvault.ErrSecretNotFound) {
		return nil, wrap(ErrKeyNotFound, op, desc.Name, err)
	}
	if err != nil {
		return nil, wrap(ErrRead, op, desc.Name, err)
	}
	return key, nil
}

// BackupBox writes a compressed export of the named box to w. Exports of
// encrypted boxes are sealed with the master key. File payloads kept on disk
// are not part of the export.
func (e *Engine) BackupBox(ctx context.Context, name string, w io.Writer) (err error) {
	const op = "backupBox"
	defer func() { e.metrics.observe(op, err) }()

	if _, err := e.begin(ctx, ErrRead, op); err != nil {
		return err
	}
	box, desc, err := e.boxFor(op, name)
	if err != nil {
		return err
	}
	key, err := e.backupKey(op, desc)
	if err != nil {
		return err
	}
	if err := e.backups.BackupData(ctx, box, w, key); err != nil {
		return wrap(ErrRead, op, name, err)
	}
	return nil
}

// RestoreBox replaces the contents of the named box with an export written
// by BackupBox. A failed restore can leave the box partially loaded.
func (e *Engine) RestoreBox(ctx context.Context, name string, r io.Reader) (err error) {
	const op = "restoreBox"
	defer func() { e.metrics.observe(op, err) }()

	if _, err := e.begin(ctx, ErrWrite, op); err != nil {
		return err
	}
	box, desc, err := e.boxFor(op, name)
	if err != nil {
		return err
	}
	key, err := e.backupKey(op, desc)
	if err != nil {
		return err
	}
	if err := e.backups.RestoreData(ctx, box, r, key); err != nil {
		return wrap(ErrWrite, op, name, err)
	}
	return nil
}

// BackupStatus reports the last backup taken of the named box.
func (e *Engine) BackupStatus(name string) backup.Status {
	return e.backups.GetBackupStatus(name)
}
