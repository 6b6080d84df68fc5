package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-vault/internal/encryption"
	"github.com/i5heu/ouroboros-vault/internal/fileStore"
	workerpool "github.com/i5heu/ouroboros-vault/internal/workerPool"
	"github.com/i5heu/ouroboros-vault/pkg/keyvault"
)

// FileMetadata describes a stored file. Nonce and MAC are set for secure
// files sealed in one piece and empty for chunked ones, whose nonces and
// tags travel inside the ciphertext.
type FileMetadata struct {
	FileID        string         `json:"fileId"`
	Extension     string         `json:"extension"`
	IsSecure      bool           `json:"isSecure"`
	SecureKeyName string         `json:"secureKeyName,omitempty"`
	Nonce         []byte         `json:"nonce,omitempty"`
	MAC           []byte         `json:"mac,omitempty"`
	Size          int64          `json:"size"`
	UserMetadata  map[string]any `json:"userMetadata,omitempty"`
	// Location is the blob handle of a file kept on disk, empty when the
	// payload is embedded in the record.
	Location string `json:"location,omitempty"`
}

// fileRecord is what a file box stores under the caller's key.
type fileRecord struct {
	FileMetadata
	Data string `json:"data,omitempty"`
}

type FileOptions struct {
	Extension    string
	Secure       bool
	UserMetadata map[string]any
	// Box stores the file in a custom or reserved file box. The box's own
	// encryption policy then decides whether the file is secure.
	Box string
}

func (m FileMetadata) validate() error {
	if _, err := uuid.Parse(m.FileID); err != nil {
		return fmt.Errorf("fileId: %w", err)
	}
	if m.IsSecure && m.SecureKeyName == "" {
		return errors.New("secure file without key name")
	}
	if (len(m.Nonce) == 0) != (len(m.MAC) == 0) {
		return errors.New("nonce and mac must be set together")
	}
	if len(m.Nonce) > 0 && (len(m.Nonce) != encryption.NonceSize || len(m.MAC) != encryption.MACSize) {
		return errors.New("nonce or mac has the wrong length")
	}
	if m.Size < 0 {
		return errors.New("negative size")
	}
	return nil
}

func parseRecord(s session, raw []byte) (fileRecord, error) {
	var rec fileRecord
	err := s.sched.Run(workerpool.KindJSON, len(raw), func() error {
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return fileRecord{}, err
	}
	return rec, rec.FileMetadata.validate()
}

// SaveFile stores data under key and returns its metadata. Secure files are
// encrypted with a fresh per-file key kept in the vault; payloads at or above
// the streaming threshold are sealed as a chunked stream. Saving over an
// existing key replaces the old file and releases its key and blob.
func (e *Engine) SaveFile(ctx context.Context, key string, data []byte, opts FileOptions) (_ FileMetadata, err error) {
	const op = "saveFile"
	defer func() { e.metrics.observe(op, err) }()

	s, err := e.begin(ctx, ErrWrite, op)
	if err != nil {
		return FileMetadata{}, err
	}
	if err := checkKey(key); err != nil {
		return FileMetadata{}, wrap(ErrWrite, op, opts.Box, err)
	}
	target := BoxNormalFiles
	if opts.Secure {
		target = BoxSecureFiles
	}
	if opts.Box != "" {
		if isValueBox(opts.Box) {
			return FileMetadata{}, opError(ErrBoxNotFound, op, opts.Box, "box %q holds values, not files", opts.Box)
		}
		target = opts.Box
	}
	box, desc, err := e.boxFor(op, target)
	if err != nil {
		return FileMetadata{}, err
	}
	stored := fileKey(target, key)

	var previous *fileRecord
	if raw, found, err := box.Get(stored); err != nil {
		return FileMetadata{}, wrap(ErrWrite, op, target, err)
	} else if found {
		if rec, err := parseRecord(s, raw); err == nil {
			previous = &rec
		}
	}

	fm := FileMetadata{
		FileID:       uuid.NewString(),
		Extension:    opts.Extension,
		IsSecure:     desc.Encrypted,
		Size:         int64(len(data)),
		UserMetadata: opts.UserMetadata,
	}

	var fileKeyBytes []byte
	if fm.IsSecure {
		fm.SecureKeyName, fileKeyBytes, err = e.keys.MintFileKey(fm.FileID)
		if err != nil {
			return FileMetadata{}, wrap(ErrWrite, op, target, err)
		}
	}
	committed := false
	defer func() {
		if !committed {
			e.release(ctx, s, fm)
		}
	}()

	rec := fileRecord{}
	if s.blobs != nil {
		fm.Location = fileStore.Location(fm.FileID)
		w, err := s.blobs.Create(ctx, fm.Location)
		if err != nil {
			return FileMetadata{}, wrap(ErrWrite, op, target, err)
		}
		env, err := e.writePayload(s, fileKeyBytes, data, w)
		if err != nil {
			w.Abort()
			return FileMetadata{}, wrap(ErrWrite, op, target, err)
		}
		if err := w.Commit(); err != nil {
			return FileMetadata{}, wrap(ErrWrite, op, target, err)
		}
		fm.Nonce, fm.MAC = env.Nonce, env.MAC
	} else {
		var buf bytes.Buffer
		env, err := e.writePayload(s, fileKeyBytes, data, &buf)
		if err != nil {
			return FileMetadata{}, wrap(ErrWrite, op, target, err)
		}
		fm.Nonce, fm.MAC = env.Nonce, env.MAC
		rec.Data, err = workerpool.Do(s.sched, workerpool.KindBase64, buf.Len(), func() (string, error) {
			return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
		})
		if err != nil {
			return FileMetadata{}, wrap(ErrWrite, op, target, err)
		}
	}
	rec.FileMetadata = fm

	raw, err := workerpool.Do(s.sched, workerpool.KindJSON, len(rec.Data), func() ([]byte, error) {
		return json.Marshal(rec)
	})
	if err != nil {
		return FileMetadata{}, wrap(ErrSerialization, op, target, err)
	}
	if err := box.Put(stored, raw); err != nil {
		return FileMetadata{}, wrap(ErrWrite, op, target, err)
	}
	committed = true

	if previous != nil && previous.FileID != fm.FileID {
		e.release(ctx, s, previous.FileMetadata)
	}
	return fm, nil
}

// writePayload writes data to w, sealed under key when key is set.
func (e *Engine) writePayload(s session, key, data []byte, w io.Writer) (encryption.Envelope, error) {
	if key == nil {
		_, err := w.Write(data)
		return encryption.Envelope{}, err
	}
	return workerpool.Do(s.sched, workerpool.KindCrypto, len(data), func() (encryption.Envelope, error) {
		return e.pipeline.Encrypt(key, bytes.NewReader(data), int64(len(data)), w)
	})
}

// release drops the blob and the per-file key of a file. Failures are logged
// and otherwise ignored.
func (e *Engine) release(ctx context.Context, s session, meta FileMetadata) {
	log := e.log.WithField("file", meta.FileID)
	if meta.Location != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, meta.Location); err != nil {
			log.Warnf("deleting file blob failed: %v", err)
		}
	}
	if meta.SecureKeyName != "" {
		if err := e.keys.RetireFileKey(meta.SecureKeyName); err != nil {
			log.Warnf("retiring file key failed: %v", err)
		}
	}
}

func (e *Engine) lookupFile(ctx context.Context, op, key string, scope Scope) (*hit, session, error) {
	s, err := e.begin(ctx, ErrRead, op)
	if err != nil {
		return nil, s, err
	}
	if err := checkKey(key); err != nil {
		return nil, s, wrap(ErrRead, op, scope.Box, err)
	}
	names, err := e.fileCandidates(op, scope)
	if err != nil {
		return nil, s, err
	}
	hits, err := e.locate(op, names, func(box string) string { return fileKey(box, key) })
	if err != nil {
		return nil, s, err
	}
	h, err := single(key, hits)
	return h, s, err
}

// GetFileMetadata returns the metadata of the file under key without reading
// its payload.
func (e *Engine) GetFileMetadata(ctx context.Context, key string, scope Scope) (meta FileMetadata, found bool, err error) {
	const op = "getFileMetadata"
	defer func() { e.metrics.observe(op, err) }()

	h, s, err := e.lookupFile(ctx, op, key, scope)
	if err != nil || h == nil {
		return FileMetadata{}, false, err
	}
	rec, err := parseRecord(s, h.raw)
	if err != nil {
		return FileMetadata{}, false, wrap(ErrInvalidMetadata, op, h.name, err)
	}
	return rec.FileMetadata, true, nil
}

// GetFile returns the plaintext of the file under key. A secure file that
// fails verification yields ErrRead and no data.
func (e *Engine) GetFile(ctx context.Context, key string, scope Scope) (data []byte, meta FileMetadata, found bool, err error) {
	const op = "getFile"
	defer func() { e.metrics.observe(op, err) }()

	h, s, err := e.lookupFile(ctx, op, key, scope)
	if err != nil || h == nil {
		return nil, FileMetadata{}, false, err
	}
	rec, err := parseRecord(s, h.raw)
	if err != nil {
		return nil, FileMetadata{}, false, wrap(ErrInvalidMetadata, op, h.name, err)
	}
	data, err = e.readPayload(ctx, s, op, h.name, rec)
	if err != nil {
		return nil, FileMetadata{}, false, err
	}
	return data, rec.FileMetadata, true, nil
}

func (e *Engine) readPayload(ctx context.Context, s session, op, boxName string, rec fileRecord) ([]byte, error) {
	var src io.Reader
	if rec.Location != "" {
		if s.blobs == nil {
			return nil, opError(ErrInvalidMetadata, op, boxName, "file %s is on disk but files are kept in boxes", rec.FileID)
		}
		rc, err := s.blobs.Open(ctx, rec.Location)
		if errors.Is(err, fileStore.ErrNotFound) {
			return nil, wrap(ErrFileNotFound, op, boxName, err)
		}
		if err != nil {
			return nil, wrap(ErrRead, op, boxName, err)
		}
		defer rc.Close()
		src = rc
	} else {
		decoded, err := workerpool.Do(s.sched, workerpool.KindBase64, len(rec.Data), func() ([]byte, error) {
			return base64.StdEncoding.DecodeString(rec.Data)
		})
		if err != nil {
			return nil, wrap(ErrInvalidMetadata, op, boxName, err)
		}
		if !rec.IsSecure {
			return decoded, nil
		}
		src = bytes.NewReader(decoded)
	}

	if !rec.IsSecure {
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, wrap(ErrRead, op, boxName, err)
		}
		return data, nil
	}

	key, err := e.keys.FileKey(rec.SecureKeyName)
	if errors.Is(err, keyvault.ErrSecretNotFound) {
		return nil, wrap(ErrKeyNotFound, op, boxName, err)
	}
	if err != nil {
		return nil, wrap(ErrRead, op, boxName, err)
	}

	var out bytes.Buffer
	err = s.sched.Run(workerpool.KindCrypto, int(rec.Size), func() error {
		return e.pipeline.Decrypt(key, src, encryption.Envelope{Nonce: rec.Nonce, MAC: rec.MAC}, &out)
	})
	if err != nil {
		return nil, wrap(ErrRead, op, boxName, err)
	}
	return out.Bytes(), nil
}

// DeleteFile removes the file under key together with its payload and key.
// A missing key is not an error.
func (e *Engine) DeleteFile(ctx context.Context, key string, scope Scope) (err error) {
	const op = "deleteFile"
	defer func() { e.metrics.observe(op, err) }()

	h, s, err := e.lookupFile(ctx, op, key, scope)
	if err != nil {
		return asKind(ErrDelete, err)
	}
	if h == nil {
		return nil
	}

	rec, parseErr := parseRecord(s, h.raw)
	if parseErr == nil && rec.Location != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, rec.Location); err != nil {
			return wrap(ErrDelete, op, h.name, err)
		}
	}
	if err := h.box.Delete(h.key); err != nil {
		return wrap(ErrDelete, op, h.name, err)
	}
	if parseErr != nil {
		e.log.WithField("box", h.name).Warnf("deleted file record with invalid metadata: %v", parseErr)
		return nil
	}
	e.release(ctx, s, FileMetadata{FileID: rec.FileID, SecureKeyName: rec.SecureKeyName})
	return nil
}

// FileKeys lists the file keys within scope.
func (e *Engine) FileKeys(ctx context.Context, scope Scope) (keys []string, err error) {
	const op = "fileKeys"
	defer func() { e.metrics.observe(op, err) }()

	if _, err := e.begin(ctx, ErrRead, op); err != nil {
		return nil, err
	}
	names, err := e.fileCandidates(op, scope)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, name := range names {
		box, _, err := e.boxFor(op, name)
		if err != nil {
			return nil, err
		}
		prefix := fileKey(name, "")
		all, err := box.Keys(prefix)
		if err != nil {
			return nil, wrap(ErrRead, op, name, err)
		}
		for _, k := range all {
			seen[k[len(prefix):]] = true
		}
	}
	return sortedKeys(seen), nil
}
