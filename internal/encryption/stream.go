package encryption

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-vault/internal/chunker"
)

// Stream layout:
//
//	magic "OVS1" | chunk size uint32 BE
//	record*: length uint32 BE (high bit = final chunk) | nonce | mac | ciphertext
//
// Every chunk is sealed under the same key with the base nonce XORed with the
// chunk index. It authenticates its index, its final flag and the declared
// chunk size as associated data. Reordered, dropped, truncated or appended
// chunks fail verification, and no record may be longer than the chunk size.
var streamMagic = []byte("OVS1")

const (
	finalFlag      = uint32(1) << 31
	streamHeader   = 4 + 4
	recordHeader   = 4 + NonceSize + MACSize
	maxChunkLength = 1 << 30
)

func chunkNonce(base []byte, index uint64) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

func chunkAAD(index uint64, final bool, chunkSize uint32) []byte {
	aad := make([]byte, 13)
	binary.BigEndian.PutUint64(aad, index)
	if final {
		aad[8] = 1
	}
	binary.BigEndian.PutUint32(aad[9:], chunkSize)
	return aad
}

// SealStream reads r in chunkSize pieces and writes the sealed stream to w.
// Only one chunk is held in memory at a time.
func SealStream(key []byte, r io.Reader, w io.Writer, chunkSize int) error {
	if chunkSize <= 0 || chunkSize > maxChunkLength {
		return fmt.Errorf("encryption: invalid chunk size %d", chunkSize)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	base, err := randomNonce()
	if err != nil {
		return err
	}

	head := make([]byte, streamHeader)
	copy(head, streamMagic)
	binary.BigEndian.PutUint32(head[len(streamMagic):], uint32(chunkSize))
	if _, err := w.Write(head); err != nil {
		return err
	}

	chunks := chunker.NewLookahead(chunker.NewFixedChunker(r, chunkSize))
	header := make([]byte, recordHeader)
	var index uint64
	for {
		plain, last, err := chunks.Next()
		if err == io.EOF {
			if index > 0 {
				return nil
			}
			// An empty input still gets one final, empty chunk.
			plain, last = nil, true
		} else if err != nil {
			return fmt.Errorf("encryption: reading plaintext: %w", err)
		}

		nonce := chunkNonce(base, index)
		out := aead.Seal(nil, nonce, plain, chunkAAD(index, last, uint32(chunkSize)))
		split := len(out) - MACSize

		length := uint32(split)
		if last {
			length |= finalFlag
		}
		binary.BigEndian.PutUint32(header[:4], length)
		copy(header[4:], nonce)
		copy(header[4+NonceSize:], out[split:])

		if _, err := w.Write(header); err != nil {
			return err
		}
		if _, err := w.Write(out[:split]); err != nil {
			return err
		}
		index++
		if last {
			return nil
		}
	}
}

// OpenStream verifies and decrypts a stream written by SealStream, writing
// plaintext to w one verified chunk at a time. Memory use is bounded by the
// declared chunk size and by the bytes actually present in r. On error w may
// already hold the verified prefix; callers that must not expose partial
// plaintext buffer w and discard it on error.
func OpenStream(key []byte, r io.Reader, w io.Writer) error {
	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	br := bufio.NewReader(r)

	head := make([]byte, streamHeader)
	if _, err := io.ReadFull(br, head); err != nil || !bytes.Equal(head[:len(streamMagic)], streamMagic) {
		return fmt.Errorf("%w: missing stream header", ErrAuthentication)
	}
	chunkSize := binary.BigEndian.Uint32(head[len(streamMagic):])
	if chunkSize == 0 || chunkSize > maxChunkLength {
		return fmt.Errorf("%w: invalid chunk size %d", ErrAuthentication, chunkSize)
	}

	header := make([]byte, recordHeader)
	var (
		index uint64
		body  bytes.Buffer
	)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: stream truncated before final chunk", ErrAuthentication)
			}
			return err
		}
		length := binary.BigEndian.Uint32(header[:4])
		final := length&finalFlag != 0
		length &^= finalFlag
		if length > chunkSize {
			return fmt.Errorf("%w: chunk %d longer than %d bytes", ErrAuthentication, index, chunkSize)
		}

		// CopyN grows the buffer only as data arrives.
		body.Reset()
		if _, err := io.CopyN(&body, br, int64(length)); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: chunk %d truncated", ErrAuthentication, index)
			}
			return err
		}
		body.Write(header[4+NonceSize:])

		sealed := body.Bytes()
		nonce := header[4 : 4+NonceSize]
		plain, err := aead.Open(sealed[:0], nonce, sealed, chunkAAD(index, final, chunkSize))
		if err != nil {
			return fmt.Errorf("%w: chunk %d", ErrAuthentication, index)
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}
		index++

		if final {
			if _, err := br.ReadByte(); err != io.EOF {
				return fmt.Errorf("%w: data after final chunk", ErrAuthentication)
			}
			return nil
		}
	}
}
