package encryption

import (
	"fmt"
	"io"
)

// Envelope is the per-file data kept next to a ciphertext. It is empty for
// chunked streams, whose nonces and tags travel inside the stream.
type Envelope struct {
	Nonce []byte
	MAC   []byte
}

// Chunked reports whether the envelope belongs to a chunked stream.
func (e Envelope) Chunked() bool {
	return len(e.Nonce) == 0 && len(e.MAC) == 0
}

// Pipeline picks between the monolithic and the chunked path by payload size.
type Pipeline struct {
	StreamingThreshold int
	ChunkSize          int
}

func (p Pipeline) validate() error {
	if p.StreamingThreshold <= 0 || p.ChunkSize <= 0 {
		return fmt.Errorf("encryption: streaming threshold and chunk size must be positive")
	}
	return nil
}

// Streams reports whether a payload of size bytes takes the chunked path.
func (p Pipeline) Streams(size int64) bool {
	return size >= int64(p.StreamingThreshold)
}

// Encrypt seals size bytes read from r into w. The choice of path is made
// once, from size.
func (p Pipeline) Encrypt(key []byte, r io.Reader, size int64, w io.Writer) (Envelope, error) {
	if err := p.validate(); err != nil {
		return Envelope{}, err
	}
	if p.Streams(size) {
		return Envelope{}, SealStream(key, r, w, p.ChunkSize)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("encryption: reading plaintext: %w", err)
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := w.Write(sealed.Ciphertext); err != nil {
		return Envelope{}, err
	}
	return Envelope{Nonce: sealed.Nonce, MAC: sealed.MAC}, nil
}

// Decrypt reverses Encrypt.
func (p Pipeline) Decrypt(key []byte, r io.Reader, env Envelope, w io.Writer) error {
	if env.Chunked() {
		return OpenStream(key, r, w)
	}

	ciphertext, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("encryption: reading ciphertext: %w", err)
	}
	plaintext, err := Open(key, Sealed{Ciphertext: ciphertext, Nonce: env.Nonce, MAC: env.MAC})
	if err != nil {
		return err
	}
	_, err = w.Write(plaintext)
	return err
}
