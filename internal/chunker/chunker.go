// Package chunker splits a plaintext stream into fixed-size pieces.
package chunker

import (
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// NewFixedChunker returns a Chunker producing chunks of exactly size bytes,
// except for the last one.
func NewFixedChunker(r io.Reader, size int) Chunker {
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewSizeSplitter(r, int64(size)),
	}
}

type boxoChunkerWrapper struct {
	splitter boxochunker.Splitter
}

func (c *boxoChunkerWrapper) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}

// Lookahead wraps a Chunker so the caller knows whether the chunk it holds
// is the last one.
type Lookahead struct {
	src  Chunker
	next []byte
	err  error
}

func NewLookahead(src Chunker) *Lookahead {
	l := &Lookahead{src: src}
	l.next, l.err = src.Next()
	return l
}

// Next returns the next chunk and whether it is the final one. It returns
// io.EOF once the stream is exhausted.
func (l *Lookahead) Next() (chunk []byte, last bool, err error) {
	if l.err != nil {
		return nil, false, l.err
	}
	chunk = l.next
	l.next, l.err = l.src.Next()
	if l.err != nil && l.err != io.EOF {
		return nil, false, l.err
	}
	return chunk, l.err == io.EOF, nil
}
