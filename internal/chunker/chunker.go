package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vader-pepe/octo-potato/internal/models"
)

// Chunker splits byte streams into fixed-size chunks
type Chunker struct {
	chunkSize int64
}

// unsizedHint is the initial buffer for sources of unknown length; the
// buffer grows with the data up to the chunk size.
const unsizedHint = 64 << 10

// NewChunker creates a new chunker with the specified chunk size, which
// must be in [1, models.MaxChunkSize]
func NewChunker(chunkSize int64) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrInvalidArgument, chunkSize)
	}
	if chunkSize > models.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d exceeds the %d byte limit", models.ErrInvalidArgument, chunkSize, models.MaxChunkSize)
	}
	return &Chunker{chunkSize: chunkSize}, nil
}

// ChunkSize returns the configured chunk size bound
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Split returns a lazy sequence of chunks read from reader. The sequence
// can be consumed once; splitting again requires a fresh reader.
func (c *Chunker) Split(reader io.Reader) *Sequence {
	return c.SplitSized(reader, -1)
}

// SplitSized is Split for a source declared to hold size bytes, or -1 when
// unknown. The declaration only sizes buffers; a source that runs longer
// is still split correctly.
func (c *Chunker) SplitSized(reader io.Reader, size int64) *Sequence {
	return &Sequence{
		reader:    reader,
		chunkSize: c.chunkSize,
		declared:  size,
	}
}

// Sequence yields chunks of exactly chunkSize bytes, except possibly the
// last one. It is not safe for concurrent use.
type Sequence struct {
	reader    io.Reader
	chunkSize int64
	declared  int64
	next      int
	bytesRead int64
	err       error
}

// Next returns the next chunk, or io.EOF once the source is exhausted. A
// failed read returns an error wrapping models.ErrSourceRead and every
// later call returns the same error.
func (s *Sequence) Next() (*models.ChunkData, error) {
	if s.err != nil {
		return nil, s.err
	}

	var buffer bytes.Buffer
	// MinRead of headroom for the final EOF read.
	buffer.Grow(int(s.initialCapacity()) + bytes.MinRead)
	n, err := io.CopyN(&buffer, s.reader, s.chunkSize)

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.err = io.EOF
	default:
		s.err = fmt.Errorf("%w: reading chunk %d: %v", models.ErrSourceRead, s.next, err)
		return nil, s.err
	}

	if n == 0 {
		return nil, s.err
	}

	chunk := &models.ChunkData{
		Data:  buffer.Bytes(),
		Index: s.next,
		Size:  n,
	}
	s.next++
	s.bytesRead += int64(n)
	return chunk, nil
}

func (s *Sequence) initialCapacity() int64 {
	if s.declared < 0 {
		return min(s.chunkSize, unsizedHint)
	}
	return min(s.chunkSize, max(s.declared-s.bytesRead, 0))
}

// BytesRead returns the number of source bytes handed out so far
func (s *Sequence) BytesRead() int64 {
	return s.bytesRead
}

// Count returns the number of chunks handed out so far
func (s *Sequence) Count() int {
	return s.next
}
