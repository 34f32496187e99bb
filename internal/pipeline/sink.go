package pipeline

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

// Sink receives verified chunk bytes in order
type Sink interface {
	Write(p []byte) error
}

// FileSink writes to a local path, created or truncated on open
type FileSink struct {
	file *os.File
}

// NewFileSink opens path for writing, truncating any existing content
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return &FileSink{file: file}, nil
}

// Write appends p to the file
func (fs *FileSink) Write(p []byte) error {
	_, err := fs.file.Write(p)
	return err
}

// Close flushes and closes the file
func (fs *FileSink) Close() error {
	if err := fs.file.Sync(); err != nil {
		fs.file.Close()
		return fmt.Errorf("failed to sync output file: %w", err)
	}
	return fs.file.Close()
}

// StreamSink writes to an unbounded stream such as stdout or an HTTP
// response. Writers that can flush are flushed after every chunk.
type StreamSink struct {
	w io.Writer
}

// NewStreamSink wraps w
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w}
}

func (ss *StreamSink) Write(p []byte) error {
	if _, err := ss.w.Write(p); err != nil {
		return err
	}
	if flusher, ok := ss.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// DiscardSink counts bytes and drops them
type DiscardSink struct {
	Written int64
}

func (ds *DiscardSink) Write(p []byte) error {
	ds.Written += int64(len(p))
	return nil
}
