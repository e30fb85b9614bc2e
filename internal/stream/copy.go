// Package stream pumps message bodies between connections one buffer at a
// time, so memory per request stays at a single buffer regardless of body size.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// BufferSize is the size of each pumped chunk.
const BufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// ReadError wraps a failure reading from the source.
type ReadError struct{ Err error }

func (e *ReadError) Error() string { return fmt.Sprintf("read source: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a failure writing to (or flushing) the destination.
type WriteError struct{ Err error }

func (e *WriteError) Error() string { return fmt.Sprintf("write destination: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// IsReadError reports whether err came from the source side of a Copy.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}

// IsWriteError reports whether err came from the destination side of a Copy.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// Copy reads src until EOF and writes each chunk to dst before reading the
// next, flushing dst after every write when it is an http.Flusher. The pull
// loop is the backpressure: a slow dst stalls reads from src.
//
// Errors are *ReadError or *WriteError. Bytes already written stay written.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	flusher, _ := dst.(http.Flusher)

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &WriteError{Err: werr}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &ReadError{Err: rerr}
		}
	}
}

// CountingReader counts bytes read through it and remembers the first
// non-EOF error.
type CountingReader struct {
	r       io.ReadCloser
	mu      sync.Mutex
	n       int64
	err     error
	started bool
}

// NewCountingReader wraps r.
func NewCountingReader(r io.ReadCloser) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.mu.Lock()
	c.n += int64(n)
	c.started = true
	if err != nil && err != io.EOF && c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	return n, err
}

// Close closes the underlying reader.
func (c *CountingReader) Close() error { return c.r.Close() }

// N returns the number of bytes read so far.
func (c *CountingReader) N() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Err returns the first read error other than io.EOF.
func (c *CountingReader) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Started reports whether a Read on the underlying reader has returned.
func (c *CountingReader) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}
