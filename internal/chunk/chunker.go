// Package chunk splits byte streams into bounded, ordered chunks and joins
// them back together.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/restic/chunker"
)

// Ref locates a stored chunk: the bucket holding it and the key the bucket's
// backend returned for it. Size is the stored (encoded) byte count.
type Ref struct {
	Bucket string `msgpack:"b" json:"bucket"`
	Key    string `msgpack:"k" json:"key"`
	Size   int64  `msgpack:"s" json:"size"`
}

func (r Ref) String() string {
	return r.Bucket + "/" + r.Key
}

// Mode selects how chunk boundaries are chosen.
type Mode string

const (
	// Fixed cuts every maxSize bytes; only the final chunk may be shorter.
	Fixed Mode = "fixed"
	// ContentDefined picks boundaries with a rolling Rabin fingerprint,
	// bounded to [maxSize/4, maxSize].
	ContentDefined Mode = "cdc"
)

// cdcPolynomial is fixed so that content-defined boundaries are stable
// across processes.
const cdcPolynomial = chunker.Pol(0x3DA3358B4DC173)

// ErrInvalidSize is returned for a non-positive chunk size.
var ErrInvalidSize = errors.New("chunk size must be positive")

// Splitter reads a stream and hands out one chunk at a time so a whole file
// is never held in memory.
type Splitter struct {
	reader  io.Reader
	maxSize int
	buf     []byte
	done    bool

	cdc    *chunker.Chunker
	cdcBuf []byte
}

// NewSplitter creates a splitter over r producing chunks of at most maxSize
// bytes.
func NewSplitter(r io.Reader, maxSize int, mode Mode) (*Splitter, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	s := &Splitter{reader: r, maxSize: maxSize}
	switch mode {
	case Fixed, "":
		s.buf = make([]byte, maxSize)
	case ContentDefined:
		minSize := maxSize / 4
		if minSize == 0 {
			minSize = 1
		}
		s.cdc = chunker.NewWithBoundaries(r, cdcPolynomial, uint(minSize), uint(maxSize))
		s.cdcBuf = make([]byte, maxSize)
	default:
		return nil, fmt.Errorf("unknown chunking mode %q", mode)
	}
	return s, nil
}

// Next returns the next chunk. It returns (nil, io.EOF) once the stream is
// exhausted. An empty stream yields no chunks at all.
func (s *Splitter) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	if s.cdc != nil {
		return s.nextCDC()
	}

	n, err := io.ReadFull(s.reader, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	case err != nil:
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

func (s *Splitter) nextCDC() ([]byte, error) {
	c, err := s.cdc.Next(s.cdcBuf)
	if errors.Is(err, io.EOF) {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	out := make([]byte, len(c.Data))
	copy(out, c.Data)
	return out, nil
}

// Split reads all of r and returns its chunks in order.
func Split(r io.Reader, maxSize int, mode Mode) ([][]byte, error) {
	s, err := NewSplitter(r, maxSize, mode)
	if err != nil {
		return nil, err
	}
	var chunks [][]byte
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}

// SplitBytes is Split for in-memory data using fixed boundaries.
func SplitBytes(data []byte, maxSize int) ([][]byte, error) {
	return Split(bytes.NewReader(data), maxSize, Fixed)
}

// Join concatenates chunks in the order given. It neither reorders nor
// verifies them.
func Join(chunks [][]byte) io.Reader {
	readers := make([]io.Reader, len(chunks))
	for i, c := range chunks {
		readers[i] = bytes.NewReader(c)
	}
	return io.MultiReader(readers...)
}
