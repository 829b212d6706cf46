// Package lob implements streamable large object values (BLOB, CLOB, XML, JSON and spatial types).
//
// A streamable value defers materialization of its content. It is either backed by local content
// (memory or a one-shot reader) or by a stream id that refers to content held by the process which
// produced the value. Remote content is fetched in chunks through a ChunkFetcher.
package lob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dbvirt/go-dbvirt/driver/internal/assert"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// DefaultChunkSize is the default number of bytes requested per remote chunk.
const DefaultChunkSize = 100 * 1024

// Errors returned by streamable values.
var (
	ErrFreed       = errors.New("lob value has been freed")
	ErrStreaming   = errors.New("lob value is being streamed")
	ErrConsumed    = errors.New("lob stream has already been consumed")
	ErrNotAttached = errors.New("lob value refers to a remote stream but no chunk fetcher is attached")
)

// A ChunkFetcher reads chunks of a stream referenced by id.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, streamID string, offset int64, size int) (chunk []byte, last bool, err error)
}

// Value is implemented by all streamable types.
type Value interface {
	StreamID() string
	Length(ctx context.Context) (int64, error)
	Reader(ctx context.Context) (io.ReadCloser, error)
	Free()
	streamable() *Streamable
}

// source supplies the raw content of a streamable value.
type source interface {
	open(ctx context.Context) (io.ReadCloser, error)
	size() int64 // byte size, -1 if unknown
	reusable() bool
}

type memSource []byte

func (s memSource) open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s)), nil
}
func (s memSource) size() int64    { return int64(len(s)) }
func (s memSource) reusable() bool { return true }

type readerSource struct {
	rd io.Reader
	n  int64
}

func (s *readerSource) open(context.Context) (io.ReadCloser, error) {
	if rc, ok := s.rd.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.rd), nil
}
func (s *readerSource) size() int64    { return s.n }
func (s *readerSource) reusable() bool { return false }

type remoteSource struct {
	id        string
	fetcher   ChunkFetcher
	chunkSize int
}

func (s *remoteSource) open(ctx context.Context) (io.ReadCloser, error) {
	return &chunkReader{ctx: ctx, src: s}, nil
}
func (s *remoteSource) size() int64    { return -1 }
func (s *remoteSource) reusable() bool { return true }

// chunkReader reads a remote stream chunk by chunk.
type chunkReader struct {
	ctx    context.Context
	src    *remoteSource
	offset int64
	buf    []byte
	last   bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.last {
			return 0, io.EOF
		}
		chunk, last, err := r.src.fetcher.FetchChunk(r.ctx, r.src.id, r.offset, r.src.chunkSize)
		if err != nil {
			return 0, err
		}
		r.offset += int64(len(chunk))
		r.buf, r.last = chunk, last
		if len(chunk) == 0 && !last {
			return 0, io.ErrNoProgress
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error { return nil }

// unique stream ids.
var streamNo atomic.Int64

func nextStreamID() string { return strconv.FormatInt(streamNo.Add(1), 10) }

// measureFunc computes the length of a value in its units from the raw content.
type measureFunc func(rd io.Reader) (int64, error)

func measureBytes(rd io.Reader) (int64, error) { return io.Copy(io.Discard, rd) }

// Streamable is the common base of all streamable types.
type Streamable struct {
	mu        sync.Mutex
	id        string
	length    int64
	src       source
	measure   measureFunc
	freed     bool
	streaming bool
	consumed  bool
}

func (s *Streamable) init(src source, measure measureFunc) {
	s.id = nextStreamID()
	s.length = -1
	s.src = src
	s.measure = measure
}

func (s *Streamable) streamable() *Streamable { return s }

// StreamID returns the reference stream id. An empty id means the content is always transmitted inline.
func (s *Streamable) StreamID() string { s.mu.Lock(); defer s.mu.Unlock(); return s.id }

// SetStreamID sets the reference stream id. An empty id forces inline serialization.
func (s *Streamable) SetStreamID(id string) { s.mu.Lock(); defer s.mu.Unlock(); s.id = id }

// Free releases the backing content. Any later access fails with ErrFreed.
func (s *Streamable) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freed = true
	s.src = nil
}

// Attach connects a value that refers to a remote stream with a chunk fetcher.
// Values backed by local content are not changed.
func (s *Streamable) Attach(fetcher ChunkFetcher, chunkSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src != nil || s.id == "" || s.freed {
		return
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	s.src = &remoteSource{id: s.id, fetcher: fetcher, chunkSize: chunkSize}
}

func (s *Streamable) checkLocked() error {
	switch {
	case s.freed:
		return ErrFreed
	case s.streaming:
		return ErrStreaming
	case s.consumed:
		return ErrConsumed
	case s.src == nil:
		return ErrNotAttached
	}
	return nil
}

// bufferLocked replaces a one-shot source by its content held in memory.
func (s *Streamable) bufferLocked(ctx context.Context) (memSource, error) {
	if m, ok := s.src.(memSource); ok {
		return m, nil
	}
	rc, err := s.src.open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if !s.src.reusable() {
		s.src = memSource(b)
	}
	return memSource(b), nil
}

// Length returns the length of the value. It is computed at most once.
func (s *Streamable) Length(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return 0, ErrFreed
	}
	if s.length != -1 {
		return s.length, nil
	}
	if err := s.checkLocked(); err != nil {
		return 0, err
	}
	if !s.src.reusable() {
		if _, err := s.bufferLocked(ctx); err != nil {
			return 0, err
		}
	}
	rc, err := s.src.open(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := s.measure(rc)
	if err != nil {
		return 0, err
	}
	s.length = n
	return n, nil
}

// Reader returns a reader over the raw content. Values backed by a one-shot reader can only be read once;
// while such a reader is open, all other accesses fail with ErrStreaming.
func (s *Streamable) Reader(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	rc, err := s.src.open(ctx)
	if err != nil {
		return nil, err
	}
	if s.src.reusable() {
		return rc, nil
	}
	s.streaming = true
	return &streamingReader{ReadCloser: rc, s: s}, nil
}

type streamingReader struct {
	io.ReadCloser
	s    *Streamable
	once sync.Once
}

func (r *streamingReader) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(func() {
		r.s.mu.Lock()
		r.s.streaming = false
		r.s.consumed = true
		r.s.src = nil
		r.s.mu.Unlock()
	})
	return err
}

// Bytes returns the complete raw content.
func (s *Streamable) Bytes(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	m, err := s.bufferLocked(ctx)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(m), nil
}

// EncodeMsgpack implements the msgpack.CustomEncoder interface.
//
// The length is written first. Values without stream id are inlined (nil id followed by the content),
// all other values are transmitted by stream id only.
func (s *Streamable) EncodeMsgpack(enc *msgpack.Encoder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return ErrFreed
	}
	if s.id != "" {
		if err := enc.EncodeInt(s.length); err != nil {
			return err
		}
		return enc.EncodeString(s.id)
	}
	assert.True("inline lob length exceeds int32 range", s.length <= math.MaxInt32)
	if err := s.checkLocked(); err != nil {
		return err
	}
	m, err := s.bufferLocked(context.Background())
	if err != nil {
		return err
	}
	assert.True("inline lob size exceeds int32 range", int64(len(m)) <= math.MaxInt32)
	if s.length == -1 {
		if s.length, err = s.measure(bytes.NewReader(m)); err != nil {
			return err
		}
	}
	if err := enc.EncodeInt(s.length); err != nil {
		return err
	}
	if err := enc.EncodeNil(); err != nil {
		return err
	}
	return enc.EncodeBytes(m)
}

// DecodeMsgpack implements the msgpack.CustomDecoder interface.
func (s *Streamable) DecodeMsgpack(dec *msgpack.Decoder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	length, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	s.length = length
	if s.measure == nil {
		s.measure = measureBytes
	}
	if code == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		b, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		s.id = ""
		s.src = memSource(b)
		return nil
	}
	if s.id, err = dec.DecodeString(); err != nil {
		return err
	}
	s.src = nil
	return nil
}

func (s *Streamable) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("id %q length %d", s.id, s.length)
}
