package lob

import (
	"context"
	"fmt"
	"io"

	"github.com/puzpuzpuz/xsync/v3"
)

// check if Store implements ChunkFetcher.
var _ ChunkFetcher = (*Store)(nil)

// Store keeps streamable values by stream id so that their content can be served in chunks
// to the process receiving the id.
type Store struct {
	values *xsync.MapOf[string, Value]
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{values: xsync.NewMapOf[string, Value]()} }

// Register adds v to the store. Values without stream id are transmitted inline and not registered.
func (s *Store) Register(v Value) {
	if id := v.StreamID(); id != "" {
		s.values.Store(id, v)
	}
}

// Release removes the value with stream id from the store.
func (s *Store) Release(id string) { s.values.Delete(id) }

// Len returns the number of registered values.
func (s *Store) Len() int { return s.values.Size() }

// FetchChunk implements the ChunkFetcher interface.
func (s *Store) FetchChunk(ctx context.Context, id string, offset int64, size int) ([]byte, bool, error) {
	v, ok := s.values.Load(id)
	if !ok {
		return nil, false, fmt.Errorf("lob stream %s not found", id)
	}
	st := v.streamable()
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.checkLocked(); err != nil {
		return nil, false, err
	}
	m, err := st.bufferLocked(ctx)
	if err != nil {
		return nil, false, err
	}
	if offset < 0 || offset > int64(len(m)) {
		return nil, false, io.ErrUnexpectedEOF
	}
	end := min(offset+int64(size), int64(len(m)))
	return m[offset:end], end == int64(len(m)), nil
}
