package lob

import (
	"context"
	"fmt"
	"io"
)

// check if lob types implement Value.
var (
	_ Value = (*Blob)(nil)
	_ Value = (*Clob)(nil)
	_ Value = (*XML)(nil)
	_ Value = (*JSON)(nil)
	_ Value = (*Geometry)(nil)
	_ Value = (*Geography)(nil)
)

// Blob is a streamable binary value. Its length is measured in bytes.
type Blob struct{ Streamable }

// NewBlob returns a blob backed by b.
func NewBlob(b []byte) *Blob {
	v := new(Blob)
	v.init(memSource(b), measureBytes)
	return v
}

// NewBlobReader returns a blob backed by a one-shot reader. n is the size in bytes or -1 if unknown.
func NewBlobReader(rd io.Reader, n int64) *Blob {
	v := new(Blob)
	v.init(&readerSource{rd: rd, n: n}, measureBytes)
	if n >= 0 {
		v.length = n
	}
	return v
}

// GetBytes returns up to n bytes starting at the 1-based position pos.
func (b *Blob) GetBytes(ctx context.Context, pos int64, n int) ([]byte, error) {
	if pos < 1 || n < 0 {
		return nil, fmt.Errorf("invalid blob range pos %d length %d", pos, n)
	}
	rc, err := b.Reader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := io.CopyN(io.Discard, rc, pos-1); err != nil {
		if err == io.EOF {
			return []byte{}, nil
		}
		return nil, err
	}
	buf := make([]byte, n)
	m, err := io.ReadFull(rc, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:m], nil
}

// Position returns the 1-based position of pattern in the blob searching from start, or -1 if not found.
func (b *Blob) Position(ctx context.Context, pattern []byte, start int64) (int64, error) {
	rc, err := b.Reader(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return position(pattern, rc, start, 1)
}

// PositionBlob is like Position with the pattern given by another blob.
func (b *Blob) PositionBlob(ctx context.Context, pattern *Blob, start int64) (int64, error) {
	if pattern == nil {
		return -1, nil
	}
	p, err := pattern.Bytes(ctx)
	if err != nil {
		return 0, err
	}
	return b.Position(ctx, p, start)
}
