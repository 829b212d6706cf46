package driver

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/lob"
)

// lobFetcher reads the chunks of remote lob streams from the service.
type lobFetcher struct {
	svc dqp.Service
}

func (f lobFetcher) FetchChunk(ctx context.Context, streamID string, offset int64, size int) ([]byte, bool, error) {
	chunk, err := f.svc.RequestLobChunk(streamID, offset, size).Get(ctx)
	if err != nil {
		return nil, false, newSQLError(err)
	}
	return chunk.Data, chunk.Last, nil
}

// ErrLobWriter is returned by Lob.Scan if no writer is set.
var ErrLobWriter = errors.New("lob: no writer set")

// A Lob streams large object content. As query argument the content of the reader is sent as blob,
// scanning a large object value writes its content to the writer.
type Lob struct {
	rd io.Reader
	wr io.Writer
}

// NewLob creates a new Lob instance with the io.Reader and io.Writer given as parameters.
func NewLob(rd io.Reader, wr io.Writer) *Lob { return &Lob{rd: rd, wr: wr} }

// Reader returns the io.Reader of the Lob.
func (l *Lob) Reader() io.Reader { return l.rd }

// SetReader sets the io.Reader source for a lob field to be written to the database
// and returns *Lob, to enable simple call chaining.
func (l *Lob) SetReader(rd io.Reader) *Lob { l.rd = rd; return l }

// Writer returns the io.Writer of the Lob.
func (l *Lob) Writer() io.Writer { return l.wr }

// SetWriter sets the io.Writer destination for a lob field to be read from the database
// and returns *Lob, to enable simple call chaining.
func (l *Lob) SetWriter(wr io.Writer) *Lob { l.wr = wr; return l }

// Value implements the driver.Valuer interface.
func (l *Lob) Value() (driver.Value, error) {
	if l.rd == nil {
		return nil, nil
	}
	return lob.NewBlobReader(l.rd, -1), nil
}

// Scan implements the sql.Scanner interface.
func (l *Lob) Scan(src any) error {
	if l.wr == nil {
		return ErrLobWriter
	}
	return ScanLobWriter(src, l.wr)
}

// ScanLobWriter writes the content of the large object value src to wr. Strings and byte
// slices are accepted as well.
func ScanLobWriter(src any, wr io.Writer) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		_, err := io.WriteString(wr, src)
		return err
	case []byte:
		_, err := wr.Write(src)
		return err
	case lob.Value:
		rd, err := src.Reader(context.Background())
		if err != nil {
			return err
		}
		defer rd.Close()
		_, err = io.Copy(wr, rd)
		return err
	default:
		return fmt.Errorf("lob: unsupported scan source %T", src)
	}
}

// ScanLobString reads the content of the large object value src into s.
func ScanLobString(src any, s *string) error {
	var b strings.Builder
	if err := ScanLobWriter(src, &b); err != nil {
		return err
	}
	*s = b.String()
	return nil
}

// ScanLobBytes reads the content of the large object value src into b.
func ScanLobBytes(src any, b *[]byte) error {
	if src == nil {
		*b = nil
		return nil
	}
	var buf bytes.Buffer
	if err := ScanLobWriter(src, &buf); err != nil {
		return err
	}
	*b = buf.Bytes()
	return nil
}
