package lob

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// utf16 returns the encoding used for character based comparisons.
func utf16() encoding.Encoding { return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM) }

// measureChars counts UTF-16 code units of UTF-8 encoded content.
func measureChars(rd io.Reader) (int64, error) {
	br := bufio.NewReader(rd)
	var n int64
	for {
		r, _, err := br.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		n += int64(utf16Len(r))
	}
}

func utf16Len(r rune) int {
	if r >= 0x10000 && r <= utf8.MaxRune {
		return 2
	}
	return 1
}

// Clob is a streamable character value. The content is held UTF-8 encoded,
// lengths and positions are measured in UTF-16 code units.
type Clob struct{ Streamable }

func (c *Clob) initText(src source) { c.init(src, measureChars) }

// DecodeMsgpack implements the msgpack.CustomDecoder interface.
func (c *Clob) DecodeMsgpack(dec *msgpack.Decoder) error {
	c.mu.Lock()
	if c.measure == nil {
		c.measure = measureChars
	}
	c.mu.Unlock()
	return c.Streamable.DecodeMsgpack(dec)
}

// NewClob returns a clob backed by s.
func NewClob(s string) *Clob {
	v := new(Clob)
	v.initText(memSource(s))
	return v
}

// NewClobReader returns a clob backed by a one-shot reader of UTF-8 encoded content.
func NewClobReader(rd io.Reader) *Clob {
	v := new(Clob)
	v.initText(&readerSource{rd: rd, n: -1})
	return v
}

// Text returns the complete content.
func (c *Clob) Text(ctx context.Context) (string, error) {
	b, err := c.Bytes(ctx)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SubString returns up to n characters starting at the 1-based character position pos.
func (c *Clob) SubString(ctx context.Context, pos int64, n int) (string, error) {
	if pos < 1 || n < 0 {
		return "", fmt.Errorf("invalid clob range pos %d length %d", pos, n)
	}
	rc, err := c.Reader(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	var sb strings.Builder
	from, to := pos-1, pos-1+int64(n)
	var unit int64
	for unit < to {
		r, _, err := br.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		if unit >= from {
			sb.WriteRune(r)
		}
		unit += int64(utf16Len(r))
	}
	return sb.String(), nil
}

// Position returns the 1-based character position of search in the clob searching from start, or -1 if not found.
func (c *Clob) Position(ctx context.Context, search string, start int64) (int64, error) {
	pattern, err := utf16().NewEncoder().Bytes([]byte(search))
	if err != nil {
		return 0, err
	}
	rc, err := c.Reader(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return position(pattern, transform.NewReader(rc, utf16().NewEncoder()), start, 2)
}

// PositionClob is like Position with the search pattern given by another clob.
func (c *Clob) PositionClob(ctx context.Context, search *Clob, start int64) (int64, error) {
	if search == nil {
		return -1, nil
	}
	s, err := search.Text(ctx)
	if err != nil {
		return 0, err
	}
	return c.Position(ctx, s, start)
}

// XML is a streamable XML document.
type XML struct{ Clob }

// NewXML returns a xml value backed by s.
func NewXML(s string) *XML {
	v := new(XML)
	v.initText(memSource(s))
	return v
}

// NewXMLReader returns a xml value backed by a one-shot reader.
func NewXMLReader(rd io.Reader) *XML {
	v := new(XML)
	v.initText(&readerSource{rd: rd, n: -1})
	return v
}

// JSON is a streamable JSON document.
type JSON struct{ Clob }

// NewJSON returns a json value backed by s.
func NewJSON(s string) *JSON {
	v := new(JSON)
	v.initText(memSource(s))
	return v
}
