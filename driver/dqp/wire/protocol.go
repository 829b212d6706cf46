/*
Package wire implements the remote DQP transport.

Requests and responses are msgpack encoded envelopes sent in length prefixed frames over a stream
connection. Responses are correlated to requests by the envelope id, so that any number of calls
can be outstanding on one connection. Frames above a size threshold are zstd compressed if
compression is enabled.

Frame layout:

	+---------+-------+---------+
	| length  | flags | payload |
	| 4 bytes | 1     | length  |
	+---------+-------+---------+
*/
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// PropertyCompress is the logon property requesting compressed server responses.
const PropertyCompress = "wire.compress"

const (
	frameHeaderSize   = 5
	flagCompressed    = 0x01
	maxFrameSize      = 256 << 20
	compressThreshold = 4 << 10
)

// ErrFrameTooLarge is returned when a frame exceeds the maximum frame size.
var ErrFrameTooLarge = errors.New("wire: frame too large")

type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var zstdCodec = sync.OnceValues(func() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &codec{enc: enc, dec: dec}, nil
})

// writeFrame writes payload as one frame and returns the number of bytes written.
func writeFrame(w io.Writer, payload []byte, compress bool) (int, error) {
	var flags byte
	if compress && len(payload) >= compressThreshold {
		c, err := zstdCodec()
		if err != nil {
			return 0, err
		}
		payload = c.enc.EncodeAll(payload, nil)
		flags |= flagCompressed
	}
	if len(payload) > maxFrameSize {
		return 0, ErrFrameTooLarge
	}
	b := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	b[4] = flags
	b = append(b, payload...)
	return w.Write(b)
}

// readFrame reads one frame and returns the (decompressed) payload and the number of bytes read.
func readFrame(r io.Reader) ([]byte, int, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:4])
	if size > maxFrameSize {
		return nil, frameHeaderSize, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, frameHeaderSize, err
	}
	n := frameHeaderSize + int(size)
	if hdr[4]&flagCompressed == 0 {
		return payload, n, nil
	}
	c, err := zstdCodec()
	if err != nil {
		return nil, n, err
	}
	payload, err = c.dec.DecodeAll(payload, nil)
	return payload, n, err
}

type method byte

const (
	mLogon method = iota + 1
	mLogoff
	mPing
	mChangeUser
	mExecute
	mCursor
	mCancel
	mClose
	mMetadata
	mLobChunk
	mBegin
	mCommit
	mRollback
	mXAStart
	mXAEnd
	mXAPrepare
	mXACommit
	mXARollback
	mXAForget
	mXARecover
)

var methodNames = map[method]string{
	mLogon: "logon", mLogoff: "logoff", mPing: "ping", mChangeUser: "changeUser",
	mExecute: "execute", mCursor: "cursor", mCancel: "cancel", mClose: "close",
	mMetadata: "metadata", mLobChunk: "lobChunk",
	mBegin: "begin", mCommit: "commit", mRollback: "rollback",
	mXAStart: "xaStart", mXAEnd: "xaEnd", mXAPrepare: "xaPrepare", mXACommit: "xaCommit",
	mXARollback: "xaRollback", mXAForget: "xaForget", mXARecover: "xaRecover",
}

func (m method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", byte(m))
}

// envelope is a request (Method set) or a response (Method zero).
type envelope struct {
	ID     uint64             `msgpack:"id"`
	Method method             `msgpack:"m,omitempty"`
	Body   msgpack.RawMessage `msgpack:"b,omitempty"`
	Err    *dqp.ServerError   `msgpack:"e,omitempty"`
}

type executeArgs struct {
	ReqID   int64               `msgpack:"reqID"`
	Request *dqp.RequestMessage `msgpack:"request"`
}

type cursorArgs struct {
	ReqID      int64 `msgpack:"reqID"`
	BatchFirst int64 `msgpack:"batchFirst"`
	FetchSize  int   `msgpack:"fetchSize"`
}

type requestArgs struct {
	ReqID int64 `msgpack:"reqID"`
}

type metadataArgs struct {
	ReqID int64  `msgpack:"reqID"`
	SQL   string `msgpack:"sql"`
}

type lobArgs struct {
	StreamID string `msgpack:"streamID"`
	Offset   int64  `msgpack:"offset"`
	Size     int    `msgpack:"size"`
}

type xaArgs struct {
	XID      dqp.XID `msgpack:"xid"`
	Flags    int     `msgpack:"flags,omitempty"`
	Timeout  int     `msgpack:"timeout,omitempty"`
	OnePhase bool    `msgpack:"onePhase,omitempty"`
}

type changeUserArgs struct {
	User     string `msgpack:"user"`
	Password string `msgpack:"password"`
}
