package dqp

import (
	"fmt"

	"github.com/dbvirt/go-dbvirt/driver/types"
	"github.com/vmihailenco/msgpack/v5"
)

// ResultsMode is the kind of result a request expects.
type ResultsMode byte

// Results modes.
const (
	ResultsModeEither ResultsMode = iota
	ResultsModeResultSet
	ResultsModeUpdateCount
)

func (m ResultsMode) String() string {
	switch m {
	case ResultsModeEither:
		return "EITHER"
	case ResultsModeResultSet:
		return "RESULTSET"
	case ResultsModeUpdateCount:
		return "UPDATECOUNT"
	default:
		return fmt.Sprintf("ResultsMode(%d)", m)
	}
}

// CursorType is the cursor type of a result.
type CursorType byte

// Cursor types.
const (
	CursorForwardOnly CursorType = iota
	CursorScrollInsensitive
)

func (t CursorType) String() string {
	if t == CursorScrollInsensitive {
		return "SCROLL_INSENSITIVE"
	}
	return "FORWARD_ONLY"
}

// RequestMessage is a command execution request.
type RequestMessage struct {
	Commands []string `msgpack:"commands"`
	// Batched marks a statement batch (one command per entry).
	Batched bool `msgpack:"batched,omitempty"`
	// Prepared marks a prepared statement, Parameters holds the parameter values.
	Prepared bool `msgpack:"prepared,omitempty"`
	// Callable marks a procedure call.
	Callable bool `msgpack:"callable,omitempty"`
	// PreparedBatch marks a prepared statement executed with multiple parameter sets.
	PreparedBatch bool `msgpack:"preparedBatch,omitempty"`

	ResultsMode          ResultsMode `msgpack:"resultsMode"`
	CursorType           CursorType  `msgpack:"cursorType"`
	FetchSize            int         `msgpack:"fetchSize"`
	RowLimit             int         `msgpack:"rowLimit,omitempty"`
	TransactionIsolation int         `msgpack:"isolation,omitempty"`

	PartialResults          bool   `msgpack:"partialResults,omitempty"`
	UseResultSetCache       bool   `msgpack:"resultSetCache,omitempty"`
	AnsiQuotedIdentifiers   bool   `msgpack:"ansiQuoted,omitempty"`
	TxnAutoWrap             string `msgpack:"txnAutoWrap,omitempty"`
	ShowPlan                string `msgpack:"showPlan,omitempty"`
	NoExec                  bool   `msgpack:"noExec,omitempty"`
	ReturnAutoGeneratedKeys bool   `msgpack:"generatedKeys,omitempty"`
	Continuous              bool   `msgpack:"continuous,omitempty"`
	Sync                    bool   `msgpack:"sync,omitempty"`

	ExecutionPayload map[string]string `msgpack:"payload,omitempty"`
	// SpanContext is the tracing context of remote requests.
	SpanContext string `msgpack:"spanContext,omitempty"`

	// Parameters holds the parameter values (one row per execution of a prepared batch).
	Parameters [][]any `msgpack:"-"`
}

type requestMessage RequestMessage

// EncodeMsgpack implements the msgpack.CustomEncoder interface.
func (m *RequestMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.Encode((*requestMessage)(m)); err != nil {
		return err
	}
	return encodeObjectRows(enc, m.Parameters)
}

// DecodeMsgpack implements the msgpack.CustomDecoder interface.
func (m *RequestMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	if err := dec.Decode((*requestMessage)(m)); err != nil {
		return err
	}
	var err error
	m.Parameters, err = decodeObjectRows(dec)
	return err
}

// Nullability of a column.
type Nullability byte

// Nullability values.
const (
	NoNulls Nullability = iota
	Nullable
	NullableUnknown
)

// Column describes a result column or a parameter.
type Column struct {
	Name          string      `msgpack:"name"`
	Label         string      `msgpack:"label,omitempty"`
	TypeName      string      `msgpack:"typeName,omitempty"`
	Type          types.Type  `msgpack:"type"`
	Nullable      Nullability `msgpack:"nullable"`
	Precision     int         `msgpack:"precision,omitempty"`
	Scale         int         `msgpack:"scale,omitempty"`
	DisplaySize   int         `msgpack:"displaySize,omitempty"`
	Schema        string      `msgpack:"schema,omitempty"`
	Table         string      `msgpack:"table,omitempty"`
	AutoIncrement bool        `msgpack:"autoIncrement,omitempty"`
	Signed        bool        `msgpack:"signed,omitempty"`
}

// DisplayName returns the label if set, the name otherwise.
func (c *Column) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

// ParameterKind is the kind of a procedure parameter.
type ParameterKind byte

// Parameter kinds.
const (
	ParamIn ParameterKind = iota
	ParamOut
	ParamInOut
	ParamReturnValue
	ParamResultSet
)

func (k ParameterKind) String() string {
	switch k {
	case ParamIn:
		return "IN"
	case ParamOut:
		return "OUT"
	case ParamInOut:
		return "INOUT"
	case ParamReturnValue:
		return "RETURN_VALUE"
	case ParamResultSet:
		return "RESULT_SET"
	default:
		return fmt.Sprintf("ParameterKind(%d)", k)
	}
}

// ParameterInfo describes a parameter of an executed procedure.
type ParameterInfo struct {
	Kind ParameterKind `msgpack:"kind"`
	Name string        `msgpack:"name,omitempty"`
	// NumColumns is the number of result set columns of a ParamResultSet parameter.
	NumColumns int `msgpack:"numColumns,omitempty"`
}

// UpdateCountRows is the UpdateCount value signaling that the update counts of a batch are sent as rows.
const UpdateCountRows = -1

// ResultsMessage is the response of an execution or cursor request.
type ResultsMessage struct {
	Columns []Column `msgpack:"columns"`
	// Rows is the current batch of rows.
	Rows [][]any `msgpack:"-"`
	// FirstRow and LastRow are the 1-based positions of the batch rows. LastRow < FirstRow for an empty batch.
	FirstRow int64 `msgpack:"firstRow"`
	LastRow  int64 `msgpack:"lastRow"`
	// FinalRow is the number of rows of the result if known, -1 otherwise.
	FinalRow int64 `msgpack:"finalRow"`

	UpdateResult bool `msgpack:"updateResult,omitempty"`
	// UpdateCount is the update count of a single update or UpdateCountRows.
	UpdateCount int `msgpack:"updateCount,omitempty"`

	CursorType  CursorType      `msgpack:"cursorType,omitempty"`
	Parameters  []ParameterInfo `msgpack:"parameters,omitempty"`
	Warnings    []*ServerError  `msgpack:"warnings,omitempty"`
	Exception   *ServerError    `msgpack:"exception,omitempty"`
	Plan        *PlanNode       `msgpack:"plan,omitempty"`
	DebugLog    string          `msgpack:"debugLog,omitempty"`
	Annotations []Annotation    `msgpack:"annotations,omitempty"`

	GeneratedKeys *Table `msgpack:"generatedKeys,omitempty"`
}

type resultsMessage ResultsMessage

// EncodeMsgpack implements the msgpack.CustomEncoder interface.
func (m *ResultsMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.Encode((*resultsMessage)(m)); err != nil {
		return err
	}
	return encodeRows(enc, m.Columns, m.Rows)
}

// DecodeMsgpack implements the msgpack.CustomDecoder interface.
func (m *ResultsMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	if err := dec.Decode((*resultsMessage)(m)); err != nil {
		return err
	}
	var err error
	m.Rows, err = decodeRows(dec, m.Columns)
	return err
}

// UpdateCounts returns the update counts of an update result.
func (m *ResultsMessage) UpdateCounts() ([]int, error) {
	if m.UpdateCount != UpdateCountRows {
		return []int{m.UpdateCount}, nil
	}
	counts := make([]int, len(m.Rows))
	for i, row := range m.Rows {
		if len(row) != 1 {
			return nil, fmt.Errorf("invalid update count row %d: %d values", i, len(row))
		}
		switch v := row[0].(type) {
		case int32:
			counts[i] = int(v)
		case int64:
			counts[i] = int(v)
		default:
			return nil, fmt.Errorf("invalid update count row %d: %T", i, row[0])
		}
	}
	return counts, nil
}

// NewUpdateResult returns the results message of a single update.
func NewUpdateResult(count int) *ResultsMessage {
	return &ResultsMessage{
		Columns:      []Column{{Name: "count", Type: types.Scalar(types.DtInteger)}},
		Rows:         [][]any{{int32(count)}},
		FirstRow:     1,
		LastRow:      1,
		FinalRow:     1,
		UpdateResult: true,
		UpdateCount:  count,
	}
}

// NewBatchUpdateResult returns the results message of a batch with one update count per command.
func NewBatchUpdateResult(counts []int) *ResultsMessage {
	m := &ResultsMessage{
		Columns:      []Column{{Name: "count", Type: types.Scalar(types.DtInteger)}},
		Rows:         make([][]any, len(counts)),
		FirstRow:     1,
		LastRow:      int64(len(counts)),
		FinalRow:     int64(len(counts)),
		UpdateResult: true,
		UpdateCount:  UpdateCountRows,
	}
	for i, c := range counts {
		m.Rows[i] = []any{int32(c)}
	}
	return m
}

// Table is a small tabular value like the generated keys of an insert.
type Table struct {
	Columns []Column `msgpack:"columns"`
	Rows    [][]any  `msgpack:"-"`
}

type table Table

// EncodeMsgpack implements the msgpack.CustomEncoder interface.
func (t *Table) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.Encode((*table)(t)); err != nil {
		return err
	}
	return encodeRows(enc, t.Columns, t.Rows)
}

// DecodeMsgpack implements the msgpack.CustomDecoder interface.
func (t *Table) DecodeMsgpack(dec *msgpack.Decoder) error {
	if err := dec.Decode((*table)(t)); err != nil {
		return err
	}
	var err error
	t.Rows, err = decodeRows(dec, t.Columns)
	return err
}

// MetadataResult describes the result columns and parameters of a command.
type MetadataResult struct {
	Columns    []Column `msgpack:"columns"`
	Parameters []Column `msgpack:"parameters"`
}

// LobChunk is a chunk of a remote lob stream.
type LobChunk struct {
	Data []byte `msgpack:"data"`
	Last bool   `msgpack:"last"`
}

// LogonRequest carries the session parameters of a logon.
type LogonRequest struct {
	User            string            `msgpack:"user"`
	Password        string            `msgpack:"password,omitempty"`
	VDB             string            `msgpack:"vdb"`
	VDBVersion      string            `msgpack:"vdbVersion,omitempty"`
	ApplicationName string            `msgpack:"applicationName,omitempty"`
	Properties      map[string]string `msgpack:"properties,omitempty"`
}

// LogonResult identifies an established session.
type LogonResult struct {
	SessionID     string `msgpack:"sessionID"`
	User          string `msgpack:"user"`
	VDB           string `msgpack:"vdb"`
	VDBVersion    string `msgpack:"vdbVersion,omitempty"`
	ServerVersion string `msgpack:"serverVersion,omitempty"`
}

func encodeRows(enc *msgpack.Encoder, cols []Column, rows [][]any) error {
	if err := enc.EncodeArrayLen(len(rows)); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != len(cols) {
			return fmt.Errorf("row %d: %d values for %d columns", i, len(row), len(cols))
		}
		if err := enc.EncodeArrayLen(len(row)); err != nil {
			return err
		}
		for j, v := range row {
			if err := types.EncodeValue(enc, cols[j].Type, v); err != nil {
				return fmt.Errorf("row %d column %s: %w", i, cols[j].Name, err)
			}
		}
	}
	return nil
}

func decodeRows(dec *msgpack.Decoder, cols []Column) ([][]any, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil || n <= 0 {
		return nil, err
	}
	rows := make([][]any, n)
	for i := range rows {
		m, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		if m != len(cols) {
			return nil, fmt.Errorf("row %d: %d values for %d columns", i, m, len(cols))
		}
		rows[i] = make([]any, m)
		for j := range rows[i] {
			if rows[i][j], err = types.DecodeValue(dec, cols[j].Type); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}

var objectType = types.Scalar(types.DtObject)

func encodeObjectRows(enc *msgpack.Encoder, rows [][]any) error {
	if err := enc.EncodeArrayLen(len(rows)); err != nil {
		return err
	}
	for _, row := range rows {
		if err := enc.EncodeArrayLen(len(row)); err != nil {
			return err
		}
		for _, v := range row {
			if err := types.EncodeValue(enc, objectType, types.Normalize(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeObjectRows(dec *msgpack.Decoder) ([][]any, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil || n <= 0 {
		return nil, err
	}
	rows := make([][]any, n)
	for i := range rows {
		m, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		rows[i] = make([]any, max(m, 0))
		for j := range rows[i] {
			if rows[i][j], err = types.DecodeValue(dec, objectType); err != nil {
				return nil, err
			}
		}
	}
	return rows, nil
}
