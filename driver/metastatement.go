package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/internal/metastmt"
	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

var (
	clobType   = types.Scalar(types.DtClob)
	xmlType    = types.Scalar(types.DtXML)
	stringType = types.Scalar(types.DtString)
)

func metaColumn(name string, t types.Type) dqp.Column {
	return dqp.Column{Name: name, Type: t, TypeName: t.String(), Nullable: dqp.Nullable}
}

// executeMeta handles a meta statement on the client. No request is sent to the server except
// for the transaction control and user change the statement implies.
func (s *Statement) executeMeta(ctx context.Context, ms metastmt.Statement, opts execOptions) (*dqp.ResultsFuture[bool], error) {
	s.logger.Debug("meta statement", slog.String("type", fmt.Sprintf("%T", ms)))
	switch ms := ms.(type) {
	case *metastmt.Set:
		if opts.mode == dqp.ResultsModeResultSet {
			return nil, newUsageError(ErrResultSetExpected)
		}
		if err := s.executeSet(ctx, ms); err != nil {
			return nil, err
		}
		return s.metaUpdateDone(), nil

	case *metastmt.SetIsolation:
		if opts.mode == dqp.ResultsModeResultSet {
			return nil, newUsageError(ErrResultSetExpected)
		}
		if err := s.conn.SetTransactionIsolation(ms.Level); err != nil {
			return nil, err
		}
		return s.metaUpdateDone(), nil

	case *metastmt.Transaction:
		if opts.mode == dqp.ResultsModeResultSet {
			return nil, newUsageError(ErrResultSetExpected)
		}
		return s.executeTransaction(ctx, ms, opts.synch)

	case *metastmt.Show:
		if opts.mode == dqp.ResultsModeUpdateCount {
			return nil, newUsageError(ErrUpdateExpected)
		}
		columns, rows, err := s.executeShow(ms)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.resultSet = newMemoryResultSet(s, columns, rows)
		s.mu.Unlock()
		s.state.Store(int32(StateDone))
		return dqp.Completed(true, nil), nil

	default:
		return nil, newUnsupportedError(errors.New("unknown meta statement"))
	}
}

func (s *Statement) metaUpdateDone() *dqp.ResultsFuture[bool] {
	s.mu.Lock()
	s.updateCounts = []int{0}
	s.mu.Unlock()
	s.state.Store(int32(StateDone))
	return dqp.Completed(false, nil)
}

func (s *Statement) executeSet(ctx context.Context, ms *metastmt.Set) error {
	switch {
	case ms.Payload:
		s.conn.SetPayloadProperty(ms.Key, ms.Value)
	case ms.IsAuthorization():
		return s.conn.ChangeUser(ctx, ms.Value, s.conn.currentPassword())
	case ms.IsPassword():
		s.conn.setPassword(ms.Value)
	default:
		// the property applies to the session and to this statement
		s.conn.SetExecutionProperty(ms.Key, ms.Value)
		s.mu.Lock()
		s.setPropertyLocked(ms.Key, ms.Value)
		s.mu.Unlock()
	}
	return nil
}

func (s *Statement) executeTransaction(ctx context.Context, ms *metastmt.Transaction, synch bool) (*dqp.ResultsFuture[bool], error) {
	if ms.Op == metastmt.TxnStart {
		if err := s.conn.startTransaction(ctx, ms.ReadOnly, ms.Isolation, ms.HasIsolation); err != nil {
			return nil, err
		}
		return s.metaUpdateDone(), nil
	}

	commit := ms.Op == metastmt.TxnCommit
	if synch {
		if err := s.conn.endTransaction(ctx, commit); err != nil {
			return nil, err
		}
		return s.metaUpdateDone(), nil
	}

	result := dqp.NewResultsFuture[bool]()
	s.conn.wg.Go(func() {
		if err := s.conn.endTransaction(ctx, commit); err != nil {
			result.Complete(false, err)
			return
		}
		s.metaUpdateDone()
		result.Complete(false, nil)
	})
	return result, nil
}

func (s *Statement) executeShow(ms *metastmt.Show) ([]dqp.Column, [][]any, error) {
	switch ms.Target {
	case metastmt.ShowPlan:
		columns := []dqp.Column{
			metaColumn("PLAN_TEXT", clobType),
			metaColumn("PLAN_XML", xmlType),
			metaColumn("DEBUG_LOG", clobType),
		}
		plan, debugLog := s.conn.PlanDescription(), s.conn.DebugLog()
		if plan == nil && debugLog == "" {
			return columns, nil, nil
		}
		row := make([]any, 3)
		if plan != nil {
			planXML, err := plan.XML()
			if err != nil {
				return nil, nil, newSQLError(err)
			}
			row[0], row[1] = lob.NewClob(plan.Text()), lob.NewXML(planXML)
		}
		if debugLog != "" {
			row[2] = lob.NewClob(debugLog)
		}
		return columns, [][]any{row}, nil

	case metastmt.ShowAnnotations:
		columns := []dqp.Column{
			metaColumn("CATEGORY", stringType),
			metaColumn("PRIORITY", stringType),
			metaColumn("ANNOTATION", stringType),
			metaColumn("RESOLUTION", stringType),
		}
		annotations := s.conn.Annotations()
		rows := make([][]any, len(annotations))
		for i, a := range annotations {
			var resolution any
			if a.Resolution != "" {
				resolution = a.Resolution
			}
			rows[i] = []any{a.Category, a.Priority.String(), a.Annotation, resolution}
		}
		return columns, rows, nil

	case metastmt.ShowAll:
		columns := []dqp.Column{metaColumn("NAME", stringType), metaColumn("VALUE", stringType)}
		props := s.conn.ExecutionProperties()
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, func(a, b string) int { return strings.Compare(strings.ToLower(a), strings.ToLower(b)) })
		rows := make([][]any, len(keys))
		for i, k := range keys {
			rows[i] = []any{k, props[k]}
		}
		return columns, rows, nil

	case metastmt.ShowIsolation:
		columns := []dqp.Column{metaColumn("TRANSACTION ISOLATION", stringType)}
		return columns, [][]any{{metastmt.IsolationName(s.conn.TransactionIsolation())}}, nil

	default:
		key := ms.Target
		var value any
		for k, v := range s.conn.ExecutionProperties() {
			if strings.EqualFold(k, key) {
				key, value = k, v
				break
			}
		}
		return []dqp.Column{metaColumn(key, stringType)}, [][]any{{value}}, nil
	}
}
