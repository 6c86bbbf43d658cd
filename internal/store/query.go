package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/lofi/internal/ir"
)

// Mode selects the shape of a statement's result.
type Mode string

const (
	// ModeRun executes for side effects; the result is
	// {"changes": n, "last_insert_rowid": id}.
	ModeRun Mode = "run"
	// ModeAll returns every row as an object keyed by column name.
	ModeAll Mode = "all"
	// ModeGet returns the first row as an object, or null.
	ModeGet Mode = "get"
	// ModeValues returns every row as an array of column values.
	ModeValues Mode = "values"
)

// Statement is one entry of a Batch.
type Statement struct {
	SQL    string
	Params []any
	Mode   Mode
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execute runs a single statement. Failures are reported as *QueryError.
func (d *DB) Execute(ctx context.Context, query string, params []any, mode Mode) (ir.IRValue, error) {
	res, err := execute(ctx, d.db, query, params, mode)
	if err != nil {
		return nil, &QueryError{Statement: query, Index: 0, Cause: err}
	}
	return res, nil
}

// Batch runs stmts in order inside one transaction. On the first failure the
// transaction is rolled back and a *QueryError carries the results of the
// statements that ran before it.
func (d *DB) Batch(ctx context.Context, stmts []Statement) ([]ir.IRValue, error) {
	results := make([]ir.IRValue, 0, len(stmts))
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		for i, st := range stmts {
			res, err := execute(ctx, tx, st.SQL, st.Params, st.Mode)
			if err != nil {
				return &QueryError{Statement: st.SQL, Index: i, Partial: results, Cause: err}
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// WithTx runs fn in a transaction, committing when fn returns nil. When fn
// fails and the rollback fails too, both errors are kept in a *QueryError
// (fn's own *QueryError when it returned one).
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			var qe *QueryError
			if errors.As(err, &qe) {
				qe.CleanupCause = rbErr
				return qe
			}
			return &QueryError{Statement: "ROLLBACK", Index: -1, Cause: err, CleanupCause: rbErr}
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func execute(ctx context.Context, q querier, query string, params []any, mode Mode) (ir.IRValue, error) {
	switch mode {
	case ModeRun, "":
		res, err := q.ExecContext(ctx, query, params...)
		if err != nil {
			return nil, err
		}
		changes, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		return ir.IRObject{
			"changes":           ir.IRInt(changes),
			"last_insert_rowid": ir.IRInt(lastID),
		}, nil
	case ModeAll, ModeGet, ModeValues:
		return queryRows(ctx, q, query, params, mode)
	default:
		return nil, fmt.Errorf("unknown query mode %q", mode)
	}
}

func queryRows(ctx context.Context, q querier, query string, params []any, mode Mode) (ir.IRValue, error) {
	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := ir.IRArray{}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		if mode == ModeValues {
			row := make(ir.IRArray, len(cols))
			for i := range raw {
				row[i] = columnValue(raw[i])
			}
			out = append(out, row)
			continue
		}

		row := make(ir.IRObject, len(cols))
		for i, col := range cols {
			row[col] = columnValue(raw[i])
		}
		if mode == ModeGet {
			return row, rows.Close()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if mode == ModeGet {
		return ir.IRNull{}, nil
	}
	return out, nil
}

// columnValue maps a scanned SQLite value to IR. REAL values are rendered as
// strings because the IR has no floats.
func columnValue(v any) ir.IRValue {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}
	case int64:
		return ir.IRInt(val)
	case float64:
		if val == float64(int64(val)) {
			return ir.IRInt(int64(val))
		}
		return ir.IRString(strconv.FormatFloat(val, 'g', -1, 64))
	case bool:
		return ir.IRBool(val)
	case []byte:
		return ir.IRString(string(val))
	case string:
		return ir.IRString(val)
	case time.Time:
		return ir.IRString(val.UTC().Format(time.RFC3339Nano))
	default:
		return ir.IRString(fmt.Sprint(val))
	}
}
