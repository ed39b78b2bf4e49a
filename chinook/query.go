package chinook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
)

// Query runs a single read-only statement and returns its rows, truncated to
// the configured row cap. The read-only guard runs here regardless of what
// callers already checked.
func (d *DB) Query(ctx context.Context, stmt string) (*contractx.QueryRows, error) {
	if err := EnsureReadOnly(stmt); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()

	rows, err := d.bun.QueryContext(ctx, stmt)
	if err != nil {
		return nil, d.classify(ctx, stmt, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, d.classify(ctx, stmt, err)
	}

	out := &contractx.QueryRows{Columns: columns}
	for rows.Next() {
		if len(out.Rows) >= d.maxRows {
			break
		}
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, d.classify(ctx, stmt, err)
		}
		out.Rows = append(out.Rows, normalizeRow(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, d.classify(ctx, stmt, err)
	}
	return out, nil
}

// classify separates structural failures (cancellation, connection loss)
// from SQL-level ones. Only the latter become QueryError data.
func (d *DB) classify(ctx context.Context, stmt string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("record store unavailable: %w", err)
	default:
		return &contractx.QueryError{Stmt: stmt, Message: err.Error()}
	}
}

func normalizeRow(raw []any) []any {
	row := make([]any, len(raw))
	for i, v := range raw {
		switch val := v.(type) {
		case []byte:
			row[i] = string(val)
		case time.Time:
			row[i] = val.UTC().Format(time.RFC3339)
		default:
			row[i] = val
		}
	}
	return row
}
