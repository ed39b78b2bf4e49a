package contract

import (
	"github.com/cloudwego/eino/schema"
)

// ModelRequest is the full input for one model invocation. Instructions and
// the tool set are recomputed by the caller before every call; History is the
// conversation so far plus the in-progress turn's working messages.
type ModelRequest struct {
	Instructions string
	History      []*schema.Message
	Tools        []*schema.ToolInfo
}

type ToolRequest struct {
	ID   string `json:"id"`
	Tool string `json:"tool"`
	// Args carries the raw JSON arguments exactly as issued by the model.
	Args string `json:"args,omitempty"`
}

type ToolResult struct {
	ID      string `json:"id"`
	Tool    string `json:"tool"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// QueryRows is the structured result of a read-only statement.
type QueryRows struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// QueryError is a SQL-level failure (malformed statement, unknown column).
// It travels back to the model as data, never to the transport layer.
type QueryError struct {
	Stmt    string
	Message string
}

func (e *QueryError) Error() string {
	return "query failed: " + e.Message
}
