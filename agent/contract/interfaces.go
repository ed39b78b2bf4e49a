package contract

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Model is the opaque language model function. The returned message either
// carries tool calls (the model wants an action) or plain content (the final
// reply for this turn). Implementations must honor ctx cancellation.
type Model interface {
	Invoke(ctx context.Context, req ModelRequest) (*schema.Message, error)
}

// RecordStore is the read-only contract against the Chinook database.
type RecordStore interface {
	Tables(ctx context.Context) ([]string, error)
	Query(ctx context.Context, stmt string) (*QueryRows, error)
	CustomerExists(ctx context.Context, firstName, lastName string) (bool, error)
}
