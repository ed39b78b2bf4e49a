// Package tool dispatches model-issued tool requests. The model is treated as
// an unreliable caller: every request is re-checked against the gate policy
// here, regardless of which tools the model was offered.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
	gatex "github.com/tanpawarit/chinook-data-agent/agent/gate"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

type Dispatcher struct {
	records contractx.RecordStore
}

func NewDispatcher(records contractx.RecordStore) (*Dispatcher, error) {
	if records == nil {
		return nil, errors.New("record store is required")
	}
	return &Dispatcher{records: records}, nil
}

type setIdentityArgs struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type executeSQLArgs struct {
	Query string `json:"query"`
}

// Dispatch runs one tool request under the gate policy for the given identity
// and returns the result plus the (possibly updated) identity. Policy
// violations and validation rejections come back as model-visible correction
// messages, never as errors; a returned error is structural (store down,
// context cancelled) and aborts the turn.
func (d *Dispatcher) Dispatch(ctx context.Context, req contractx.ToolRequest, identity statex.Identity) (contractx.ToolResult, statex.Identity, error) {
	if !gatex.Allowed(identity, req.Tool) {
		log.Warn().
			Str("tool", req.Tool).
			Bool("verified", identity.Verified).
			Msg("model requested a tool outside the offered set")
		return errResult(req, fmt.Sprintf(
			"Tool %q is not available right now. Use only the tools offered in this request.", req.Tool,
		)), identity, nil
	}

	switch req.Tool {
	case gatex.ToolSetIdentity:
		return d.setIdentity(ctx, req, identity)
	case gatex.ToolExecuteSQL:
		res, err := d.executeSQL(ctx, req)
		return res, identity, err
	default:
		// Allowed but unhandled tool names indicate a gate/dispatcher drift.
		return errResult(req, fmt.Sprintf("Tool %q is not implemented.", req.Tool)), identity, nil
	}
}

func (d *Dispatcher) setIdentity(ctx context.Context, req contractx.ToolRequest, identity statex.Identity) (contractx.ToolResult, statex.Identity, error) {
	var args setIdentityArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResult(req, "Invalid arguments: provide first_name and last_name as strings."), identity, nil
	}

	firstName := strings.TrimSpace(args.FirstName)
	lastName := strings.TrimSpace(args.LastName)
	if firstName == "" || lastName == "" {
		return errResult(req, "Both first_name and last_name are required. Ask the user for their full name."), identity, nil
	}

	ok, err := d.records.CustomerExists(ctx, firstName, lastName)
	if err != nil {
		return contractx.ToolResult{}, identity, err
	}
	if !ok {
		// Prior verified identity, if any, stays in place.
		return errResult(req, fmt.Sprintf(
			"%s %s does not match a customer record. Ask the user for a name that exists in the database, and do not address them by this name.",
			firstName, lastName,
		)), identity, nil
	}

	updated := identity.WithName(firstName, lastName)
	return contractx.ToolResult{
		ID:      req.ID,
		Tool:    req.Tool,
		Content: fmt.Sprintf("Updated user name to %s %s.", firstName, lastName),
	}, updated, nil
}

func (d *Dispatcher) executeSQL(ctx context.Context, req contractx.ToolRequest) (contractx.ToolResult, error) {
	var args executeSQLArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return errResult(req, "Invalid arguments: provide the statement in the query field."), nil
	}
	stmt := strings.TrimSpace(args.Query)
	if stmt == "" {
		return errResult(req, "The query field is empty."), nil
	}

	rows, err := d.records.Query(ctx, stmt)
	if err != nil {
		var queryErr *contractx.QueryError
		switch {
		case errors.Is(err, contractx.ErrWriteNotAllowed):
			return errResult(req, "Error: only a single read-only SELECT statement is allowed."), nil
		case errors.As(err, &queryErr):
			return errResult(req, "Error: "+queryErr.Error()), nil
		default:
			return contractx.ToolResult{}, err
		}
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return contractx.ToolResult{}, fmt.Errorf("marshal query rows: %w", err)
	}
	return contractx.ToolResult{
		ID:      req.ID,
		Tool:    req.Tool,
		Content: string(payload),
	}, nil
}

func unmarshalArgs(raw string, out any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty arguments")
	}
	return json.Unmarshal([]byte(raw), out)
}

func errResult(req contractx.ToolRequest, msg string) contractx.ToolResult {
	return contractx.ToolResult{
		ID:      req.ID,
		Tool:    req.Tool,
		Content: msg,
		IsError: true,
	}
}
