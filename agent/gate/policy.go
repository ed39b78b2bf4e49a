// Package gate decides which tools the model is offered on a given call.
// The decision is a pure function of identity state and is recomputed for
// every model invocation; it is never cached across calls.
package gate

import (
	"github.com/cloudwego/eino/schema"

	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

const (
	ToolSetIdentity = "set_identity"
	ToolExecuteSQL  = "execute_sql"
)

// AvailableTools returns the tool set for the given identity state. An
// unverified session is offered the identity tool only; a verified session
// additionally gets the query tool. The identity tool stays available after
// verification so the user can re-identify.
func AvailableTools(identity statex.Identity) []*schema.ToolInfo {
	tools := []*schema.ToolInfo{
		{
			Name: ToolSetIdentity,
			Desc: "Set the current user's identity. Validates that the given first and last name belong to exactly one customer record.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"first_name": {Type: schema.String, Desc: "User's first name", Required: true},
				"last_name":  {Type: schema.String, Desc: "User's last name", Required: true},
			}),
		},
	}
	if identity.Verified {
		tools = append(tools, &schema.ToolInfo{
			Name: ToolExecuteSQL,
			Desc: "Execute a single read-only SQL SELECT statement against the Chinook database and return the resulting rows.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {Type: schema.String, Desc: "A single SQL SELECT statement", Required: true},
			}),
		})
	}
	return tools
}

// Allowed reports whether the named tool is in the current tool set.
func Allowed(identity statex.Identity, tool string) bool {
	for _, t := range AvailableTools(identity) {
		if t.Name == tool {
			return true
		}
	}
	return false
}
