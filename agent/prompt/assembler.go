package prompt

import (
	"fmt"
	"strings"
	"text/template"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

// Assembler builds the instruction text for one model call. Output depends on
// identity state, so it must be rebuilt before every invocation.
type Assembler struct {
	system      *template.Template
	collectName string
}

type systemVars struct {
	Tables    string
	FirstName string
	LastName  string
}

func NewAssembler() (*Assembler, error) {
	prompts := LoadPromptSet()

	tmpl, err := template.New("system").Parse(prompts.System)
	if err != nil {
		return nil, fmt.Errorf("%w: parse system prompt: %v", contractx.ErrValidation, err)
	}
	return &Assembler{
		system:      tmpl,
		collectName: prompts.CollectName,
	}, nil
}

// Build returns the instructions for the current identity state. Unverified
// sessions get the name-collection directive only, so the instructions and
// the gate's restricted tool set stay in agreement.
func (a *Assembler) Build(identity statex.Identity, tables []string) (string, error) {
	if !identity.Verified {
		return a.collectName, nil
	}

	var sb strings.Builder
	err := a.system.Execute(&sb, systemVars{
		Tables:    strings.Join(tables, ", "),
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
	})
	if err != nil {
		return "", fmt.Errorf("%w: render system prompt: %v", contractx.ErrValidation, err)
	}
	return sb.String(), nil
}
