// Package llm adapts an OpenRouter chat model to the opaque model contract
// used by the turn runner.
package llm

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
)

type Model struct {
	chat einomodel.ToolCallingChatModel
}

func New(ctx context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	openRouterCfg := cfg.OpenRouter()
	chat, err := openRouterCfg.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	return &Model{chat: chat}, nil
}

var _ contractx.Model = (*Model)(nil)

// Invoke binds the offered tool set, prepends the instructions, and runs one
// generation. Tools are bound per call because the offered set changes with
// identity state.
func (m *Model) Invoke(ctx context.Context, req contractx.ModelRequest) (*schema.Message, error) {
	chat := m.chat
	if len(req.Tools) > 0 {
		bound, err := m.chat.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
		}
		chat = bound
	}

	msgs := make([]*schema.Message, 0, len(req.History)+1)
	msgs = append(msgs, schema.SystemMessage(req.Instructions))
	msgs = append(msgs, req.History...)

	out, err := chat.Generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	return out, nil
}
