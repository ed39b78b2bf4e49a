package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
	gatex "github.com/tanpawarit/chinook-data-agent/agent/gate"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

type turnOutcome struct {
	turn     statex.Turn
	identity statex.Identity
}

// runTurn drives one model/tool cycle to completion: assemble instructions,
// invoke the model, dispatch any requested tools, feed results back, repeat.
// Instructions and the offered tool set are rebuilt before every model call
// because identity can change mid-turn. Nothing here mutates the session;
// the caller appends the outcome atomically after success.
func (s *Service) runTurn(ctx context.Context, sess *statex.Session, text string, now time.Time) (turnOutcome, error) {
	identity := sess.Identity
	working := append(historyMessages(sess), schema.UserMessage(text))
	turn := statex.Turn{UserText: text, CreatedAt: now}

	dispatches := 0
	for {
		instructions, err := s.assembler.Build(identity, s.tables)
		if err != nil {
			return turnOutcome{}, err
		}

		msg, err := s.model.Invoke(ctx, contractx.ModelRequest{
			Instructions: instructions,
			History:      working,
			Tools:        gatex.AvailableTools(identity),
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return turnOutcome{}, ctxErr
			}
			return turnOutcome{}, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
		}
		if msg == nil {
			return turnOutcome{}, fmt.Errorf("%w: model returned nil message", contractx.ErrModelInvoke)
		}

		if len(msg.ToolCalls) == 0 {
			reply := strings.TrimSpace(msg.Content)
			if reply == "" {
				return turnOutcome{}, fmt.Errorf("%w: model returned empty reply", contractx.ErrModelInvoke)
			}
			turn.Reply = reply
			return turnOutcome{turn: turn, identity: identity}, nil
		}

		dispatches++
		if dispatches > s.maxToolIterations {
			return turnOutcome{}, contractx.ErrToolLoopExceeded
		}

		working = append(working, msg)
		for _, call := range msg.ToolCalls {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return turnOutcome{}, ctxErr
			}

			req := contractx.ToolRequest{
				ID:   call.ID,
				Tool: call.Function.Name,
				Args: call.Function.Arguments,
			}
			res, updated, err := s.dispatcher.Dispatch(ctx, req, identity)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return turnOutcome{}, ctxErr
				}
				return turnOutcome{}, err
			}
			identity = updated

			turn.Exchanges = append(turn.Exchanges, statex.ToolExchange{
				Tool:    req.Tool,
				Args:    req.Args,
				Result:  res.Content,
				Errored: res.IsError,
			})
			working = append(working, schema.ToolMessage(res.Content, res.ID, schema.WithToolName(res.Tool)))
		}
	}
}

// historyMessages replays prior turns as user/assistant pairs. Tool exchanges
// from past turns stay in the Turn records for the messages API but are not
// replayed to the model.
func historyMessages(sess *statex.Session) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(sess.Turns)*2+1)
	for _, t := range sess.Turns {
		msgs = append(msgs, schema.UserMessage(t.UserText))
		msgs = append(msgs, schema.AssistantMessage(t.Reply, nil))
	}
	return msgs
}
