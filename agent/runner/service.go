// Package runner owns the per-turn worker: it serializes turns on the same
// thread, applies the wall-clock timeout, runs the model/tool loop, and
// commits completed turns to the session store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
	promptx "github.com/tanpawarit/chinook-data-agent/agent/prompt"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
	toolx "github.com/tanpawarit/chinook-data-agent/agent/tool"
)

const AgentName = "chinook-sql-agent"

const apologyReply = "I'm sorry, I ran into a problem handling that request. Please try again."

type Config struct {
	MaxToolIterations int           `envconfig:"MAX_TOOL_ITERATIONS" split_words:"true" default:"8"`
	TurnTimeout       time.Duration `envconfig:"TURN_TIMEOUT" split_words:"true" default:"30s"`
}

type Service struct {
	store       *statex.Store
	model       contractx.Model
	dispatcher  *toolx.Dispatcher
	assembler   *promptx.Assembler
	checkpoints statex.Checkpointer

	tables            []string
	maxToolIterations int
	turnTimeout       time.Duration

	now         func() time.Time
	newThreadID func() string
}

func New(
	ctx context.Context,
	store *statex.Store,
	model contractx.Model,
	records contractx.RecordStore,
	checkpoints statex.Checkpointer,
	cfg Config,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if model == nil {
		return nil, errors.New("model is required")
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if checkpoints == nil {
		checkpoints = statex.NoopCheckpointer{}
	}

	dispatcher, err := toolx.NewDispatcher(records)
	if err != nil {
		return nil, err
	}
	assembler, err := promptx.NewAssembler()
	if err != nil {
		return nil, err
	}

	// The schema is static for the lifetime of the process; identity state is
	// the only per-turn input to the assembler.
	tables, err := records.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema summary: %w", err)
	}

	maxToolIterations := cfg.MaxToolIterations
	if maxToolIterations <= 0 {
		maxToolIterations = 8
	}
	turnTimeout := cfg.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = 30 * time.Second
	}

	return &Service{
		store:             store,
		model:             model,
		dispatcher:        dispatcher,
		assembler:         assembler,
		checkpoints:       checkpoints,
		tables:            tables,
		maxToolIterations: maxToolIterations,
		turnTimeout:       turnTimeout,
		now:               time.Now,
		newThreadID:       uuid.NewString,
	}, nil
}

// TurnReply is the outcome of one completed turn.
type TurnReply struct {
	ThreadID  string
	Reply     string
	Timestamp time.Time
	Exchanges []statex.ToolExchange
}

// HandleTurn runs one conversation turn. A missing thread id creates a new
// session; an unknown explicit id fails with ErrSessionNotFound. The turn is
// atomic: on timeout or failure nothing is appended to the session. Model
// and tool errors are absorbed into a conversational reply; only structural
// failures (unknown session, timeout, store unavailable) surface as errors.
func (s *Service) HandleTurn(ctx context.Context, threadID, text string) (TurnReply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnReply{}, fmt.Errorf("%w: message is empty", contractx.ErrValidation)
	}

	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		threadID = s.newThreadID()
		if _, _, err := s.store.GetOrCreate(threadID, text); err != nil {
			return TurnReply{}, err
		}
	} else if _, err := s.store.Get(threadID); err != nil {
		if errors.Is(err, statex.ErrStateNotFound) {
			return TurnReply{}, fmt.Errorf("%w: %s", contractx.ErrSessionNotFound, threadID)
		}
		return TurnReply{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	release, err := s.store.AcquireTurnSlot(ctx, threadID)
	if err != nil {
		return TurnReply{}, mapTimeout(err)
	}
	defer release()

	// Re-read under the turn slot so the snapshot reflects any turn that
	// finished while this one waited.
	sess, err := s.store.Get(threadID)
	if err != nil {
		if errors.Is(err, statex.ErrStateNotFound) {
			return TurnReply{}, fmt.Errorf("%w: %s", contractx.ErrSessionNotFound, threadID)
		}
		return TurnReply{}, err
	}

	now := s.now().UTC()
	outcome, err := s.runTurn(ctx, sess, text, now)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			log.Warn().Str("thread_id", threadID).Msg("turn abandoned before completion")
			return TurnReply{}, mapTimeout(err)
		case errors.Is(err, contractx.ErrToolLoopExceeded):
			log.Error().Str("thread_id", threadID).Int("max_iterations", s.maxToolIterations).
				Msg("tool loop cap exceeded")
			return s.apology(threadID, now), nil
		case errors.Is(err, contractx.ErrModelInvoke):
			log.Warn().Err(err).Str("thread_id", threadID).Msg("model failure absorbed")
			return s.apology(threadID, now), nil
		default:
			return TurnReply{}, err
		}
	}

	if err := s.store.Append(threadID, outcome.turn, outcome.identity); err != nil {
		return TurnReply{}, err
	}
	s.checkpoint(ctx, threadID)

	return TurnReply{
		ThreadID:  threadID,
		Reply:     outcome.turn.Reply,
		Timestamp: now,
		Exchanges: outcome.turn.Exchanges,
	}, nil
}

func (s *Service) apology(threadID string, now time.Time) TurnReply {
	return TurnReply{
		ThreadID:  threadID,
		Reply:     apologyReply,
		Timestamp: now,
	}
}

func (s *Service) checkpoint(ctx context.Context, threadID string) {
	snap, err := s.store.Get(threadID)
	if err != nil {
		return
	}
	if err := s.checkpoints.Save(context.WithoutCancel(ctx), snap); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("checkpoint write failed")
	}
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: turn exceeded its time budget", contractx.ErrTurnTimeout)
	}
	return err
}

/* --------------------------- Thread management --------------------------- */

// CreateThread registers a thread, generating an id when absent. Returns the
// snapshot and whether it was newly created.
func (s *Service) CreateThread(threadID, title string) (*statex.Session, bool, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		threadID = s.newThreadID()
	}
	return s.store.GetOrCreate(threadID, title)
}

func (s *Service) GetThread(threadID string) (*statex.Session, error) {
	sess, err := s.store.Get(threadID)
	if err != nil {
		if errors.Is(err, statex.ErrStateNotFound) {
			return nil, fmt.Errorf("%w: %s", contractx.ErrSessionNotFound, threadID)
		}
		return nil, err
	}
	return sess, nil
}

func (s *Service) ListThreads(limit, offset int) ([]*statex.Session, int) {
	return s.store.List(limit, offset)
}

func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.store.Delete(threadID); err != nil {
		if errors.Is(err, statex.ErrStateNotFound) {
			return fmt.Errorf("%w: %s", contractx.ErrSessionNotFound, threadID)
		}
		return err
	}
	if err := s.checkpoints.Delete(ctx, threadID); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("checkpoint delete failed")
	}
	return nil
}
