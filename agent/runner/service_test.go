package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
	gatex "github.com/tanpawarit/chinook-data-agent/agent/gate"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

type modelStep func(req contractx.ModelRequest) (*schema.Message, error)

// scriptedModel plays back a fixed sequence of responses and records every
// request it saw, so tests can assert on the offered tool set per call.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []modelStep
	requests []contractx.ModelRequest
}

func (m *scriptedModel) Invoke(_ context.Context, req contractx.ModelRequest) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return nil, fmt.Errorf("scripted model exhausted after %d calls", len(m.requests))
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step(req)
}

func (m *scriptedModel) recorded() []contractx.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contractx.ModelRequest(nil), m.requests...)
}

func reply(content string) modelStep {
	return func(contractx.ModelRequest) (*schema.Message, error) {
		return schema.AssistantMessage(content, nil), nil
	}
}

func toolCall(id, tool, args string) modelStep {
	return func(contractx.ModelRequest) (*schema.Message, error) {
		return &schema.Message{
			Role: schema.Assistant,
			ToolCalls: []schema.ToolCall{
				{ID: id, Function: schema.FunctionCall{Name: tool, Arguments: args}},
			},
		}, nil
	}
}

type fakeRecords struct {
	queryFn  func(ctx context.Context, stmt string) (*contractx.QueryRows, error)
	existsFn func(ctx context.Context, firstName, lastName string) (bool, error)
}

func (f *fakeRecords) Tables(context.Context) ([]string, error) {
	return []string{"Album", "Artist", "Customer", "Invoice", "Track"}, nil
}

func (f *fakeRecords) Query(ctx context.Context, stmt string) (*contractx.QueryRows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, stmt)
	}
	return &contractx.QueryRows{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}, nil
}

func (f *fakeRecords) CustomerExists(ctx context.Context, firstName, lastName string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(ctx, firstName, lastName)
	}
	return firstName == "Frank" && lastName == "Harris", nil
}

type recordingCheckpointer struct {
	mu      sync.Mutex
	saves   []string
	deletes []string
}

func (c *recordingCheckpointer) Save(_ context.Context, sess *statex.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, sess.ThreadID)
	return nil
}

func (c *recordingCheckpointer) Delete(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, threadID)
	return nil
}

func newTestService(t *testing.T, model contractx.Model, cfg Config) (*Service, *statex.Store) {
	t.Helper()
	store := statex.NewStore()
	svc, err := New(context.Background(), store, model, &fakeRecords{}, nil, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, store
}

func toolNames(tools []*schema.ToolInfo) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestHandleTurnRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &scriptedModel{}, Config{})
	_, err := svc.HandleTurn(context.Background(), "", "   ")
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("HandleTurn() error = %v, want ErrValidation", err)
	}
}

func TestHandleTurnUnknownThread(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &scriptedModel{}, Config{})
	_, err := svc.HandleTurn(context.Background(), "no-such-thread", "hi")
	if !errors.Is(err, contractx.ErrSessionNotFound) {
		t.Fatalf("HandleTurn() error = %v, want ErrSessionNotFound", err)
	}
}

func TestHandleTurnCreatesThread(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []modelStep{reply("Hello! May I have your full name?")}}
	svc, store := newTestService(t, model, Config{})

	out, err := svc.HandleTurn(context.Background(), "", "hello there")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if out.ThreadID == "" {
		t.Fatal("HandleTurn() did not assign a thread id")
	}
	if out.Reply != "Hello! May I have your full name?" {
		t.Fatalf("reply = %q", out.Reply)
	}

	sess, err := store.Get(out.ThreadID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Title != "Hello there" {
		t.Fatalf("title = %q", sess.Title)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].Reply != out.Reply {
		t.Fatalf("turns = %+v", sess.Turns)
	}
}

func TestHandleTurnGateOpensAfterVerification(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []modelStep{
		toolCall("c1", gatex.ToolSetIdentity, `{"first_name":"Frank","last_name":"Harris"}`),
		reply("Thanks Frank, how can I help?"),
	}}
	svc, store := newTestService(t, model, Config{})

	out, err := svc.HandleTurn(context.Background(), "", "I'm Frank Harris")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	requests := model.recorded()
	if len(requests) != 2 {
		t.Fatalf("model calls = %d, want 2", len(requests))
	}

	first := toolNames(requests[0].Tools)
	if len(first) != 1 || first[0] != gatex.ToolSetIdentity {
		t.Fatalf("unverified call offered %v, want [%s]", first, gatex.ToolSetIdentity)
	}
	if !strings.Contains(requests[0].Instructions, "collect the user's first and last name") {
		t.Fatalf("unverified instructions = %q", requests[0].Instructions)
	}

	second := toolNames(requests[1].Tools)
	if len(second) != 2 || second[1] != gatex.ToolExecuteSQL {
		t.Fatalf("verified call offered %v", second)
	}
	if !strings.Contains(requests[1].Instructions, "Frank") {
		t.Fatal("verified instructions do not carry the user name")
	}

	sess, err := store.Get(out.ThreadID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !sess.Identity.Verified || sess.Identity.FirstName != "Frank" {
		t.Fatalf("persisted identity = %+v", sess.Identity)
	}
	if len(sess.Turns) != 1 || len(sess.Turns[0].Exchanges) != 1 {
		t.Fatalf("turns = %+v", sess.Turns)
	}
}

func TestHandleTurnUngatedToolCallCorrected(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []modelStep{
		toolCall("c1", gatex.ToolExecuteSQL, `{"query":"SELECT 1"}`),
		reply("I need your full name before I can look anything up."),
	}}
	svc, store := newTestService(t, model, Config{})

	out, err := svc.HandleTurn(context.Background(), "", "cheapest track?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	sess, err := store.Get(out.ThreadID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Identity.Verified {
		t.Fatal("identity verified by a blocked tool call")
	}
	exchanges := sess.Turns[0].Exchanges
	if len(exchanges) != 1 || !exchanges[0].Errored {
		t.Fatalf("exchanges = %+v, want one errored correction", exchanges)
	}
}

func TestHandleTurnQueryFlow(t *testing.T) {
	t.Parallel()

	records := &fakeRecords{
		queryFn: func(_ context.Context, stmt string) (*contractx.QueryRows, error) {
			if !strings.Contains(stmt, "Invoice") {
				return nil, &contractx.QueryError{Stmt: stmt, Message: "unexpected statement"}
			}
			return &contractx.QueryRows{
				Columns: []string{"Total"},
				Rows:    [][]any{{0.99}},
			}, nil
		},
	}
	model := &scriptedModel{steps: []modelStep{
		toolCall("c1", gatex.ToolSetIdentity, `{"first_name":"Frank","last_name":"Harris"}`),
		toolCall("c2", gatex.ToolExecuteSQL, `{"query":"SELECT MIN(Total) AS Total FROM Invoice"}`),
		reply("Your cheapest purchase was $0.99."),
	}}

	store := statex.NewStore()
	svc, err := New(context.Background(), store, model, records, nil, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := svc.HandleTurn(context.Background(), "", "I'm Frank Harris, what was my cheapest purchase?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if out.Reply != "Your cheapest purchase was $0.99." {
		t.Fatalf("reply = %q", out.Reply)
	}
	if len(out.Exchanges) != 2 {
		t.Fatalf("exchanges = %+v", out.Exchanges)
	}

	var rows contractx.QueryRows
	if err := json.Unmarshal([]byte(out.Exchanges[1].Result), &rows); err != nil {
		t.Fatalf("query exchange result is not rows: %v", err)
	}
	if len(rows.Rows) != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestHandleTurnToolLoopCapAbsorbed(t *testing.T) {
	t.Parallel()

	// A model that never stops calling tools.
	looping := &scriptedModel{}
	looping.steps = []modelStep{
		toolCall("c1", gatex.ToolSetIdentity, `{"first_name":"Frank","last_name":"Harris"}`),
		toolCall("c2", gatex.ToolExecuteSQL, `{"query":"SELECT 1"}`),
		toolCall("c3", gatex.ToolExecuteSQL, `{"query":"SELECT 1"}`),
		toolCall("c4", gatex.ToolExecuteSQL, `{"query":"SELECT 1"}`),
	}
	svc, store := newTestService(t, looping, Config{MaxToolIterations: 2})

	if _, _, err := store.GetOrCreate("t1", "hi"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	out, err := svc.HandleTurn(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v, want cap absorbed", err)
	}
	if out.Reply != apologyReply {
		t.Fatalf("reply = %q, want apology", out.Reply)
	}

	// The abandoned turn left no trace.
	sess, err := store.Get("t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Turns) != 0 {
		t.Fatalf("turns = %+v, want none appended", sess.Turns)
	}
	if sess.Identity.Verified {
		t.Fatal("identity committed from an abandoned turn")
	}
}

func TestHandleTurnModelFailureAbsorbed(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []modelStep{
		func(contractx.ModelRequest) (*schema.Message, error) {
			return nil, errors.New("upstream 503")
		},
	}}
	svc, store := newTestService(t, model, Config{})

	if _, _, err := store.GetOrCreate("t1", "hi"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	out, err := svc.HandleTurn(context.Background(), "t1", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v, want model failure absorbed", err)
	}
	if out.Reply != apologyReply {
		t.Fatalf("reply = %q, want apology", out.Reply)
	}

	sess, _ := store.Get("t1")
	if len(sess.Turns) != 0 {
		t.Fatalf("turns = %+v, want none appended", sess.Turns)
	}
}

func TestHandleTurnTimeout(t *testing.T) {
	t.Parallel()

	blocking := &scriptedModel{steps: []modelStep{
		func(contractx.ModelRequest) (*schema.Message, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}}
	svc, store := newTestService(t, blocking, Config{TurnTimeout: 50 * time.Millisecond})

	if _, _, err := store.GetOrCreate("t1", "hi"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	_, err := svc.HandleTurn(context.Background(), "t1", "hi")
	if !errors.Is(err, contractx.ErrTurnTimeout) {
		t.Fatalf("HandleTurn() error = %v, want ErrTurnTimeout", err)
	}

	sess, _ := store.Get("t1")
	if len(sess.Turns) != 0 {
		t.Fatalf("turns = %+v, want none appended after timeout", sess.Turns)
	}
}

func TestHandleTurnReplaysHistory(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []modelStep{
		reply("first reply"),
		reply("second reply"),
	}}
	svc, _ := newTestService(t, model, Config{})

	out, err := svc.HandleTurn(context.Background(), "", "first question")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if _, err := svc.HandleTurn(context.Background(), out.ThreadID, "second question"); err != nil {
		t.Fatalf("second HandleTurn() error = %v", err)
	}

	requests := model.recorded()
	history := requests[1].History
	if len(history) != 3 {
		t.Fatalf("history length = %d, want prior pair plus current message", len(history))
	}
	if history[0].Content != "first question" || history[1].Content != "first reply" {
		t.Fatalf("history = %v", history)
	}
	if history[2].Content != "second question" {
		t.Fatalf("current message = %q", history[2].Content)
	}
}

func TestHandleTurnCheckpointsAfterCommit(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{steps: []modelStep{reply("hello")}}
	store := statex.NewStore()
	checkpoints := &recordingCheckpointer{}
	svc, err := New(context.Background(), store, model, &fakeRecords{}, checkpoints, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := svc.HandleTurn(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	checkpoints.mu.Lock()
	defer checkpoints.mu.Unlock()
	if len(checkpoints.saves) != 1 || checkpoints.saves[0] != out.ThreadID {
		t.Fatalf("saves = %v", checkpoints.saves)
	}
}

func TestThreadManagement(t *testing.T) {
	t.Parallel()

	store := statex.NewStore()
	checkpoints := &recordingCheckpointer{}
	svc, err := New(context.Background(), store, &scriptedModel{}, &fakeRecords{}, checkpoints, Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sess, created, err := svc.CreateThread("", "my first thread")
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if !created || sess.ThreadID == "" {
		t.Fatalf("CreateThread() = %+v created=%v", sess, created)
	}

	got, err := svc.GetThread(sess.ThreadID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.Title != "My first thread" {
		t.Fatalf("title = %q", got.Title)
	}

	list, total := svc.ListThreads(10, 0)
	if total != 1 || len(list) != 1 {
		t.Fatalf("ListThreads() = %d items, total %d", len(list), total)
	}

	if err := svc.DeleteThread(context.Background(), sess.ThreadID); err != nil {
		t.Fatalf("DeleteThread() error = %v", err)
	}
	if _, err := svc.GetThread(sess.ThreadID); !errors.Is(err, contractx.ErrSessionNotFound) {
		t.Fatalf("GetThread() after delete error = %v, want ErrSessionNotFound", err)
	}
	if err := svc.DeleteThread(context.Background(), sess.ThreadID); !errors.Is(err, contractx.ErrSessionNotFound) {
		t.Fatalf("second DeleteThread() error = %v, want ErrSessionNotFound", err)
	}

	checkpoints.mu.Lock()
	defer checkpoints.mu.Unlock()
	if len(checkpoints.deletes) != 1 || checkpoints.deletes[0] != sess.ThreadID {
		t.Fatalf("checkpoint deletes = %v", checkpoints.deletes)
	}
}
