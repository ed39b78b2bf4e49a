package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
	"github.com/tanpawarit/chinook-data-agent/agent/runner"
	statex "github.com/tanpawarit/chinook-data-agent/agent/state"
)

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

type toolCallInfo struct {
	ToolName string `json:"tool_name"`
	Args     string `json:"args,omitempty"`
	Output   string `json:"output,omitempty"`
	Errored  bool   `json:"errored,omitempty"`
}

type debugInfo struct {
	StepCount int            `json:"step_count"`
	ToolCalls []toolCallInfo `json:"tool_calls"`
}

type chatResponse struct {
	Response  string     `json:"response"`
	ThreadID  string     `json:"thread_id"`
	Timestamp string     `json:"timestamp"`
	DebugInfo *debugInfo `json:"debug_info,omitempty"`
}

type threadCreateRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Title    string `json:"title,omitempty"`
}

type threadInfo struct {
	ThreadID     string `json:"thread_id"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

type threadListResponse struct {
	Threads []threadInfo `json:"threads"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

type messageModel struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type messagesResponse struct {
	Messages []messageModel `json:"messages"`
	ThreadID string         `json:"thread_id"`
	Total    int            `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
}

type healthResponse struct {
	Status    string `json:"status"`
	AgentName string `json:"agent_name"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		AgentName: runner.AgentName,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.agent.HandleTurn(r.Context(), req.ThreadID, req.Message)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	JSON(w, http.StatusOK, chatResponse{
		Response:  reply.Reply,
		ThreadID:  reply.ThreadID,
		Timestamp: reply.Timestamp.Format(time.RFC3339),
		DebugInfo: debugInfoFrom(reply.Exchanges),
	})
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contractx.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, contractx.ErrTurnTimeout):
		Error(w, http.StatusGatewayTimeout, "the agent took too long to respond, please try again")
	case errors.Is(err, contractx.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		Error(w, http.StatusInternalServerError, "agent error")
	}
}

func debugInfoFrom(exchanges []statex.ToolExchange) *debugInfo {
	if len(exchanges) == 0 {
		return nil
	}
	calls := make([]toolCallInfo, 0, len(exchanges))
	for _, ex := range exchanges {
		calls = append(calls, toolCallInfo{
			ToolName: ex.Tool,
			Args:     ex.Args,
			Output:   ex.Result,
			Errored:  ex.Errored,
		})
	}
	return &debugInfo{
		StepCount: len(exchanges),
		ToolCalls: calls,
	}
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req threadCreateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess, created, err := s.agent.CreateThread(req.ThreadID, req.Title)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, threadInfoFrom(sess))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 100)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	sessions, total := s.agent.ListThreads(limit, offset)
	threads := make([]threadInfo, 0, len(sessions))
	for _, sess := range sessions {
		threads = append(threads, threadInfoFrom(sess))
	}

	JSON(w, http.StatusOK, threadListResponse{
		Threads: threads,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	sess, err := s.agent.GetThread(chi.URLParam(r, "threadID"))
	if err != nil {
		writeThreadError(w, err)
		return
	}
	JSON(w, http.StatusOK, threadInfoFrom(sess))
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 1, 200)
	offset := queryInt(r, "offset", 0, 0, 1<<30)

	sess, err := s.agent.GetThread(chi.URLParam(r, "threadID"))
	if err != nil {
		writeThreadError(w, err)
		return
	}

	all := sess.Messages()
	total := len(all)
	page := all
	if offset >= total {
		page = nil
	} else {
		page = page[offset:]
		if limit < len(page) {
			page = page[:limit]
		}
	}

	messages := make([]messageModel, 0, len(page))
	for _, m := range page {
		messages = append(messages, messageModel{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.Format(time.RFC3339),
		})
	}

	JSON(w, http.StatusOK, messagesResponse{
		Messages: messages,
		ThreadID: sess.ThreadID,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := s.agent.DeleteThread(r.Context(), threadID); err != nil {
		writeThreadError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"thread_id": threadID,
		"status":    "deleted",
	})
}

func writeThreadError(w http.ResponseWriter, err error) {
	if errors.Is(err, contractx.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "thread not found")
		return
	}
	Error(w, http.StatusInternalServerError, "internal error")
}

func threadInfoFrom(sess *statex.Session) threadInfo {
	return threadInfo{
		ThreadID:     sess.ThreadID,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
		LastActivity: sess.LastActivity.Format(time.RFC3339),
		Title:        sess.Title,
		MessageCount: len(sess.Messages()),
	}
}

func queryInt(r *http.Request, key string, def, min, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return def
	}
	if v > max {
		return max
	}
	return v
}
