package state

import (
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitleLen = 50

// Identity is the per-session verification state. Once Verified is set it is
// never cleared for the lifetime of the session; a later name change that
// fails validation leaves the previous pair in place.
type Identity struct {
	Verified  bool   `json:"verified"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// WithName returns a verified identity carrying the new pair.
func (id Identity) WithName(firstName, lastName string) Identity {
	return Identity{
		Verified:  true,
		FirstName: strings.TrimSpace(firstName),
		LastName:  strings.TrimSpace(lastName),
	}
}

func (id Identity) DisplayName() string {
	if !id.Verified {
		return ""
	}
	return strings.TrimSpace(id.FirstName + " " + id.LastName)
}

// ToolExchange records one tool round-trip inside a turn.
type ToolExchange struct {
	Tool    string `json:"tool"`
	Args    string `json:"args,omitempty"`
	Result  string `json:"result,omitempty"`
	Errored bool   `json:"errored,omitempty"`
}

// Turn is one user-message-to-reply exchange. Immutable once appended.
type Turn struct {
	UserText  string         `json:"user_text"`
	Exchanges []ToolExchange `json:"exchanges,omitempty"`
	Reply     string         `json:"reply"`
	CreatedAt time.Time      `json:"created_at"`
}

// Session is one conversation thread. Owned exclusively by the Store; every
// value handed out of the Store is a snapshot.
type Session struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	Turns        []Turn    `json:"turns,omitempty"`
	Identity     Identity  `json:"identity"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func NewSession(threadID, title string, now time.Time) *Session {
	return &Session{
		ThreadID:     strings.TrimSpace(threadID),
		Title:        title,
		CreatedAt:    now.UTC(),
		LastActivity: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.LastActivity = now.UTC()
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	for i := range out.Turns {
		if len(s.Turns[i].Exchanges) > 0 {
			out.Turns[i].Exchanges = append([]ToolExchange(nil), s.Turns[i].Exchanges...)
		}
	}
	return &out
}

// Message is a flattened view of the conversation for the messages API.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Messages flattens turns into chronological user/tool/assistant entries.
func (s *Session) Messages() []Message {
	if s == nil {
		return nil
	}
	out := make([]Message, 0, len(s.Turns)*2)
	for _, turn := range s.Turns {
		out = append(out, Message{Role: "user", Content: turn.UserText, Timestamp: turn.CreatedAt})
		for _, ex := range turn.Exchanges {
			out = append(out, Message{Role: "tool", Content: ex.Result, Timestamp: turn.CreatedAt})
		}
		out = append(out, Message{Role: "assistant", Content: turn.Reply, Timestamp: turn.CreatedAt})
	}
	return out
}

// TitleFromMessage derives a display title from the first user message.
func TitleFromMessage(text string) string {
	title := strings.TrimSpace(text)
	if title == "" {
		return "New Conversation"
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		runes := []rune(title)
		title = string(runes[:maxTitleLen-3]) + "..."
	}
	runes := []rune(title)
	runes[0] = []rune(strings.ToUpper(string(runes[0])))[0]
	return string(runes)
}
