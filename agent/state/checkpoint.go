package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultCheckpointKeyPrefix = "chinook:thread:"
	defaultCheckpointTTL       = 24 * time.Hour
	maxResponseSizeBytes       = 2 << 20
)

// Checkpointer persists a snapshot of a session after each completed turn.
// Writes are best-effort: the in-memory Store stays the source of truth.
type Checkpointer interface {
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, threadID string) error
}

// NoopCheckpointer discards snapshots.
type NoopCheckpointer struct{}

func (NoopCheckpointer) Save(context.Context, *Session) error { return nil }
func (NoopCheckpointer) Delete(context.Context, string) error { return nil }

// CheckpointOption customizes UpstashRedisCheckpointer.
type CheckpointOption func(*UpstashRedisCheckpointer)

func WithKeyPrefix(prefix string) CheckpointOption {
	return func(c *UpstashRedisCheckpointer) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			c.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) CheckpointOption {
	return func(c *UpstashRedisCheckpointer) {
		c.ttl = ttl
	}
}

func WithHTTPClient(client *http.Client) CheckpointOption {
	return func(c *UpstashRedisCheckpointer) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// UpstashRedisCheckpointer writes session snapshots to Upstash Redis via REST.
type UpstashRedisCheckpointer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	keyPrefix  string
	ttl        time.Duration
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

type UpstashRedisConfig struct {
	URL     string        `envconfig:"URL" split_words:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// Enabled reports whether the config carries enough to build a checkpointer.
func (c UpstashRedisConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != "" && strings.TrimSpace(c.Token) != ""
}

func NewUpstashRedisCheckpointer(cfg UpstashRedisConfig, opts ...CheckpointOption) (*UpstashRedisCheckpointer, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cp := &UpstashRedisCheckpointer{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		keyPrefix: defaultCheckpointKeyPrefix,
		ttl:       defaultCheckpointTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cp)
		}
	}

	if cp.ttl < 0 {
		return nil, errors.New("ttl must be >= 0")
	}

	return cp, nil
}

func (c *UpstashRedisCheckpointer) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	key, err := c.redisKey(sess.ThreadID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}

	cmd := []any{"SET", key, string(payload)}
	if c.ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(c.ttl))
	}

	if _, err := c.exec(ctx, cmd); err != nil {
		return err
	}
	return nil
}

func (c *UpstashRedisCheckpointer) Delete(ctx context.Context, threadID string) error {
	key, err := c.redisKey(threadID)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, []any{"DEL", key})
	return err
}

func (c *UpstashRedisCheckpointer) redisKey(threadID string) (string, error) {
	if strings.TrimSpace(threadID) == "" {
		return "", ErrInvalidSession
	}
	prefix := strings.TrimSpace(c.keyPrefix)
	return prefix + threadID, nil
}

func (c *UpstashRedisCheckpointer) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if c == nil {
		return nil, errors.New("nil checkpointer")
	}
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return nil, errors.New("empty redis url")
	}
	if strings.TrimSpace(c.token) == "" {
		return nil, errors.New("empty redis token")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
