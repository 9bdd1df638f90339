package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"misskeybot/internal/apperr"
	logx "misskeybot/pkg/logx"
)

// Config configures an OpenAI compatible client.
type Config struct {
	APIKey      string
	Model       string
	APIBase     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// Client calls POST <base>/chat/completions.
type Client struct {
	cfg    Config
	policy apperr.Policy
	r      *resty.Client
	log    logx.Logger
}

var _ Generator = (*Client)(nil)

// NewOpenAI builds a client on the shared HTTP client hc.
func NewOpenAI(hc *http.Client, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.Errorf(apperr.KindConfig, "llm.new", "api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	policy := apperr.DefaultPolicy
	if cfg.MaxRetries > 0 {
		policy.MaxAttempts = cfg.MaxRetries
	}
	r := resty.NewWithClient(hc).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey)
	return &Client{cfg: cfg, policy: policy, r: r, log: log.With(logx.String("comp", "llm"))}, nil
}

// SetPolicy overrides the retry policy.
func (c *Client) SetPolicy(p apperr.Policy) { c.policy = p }

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Generate(ctx context.Context, prompt, system string, opts Options) (string, error) {
	return c.complete(ctx, "generate", BuildMessages(prompt, system), opts)
}

func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	if len(messages) == 0 {
		return "", apperr.Errorf(apperr.KindBadRequest, "llm.chat", "no messages")
	}
	return c.complete(ctx, "chat", messages, opts)
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, call string, messages []Message, opts Options) (string, error) {
	req := completionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}

	op := "llm." + call
	var text string
	err := apperr.Do(ctx, c.policy, func(ctx context.Context) error {
		t, err := c.once(ctx, op, req)
		if err != nil {
			return err
		}
		text = t
		return nil
	}, func(err error, wait time.Duration) {
		c.log.Warn("completion failed; retrying", logx.String("call", call), logx.Duration("wait", wait), logx.Err(err))
	})
	if err != nil {
		return "", err
	}
	c.log.Debug("completion ok", logx.String("call", call), logx.Int("length", len(text)))
	return text, nil
}

func (c *Client) once(ctx context.Context, op string, req completionRequest) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.r.R().SetContext(cctx).SetBody(req).Post(c.cfg.APIBase + "/chat/completions")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.New(apperr.KindConnection, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		body := strings.TrimSpace(string(resp.Body()))
		if len(body) > 512 {
			body = body[:512]
		}
		return "", apperr.FromStatus(op, resp.StatusCode(), body)
	}
	var out completionResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", apperr.New(apperr.KindMalformed, op, fmt.Errorf("invalid json: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", apperr.Errorf(apperr.KindConnection, op, "empty completion")
	}
	return out.Choices[0].Message.Content, nil
}
