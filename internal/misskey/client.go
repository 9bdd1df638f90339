// Package misskey is a small client for the Misskey HTTP API.
package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"misskeybot/internal/apperr"
	logx "misskeybot/pkg/logx"
)

const userAgent = "misskeybot/1.0"

// Options configures a Client.
type Options struct {
	InstanceURL string
	Token       string
	// Timeout bounds a single HTTP attempt. Default 60s.
	Timeout    time.Duration
	MaxRetries int // attempts including the first; default 3
	// RatePerSec limits outbound calls; 0 disables limiting.
	RatePerSec float64
	Burst      int
	// DefaultVisibility is used for notes that are not replies.
	DefaultVisibility string
}

// Client talks to one Misskey instance. It is safe for concurrent use.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	policy  apperr.Policy
	defVis  string

	hc      *http.Client
	r       *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a client on the shared HTTP client hc. The caller owns hc.
func New(hc *http.Client, opts Options, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.InstanceURL), "/")
	if base == "" {
		return nil, apperr.Errorf(apperr.KindConfig, "misskey.new", "instance url is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, apperr.Errorf(apperr.KindConfig, "misskey.new", "access token is required")
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	policy := apperr.DefaultPolicy
	if opts.MaxRetries > 0 {
		policy.MaxAttempts = opts.MaxRetries
	}
	if opts.DefaultVisibility == "" {
		opts.DefaultVisibility = VisibilityPublic
	}

	r := resty.NewWithClient(hc).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent)

	c := &Client{
		base:    base,
		token:   opts.Token,
		timeout: opts.Timeout,
		policy:  policy,
		defVis:  opts.DefaultVisibility,
		hc:      hc,
		r:       r,
		log:     log.With(logx.String("comp", "misskey")),
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c, nil
}

// SetPolicy overrides the retry policy. Tests use it to shorten waits.
func (c *Client) SetPolicy(p apperr.Policy) { c.policy = p }

// InstanceURL returns the API base without trailing slash.
func (c *Client) InstanceURL() string { return c.base }

// Close releases idle connections of the shared pool.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// Call POSTs params to /api/<endpoint> and decodes the response into out
// (which may be nil). Failures are classified by apperr kind and retried per
// the client policy.
func (c *Client) Call(ctx context.Context, endpoint string, params map[string]any, out any) error {
	body := map[string]any{"i": c.token}
	for k, v := range params {
		body[k] = v
	}
	op := "misskey." + endpoint
	return apperr.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.once(ctx, op, endpoint, body, out)
	}, func(err error, wait time.Duration) {
		c.log.Warn("api call failed; retrying", logx.String("endpoint", endpoint), logx.Duration("wait", wait), logx.Err(err))
	})
}

func (c *Client) once(ctx context.Context, op, endpoint string, body map[string]any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.Debug("api request", logx.String("endpoint", endpoint))
	resp, err := c.r.R().SetContext(cctx).SetBody(body).Post(c.base + "/api/" + endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.New(apperr.KindConnection, op, err)
	}

	status := resp.StatusCode()
	if status != http.StatusOK && status != http.StatusNoContent {
		e := apperr.FromStatus(op, status, truncateBody(resp.Body()))
		if e.Kind == apperr.KindRateLimit {
			e.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))
		}
		if e.Kind == apperr.KindAuth {
			c.log.Error("api authentication failed", logx.String("endpoint", endpoint), logx.Int("status", status))
		}
		return e
	}
	if out == nil || status == http.StatusNoContent {
		return nil
	}
	raw := bytes.TrimSpace(resp.Body())
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return apperr.New(apperr.KindMalformed, op, fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var errMissingID = errors.New("id is required")
