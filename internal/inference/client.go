package inference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-monitor/internal/logging"
)

var inferLog = logging.ForComponent(logging.CompInference)

// DefaultTTL is the cache lifetime per purpose. Terminal state goes stale
// quickly; summaries of the same command do not.
var DefaultTTL = map[Purpose]time.Duration{
	DetectState:      30 * time.Second,
	SummarizeCommand: time.Hour,
	ClassifyResponse: 5 * time.Minute,
	QuickPriority:    5 * time.Minute,
	FullPriority:     2 * time.Minute,
}

// ClientConfig configures a Client. Zero values fall back to defaults.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	CacheSize int
	CacheTTL  map[Purpose]time.Duration

	HTTPClient *http.Client
	Registerer prometheus.Registerer
	Now        func() time.Time
}

type cacheEntry struct {
	data    map[string]any
	model   string
	expires time.Time
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	cache   *lru.Cache[string, cacheEntry]
	ttl     map[Purpose]time.Duration
	metrics *Metrics
	now     func() time.Time
}

// NewClient returns a Client, or an error when cfg has no API key or base
// URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrDisabled
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("inference: base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("inference: cache: %w", err)
	}
	ttl := make(map[Purpose]time.Duration, len(DefaultTTL))
	for p, d := range DefaultTTL {
		ttl[p] = d
	}
	for p, d := range cfg.CacheTTL {
		if d > 0 {
			ttl[p] = d
		}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	metrics := defaultMetrics()
	if cfg.Registerer != nil {
		metrics = MustNewMetrics(cfg.Registerer)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		http:    hc,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cache:   cache,
		ttl:     ttl,
		metrics: metrics,
		now:     now,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call runs req against the endpoint, answering from the cache when
// req.UseCache is set and a fresh entry exists.
func (c *Client) Call(ctx context.Context, req Request) (*Result, error) {
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, req.Purpose)
	}
	system := req.System
	if system == "" {
		system = SystemPrompt(req.Purpose)
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = BuildPrompt(req.Purpose, req.Input)
	}

	key := cacheKey(req.Purpose, system, prompt)
	if req.UseCache {
		if e, ok := c.cache.Get(key); ok {
			if c.now().Before(e.expires) {
				c.metrics.hit(req.Purpose)
				c.metrics.observe(req.Purpose, "cached", 0)
				return &Result{Data: e.data, Cached: true, Model: e.model}, nil
			}
			c.cache.Remove(key)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.observe(req.Purpose, "rate_limited", 0)
		return nil, fmt.Errorf("inference: rate limit: %w", err)
	}

	start := c.now()
	data, model, err := c.complete(ctx, system, prompt)
	latency := c.now().Sub(start)
	if err != nil {
		c.metrics.observe(req.Purpose, "error", latency)
		inferLog.Debug("inference_call_failed",
			slog.String("purpose", string(req.Purpose)),
			slog.String("error", err.Error()))
		return nil, err
	}
	c.metrics.observe(req.Purpose, "ok", latency)

	if req.UseCache {
		c.cache.Add(key, cacheEntry{data: data, model: model, expires: c.now().Add(c.ttl[req.Purpose])})
	}
	inferLog.Debug("inference_call",
		slog.String("purpose", string(req.Purpose)),
		slog.String("model", model),
		slog.Duration("latency", latency))
	return &Result{Data: data, Latency: latency, Model: model}, nil
}

func (c *Client) complete(ctx context.Context, system, prompt string) (map[string]any, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, "", fmt.Errorf("inference: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("inference: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("inference: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", fmt.Errorf("inference: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, "", fmt.Errorf("inference: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if cr.Error != nil {
		return nil, "", fmt.Errorf("inference: provider error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return nil, "", fmt.Errorf("%w: no choices", ErrBadResponse)
	}
	data, err := DecodeObject(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, "", err
	}
	model := cr.Model
	if model == "" {
		model = c.model
	}
	return data, model, nil
}

// DecodeObject parses model output into a JSON object. Code fences are
// stripped and malformed JSON is repaired before decoding.
func DecodeObject(content string) (map[string]any, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty content", ErrBadResponse)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return out, nil
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	out = nil
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return out, nil
}

func cacheKey(p Purpose, system, prompt string) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return string(p) + ":" + hex.EncodeToString(h.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
