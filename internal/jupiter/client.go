// Package jupiter is the quote gateway: a stateless adapter over the
// Jupiter v6 quote and swap endpoints.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/metrics"
	"github.com/sand/solana-trading-bot/backend/internal/pkg/retry"
)

const (
	DefaultBaseURL = "https://quote-api.jup.ag/v6"
	userAgent      = "solana-trading-bot/1.0"
	maxBodySize    = 4 << 20
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   retry.Policy

	RateLimit rate.Limit
	RateBurst int

	QuoteTTL                  time.Duration
	MaxAccounts               int
	OnlyDirectRoutes          bool
	AsLegacyTransaction       bool
	PrioritizationFeeLamports *uint64
}

func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Timeout:     30 * time.Second,
		Retry:       retry.DefaultPolicy(),
		RateLimit:   rate.Limit(10),
		RateBurst:   30,
		QuoteTTL:    20 * time.Second,
		MaxAccounts: 64,
	}
}

type Client struct {
	logger     *slog.Logger
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		cl.now = now
	}
}

func NewClient(logger *slog.Logger, cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = def.QuoteTTL
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = def.MaxAccounts
	}

	c := &Client{
		logger:     logger.With("component", "jupiter"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetQuote asks for the best route. Quotes are never cached.
func (c *Client) GetQuote(ctx context.Context, req entities.QuoteRequest) (entities.Quote, error) {
	if req.Amount == 0 {
		return entities.Quote{}, fmt.Errorf("%w: amount must be positive", ErrQuoteRejected)
	}

	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("onlyDirectRoutes", strconv.FormatBool(c.cfg.OnlyDirectRoutes))
	q.Set("asLegacyTransaction", strconv.FormatBool(c.cfg.AsLegacyTransaction))
	q.Set("maxAccounts", strconv.Itoa(c.cfg.MaxAccounts))

	var (
		resp quoteResponse
		raw  json.RawMessage
	)
	err := c.call(ctx, "quote", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/quote?"+q.Encode(), nil)
	}, func(body []byte) error {
		raw = bytes.Clone(body)
		return json.Unmarshal(body, &resp)
	})
	if err != nil {
		return entities.Quote{}, err
	}

	quote, err := resp.toQuote(raw, c.now(), c.cfg.QuoteTTL)
	if err != nil {
		return entities.Quote{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(quote.RoutePlan) == 0 || quote.OutAmount == 0 {
		return entities.Quote{}, ErrNoRoute
	}

	c.logger.DebugContext(ctx, "quote received",
		"input_mint", quote.InputMint,
		"output_mint", quote.OutputMint,
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"price_impact_pct", quote.PriceImpactPct.String(),
		"context_slot", quote.ContextSlot,
	)

	return quote, nil
}

// BuildSwap returns the unsigned transaction for quote with userPublicKey
// as fee payer and signer.
func (c *Client) BuildSwap(ctx context.Context, quote entities.Quote, userPublicKey string) (entities.SwapTransaction, error) {
	if quote.Expired(c.now()) {
		return entities.SwapTransaction{}, ErrQuoteExpired
	}
	if len(quote.Raw) == 0 {
		return entities.SwapTransaction{}, fmt.Errorf("%w: quote carries no provider payload", ErrQuoteRejected)
	}

	payload, err := json.Marshal(swapRequest{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             userPublicKey,
		WrapAndUnwrapSol:          true,
		UseSharedAccounts:         true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: c.cfg.PrioritizationFeeLamports,
		AsLegacyTransaction:       c.cfg.AsLegacyTransaction,
	})
	if err != nil {
		return entities.SwapTransaction{}, fmt.Errorf("encode swap request: %w", err)
	}

	var resp swapResponse
	err = c.call(ctx, "swap", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/swap", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(body []byte) error {
		return json.Unmarshal(body, &resp)
	})
	if err != nil {
		return entities.SwapTransaction{}, err
	}

	tx, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil || len(tx) == 0 {
		return entities.SwapTransaction{}, fmt.Errorf("%w: swapTransaction is not base64", ErrMalformedResponse)
	}

	return entities.SwapTransaction{
		Payload:                   tx,
		LastValidBlockHeight:      resp.LastValidBlockHeight,
		PrioritizationFeeLamports: resp.PrioritizationFeeLamports,
	}, nil
}

// call runs one logical request through the rate limiter and the retry
// loop. Transport errors, 429 and 5xx are retried, everything else is not.
func (c *Client) call(ctx context.Context, endpoint string, newReq func(context.Context) (*http.Request, error), decode func([]byte) error) error {
	notify := func(attempt int, err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "jupiter request failed, retrying",
			"endpoint", endpoint,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
	}

	err := retry.DoVoid(ctx, c.cfg.Retry, isRetryable, notify, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return permanent(fmt.Errorf("rate limiter: %w", err))
		}

		start := time.Now()
		err := c.once(ctx, newReq, decode)
		c.metrics.QuoteRequest(endpoint, outcome(err), time.Since(start))
		return err
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrQuoteRejected):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	case !isRetryable(err):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
}

func (c *Client) once(ctx context.Context, newReq func(context.Context) (*http.Request, error), decode func([]byte) error) error {
	req, err := newReq(ctx)
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Code = e.Error, e.ErrorCode
		}
		if apiErr.Temporary() {
			return apiErr
		}
		if apiErr.Code == "COULD_NOT_FIND_ANY_ROUTE" {
			return permanent(fmt.Errorf("%w: %w", ErrNoRoute, apiErr))
		}
		return permanent(fmt.Errorf("%w: %w", ErrQuoteRejected, apiErr))
	}

	if err = decode(body); err != nil {
		return permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	return nil
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr):
		return strconv.Itoa(apiErr.StatusCode)
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "transport"
	}
}
