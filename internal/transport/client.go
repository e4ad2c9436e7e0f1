// Package transport wraps the gateway's OpenAI-compatible API: chat
// completions (plain and streaming) plus the model listing and credit
// endpoints, with typed error mapping.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// DefaultBaseURL targets the OpenRouter gateway.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// DefaultTimeout bounds a single API request when none is configured.
const DefaultTimeout = 2 * time.Minute

// Config configures the transport.
type Config struct {
	// APIKey authenticates against the gateway. Required.
	APIKey string

	// BaseURL overrides the gateway endpoint. Default: DefaultBaseURL.
	BaseURL string

	// Timeout bounds each request. Default: DefaultTimeout.
	Timeout time.Duration

	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL *url.URL

	// Referer and Title identify the calling application to the gateway
	// via the HTTP-Referer and X-Title headers.
	Referer string
	Title   string

	// HTTPClient overrides the constructed client when set. Timeout and
	// ProxyURL are ignored in that case.
	HTTPClient *http.Client

	Logger *observability.Logger
}

// Client talks to the gateway. Safe for concurrent use.
type Client struct {
	api    *openai.Client
	http   *http.Client
	base   string
	apiKey string
	logger *observability.Logger
}

// headerTransport stamps identification headers onto every request.
type headerTransport struct {
	next    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.referer != "" && req.Header.Get("HTTP-Referer") == "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" && req.Header.Get("X-Title") == "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.next.RoundTrip(req)
}

// New builds a gateway client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, cerrors.New(cerrors.CodeConfig, "an API key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		transport := http.DefaultTransport
		if cfg.ProxyURL != nil {
			proxied := http.DefaultTransport.(*http.Transport).Clone()
			proxied.Proxy = http.ProxyURL(cfg.ProxyURL)
			transport = proxied
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
	if cfg.Referer != "" || cfg.Title != "" {
		next := httpClient.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		wrapped := *httpClient
		wrapped.Transport = &headerTransport{next: next, referer: cfg.Referer, title: cfg.Title}
		httpClient = &wrapped
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = base
	apiCfg.HTTPClient = httpClient

	return &Client{
		api:    openai.NewClientWithConfig(apiCfg),
		http:   httpClient,
		base:   base,
		apiKey: cfg.APIKey,
		logger: logger,
	}, nil
}

// CreateCompletion issues a blocking chat completion request.
func (c *Client) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionResponse{}, c.wrapError(err)
	}
	return resp, nil
}

// CreateCompletionStream opens a streaming chat completion. The caller
// owns the stream and must Close it.
func (c *Client) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	req.Stream = true
	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, c.wrapError(err)
	}
	return stream, nil
}

// WrapError maps a transport or API failure onto the client error
// taxonomy. Exposed for the stream read path, which receives raw errors.
func (c *Client) WrapError(err error) error {
	return c.wrapError(err)
}

func (c *Client) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := cerrors.FromStatus(apiErr.HTTPStatusCode)
		return cerrors.Wrap(code, apiErr.Message, err).WithStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		code := cerrors.FromStatus(reqErr.HTTPStatusCode)
		return cerrors.Wrap(code, "gateway request failed", err).WithStatus(reqErr.HTTPStatusCode)
	}
	return cerrors.Normalize(err)
}

// get issues an authenticated GET against a gateway path.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return cerrors.Wrap(cerrors.CodeInternal, "building gateway request failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return cerrors.Normalize(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cerrors.Normalize(err)
	}
	if resp.StatusCode != http.StatusOK {
		code := cerrors.FromStatus(resp.StatusCode)
		return cerrors.New(code, fmt.Sprintf("GET %s returned status %d", path, resp.StatusCode)).
			WithStatus(resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return cerrors.Wrap(cerrors.CodeAPIError, fmt.Sprintf("decoding GET %s response failed", path), err)
	}
	return nil
}

// modelListing mirrors the gateway's /models payload. Per-token prices
// arrive as decimal strings.
type modelListing struct {
	Data []struct {
		ID            string `json:"id"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// FetchModelPrices retrieves the model catalog and converts per-token
// prices to per-million-token prices.
func (c *Client) FetchModelPrices(ctx context.Context) ([]models.ModelPrice, error) {
	var listing modelListing
	if err := c.get(ctx, "/models", &listing); err != nil {
		return nil, err
	}
	prices := make([]models.ModelPrice, 0, len(listing.Data))
	for _, m := range listing.Data {
		prompt, perr := strconv.ParseFloat(m.Pricing.Prompt, 64)
		completion, cerr := strconv.ParseFloat(m.Pricing.Completion, 64)
		if perr != nil || cerr != nil {
			c.logger.Debug("skipping model with unparsable pricing", "model", m.ID)
			continue
		}
		prices = append(prices, models.ModelPrice{
			ID:                       m.ID,
			PromptCostPerMillion:     prompt * 1e6,
			CompletionCostPerMillion: completion * 1e6,
			ContextLength:            m.ContextLength,
		})
	}
	return prices, nil
}

// FetchCreditBalance retrieves the account's credit limit and usage.
func (c *Client) FetchCreditBalance(ctx context.Context) (*models.CreditBalance, error) {
	var body struct {
		Data struct {
			Limit        *float64 `json:"limit"`
			Usage        *float64 `json:"usage"`
			TotalCredits *float64 `json:"total_credits"`
			TotalUsage   *float64 `json:"total_usage"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/credits", &body); err != nil {
		return nil, err
	}
	balance := &models.CreditBalance{}
	switch {
	case body.Data.Limit != nil || body.Data.Usage != nil:
		if body.Data.Limit != nil {
			balance.Limit = *body.Data.Limit
		}
		if body.Data.Usage != nil {
			balance.Usage = *body.Data.Usage
		}
	default:
		if body.Data.TotalCredits != nil {
			balance.Limit = *body.Data.TotalCredits
		}
		if body.Data.TotalUsage != nil {
			balance.Usage = *body.Data.TotalUsage
		}
	}
	return balance, nil
}
