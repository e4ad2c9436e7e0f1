// Package modelgate is a client for multi-model LLM gateways speaking the
// OpenAI-compatible chat completions API. It layers tool calling with a
// security gate, pluggable conversation history, streaming, and per-call
// cost tracking on top of the raw transport.
package modelgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/modelgate/internal/auth"
	"github.com/haasonsaas/modelgate/internal/chat"
	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/internal/pricing"
	"github.com/haasonsaas/modelgate/internal/security"
	"github.com/haasonsaas/modelgate/internal/transport"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/history"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// Event topics observable via Client.On.
const (
	EventUserAuthenticated = events.TopicUserAuthenticated
	EventAuthFailed        = events.TopicAuthFailed
	EventAccessGranted     = events.TopicAccessGranted
	EventAccessDenied      = events.TopicAccessDenied
	EventRateLimitExceeded = events.TopicRateLimitExceeded
	EventDangerousArgs     = events.TopicDangerousArgs
	EventPatternError      = events.TopicPatternError
	EventToolCall          = events.TopicToolCall
	EventToolResult        = events.TopicToolResult
	EventError             = events.TopicError
)

// Client is the gateway client façade. One instance is safe for
// concurrent use by many goroutines.
type Client struct {
	cfg       Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	bus       *events.Bus
	transport *transport.Client
	gate      *security.Gate
	registry  *chat.Registry
	orch      *chat.Orchestrator
	catalog   *pricing.Catalog

	mu          sync.RWMutex
	history     HistoryManager
	middlewares []Middleware
	closed      bool
}

// New creates a client from the given configuration.
func New(cfg Config) (*Client, error) {
	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	})

	proxyURL, err := cfg.Proxy.Resolve()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeConfig, "invalid proxy configuration", err)
	}

	tr, err := transport.New(transport.Config{
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.APIEndpoint,
		Timeout:  cfg.Timeout,
		ProxyURL: proxyURL,
		Referer:  cfg.Referer,
		Title:    cfg.Title,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	metrics := observability.NewMetrics()
	gate := security.NewGate(cfg.Security, bus, logger)
	registry := chat.NewRegistry()
	executor := chat.NewExecutor(registry, gate, bus, metrics, logger, chat.ExecutorConfig{})

	priceInterval := cfg.PriceRefreshInterval
	if !cfg.EnableCostTracking {
		priceInterval = -1
	}
	catalog := pricing.NewCatalog(pricing.CatalogConfig{
		Fetcher:         tr,
		InitialPrices:   cfg.InitialModelPrices,
		RefreshInterval: priceInterval,
		Logger:          logger,
	})

	maxToolCalls := chat.DefaultMaxToolCalls
	if cfg.MaxToolCalls != nil {
		maxToolCalls = *cfg.MaxToolCalls
		if maxToolCalls < 0 {
			maxToolCalls = 0
		}
	}
	orch := chat.NewOrchestrator(tr, executor, gate, catalog, bus, metrics, logger, chat.Config{
		DefaultModel:       cfg.Model,
		MaxToolCalls:       maxToolCalls,
		Fallbacks:          cfg.ModelFallbacks,
		StrictJSONParsing:  cfg.StrictJSONParsing,
		EnableCostTracking: cfg.EnableCostTracking,
	})

	hm := history.NewManager(history.ManagerConfig{
		Store:           cfg.HistoryStore,
		TTL:             cfg.HistoryTTL,
		CleanupInterval: cfg.HistoryCleanupInterval,
		MaxEntries:      cfg.MaxHistoryEntries,
		Logger:          logger,
	})

	return &Client{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		bus:       bus,
		transport: tr,
		gate:      gate,
		registry:  registry,
		orch:      orch,
		catalog:   catalog,
		history:   hm,
	}, nil
}

// NewFromFile creates a client from a configuration file.
func NewFromFile(path string) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(*cfg)
}

// ChatOptions is one chat invocation. Either Prompt or CustomMessages
// must carry the request; UserID enables history persistence.
type ChatOptions struct {
	// Prompt is the new user message.
	Prompt string

	// CustomMessages replaces prompt and history with a verbatim
	// transcript.
	CustomMessages []models.Message

	// SystemPrompt is prepended unless the transcript already has one.
	SystemPrompt string

	// UserID keys history persistence; empty disables it for this call.
	UserID string

	// GroupID scopes the history key to a shared conversation.
	GroupID string

	// AccessToken authenticates the caller for tool security checks.
	AccessToken string

	// Model overrides the configured default for this call.
	Model string

	// Tools restricts the call to the given tools; nil means every
	// registered tool.
	Tools []*models.Tool

	// ToolChoice is passed through to the gateway ("none", "auto", or a
	// specific function selector).
	ToolChoice any

	// ParallelToolCalls lets one round's tools run concurrently.
	ParallelToolCalls bool

	// MaxToolCalls overrides the configured round budget for this call.
	MaxToolCalls *int

	// ModelFallbacks overrides the configured fallback list.
	ModelFallbacks []string

	// ResponseFormat overrides the configured response format.
	ResponseFormat *ResponseFormat

	Temperature      *float32
	TopP             *float32
	MaxTokens        int
	Stop             []string
	Seed             *int
	PresencePenalty  *float32
	FrequencyPenalty *float32
	LogitBias        map[string]int
}

// StreamCallbacks receive streaming progress during ChatStream. Callbacks
// are serialized; a handler is never invoked concurrently with itself.
type StreamCallbacks struct {
	OnContent           func(delta string)
	OnToolCallExecuting func(name string, args map[string]any)
	OnToolCallResult    func(name string, result any, err error)
	OnComplete          func(result *models.ChatResult)
	OnError             func(err error)
}

// Chat runs one completion, driving the tool loop to its final answer.
func (c *Client) Chat(ctx context.Context, opts ChatOptions) (*models.ChatResult, error) {
	return c.chat(ctx, opts, false, chat.StreamCallbacks{})
}

// ChatStream runs one completion over a streaming connection, delivering
// progress through cb. The consolidated result is also returned.
func (c *Client) ChatStream(ctx context.Context, opts ChatOptions, cb StreamCallbacks) (*models.ChatResult, error) {
	return c.chat(ctx, opts, true, chat.StreamCallbacks{
		OnContent:           cb.OnContent,
		OnToolCallExecuting: cb.OnToolCallExecuting,
		OnToolCallResult:    cb.OnToolCallResult,
		OnComplete:          cb.OnComplete,
		OnError:             cb.OnError,
	})
}

func (c *Client) chat(ctx context.Context, opts ChatOptions, streaming bool, cb chat.StreamCallbacks) (*models.ChatResult, error) {
	if c.isClosed() {
		return nil, cerrors.New(cerrors.CodeConfig, "client is closed")
	}
	requestID := uuid.NewString()
	logger := c.logger.With("request_id", requestID)

	cc := &ChatContext{Ctx: ctx, Options: &opts, Streaming: streaming}
	err := c.runChain(cc, func() error {
		result, err := c.chatCore(cc.Ctx, cc.Options, streaming, cb, logger)
		cc.Response = result
		cc.Err = err
		return err
	})
	if err == nil {
		err = cc.Err
	}
	if err != nil {
		return nil, c.fail(err, requestID, logger)
	}
	return cc.Response, nil
}

func (c *Client) chatCore(ctx context.Context, opts *ChatOptions, streaming bool, cb chat.StreamCallbacks, logger *observability.Logger) (*models.ChatResult, error) {
	user, err := c.gate.Authenticate(opts.AccessToken)
	if err != nil {
		return nil, err
	}

	var historyKey string
	var priorEntries []models.HistoryEntry
	if opts.UserID != "" {
		historyKey = models.HistoryKey(opts.UserID, opts.GroupID)
		priorEntries, err = c.HistoryManager().GetEntries(ctx, historyKey)
		if err != nil {
			return nil, err
		}
	}

	messages, err := chat.PrepareMessages(chat.PrepareInput{
		CustomMessages: opts.CustomMessages,
		SystemPrompt:   opts.SystemPrompt,
		Prompt:         opts.Prompt,
		History:        priorEntries,
	}, logger)
	if err != nil {
		return nil, err
	}

	tools := opts.Tools
	if tools == nil {
		tools = c.registry.List()
	}

	req := &chat.Request{
		Model:             opts.Model,
		Messages:          messages,
		Tools:             tools,
		ToolChoice:        opts.ToolChoice,
		Temperature:       opts.Temperature,
		TopP:              opts.TopP,
		MaxTokens:         opts.MaxTokens,
		Stop:              opts.Stop,
		Seed:              opts.Seed,
		PresencePenalty:   opts.PresencePenalty,
		FrequencyPenalty:  opts.FrequencyPenalty,
		LogitBias:         opts.LogitBias,
		ParallelToolCalls: opts.ParallelToolCalls,
		User:              user,
		MaxToolCalls:      opts.MaxToolCalls,
		Fallbacks:         opts.ModelFallbacks,
	}
	format := opts.ResponseFormat
	if format == nil {
		format = c.cfg.ResponseFormat
	}
	if format != nil {
		req.ResponseFormat = &chat.ResponseFormat{
			Type:       format.Type,
			SchemaName: format.SchemaName,
			Schema:     format.Schema,
			Strict:     format.Strict,
		}
	}

	var result *models.ChatResult
	var newEntries []models.HistoryEntry
	if streaming {
		result, newEntries, err = c.orch.RunStream(ctx, req, cb)
	} else {
		result, newEntries, err = c.orch.Run(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	// History is written only after the whole call succeeded; a canceled
	// or failed call leaves the stored transcript untouched.
	if historyKey != "" {
		entries := make([]models.HistoryEntry, 0, len(newEntries)+1)
		if opts.Prompt != "" {
			entries = append(entries, models.HistoryEntry{
				Message: models.Message{Role: models.RoleUser, Content: models.Text(opts.Prompt)},
			})
		}
		entries = append(entries, newEntries...)
		if err := c.HistoryManager().AddEntries(ctx, historyKey, entries); err != nil {
			logger.Warn("persisting history failed", "key", historyKey, "error", err)
		}
	}
	return result, nil
}

// fail maps err onto the error taxonomy, records it, and emits it on the
// error topic without blocking the caller.
func (c *Client) fail(err error, requestID string, logger *observability.Logger) error {
	ce := cerrors.Normalize(err)
	switch ce.Code {
	case cerrors.CodeAuthentication, cerrors.CodeJWTValidation:
		c.metrics.ObserveDenial("auth")
	case cerrors.CodeAccessDenied, cerrors.CodeAuthorization:
		c.metrics.ObserveDenial("access")
	case cerrors.CodeRateLimit:
		c.metrics.ObserveDenial("ratelimit")
	case cerrors.CodeDangerousArgs:
		c.metrics.ObserveDenial("arguments")
	}
	logger.Warn("chat call failed", "code", ce.Code, "error", ce)
	go c.bus.Emit(events.TopicError, map[string]any{
		"requestId": requestID,
		"code":      string(ce.Code),
		"error":     ce,
	})
	return ce
}

// RegisterTool adds a tool to the client's registry.
func (c *Client) RegisterTool(tool *models.Tool) error {
	return c.registry.Register(tool)
}

// UnregisterTool removes a tool by name.
func (c *Client) UnregisterTool(name string) {
	c.registry.Unregister(name)
}

// CreateAccessToken signs a JWT for the given identity. Requires jwt auth
// with a real secret configured.
func (c *Client) CreateAccessToken(payload models.UserAuthInfo, expiresIn time.Duration) (string, error) {
	return c.gate.Auth().IssueToken(auth.IssueOptions{Payload: payload, ExpiresIn: expiresIn})
}

// GetCreditBalance fetches the gateway account balance.
func (c *Client) GetCreditBalance(ctx context.Context) (*models.CreditBalance, error) {
	balance, err := c.catalog.CreditBalance(ctx)
	if err != nil {
		return nil, cerrors.Normalize(err)
	}
	return balance, nil
}

// GetModelPrices returns the current price catalog.
func (c *Client) GetModelPrices() []models.ModelPrice {
	return c.catalog.Prices()
}

// RefreshModelPrices refetches the price catalog now.
func (c *Client) RefreshModelPrices(ctx context.Context) error {
	if err := c.catalog.Refresh(ctx); err != nil {
		return cerrors.Normalize(err)
	}
	return nil
}

// ClearAuthCache drops every cached token validation.
func (c *Client) ClearAuthCache() {
	c.gate.Auth().ClearCache()
}

// ClearRateLimits drops rate limit state, for one user or for everyone
// when userID is empty.
func (c *Client) ClearRateLimits(userID string) {
	c.gate.Limiter().Clear(userID)
}

// Subscription identifies an event handler for Off.
type Subscription struct {
	inner events.Subscription
}

// On subscribes a handler to an event topic.
func (c *Client) On(topic string, handler func(payload any)) Subscription {
	return Subscription{inner: c.bus.On(topic, handler)}
}

// Off removes a subscription returned by On.
func (c *Client) Off(sub Subscription) {
	c.bus.Off(sub.inner)
}

// MetricsRegistry exposes the client's Prometheus registry for scraping
// or pushing.
func (c *Client) MetricsRegistry() *prometheus.Registry {
	return c.metrics.Registry()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops background work (history sweep, rate limit sweep, price
// refresh), closes the history store, and drops event handlers. The
// client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hm := c.history
	c.mu.Unlock()

	c.gate.Close()
	c.catalog.Close()
	c.bus.RemoveAll("")
	if hm != nil {
		return hm.Close()
	}
	return nil
}
