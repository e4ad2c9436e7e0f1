package modelgate

import (
	"context"

	"github.com/haasonsaas/modelgate/pkg/models"
)

// ChatContext is handed through the middleware chain around each chat
// call. Middlewares may mutate Options before calling next and inspect or
// replace Response and Err afterwards.
type ChatContext struct {
	Ctx context.Context

	// Options is the request being executed.
	Options *ChatOptions

	// Streaming reports whether this call came through ChatStream.
	Streaming bool

	// Response is populated once the inner handler has run.
	Response *models.ChatResult

	// Err is the inner handler's failure, if any.
	Err error
}

// Middleware wraps a chat call. It must call next exactly once to let the
// call proceed; returning without calling next short-circuits it.
type Middleware func(cc *ChatContext, next func() error) error

// UseMiddleware appends a middleware to the chain. Middlewares run in
// registration order, outermost first.
func (c *Client) UseMiddleware(mw Middleware) {
	if mw == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
}

// runChain executes the middleware chain around core.
func (c *Client) runChain(cc *ChatContext, core func() error) error {
	c.mu.RLock()
	chain := append([]Middleware{}, c.middlewares...)
	c.mu.RUnlock()

	var invoke func(i int) error
	invoke = func(i int) error {
		if i >= len(chain) {
			return core()
		}
		return chain[i](cc, func() error { return invoke(i + 1) })
	}
	return invoke(0)
}
