package security

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/haasonsaas/modelgate/internal/events"
	"github.com/haasonsaas/modelgate/internal/observability"
	"github.com/haasonsaas/modelgate/pkg/cerrors"
	"github.com/haasonsaas/modelgate/pkg/models"
)

// RateLimiter enforces fixed-window limits per (user, tool). Each window
// admits up to Limit calls; the first call after a window expires starts a
// fresh one. A background sweep drops entries well past their reset time.
type RateLimiter struct {
	bus    *events.Bus
	logger *observability.Logger

	mu      sync.Mutex
	windows map[string]*window
	stopCh  chan struct{}
	once    sync.Once
}

type window struct {
	count   uint
	resetAt time.Time
	limit   uint
	span    time.Duration
}

// RateDecision is the outcome of a single limiter check. CurrentCount
// includes denied attempts, so it can exceed Limit.
type RateDecision struct {
	Allowed      bool
	CurrentCount uint
	Limit        uint
	ResetAt      time.Time
	TimeLeft     time.Duration
	Window       time.Duration
}

const sweepInterval = time.Minute

// NewRateLimiter starts a limiter with its stale-entry sweep running.
func NewRateLimiter(bus *events.Bus, logger *observability.Logger) *RateLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	rl := &RateLimiter{
		bus:     bus,
		logger:  logger,
		windows: map[string]*window{},
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for key, w := range rl.windows {
				// Keep a window around for a few spans after reset so
				// Clear and inspection still see recent activity.
				if now.After(w.resetAt.Add(3 * w.span)) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func limitKey(userID, toolName, source string) string {
	return userID + "\x00" + toolName + "\x00" + source
}

// Check counts one call against the limit that applies to this user and
// tool. Source names the rule that supplied the limit so different rule
// layers do not share a window. Every attempt increments the window
// counter, denied ones included; a call is admitted iff the incremented
// count is within the limit. A nil limit always admits.
func (rl *RateLimiter) Check(userID, toolName, source string, limit *models.RateLimit) RateDecision {
	if limit == nil || limit.Limit == 0 {
		return RateDecision{Allowed: true}
	}
	span := limit.Window()
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limitKey(userID, toolName, source)
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(span), limit: limit.Limit, span: span}
		rl.windows[key] = w
	}

	w.count++
	dec := RateDecision{
		Allowed:      w.count <= w.limit,
		CurrentCount: w.count,
		Limit:        w.limit,
		ResetAt:      w.resetAt,
		TimeLeft:     time.Until(w.resetAt),
		Window:       w.span,
	}
	if !dec.Allowed && rl.bus != nil {
		rl.bus.Emit(events.TopicRateLimitExceeded, map[string]any{
			"userId":  userID,
			"tool":    toolName,
			"limit":   w.limit,
			"resetAt": w.resetAt,
		})
	}
	return dec
}

// CheckAccessError wraps a denied decision in a typed rate limit error.
func (rl *RateLimiter) CheckAccessError(userID, toolName string, dec RateDecision) error {
	rl.logger.Warn("rate limit exceeded",
		"user_id", userID, "tool", toolName,
		"limit", dec.Limit, "reset_in", dec.TimeLeft.Round(time.Millisecond))
	return cerrors.New(cerrors.CodeRateLimit,
		fmt.Sprintf("rate limit exceeded for tool %q: %d calls per window", toolName, dec.Limit)).
		WithStatus(429).
		WithDetails(map[string]any{
			"tool":              toolName,
			"limit":             dec.Limit,
			"currentCount":      dec.CurrentCount,
			"window":            dec.Window.String(),
			"resetAt":           dec.ResetAt,
			"timeLeftMs":        dec.TimeLeft.Milliseconds(),
			"retryAfterSeconds": int64(math.Ceil(dec.TimeLeft.Seconds())),
		})
}

// Clear drops rate limit state. With a user id only that user's windows
// go; with the empty string everything goes.
func (rl *RateLimiter) Clear(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if userID == "" {
		rl.windows = map[string]*window{}
		return
	}
	prefix := userID + "\x00"
	for key := range rl.windows {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(rl.windows, key)
		}
	}
}

// Close stops the background sweep. Idempotent.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}
