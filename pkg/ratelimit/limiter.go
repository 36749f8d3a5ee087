package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeSystemError       = "RATE_LIMIT_SYSTEM_ERROR"
)

// Config describes one rate-limited route class. KeyFunc overrides the
// default client-IP key; a key-derivation error fails the request closed.
type Config struct {
	Window             time.Duration
	MaxAttempts        int
	CaptchaThreshold   int
	SuspicionThreshold int
	Cooldown           time.Duration
	Retention          time.Duration
	KeyFunc            func(r *http.Request) (string, error)
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	if c.CaptchaThreshold <= 0 {
		c.CaptchaThreshold = 3
	}
	if c.SuspicionThreshold <= 0 {
		c.SuspicionThreshold = 15
	}
	if c.Cooldown <= 0 {
		c.Cooldown = c.Window
	}
	if c.Retention <= 0 {
		c.Retention = 10 * c.Window
		if c.Retention < time.Hour {
			c.Retention = time.Hour
		}
	}
	return c
}

// Record is the mutable per-key counter state. Count is monotonically
// non-decreasing within a window and never negative.
type Record struct {
	Key                   string
	Count                 int
	WindowStart           time.Time
	ConsecutiveViolations int
	LastViolationAt       time.Time
}

// CounterStore performs the atomic read-modify-write for one key: window
// rollover, increment, and violation bookkeeping happen as one operation so
// concurrent bursts from the same client never undercount.
type CounterStore interface {
	Incr(ctx context.Context, key string, cfg Config, now time.Time) (Record, error)
}

// SuspectStore holds the operator-visible suspicious-IP set. Flag reports
// whether the IP was newly flagged.
type SuspectStore interface {
	Flag(ctx context.Context, ip string, ttl time.Duration) (bool, error)
	IsFlagged(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Clear(ctx context.Context, ip string) error
}

// Decision is the full outcome of one check, including the escalation state
// the caller needs to emit security events. Escalation is reported here
// rather than through an injected callback.
type Decision struct {
	Allowed         bool
	Count           int
	Limit           int
	Remaining       int
	ResetAt         time.Time
	Window          time.Duration
	CaptchaRequired bool
	Violations      int
	NewlySuspicious bool
}

type Limiter struct {
	Store    CounterStore
	Suspects SuspectStore
}

func New(store CounterStore, suspects SuspectStore) *Limiter {
	return &Limiter{Store: store, Suspects: suspects}
}

// Check increments the counter for key and evaluates the limit. originIP is
// the resolved client address used for suspicion flagging; it may differ from
// the key when a custom key generator is in use.
func (l *Limiter) Check(ctx context.Context, key, originIP string, cfg Config) (Decision, error) {
	cfg = cfg.withDefaults()
	now := time.Now().UTC()
	rec, err := l.Store.Incr(ctx, key, cfg, now)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:    rec.Count <= cfg.MaxAttempts,
		Count:      rec.Count,
		Limit:      cfg.MaxAttempts,
		Remaining:  cfg.MaxAttempts - rec.Count,
		ResetAt:    rec.WindowStart.Add(cfg.Window),
		Window:     cfg.Window,
		Violations: rec.ConsecutiveViolations,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if d.Allowed {
		return d, nil
	}
	if rec.ConsecutiveViolations >= cfg.CaptchaThreshold {
		d.CaptchaRequired = true
	}
	if rec.ConsecutiveViolations >= cfg.SuspicionThreshold && l.Suspects != nil && originIP != "" {
		// The denial stands either way; a suspect-store failure only loses
		// the flag, so it is not allowed to turn a 429 into a 500.
		if fresh, err := l.Suspects.Flag(ctx, originIP, cfg.Retention); err == nil && fresh {
			d.NewlySuspicious = true
		}
	}
	return d, nil
}

// SetHeaders writes the rate-limit response headers. They are set on every
// evaluated request, denials included.
func SetHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Window", strconv.Itoa(int(d.Window.Seconds())))
}
