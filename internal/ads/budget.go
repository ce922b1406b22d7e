package ads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// usageCooldown is applied when Meta reports an app or account usage at or
// above 100% of its quota without a Retry-After header.
const usageCooldown = 60 * time.Second

// RequestBudget throttles requests against one ads API. It starts optimistic
// and learns the real quota from response headers.
type RequestBudget struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	now       func() time.Time
	trialSent bool
	cooldown  time.Time
	notifyCh  chan struct{}
}

func NewRequestBudget(initial int) *RequestBudget {
	if initial <= 0 {
		initial = 1000
	}
	return &RequestBudget{
		remaining: initial,
		reset:     time.Now().Add(1 * time.Hour),
		now:       time.Now,
		notifyCh:  make(chan struct{}),
	}
}

// Acquire blocks until one request may be sent or ctx is done.
func (b *RequestBudget) Acquire(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("Acquire: nil context")
	}
	if b == nil {
		return nil
	}
	if b.now == nil || b.notifyCh == nil {
		return fmt.Errorf("Acquire: RequestBudget not initialized (use NewRequestBudget)")
	}

	for {
		b.mu.Lock()
		now := b.now()

		if now.Before(b.cooldown) {
			until := b.cooldown
			ch := b.notifyCh
			b.mu.Unlock()
			if err := b.wait(ctx, until.Sub(now), ch); err != nil {
				return err
			}
			continue
		}

		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()
			return nil
		}

		// Past the reset without a refreshed quota: allow exactly one trial
		// request, then block until Observe reports new numbers.
		if !now.Before(b.reset) {
			if !b.trialSent {
				b.trialSent = true
				b.mu.Unlock()
				return nil
			}
			ch := b.notifyCh
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				continue
			}
		}

		reset := b.reset
		ch := b.notifyCh
		b.mu.Unlock()
		if err := b.wait(ctx, reset.Sub(now), ch); err != nil {
			return err
		}
	}
}

func (b *RequestBudget) wait(ctx context.Context, d time.Duration, ch <-chan struct{}) error {
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	}
}

func (b *RequestBudget) signalLocked() {
	close(b.notifyCh)
	b.notifyCh = make(chan struct{})
}

// Observe updates the budget from a response. It understands Retry-After,
// X-RateLimit-Remaining/X-RateLimit-Reset and Meta's X-App-Usage and
// X-Ad-Account-Usage percentages.
func (b *RequestBudget) Observe(resp *http.Response) {
	if b == nil || resp == nil || b.now == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false
	now := b.now()

	extendCooldown := func(until time.Time) {
		if until.After(b.cooldown) {
			b.cooldown = until
			changed = true
		}
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			if seconds > 0 {
				extendCooldown(now.Add(time.Duration(seconds) * time.Second))
			}
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			extendCooldown(at)
		}
	}

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if val, err := strconv.Atoi(remaining); err == nil && val >= 0 && b.remaining != val {
			b.remaining = val
			changed = true
		}
	}

	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if val, err := strconv.ParseInt(reset, 10, 64); err == nil && val > 0 {
			newReset := time.Unix(val, 0)
			if !b.reset.Equal(newReset) {
				b.reset = newReset
				changed = true
			}
		}
	}

	for _, h := range []string{"X-App-Usage", "X-Ad-Account-Usage"} {
		if pct, ok := maxUsagePercent(resp.Header.Get(h)); ok && pct >= 100 {
			extendCooldown(now.Add(usageCooldown))
		}
	}

	if changed {
		b.trialSent = false
		b.signalLocked()
	}
}

// maxUsagePercent returns the largest numeric percentage in a Meta usage
// header such as {"call_count":28,"total_time":25,"total_cputime":25}.
func maxUsagePercent(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	var usage map[string]any
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		return 0, false
	}
	var top float64
	found := false
	for _, v := range usage {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if !found || f > top {
			top = f
			found = true
		}
	}
	return top, found
}
