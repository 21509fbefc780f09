package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tick is the cadence of the countdown.
const Tick = time.Second

// Countdown ticks once per second until a deadline, independent of any
// network activity. It stops on expiry, on Stop, or when its context ends.
type Countdown struct {
	clock    clockwork.Clock
	deadline time.Time
	onTick   func(remaining time.Duration)
	onExpire func()

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start launches the countdown. onTick receives the remaining time on every
// tick (never negative); onExpire is called at most once. Either may be nil.
func Start(ctx context.Context, clock clockwork.Clock, deadline time.Time, onTick func(time.Duration), onExpire func()) *Countdown {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Countdown{
		clock:    clock,
		deadline: deadline,
		onTick:   onTick,
		onExpire: onExpire,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	ticker := clock.NewTicker(Tick)
	go c.run(ctx, ticker)
	return c
}

func (c *Countdown) run(ctx context.Context, ticker clockwork.Ticker) {
	defer close(c.done)
	defer c.cancel()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		// a tick may race with cancellation; cancellation wins
		if ctx.Err() != nil {
			return
		}
		remaining := c.Remaining()
		if c.onTick != nil {
			c.onTick(remaining)
		}
		if remaining <= 0 {
			if c.onExpire != nil {
				c.onExpire()
			}
			return
		}
	}
}

// Remaining returns the time left until the deadline, floored at zero.
func (c *Countdown) Remaining() time.Duration {
	d := c.deadline.Sub(c.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (c *Countdown) Deadline() time.Time { return c.deadline }

// Stop halts the countdown without calling onExpire. Safe to call repeatedly.
func (c *Countdown) Stop() {
	c.stopOnce.Do(c.cancel)
}

// Done is closed once the countdown goroutine has exited.
func (c *Countdown) Done() <-chan struct{} { return c.done }
