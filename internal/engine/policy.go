package engine

import (
	"time"

	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/dispatch"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultBackoff      = 10 * time.Second
	PaymentDeadline     = 900 * time.Second
	PaymentDismissAfter = 2500 * time.Millisecond
)

// Policy is the per-kind polling and side-effect configuration.
type Policy struct {
	// Interval is the delay before the first check and after a pending one.
	Interval time.Duration
	// Backoff is the delay after a transient transport error.
	Backoff time.Duration
	// Deadline, when positive, expires the task client-side this long after
	// submission.
	Deadline time.Duration
	Effects  dispatch.Effects
}

func (p Policy) normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Backoff <= 0 {
		p.Backoff = 2 * p.Interval
	}
	return p
}

// DefaultPolicies returns the built-in policy for every known kind.
func DefaultPolicies() map[api.Kind]Policy {
	return map[api.Kind]Policy{
		api.KindCaptchaJob: {
			Interval: DefaultInterval,
			Backoff:  DefaultBackoff,
			Effects: dispatch.Effects{
				Refresh:        []api.Resource{api.ResourceQuota},
				SuccessMessage: "Captcha solved",
				FailureMessage: "Captcha job failed",
			},
		},
		api.KindPayment: {
			Interval: DefaultInterval,
			Backoff:  DefaultBackoff,
			Deadline: PaymentDeadline,
			Effects: dispatch.Effects{
				Refresh:        []api.Resource{api.ResourceQuota, api.ResourceLedger},
				DismissAfter:   PaymentDismissAfter,
				SuccessMessage: "Payment confirmed",
				FailureMessage: "Payment failed",
				ExpiredMessage: "Payment expired",
			},
		},
		api.KindVideoGeneration: {
			Interval: DefaultInterval,
			Backoff:  DefaultBackoff,
			Effects: dispatch.Effects{
				SuccessMessage: "Video ready",
				FailureMessage: "Video generation failed",
			},
		},
	}
}
