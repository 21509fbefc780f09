package api

import (
	"encoding/json"
	"time"
)

// Default address of the sandbox remote.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8321
)

// Kind names a family of remote tasks. Exactly one Task per Kind is active
// at a time.
type Kind string

const (
	KindCaptchaJob      Kind = "CAPTCHA_JOB"
	KindPayment         Kind = "PAYMENT_TRANSACTION"
	KindVideoGeneration Kind = "VIDEO_GENERATION"
)

// Kinds lists every kind the engine knows how to drive.
func Kinds() []Kind {
	return []Kind{KindCaptchaJob, KindPayment, KindVideoGeneration}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCaptchaJob, KindPayment, KindVideoGeneration:
		return true
	default:
		return false
	}
}

type State string

const (
	StateIdle       State = "IDLE"
	StateSubmitting State = "SUBMITTING"
	StatePolling    State = "POLLING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateExpired    State = "EXPIRED"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// Error codes stored in Task.LastError by the engine itself.
const (
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeInvalidID        = "INVALID_ID"
	ErrCodeExpired          = "EXPIRED"
)

type Task struct {
	// Ref is a local handle assigned when the task is created. It tells two
	// generations of the same kind apart before the remote id exists.
	Ref          string          `json:"ref"`
	ID           string          `json:"id,omitempty"`
	Kind         Kind            `json:"kind"`
	State        State           `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	PollInterval time.Duration   `json:"poll_interval"`
	Attempt      int             `json:"attempt"`
	LastError    string          `json:"last_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Expired reports whether the task has a deadline that now has reached.
func (t Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// ResultString returns the result as text: JSON strings are unquoted, any
// other payload is returned as raw JSON.
func (t Task) ResultString() string {
	var s string
	if err := json.Unmarshal(t.Result, &s); err == nil {
		return s
	}
	return string(t.Result)
}

// Payload is the task-specific submit body, e.g. {"action":"IMAGE"} or
// {"planCode":"PRO_MONTHLY"}.
type Payload map[string]any

// SubmitResponse is the remote answer to a submit call.
type SubmitResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the poll body served by remotes that follow the common
// shape. Consumers must not rely on it: the classifier decodes raw bodies.
type StatusResponse struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	CaptchaToken string          `json:"captchaToken,omitempty"`
	VideoURL     string          `json:"videoUrl,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
)

// Resource names cached state that must be re-fetched after a success.
type Resource string

const (
	ResourceQuota  Resource = "quota"
	ResourceLedger Resource = "ledger"
)
