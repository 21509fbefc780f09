// Package reconcile turns raw status-check bodies into a closed set of
// outcomes. Anything it cannot positively recognise is Pending.
package reconcile

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/throw-if-null/reconciler/internal/api"
)

type Outcome int

const (
	Pending Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}

// Verdict is the classified form of one status-check response.
type Verdict struct {
	Outcome Outcome
	// Status is the remote status string as received, upper-cased.
	Status string
	// Result is set only for Success.
	Result json.RawMessage
	// Reason is set only for Failure.
	Reason string
}

// rule describes how one kind reports its result payload.
type rule struct {
	resultFields  []string
	requireResult bool
}

var rules = map[api.Kind]rule{
	api.KindCaptchaJob:      {resultFields: []string{"result", "captchaToken", "token"}, requireResult: true},
	api.KindVideoGeneration: {resultFields: []string{"result", "videoUrl", "url"}, requireResult: true},
	api.KindPayment:         {resultFields: []string{"result"}},
}

// Classify interprets raw for the given kind.
//
//   - a non-empty result payload is Success
//   - status FAILED or ERROR (any case) is Failure
//   - status SUCCESS is Success for kinds that do not carry a payload
//   - everything else, including undecodable bodies, is Pending
func Classify(raw []byte, kind api.Kind) Verdict {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Verdict{Outcome: Pending}
	}
	status := strings.ToUpper(strings.TrimSpace(stringField(fields, "status")))

	r, ok := rules[kind]
	if !ok {
		r = rule{resultFields: []string{"result"}}
	}

	// FAILED wins over a result payload
	switch status {
	case "FAILED", "ERROR":
		reason := stringField(fields, "message")
		if reason == "" {
			reason = stringField(fields, "error")
		}
		if reason == "" {
			reason = status
		}
		return Verdict{Outcome: Failure, Status: status, Reason: reason}
	}

	for _, f := range r.resultFields {
		if v, ok := fields[f]; ok && !isEmpty(v) {
			return Verdict{Outcome: Success, Status: status, Result: append(json.RawMessage(nil), v...)}
		}
	}

	if status == "SUCCESS" && !r.requireResult {
		return Verdict{Outcome: Success, Status: status}
	}
	return Verdict{Outcome: Pending, Status: status}
}

func isEmpty(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	switch string(t) {
	case "", "null", `""`, "{}", "[]", "false":
		return true
	}
	return false
}

// stringField returns fields[name] when it holds a JSON string.
func stringField(fields map[string]json.RawMessage, name string) string {
	var s string
	if v, ok := fields[name]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}
