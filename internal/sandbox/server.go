package sandbox

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/throw-if-null/reconciler/internal/api"
)

// Options shape the behaviour of the fake remote.
type Options struct {
	// PendingPolls is how many status checks a captcha or video job answers
	// PENDING before it completes.
	PendingPolls int
	// Token, when set, must be presented as a bearer credential.
	Token string
	// Plans are the accepted payment plan codes.
	Plans []string
	// FailEvery makes every Nth status check answer 503. Zero disables it.
	FailEvery int
	// Quota is the starting number of jobs the account may run.
	Quota int
}

func (o Options) withDefaults() Options {
	if o.PendingPolls < 0 {
		o.PendingPolls = 0
	}
	if len(o.Plans) == 0 {
		o.Plans = []string{"PRO_MONTHLY", "PRO_YEARLY", "TEAM_MONTHLY"}
	}
	if o.Quota <= 0 {
		o.Quota = 100
	}
	return o
}

const (
	statusPending = "PENDING"
	statusSuccess = "SUCCESS"
	statusFailed  = "FAILED"
)

type job struct {
	kind    api.Kind
	status  string
	polls   int
	fail    bool
	result  string
	message string
	plan    string
}

type ledgerEntry struct {
	ID   string `json:"id"`
	Plan string `json:"planCode"`
}

// Server is an in-memory remote task service speaking the same HTTP/JSON
// protocol the transport client expects.
type Server struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*job
	checks  int
	quota   int
	ledger  []ledgerEntry
	refresh map[api.Resource]int
}

func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:    opts,
		jobs:    map[string]*job{},
		quota:   opts.Quota,
		refresh: map[api.Resource]int{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/captcha/jobs", s.handleCreateCaptcha)
	mux.HandleFunc("GET /v1/captcha/jobs/{id}", s.handleStatus(api.KindCaptchaJob))
	mux.HandleFunc("POST /v1/payments", s.handleCreatePayment)
	mux.HandleFunc("GET /v1/payments/ledger", s.handleLedger)
	mux.HandleFunc("GET /v1/payments/{id}", s.handleStatus(api.KindPayment))
	mux.HandleFunc("POST /v1/payments/{id}/confirm", s.handleSettle(statusSuccess))
	mux.HandleFunc("POST /v1/payments/{id}/decline", s.handleSettle(statusFailed))
	mux.HandleFunc("POST /v1/videos", s.handleCreateVideo)
	mux.HandleFunc("GET /v1/videos/{id}", s.handleStatus(api.KindVideoGeneration))
	mux.HandleFunc("GET /v1/account/quota", s.handleQuota)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Handle("/v1/", s.authorize(mux))
	return root
}

// Refreshes reports how many times res was fetched.
func (s *Server) Refreshes(res api.Resource) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh[res]
}

// Polls reports how many status checks the job with id has received.
func (s *Server) Polls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.polls
	}
	return 0
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.opts.Token {
				writeJSON(w, http.StatusUnauthorized, api.SubmitResponse{Success: false, Message: "UNAUTHORIZED"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateCaptcha(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.SubmitResponse{Message: "INVALID_JSON"})
		return
	}
	action := strings.ToUpper(strings.TrimSpace(req.Action))
	if action == "" {
		action = "IMAGE"
	}
	j := &job{
		kind:   api.KindCaptchaJob,
		status: statusPending,
		fail:   action == "FAIL",
		result: "tok_" + uuid.NewString(),
	}
	s.create(w, j)
}

func (s *Server) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.SubmitResponse{Message: "INVALID_JSON"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, api.SubmitResponse{Message: "PROMPT_REQUIRED"})
		return
	}
	s.create(w, &job{kind: api.KindVideoGeneration, status: statusPending})
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanCode string `json:"planCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.SubmitResponse{Message: "INVALID_JSON"})
		return
	}
	if !slices.Contains(s.opts.Plans, req.PlanCode) {
		writeJSON(w, http.StatusBadRequest, api.SubmitResponse{Message: "UNKNOWN_PLAN"})
		return
	}
	s.create(w, &job{kind: api.KindPayment, status: statusPending, plan: req.PlanCode})
}

func (s *Server) create(w http.ResponseWriter, j *job) {
	id := uuid.NewString()
	if j.kind == api.KindVideoGeneration {
		j.result = "https://cdn.sandbox.local/videos/" + id + ".mp4"
	}

	s.mu.Lock()
	if j.kind != api.KindPayment && s.quota <= 0 {
		s.mu.Unlock()
		writeJSON(w, http.StatusPaymentRequired, api.SubmitResponse{Message: "QUOTA_EXCEEDED"})
		return
	}
	s.jobs[id] = j
	s.mu.Unlock()

	writeJSON(w, http.StatusAccepted, api.SubmitResponse{Success: true, ID: id})
}

func (s *Server) handleStatus(kind api.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		s.mu.Lock()
		s.checks++
		if s.opts.FailEvery > 0 && s.checks%s.opts.FailEvery == 0 {
			s.mu.Unlock()
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		j, ok := s.jobs[id]
		if !ok || j.kind != kind {
			s.mu.Unlock()
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
			return
		}
		j.polls++
		if j.kind != api.KindPayment && j.status == statusPending && j.polls > s.opts.PendingPolls {
			s.completeLocked(j)
		}
		body := statusBody(j)
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) completeLocked(j *job) {
	if j.fail {
		j.status = statusFailed
		j.message = "captcha could not be solved"
		return
	}
	j.status = statusSuccess
	s.quota--
}

func statusBody(j *job) map[string]any {
	out := map[string]any{"status": j.status}
	switch j.status {
	case statusFailed:
		out["message"] = j.message
	case statusSuccess:
		switch j.kind {
		case api.KindCaptchaJob:
			out["captchaToken"] = j.result
		case api.KindVideoGeneration:
			out["videoUrl"] = j.result
		case api.KindPayment:
			out["result"] = map[string]string{"planCode": j.plan}
		}
	}
	return out
}

func (s *Server) handleSettle(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.mu.Lock()
		defer s.mu.Unlock()
		j, ok := s.jobs[id]
		if !ok || j.kind != api.KindPayment {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if j.status != statusPending {
			http.Error(w, "already settled", http.StatusConflict)
			return
		}
		j.status = status
		if status == statusFailed {
			j.message = "DECLINED"
		} else {
			s.ledger = append(s.ledger, ledgerEntry{ID: id, Plan: j.plan})
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.ToLower(status)))
	}
}

func (s *Server) handleQuota(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.refresh[api.ResourceQuota]++
	remaining := s.quota
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.refresh[api.ResourceLedger]++
	entries := append([]ledgerEntry{}, s.ledger...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
