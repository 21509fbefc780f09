package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/throw-if-null/reconciler/internal/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

var (
	ErrUnknownKind     = errors.New("unknown task kind")
	ErrUnknownResource = errors.New("unknown resource")
	ErrServer          = errors.New("remote server error")
	ErrBadResponse     = errors.New("undecodable response")
)

// Client talks to the remote task service over HTTP/JSON. It implements the
// engine's Remote and the dispatcher's Refresher.
type Client struct {
	base       *url.URL
	token      string
	http       *http.Client
	propagator propagation.TextMapPropagator
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its Timeout is kept.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New returns a Client for baseURL. token, when set, is sent as a bearer
// credential on every request.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s): %q", baseURL)
	}
	c := &Client{
		base:       u,
		token:      token,
		http:       &http.Client{Timeout: DefaultTimeout},
		propagator: otel.GetTextMapPropagator(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func submitPath(kind api.Kind) (string, error) {
	switch kind {
	case api.KindCaptchaJob:
		return "/v1/captcha/jobs", nil
	case api.KindPayment:
		return "/v1/payments", nil
	case api.KindVideoGeneration:
		return "/v1/videos", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func refreshPath(res api.Resource) (string, error) {
	switch res {
	case api.ResourceQuota:
		return "/v1/account/quota", nil
	case api.ResourceLedger:
		return "/v1/payments/ledger", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, res)
	}
}

// Submit creates a remote task. A 2xx answer with a decodable body or any 4xx
// answer is returned as a SubmitResponse; 5xx and network failures are errors.
func (c *Client) Submit(ctx context.Context, kind api.Kind, payload api.Payload) (api.SubmitResponse, error) {
	p, err := submitPath(kind)
	if err != nil {
		return api.SubmitResponse{}, err
	}
	if payload == nil {
		payload = api.Payload{}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return api.SubmitResponse{}, fmt.Errorf("encode payload: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, p, &buf)
	if err != nil {
		return api.SubmitResponse{}, err
	}
	if status >= 500 {
		return api.SubmitResponse{}, fmt.Errorf("%w: submit %s: %d", ErrServer, kind, status)
	}

	var out api.SubmitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if status >= 400 {
			// a 4xx is still a rejection when a proxy answers in plain text
			return api.SubmitResponse{Success: false, Message: http.StatusText(status)}, nil
		}
		return api.SubmitResponse{}, fmt.Errorf("%w: submit %s: %v", ErrBadResponse, kind, err)
	}
	if status >= 400 {
		out.Success = false
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
	}
	return out, nil
}

// Poll fetches the raw status body of a remote task. Any error is
// transient from the caller's point of view.
func (c *Client) Poll(ctx context.Context, kind api.Kind, id string) ([]byte, error) {
	p, err := submitPath(kind)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(ctx, http.MethodGet, p+"/"+id, nil)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, fmt.Errorf("%w: poll %s %s: %d", ErrServer, kind, id, status)
	}
	return body, nil
}

// Refresh re-fetches a dependent resource so caches observe the change.
func (c *Client) Refresh(ctx context.Context, res api.Resource) error {
	p, err := refreshPath(res)
	if err != nil {
		return err
	}
	status, body, err := c.do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("refresh %s: %d: %s", res, status, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, p string, body io.Reader) (int, []byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}
