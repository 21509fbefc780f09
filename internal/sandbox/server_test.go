package sandbox_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/throw-if-null/reconciler/internal/api"
	"github.com/throw-if-null/reconciler/internal/sandbox"
)

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer res.Body.Close()
	return res, decode(t, res.Body)
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer res.Body.Close()
	return res, decode(t, res.Body)
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	b, _ := io.ReadAll(r)
	out := map[string]any{}
	if len(b) > 0 && b[0] == '{' {
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v; body=%s", err, string(b))
		}
	}
	return out
}

func TestCaptchaCompletesAfterPendingPolls(t *testing.T) {
	srv := sandbox.NewServer(sandbox.Options{PendingPolls: 2})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, body := post(t, ts.URL+"/v1/captcha/jobs", `{"action":"IMAGE"}`)
	if res.StatusCode != http.StatusAccepted || body["success"] != true {
		t.Fatalf("unexpected submit answer: %d %v", res.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("expected id")
	}

	for i := 0; i < 2; i++ {
		_, st := get(t, ts.URL+"/v1/captcha/jobs/"+id)
		if st["status"] != "PENDING" {
			t.Fatalf("poll %d: expected PENDING, got %v", i+1, st)
		}
	}
	_, st := get(t, ts.URL+"/v1/captcha/jobs/"+id)
	if st["status"] != "SUCCESS" {
		t.Fatalf("expected SUCCESS, got %v", st)
	}
	tok, _ := st["captchaToken"].(string)
	if !strings.HasPrefix(tok, "tok_") {
		t.Fatalf("expected tok_ token, got %q", tok)
	}
	if n := srv.Polls(id); n != 3 {
		t.Fatalf("expected 3 polls, got %d", n)
	}
}

func TestCaptchaFailAction(t *testing.T) {
	ts := httptest.NewServer(sandbox.NewServer(sandbox.Options{}).Handler())
	defer ts.Close()

	_, body := post(t, ts.URL+"/v1/captcha/jobs", `{"action":"fail"}`)
	id, _ := body["id"].(string)
	_, st := get(t, ts.URL+"/v1/captcha/jobs/"+id)
	if st["status"] != "FAILED" || st["message"] == "" {
		t.Fatalf("expected FAILED with message, got %v", st)
	}
}

func TestPaymentLifecycle(t *testing.T) {
	srv := sandbox.NewServer(sandbox.Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, body := post(t, ts.URL+"/v1/payments", `{"planCode":"NOPE"}`)
	if res.StatusCode != http.StatusBadRequest || body["success"] != false || body["message"] != "UNKNOWN_PLAN" {
		t.Fatalf("expected plan rejection, got %d %v", res.StatusCode, body)
	}

	_, body = post(t, ts.URL+"/v1/payments", `{"planCode":"PRO_MONTHLY"}`)
	id, _ := body["id"].(string)
	for i := 0; i < 3; i++ {
		_, st := get(t, ts.URL+"/v1/payments/"+id)
		if st["status"] != "PENDING" {
			t.Fatalf("payment must stay pending until confirmed, got %v", st)
		}
	}

	res, _ = post(t, ts.URL+"/v1/payments/"+id+"/confirm", ``)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %s", res.Status)
	}
	res, _ = post(t, ts.URL+"/v1/payments/"+id+"/confirm", ``)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second confirm: expected 409, got %s", res.Status)
	}
	_, st := get(t, ts.URL+"/v1/payments/"+id)
	if st["status"] != "SUCCESS" {
		t.Fatalf("expected SUCCESS, got %v", st)
	}

	lres, err := http.Get(ts.URL + "/v1/payments/ledger")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer lres.Body.Close()
	var entries []map[string]string
	if err := json.NewDecoder(lres.Body).Decode(&entries); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if len(entries) != 1 || entries[0]["id"] != id {
		t.Fatalf("unexpected ledger: %v", entries)
	}
	if n := srv.Refreshes(api.ResourceLedger); n != 1 {
		t.Fatalf("expected 1 ledger refresh, got %d", n)
	}
}

func TestPaymentDecline(t *testing.T) {
	ts := httptest.NewServer(sandbox.NewServer(sandbox.Options{}).Handler())
	defer ts.Close()

	_, body := post(t, ts.URL+"/v1/payments", `{"planCode":"TEAM_MONTHLY"}`)
	id, _ := body["id"].(string)
	post(t, ts.URL+"/v1/payments/"+id+"/decline", ``)
	_, st := get(t, ts.URL+"/v1/payments/"+id)
	if st["status"] != "FAILED" || st["message"] != "DECLINED" {
		t.Fatalf("expected FAILED/DECLINED, got %v", st)
	}
}

func TestVideoRequiresPrompt(t *testing.T) {
	ts := httptest.NewServer(sandbox.NewServer(sandbox.Options{}).Handler())
	defer ts.Close()

	res, body := post(t, ts.URL+"/v1/videos", `{"prompt":"  "}`)
	if res.StatusCode != http.StatusBadRequest || body["message"] != "PROMPT_REQUIRED" {
		t.Fatalf("expected prompt rejection, got %d %v", res.StatusCode, body)
	}
	_, body = post(t, ts.URL+"/v1/videos", `{"prompt":"sunset"}`)
	id, _ := body["id"].(string)
	_, st := get(t, ts.URL+"/v1/videos/"+id)
	if st["status"] != "SUCCESS" || !strings.HasSuffix(st["videoUrl"].(string), id+".mp4") {
		t.Fatalf("unexpected video status: %v", st)
	}
}

func TestQuotaExhaustion(t *testing.T) {
	srv := sandbox.NewServer(sandbox.Options{Quota: 1})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, body := post(t, ts.URL+"/v1/captcha/jobs", `{}`)
	id, _ := body["id"].(string)
	get(t, ts.URL+"/v1/captcha/jobs/"+id)

	res, body := post(t, ts.URL+"/v1/captcha/jobs", `{}`)
	if res.StatusCode != http.StatusPaymentRequired || body["message"] != "QUOTA_EXCEEDED" {
		t.Fatalf("expected quota rejection, got %d %v", res.StatusCode, body)
	}
	_, q := get(t, ts.URL+"/v1/account/quota")
	if q["remaining"] != float64(0) {
		t.Fatalf("expected remaining 0, got %v", q)
	}
}

func TestFailEveryAnswers503(t *testing.T) {
	ts := httptest.NewServer(sandbox.NewServer(sandbox.Options{PendingPolls: 5, FailEvery: 2}).Handler())
	defer ts.Close()

	_, body := post(t, ts.URL+"/v1/captcha/jobs", `{}`)
	id, _ := body["id"].(string)
	res, _ := get(t, ts.URL+"/v1/captcha/jobs/"+id)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first check: %s", res.Status)
	}
	res, _ = get(t, ts.URL+"/v1/captcha/jobs/"+id)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second check: expected 503, got %s", res.Status)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	ts := httptest.NewServer(sandbox.NewServer(sandbox.Options{Token: "s3cret"}).Handler())
	defer ts.Close()

	res, body := post(t, ts.URL+"/v1/captcha/jobs", `{}`)
	if res.StatusCode != http.StatusUnauthorized || body["message"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", res.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/captcha/jobs", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized post: %v", err)
	}
	ok.Body.Close()
	if ok.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %s", ok.Status)
	}

	hres, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	hres.Body.Close()
	if hres.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not require a token, got %s", hres.Status)
	}
}
