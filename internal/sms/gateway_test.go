package sms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/config"
)

const successBody = `{"SMSMessageData":{"Message":"Sent to 1/1 Total Cost: KES 0.8000","Recipients":[{"statusCode":101,"number":"+254712345678","status":"Success","cost":"KES 0.8000","messageId":"ATXid_abc"}]}}`

func testConfig(baseURL string) config.SMSConfig {
	return config.SMSConfig{
		BaseURL:         baseURL,
		Username:        "sandbox",
		APIKey:          "test-key",
		SenderID:        "BANK",
		Timeout:         2 * time.Second,
		MaxRetryElapsed: time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}
}

func newGateway(cfg config.SMSConfig) *AfricasTalkingGateway {
	return NewAfricasTalkingGateway(cfg, nil, nil, zap.NewNop())
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messaging" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apiKey") != "test-key" {
			t.Errorf("missing apiKey header")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("username") != "sandbox" || r.PostForm.Get("to") != "+254712345678" ||
			r.PostForm.Get("message") != "Your code is 123456" || r.PostForm.Get("from") != "BANK" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(successBody))
	}))
	defer srv.Close()

	d, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "Your code is 123456")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.MessageID != "ATXid_abc" || d.Status != "Success" {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestProviderStatusIsSurfacedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 0/1","Recipients":[{"statusCode":405,"number":"+254712345678","status":"InsufficientBalance","cost":"0","messageId":"None"}]}}`))
	}))
	defer srv.Close()

	_, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if apperr.KindOf(err) != apperr.KindDelivery || apperr.MessageOf(err) != "InsufficientBalance" {
		t.Fatalf("expected verbatim provider status, got %v", err)
	}
}

func TestEmptyRecipientsUsesProviderMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"InvalidSenderId","Recipients":[]}}`))
	}))
	defer srv.Close()

	_, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if apperr.MessageOf(err) != "InvalidSenderId" {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestNonJSONResponseIsFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("The supplied authentication is invalid"))
	}))
	defer srv.Close()

	_, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if apperr.KindOf(err) != apperr.KindDelivery || apperr.MessageOf(err) != msgInvalidResponse {
		t.Fatalf("expected invalid response failure, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("non-JSON response must not be retried, got %d calls", calls)
	}
}

func TestMalformedJSONIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if apperr.MessageOf(err) != msgInvalidResponse {
		t.Fatalf("expected invalid response failure, got %v", err)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if apperr.MessageOf(err) != "SMS provider returned status 401" {
		t.Fatalf("unexpected error %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestServiceUnavailableIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(successBody))
	}))
	defer srv.Close()

	d, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d.MessageID != "ATXid_abc" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected success on second call, got %+v after %d calls", d, calls)
	}
}

func TestTransportErrorIsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxRetryElapsed = 300 * time.Millisecond
	_, err := newGateway(cfg).Send(context.Background(), "+254712345678", "hi")
	if apperr.KindOf(err) != apperr.KindDelivery || apperr.MessageOf(err) != msgTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestLostResponseIsNotResent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = r.ParseForm()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	_, err := newGateway(testConfig(srv.URL)).Send(context.Background(), "+254712345678", "hi")
	if apperr.KindOf(err) != apperr.KindDelivery || apperr.MessageOf(err) != msgTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("request sent %d times after the provider received it", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := newGateway(testConfig(srv.URL))
	for i := 0; i < 3; i++ {
		_, _ = gw.Send(context.Background(), "+254712345678", "hi")
	}

	_, err := gw.Send(context.Background(), "+254712345678", "hi")
	if apperr.MessageOf(err) != msgUnavailable {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", calls)
	}
}

func TestValidation(t *testing.T) {
	gw := newGateway(testConfig("http://127.0.0.1:1"))
	if _, err := gw.Send(context.Background(), " ", "hi"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := gw.Send(context.Background(), "+254712345678", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
