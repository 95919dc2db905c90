package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(nil)
	m.OTPSentResult("success")
	m.OTPSentResult("success")
	m.OTPVerifyResult("invalid_code")

	if got := testutil.ToFloat64(m.OTPSent.WithLabelValues("success")); got != 2 {
		t.Fatalf("otp sent = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `identity_otp_verify_total{result="invalid_code"} 1`) {
		t.Fatalf("metrics output missing verify counter:\n%s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.OTPSentResult("success")
	m.ObserveSMS("success", 0.1)
	m.AuditDrop()
}
