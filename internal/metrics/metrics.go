package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the identity collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	OTPSent       *prometheus.CounterVec
	OTPVerify     *prometheus.CounterVec
	BiometricAuth *prometheus.CounterVec
	SMSGateway    *prometheus.HistogramVec
	AuditDropped  prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing nil uses a private
// registry, which keeps tests independent of each other.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		OTPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_otp_sent_total",
			Help: "OTP send attempts by result",
		}, []string{"result"}),
		OTPVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_otp_verify_total",
			Help: "OTP verification attempts by result",
		}, []string{"result"}),
		BiometricAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_biometric_auth_total",
			Help: "Biometric challenges by result",
		}, []string{"result"}),
		SMSGateway: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_sms_gateway_duration_seconds",
			Help:    "SMS provider round trip time",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "identity_audit_events_dropped_total",
			Help: "Security events dropped because the buffer was full",
		}),
		gatherer: reg,
	}

	reg.MustRegister(m.OTPSent, m.OTPVerify, m.BiometricAuth, m.SMSGateway, m.AuditDropped)
	return m
}

func (m *Metrics) OTPSentResult(result string) {
	if m == nil {
		return
	}
	m.OTPSent.WithLabelValues(result).Inc()
}

func (m *Metrics) OTPVerifyResult(result string) {
	if m == nil {
		return
	}
	m.OTPVerify.WithLabelValues(result).Inc()
}

func (m *Metrics) BiometricResult(result string) {
	if m == nil {
		return
	}
	m.BiometricAuth.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSMS(result string, seconds float64) {
	if m == nil {
		return
	}
	m.SMSGateway.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) AuditDrop() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
