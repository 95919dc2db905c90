package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"identity-service/internal/apperr"
	"identity-service/internal/config"
	"identity-service/internal/metrics"
	"identity-service/internal/util"
)

const (
	statusSuccess = "Success"

	msgUnavailable     = "SMS service temporarily unavailable. Please try again later."
	msgTransport       = "Failed to send SMS. Please try again."
	msgInvalidResponse = "Invalid response from SMS provider"
	msgNoRecipients    = "SMS provider accepted no recipients"
)

// Delivery is the provider's acknowledgement for one recipient.
type Delivery struct {
	MessageID string
	Recipient string
	Status    string
	Cost      string
}

// Gateway sends a text message to one phone number. Every failure is an
// *apperr.Error of kind delivery or validation; Send never panics on a
// provider response.
type Gateway interface {
	Send(ctx context.Context, to, message string) (*Delivery, error)
}

type recipient struct {
	StatusCode int    `json:"statusCode"`
	Number     string `json:"number"`
	Status     string `json:"status"`
	Cost       string `json:"cost"`
	MessageID  string `json:"messageId"`
}

type messagingResponse struct {
	SMSMessageData struct {
		Message    string      `json:"Message"`
		Recipients []recipient `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// providerError is a failed HTTP exchange. retryable marks transport
// failures and gateway timeouts.
type providerError struct {
	message   string
	retryable bool
	err       error
}

func (e *providerError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *providerError) Unwrap() error { return e.err }

// AfricasTalkingGateway posts to the provider's /messaging endpoint. Calls
// are throttled, retried with exponential backoff on transport errors and
// 502/503/504, and short-circuited by a breaker while the provider is down.
type AfricasTalkingGateway struct {
	cfg        config.SMSConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewAfricasTalkingGateway(cfg config.SMSConfig, httpClient *http.Client, m *metrics.Metrics, logger *zap.Logger) *AfricasTalkingGateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sms-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &AfricasTalkingGateway{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    breaker,
		metrics:    m,
		logger:     logger,
	}
}

func (g *AfricasTalkingGateway) Send(ctx context.Context, to, message string) (*Delivery, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, apperr.New(apperr.KindValidation, "Recipient phone number is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, apperr.New(apperr.KindValidation, "Message body is required")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDelivery, msgUnavailable, err)
	}

	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.postWithRetry(ctx, to, message)
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.metrics.ObserveSMS("circuit_open", elapsed)
			g.logger.Warn("SMS send short-circuited", util.Phone("to", to))
			return nil, apperr.Wrap(apperr.KindDelivery, msgUnavailable, err)
		}

		g.metrics.ObserveSMS("error", elapsed)
		g.logger.Error("SMS send failed", util.Phone("to", to), zap.Error(err))

		var pe *providerError
		if errors.As(err, &pe) {
			return nil, apperr.Wrap(apperr.KindDelivery, pe.message, err)
		}
		return nil, apperr.Wrap(apperr.KindDelivery, msgTransport, err)
	}

	resp := out.(*messagingResponse)
	recipients := resp.SMSMessageData.Recipients
	if len(recipients) == 0 {
		g.metrics.ObserveSMS("rejected", elapsed)
		msg := resp.SMSMessageData.Message
		if msg == "" {
			msg = msgNoRecipients
		}
		g.logger.Warn("SMS provider accepted no recipients",
			util.Phone("to", to),
			zap.String("provider_message", resp.SMSMessageData.Message))
		return nil, apperr.New(apperr.KindDelivery, msg)
	}

	first := recipients[0]
	if first.Status != statusSuccess {
		g.metrics.ObserveSMS("rejected", elapsed)
		g.logger.Warn("SMS rejected by provider",
			util.Phone("to", to),
			zap.String("status", first.Status),
			zap.Int("status_code", first.StatusCode))
		return nil, apperr.New(apperr.KindDelivery, first.Status)
	}

	g.metrics.ObserveSMS("success", elapsed)
	g.logger.Info("SMS sent",
		util.Phone("to", to),
		zap.String("message_id", first.MessageID))

	return &Delivery{
		MessageID: first.MessageID,
		Recipient: first.Number,
		Status:    first.Status,
		Cost:      first.Cost,
	}, nil
}

func (g *AfricasTalkingGateway) postWithRetry(ctx context.Context, to, message string) (*messagingResponse, error) {
	form := url.Values{}
	form.Set("username", g.cfg.Username)
	form.Set("to", to)
	form.Set("message", message)
	if g.cfg.SenderID != "" {
		form.Set("from", g.cfg.SenderID)
	}
	body := form.Encode()

	var result *messagingResponse
	operation := func() error {
		resp, err := g.post(ctx, body)
		if err != nil {
			var pe *providerError
			if errors.As(err, &pe) && !pe.retryable {
				return backoff.Permanent(err)
			}
			g.logger.Debug("SMS provider call failed, retrying", zap.Error(err))
			return err
		}
		result = resp
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = g.cfg.MaxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *AfricasTalkingGateway) post(ctx context.Context, body string) (*messagingResponse, error) {
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/messaging"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, &providerError{message: msgTransport, err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", g.cfg.APIKey)

	// POST /messaging is not idempotent: once the request left, a lost
	// response may still mean a delivered SMS.
	var wrote atomic.Bool
	req = req.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	}))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &providerError{message: msgTransport, retryable: ctx.Err() == nil && !wrote.Load(), err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &providerError{message: msgTransport, err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout
		return nil, &providerError{
			message:   fmt.Sprintf("SMS provider returned status %d", resp.StatusCode),
			retryable: retryable,
			err:       fmt.Errorf("body: %.200s", raw),
		}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, &providerError{
			message: msgInvalidResponse,
			err:     fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")),
		}
	}

	var parsed messagingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &providerError{message: msgInvalidResponse, err: err}
	}
	return &parsed, nil
}
