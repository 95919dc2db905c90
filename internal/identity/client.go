package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"identity-service/internal/apperr"
	"identity-service/internal/config"
)

const (
	refreshLeeway = 10 * time.Second

	msgServiceUnavailable = "Authentication service unavailable. Please try again."
	msgNotSignedIn        = "You are not signed in"
	msgProfileNotFound    = "Profile not found"
)

// Client talks to the hosted auth API (/auth/v1) and the profiles table
// exposed over its REST API (/rest/v1). It holds the current session in
// memory and notifies subscribers of every change.
type Client struct {
	baseURL       string
	anonKey       string
	profilesTable string
	httpClient    *http.Client
	logger        *zap.Logger
	now           func() time.Time

	mu      sync.RWMutex
	session *Session

	subMu       sync.Mutex
	nextSubID   int
	subscribers []subscriber
}

type subscriber struct {
	id int
	fn AuthChangeFunc
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *User  `json:"user"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorResponse) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

func NewClient(cfg config.IdentityConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	table := cfg.ProfilesTable
	if table == "" {
		table = "profiles"
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		anonKey:       cfg.AnonKey,
		profilesTable: table,
		httpClient:    httpClient,
		logger:        logger,
		now:           time.Now,
	}
}

// OnAuthStateChange registers fn and returns a function that removes it.
// Callbacks run synchronously, in registration order, outside any lock.
func (c *Client) OnAuthStateChange(fn AuthChangeFunc) func() {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) emit(event AuthEvent, session *Session) {
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.subMu.Unlock()

	c.logger.Debug("Auth state changed", zap.String("event", string(event)))
	for _, s := range subs {
		s.fn(event, session)
	}
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// CurrentSession returns the in-memory session without refreshing it.
func (c *Client) CurrentSession() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// GetSession returns the current session, refreshing it first when the
// access token has expired. A failed refresh signs the client out and
// yields a nil session.
func (c *Client) GetSession(ctx context.Context) (*Session, error) {
	s := c.CurrentSession()
	if s == nil || !s.Expired(c.now(), refreshLeeway) {
		return s, nil
	}
	if s.RefreshToken == "" {
		c.setSession(nil)
		c.emit(EventSignedOut, nil)
		return nil, nil
	}

	refreshed, err := c.refresh(ctx, s.RefreshToken)
	if err != nil {
		c.logger.Warn("Session refresh failed, signing out", zap.Error(err))
		c.setSession(nil)
		c.emit(EventSignedOut, nil)
		return nil, nil
	}

	c.setSession(refreshed)
	c.emit(EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// RestoreSession exchanges a stored refresh token for a live session.
func (c *Client) RestoreSession(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, msgNotSignedIn)
	}
	s, err := c.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	c.setSession(s)
	c.emit(EventSignedIn, s)
	return s, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var tr tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": refreshToken}, nil, &tr)
	if err != nil {
		return nil, err
	}
	return c.toSession(&tr), nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]interface{}) (*SignUpResult, error) {
	body := map[string]interface{}{
		"email":    email,
		"password": password,
	}
	if len(metadata) > 0 {
		body["data"] = metadata
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", body, nil, &raw); err != nil {
		return nil, err
	}

	// with email confirmation on, the backend answers with the bare user
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err == nil && tr.AccessToken != "" {
		s := c.toSession(&tr)
		c.setSession(s)
		c.emit(EventSignedIn, s)
		return &SignUpResult{User: s.User, Session: s}, nil
	}

	var user User
	if err := json.Unmarshal(raw, &user); err != nil || user.ID == "" {
		return nil, apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, fmt.Errorf("unexpected signup response: %w", err))
	}
	return &SignUpResult{User: &user}, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var tr tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "",
		map[string]string{"email": email, "password": password}, nil, &tr)
	if err != nil {
		return nil, err
	}
	s := c.toSession(&tr)
	c.setSession(s)
	c.emit(EventSignedIn, s)
	return s, nil
}

// SignOut revokes the session remotely when possible and always clears it
// locally.
func (c *Client) SignOut(ctx context.Context) error {
	s := c.CurrentSession()
	if s != nil && s.AccessToken != "" {
		if err := c.do(ctx, http.MethodPost, "/auth/v1/logout", s.AccessToken, nil, nil, nil); err != nil {
			c.logger.Warn("Remote sign out failed", zap.Error(err))
		}
	}
	c.setSession(nil)
	c.emit(EventSignedOut, nil)
	return nil
}

func (c *Client) GetUserProfile(ctx context.Context, userID string) (*Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "*")

	var rows []Profile
	if err := c.do(ctx, http.MethodGet, c.profilesPath(q), c.bearer(), nil, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.KindNotFound, msgProfileNotFound)
	}
	return &rows[0], nil
}

// UpdateUserProfile patches the given columns and returns the updated row.
func (c *Client) UpdateUserProfile(ctx context.Context, userID string, fields map[string]interface{}) (*Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)

	var rows []Profile
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.do(ctx, http.MethodPatch, c.profilesPath(q), c.bearer(), fields, headers, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.KindNotFound, msgProfileNotFound)
	}
	return &rows[0], nil
}

func (c *Client) profilesPath(q url.Values) string {
	return "/rest/v1/" + c.profilesTable + "?" + q.Encode()
}

func (c *Client) bearer() string {
	if s := c.CurrentSession(); s != nil {
		return s.AccessToken
	}
	return ""
}

func (c *Client) toSession(tr *tokenResponse) *Session {
	s := &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
		User:         tr.User,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	default:
		s.ExpiresAt = tokenExpiry(tr.AccessToken)
	}
	if s.User == nil {
		s.User = &User{ID: tokenSubject(tr.AccessToken)}
	}
	return s
}

// tokenExpiry reads exp from the access token. The signature is the
// backend's business; the client only needs to know when to refresh.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.UTC()
}

func tokenSubject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Identity backend request failed",
			zap.String("method", method),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		return apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		cause := fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, er.text())

		switch {
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
			msg := er.text()
			if msg == "" {
				msg = "Invalid login credentials"
			}
			return apperr.Wrap(apperr.KindUnauthenticated, msg, cause)
		case resp.StatusCode == http.StatusNotFound:
			return apperr.Wrap(apperr.KindNotFound, msgProfileNotFound, cause)
		case resp.StatusCode == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindRateLimited, "Too many requests. Please try again later.", cause)
		default:
			return apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, cause)
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindInternal, msgServiceUnavailable, fmt.Errorf("decode %s: %w", req.URL.Path, err))
	}
	return nil
}
