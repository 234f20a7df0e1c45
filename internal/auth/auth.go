package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c-pro/geche"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	sessionKey         = "session"
)

var (
	ErrLoginFailed          = errors.New("login failed")
	ErrRegistrationRequired = errors.New("account registration is not finished")
	ErrNoCredentials        = errors.New("no credentials configured")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTP     int    `json:"totp"`
}

type LoginResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	NeedRegister bool   `json:"needRegister,omitempty"`
	Token        string `json:"token,omitempty"`
	TokenExpiry  int64  `json:"tokenExpiry,omitempty"`
}

type Config struct {
	BaseURL    string        `json:"baseUrl"`
	Token      string        `json:"-"`
	Username   string        `json:"username"`
	Password   string        `json:"-"`
	TOTPSecret string        `json:"-"`
	TokenTTL   time.Duration `json:"tokenTtl"`
}

func (c *Config) Validate() error {
	if c.Token == "" && c.Username == "" {
		return ErrNoCredentials
	}
	if c.Token == "" && c.BaseURL == "" {
		return errors.New("base url is required to log in")
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenExpiry
	}
	return nil
}

type session struct {
	token     string
	expiresAt time.Time
}

// TokenSource hands out the session token for outbound requests. With a
// static token configured it just returns it; otherwise it logs in with
// username, password and a TOTP code and caches the session until it
// expires or the server rejects it.
type TokenSource struct {
	Config
	client   *http.Client
	sessions geche.Geche[string, session]
	login    *geche.Locker[string, session]
	now      func() time.Time
	log      *slog.Logger
}

func NewTokenSource(ctx context.Context, config Config, logger *slog.Logger) (*TokenSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenSource{
		Config:   config,
		client:   &http.Client{Timeout: 10 * time.Second},
		sessions: geche.NewMapTTLCache[string, session](ctx, config.TokenTTL, time.Minute),
		login:    geche.NewLocker[string, session](geche.NewMapCache[string, session]()),
		now:      time.Now,
		log:      logger,
	}, nil
}

func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if ts.Config.Token != "" {
		return ts.Config.Token, nil
	}
	if s, err := ts.sessions.Get(sessionKey); err == nil && ts.now().Before(s.expiresAt) {
		return s.token, nil
	}

	// One login at a time; whoever waited behind it reuses the result.
	tx := ts.login.Lock()
	defer tx.Unlock()
	if s, err := ts.sessions.Get(sessionKey); err == nil && ts.now().Before(s.expiresAt) {
		return s.token, nil
	}

	s, err := ts.doLogin(ctx)
	if err != nil {
		slog.Error("login failed", "username", ts.Username, "error", err)
		return "", err
	}
	ts.sessions.Set(sessionKey, s)
	tx.Set(sessionKey, s)
	return s.token, nil
}

// Invalidate drops the cached session so the next Token call logs in again.
func (ts *TokenSource) Invalidate() {
	_ = ts.sessions.Del(sessionKey)
}

func (ts *TokenSource) doLogin(ctx context.Context) (session, error) {
	req := LoginRequest{
		Username: ts.Username,
		Password: ts.Password,
	}
	if ts.TOTPSecret != "" {
		req.TOTP = GenerateTOTP(ts.TOTPSecret, ts.now())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return session{}, fmt.Errorf("failed to marshal login request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(ts.BaseURL, "/")+"/api/login", bytes.NewReader(body))
	if err != nil {
		return session{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(httpReq)
	if err != nil {
		return session{}, fmt.Errorf("failed to call login API: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return session{}, fmt.Errorf("failed to decode login response (status %d): %w", resp.StatusCode, err)
	}
	if loginResp.NeedRegister {
		return session{}, ErrRegistrationRequired
	}
	if !loginResp.Success || loginResp.Token == "" {
		return session{}, fmt.Errorf("%w: %s", ErrLoginFailed, loginResp.Message)
	}

	expiresAt := ts.now().Add(ts.TokenTTL)
	if loginResp.TokenExpiry > 0 {
		if serverExpiry := time.Unix(loginResp.TokenExpiry, 0); serverExpiry.Before(expiresAt) {
			expiresAt = serverExpiry
		}
	}
	ts.log.Info("logged in", "username", ts.Username, "expires_at", expiresAt)
	return session{token: loginResp.Token, expiresAt: expiresAt}, nil
}

// GenerateTOTP computes the RFC 6238 code for the 30 second step containing now.
func GenerateTOTP(secret string, now time.Time) int {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.Unix()/30))
	h := hmac.New(sha1.New, []byte(secret))
	h.Write(buf)
	sum := h.Sum(nil)

	off := sum[len(sum)-1] & 0xf
	trunc := (int(sum[off])&0x7f)<<24 |
		int(sum[off+1])<<16 |
		int(sum[off+2])<<8 |
		int(sum[off+3])
	return trunc % 1e6
}
