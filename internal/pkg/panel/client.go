package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const maxResponseBytes = 1 << 20

// Option customizes an adapter.
type Option func(*httpClient)

// WithHTTPClient replaces the default client (DefaultHTTPTimeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

// WithClock overrides time.Now for expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(c *httpClient) {
		if now != nil {
			c.now = now
		}
	}
}

type apiRequest struct {
	op     string
	method string
	path   string
	query  url.Values
	body   interface{}
}

// httpClient is the transport shared by every family: bearer auth through the
// token cache, one re-login on 401, status to Kind mapping.
type httpClient struct {
	cfg    Config
	http   *http.Client
	tokens *TokenCache
	now    func() time.Time
	login  LoginFunc
}

func newHTTPClient(cfg Config, tokens *TokenCache, opts []Option) (*httpClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, newError(KindInvalidConfig, "configure", cfg.PanelID, fmt.Sprintf("invalid panel base url %q", cfg.BaseURL))
	}
	if cfg.Username == "" {
		return nil, newError(KindInvalidConfig, "configure", cfg.PanelID, "panel admin username is empty")
	}
	if tokens == nil {
		return nil, newError(KindInvalidConfig, "configure", cfg.PanelID, "nil token cache is invalid")
	}
	c := &httpClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: DefaultHTTPTimeout},
		tokens: tokens,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *httpClient) PanelID() uint {
	return c.cfg.PanelID
}

// Authenticate forces a new login and stores the resulting token.
func (c *httpClient) Authenticate(ctx context.Context) error {
	c.tokens.Invalidate(c.cfg.PanelID)
	_, err := c.tokens.Token(ctx, c.cfg.PanelID, c.login)
	return err
}

func (c *httpClient) call(ctx context.Context, req apiRequest, out interface{}) error {
	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", req.op, err)
		}
	}

	token, err := c.tokens.Token(ctx, c.cfg.PanelID, c.login)
	if err != nil {
		return err
	}

	status, body, err := c.send(ctx, req, payload, token)
	if err != nil {
		return c.transportError(req.op, err)
	}

	if status == http.StatusUnauthorized {
		log.Warnf("[Panel] %s on %s: token rejected, logging in again", req.op, c.cfg.Name)
		c.tokens.InvalidateIfCurrent(c.cfg.PanelID, token)
		token, err = c.tokens.Token(ctx, c.cfg.PanelID, c.login)
		if err != nil {
			return err
		}
		status, body, err = c.send(ctx, req, payload, token)
		if err != nil {
			return c.transportError(req.op, err)
		}
	}

	return c.decode(req.op, status, body, out)
}

func (c *httpClient) send(ctx context.Context, req apiRequest, payload []byte, token string) (int, []byte, error) {
	target := c.cfg.BaseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *httpClient) decode(op string, status int, body []byte, out interface{}) error {
	switch {
	case status >= 200 && status < 300:
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: KindMalformedResponse, Op: op, PanelID: c.cfg.PanelID, StatusCode: status,
				Message: fmt.Sprintf("unexpected response from %s: %v", c.cfg.Name, err), Err: err}
		}
		return nil
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, PanelID: c.cfg.PanelID, StatusCode: status, Message: detailMessage(status, body)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: op, PanelID: c.cfg.PanelID, StatusCode: status, Message: detailMessage(status, body)}
	default:
		return &Error{Kind: KindPanelRejected, Op: op, PanelID: c.cfg.PanelID, StatusCode: status, Message: detailMessage(status, body)}
	}
}

func (c *httpClient) transportError(op string, err error) *Error {
	kind := KindTransport
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTransportTimeout
	}
	return &Error{Kind: kind, Op: op, PanelID: c.cfg.PanelID, Message: err.Error(), Err: err}
}

// loginForm posts an OAuth2 password form and returns the access token.
func (c *httpClient) loginForm(ctx context.Context, path string, form url.Values) (string, error) {
	const op = "login"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", c.transportError(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", c.transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", c.transportError(op, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", &Error{Kind: KindPanelRejected, Op: op, PanelID: c.cfg.PanelID, StatusCode: resp.StatusCode, Message: detailMessage(resp.StatusCode, body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Kind: KindAuth, Op: op, PanelID: c.cfg.PanelID, StatusCode: resp.StatusCode, Message: detailMessage(resp.StatusCode, body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", &Error{Kind: KindAuth, Op: op, PanelID: c.cfg.PanelID, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("panel %s returned no access token", c.cfg.Name)}
	}

	log.Infof("[Panel] Authenticated against %s (%s)", c.cfg.Name, c.cfg.Family)
	return tok.AccessToken, nil
}

// absoluteURL resolves panel-relative subscription links against the base URL.
func (c *httpClient) absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.cfg.BaseURL + raw
}

// detailMessage extracts the FastAPI style "detail" field, falling back to the raw body.
func detailMessage(status int, body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Detail) > 0 {
		var text string
		if json.Unmarshal(envelope.Detail, &text) == nil && text != "" {
			return text
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(envelope.Detail, &items) == nil && len(items) > 0 {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
		return string(envelope.Detail)
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("panel responded with status %d", status)
}
