package panel

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// marzneshinAdapter speaks the Marzneshin admin API: RFC3339 expiry dates,
// service ids instead of inbounds, and {items: [...]} list envelopes.
type marzneshinAdapter struct {
	*httpClient
}

// NewMarzneshin returns an Adapter for a Marzneshin panel.
func NewMarzneshin(cfg Config, tokens *TokenCache, opts ...Option) (Adapter, error) {
	cfg.Family = FamilyMarzneshin
	c, err := newHTTPClient(cfg, tokens, opts)
	if err != nil {
		return nil, err
	}
	a := &marzneshinAdapter{httpClient: c}
	c.login = a.doLogin
	return a, nil
}

func (a *marzneshinAdapter) Family() Family {
	return FamilyMarzneshin
}

func (a *marzneshinAdapter) doLogin(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", a.cfg.Username)
	form.Set("password", a.cfg.Password)
	return a.loginForm(ctx, "/api/admins/token", form)
}

type marzneshinUserCreate struct {
	Username               string `json:"username"`
	ExpireStrategy         string `json:"expire_strategy"`
	ExpireDate             string `json:"expire_date,omitempty"`
	DataLimit              int64  `json:"data_limit"`
	DataLimitResetStrategy string `json:"data_limit_reset_strategy"`
	ServiceIDs             []int  `json:"service_ids"`
	Note                   string `json:"note,omitempty"`
}

type marzneshinUser struct {
	Username         string  `json:"username"`
	ExpireStrategy   string  `json:"expire_strategy"`
	ExpireDate       *string `json:"expire_date"`
	DataLimit        *int64  `json:"data_limit"`
	UsedTraffic      int64   `json:"used_traffic"`
	SubscriptionURL  string  `json:"subscription_url"`
	Enabled          bool    `json:"enabled"`
	Expired          bool    `json:"expired"`
	DataLimitReached bool    `json:"data_limit_reached"`
}

type itemsEnvelope[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

func (a *marzneshinAdapter) buildCreate(req CreateAccountRequest) marzneshinUserCreate {
	body := marzneshinUserCreate{
		Username:               req.Username,
		ExpireStrategy:         "never",
		DataLimit:              QuotaBytes(req.QuotaGB),
		DataLimitResetStrategy: "no_reset",
		ServiceIDs:             a.cfg.ServiceIDs,
		Note:                   req.Notes,
	}
	if body.ServiceIDs == nil {
		body.ServiceIDs = []int{}
	}
	if req.DurationDays > 0 {
		body.ExpireStrategy = "fixed_date"
		body.ExpireDate = ExpiryFrom(a.now(), req.DurationDays).Format(time.RFC3339)
	}
	return body
}

func (a *marzneshinAdapter) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	var user marzneshinUser
	err := a.call(ctx, apiRequest{
		op:     "createAccount",
		method: http.MethodPost,
		path:   "/api/users",
		body:   a.buildCreate(req),
	}, &user)
	if err != nil {
		return nil, err
	}
	return a.toAccount(user), nil
}

func (a *marzneshinAdapter) DeleteAccount(ctx context.Context, username string) error {
	err := a.call(ctx, apiRequest{
		op:     "deleteAccount",
		method: http.MethodDelete,
		path:   "/api/users/" + url.PathEscape(username),
	}, nil)
	if IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

func (a *marzneshinAdapter) FetchAccount(ctx context.Context, username string) (*Account, error) {
	var user marzneshinUser
	err := a.call(ctx, apiRequest{
		op:     "fetchAccount",
		method: http.MethodGet,
		path:   "/api/users/" + url.PathEscape(username),
	}, &user)
	if err != nil {
		return nil, err
	}
	return a.toAccount(user), nil
}

func (a *marzneshinAdapter) FetchSystemStats(ctx context.Context, r DateRange) (*SystemStats, error) {
	return nil, &Error{
		Kind:    KindNotImplemented,
		Op:      "fetchSystemStats",
		PanelID: a.cfg.PanelID,
		Message: "system stats are not available for marzneshin panels",
	}
}

func (a *marzneshinAdapter) CountAccounts(ctx context.Context) (int64, error) {
	var page itemsEnvelope[marzneshinUser]
	q := url.Values{}
	q.Set("page", "1")
	q.Set("size", "1")
	if err := a.call(ctx, apiRequest{op: "countAccounts", method: http.MethodGet, path: "/api/users", query: q}, &page); err != nil {
		return 0, err
	}
	if page.Total == 0 {
		return int64(len(page.Items)), nil
	}
	return page.Total, nil
}

func (a *marzneshinAdapter) toAccount(u marzneshinUser) *Account {
	acc := &Account{
		Username:        u.Username,
		Status:          "active",
		SubscriptionURL: a.absoluteURL(u.SubscriptionURL),
		UsedBytes:       u.UsedTraffic,
	}
	switch {
	case !u.Enabled:
		acc.Status = "disabled"
	case u.Expired:
		acc.Status = "expired"
	case u.DataLimitReached:
		acc.Status = "limited"
	}
	if u.DataLimit != nil {
		acc.DataLimitBytes = *u.DataLimit
	}
	if u.ExpireDate != nil && *u.ExpireDate != "" {
		if t, err := parseMarzneshinTime(*u.ExpireDate); err == nil {
			acc.ExpiresAt = &t
		}
	}
	return acc
}

func parseMarzneshinTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	// naive timestamps are UTC
	t, err := time.Parse("2006-01-02T15:04:05", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
