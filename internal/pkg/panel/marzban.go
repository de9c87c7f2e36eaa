package panel

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const marzbanTimeLayout = "2006-01-02T15:04:05"

// marzbanAdapter speaks the Marzban admin API: flat JSON objects, unix expiry.
type marzbanAdapter struct {
	*httpClient
}

// NewMarzban returns an Adapter for a Marzban panel.
func NewMarzban(cfg Config, tokens *TokenCache, opts ...Option) (Adapter, error) {
	cfg.Family = FamilyMarzban
	c, err := newHTTPClient(cfg, tokens, opts)
	if err != nil {
		return nil, err
	}
	a := &marzbanAdapter{httpClient: c}
	c.login = a.doLogin
	return a, nil
}

func (a *marzbanAdapter) Family() Family {
	return FamilyMarzban
}

func (a *marzbanAdapter) doLogin(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", a.cfg.Username)
	form.Set("password", a.cfg.Password)
	return a.loginForm(ctx, "/api/admin/token", form)
}

type marzbanUserCreate struct {
	Username               string                            `json:"username"`
	Proxies                map[string]map[string]interface{} `json:"proxies"`
	Inbounds               map[string][]string               `json:"inbounds,omitempty"`
	Expire                 int64                             `json:"expire"`
	DataLimit              int64                             `json:"data_limit"`
	DataLimitResetStrategy string                            `json:"data_limit_reset_strategy"`
	Status                 string                            `json:"status"`
	Note                   string                            `json:"note,omitempty"`
}

type marzbanUser struct {
	Username        string   `json:"username"`
	Status          string   `json:"status"`
	Expire          *int64   `json:"expire"`
	DataLimit       *int64   `json:"data_limit"`
	UsedTraffic     int64    `json:"used_traffic"`
	SubscriptionURL string   `json:"subscription_url"`
	Links           []string `json:"links"`
}

// buildCreate maps the normalized request onto Marzban's user payload.
func (a *marzbanAdapter) buildCreate(req CreateAccountRequest) marzbanUserCreate {
	body := marzbanUserCreate{
		Username:               req.Username,
		Proxies:                map[string]map[string]interface{}{},
		DataLimit:              QuotaBytes(req.QuotaGB),
		DataLimitResetStrategy: "no_reset",
		Status:                 "active",
		Note:                   req.Notes,
	}
	if req.DurationDays > 0 {
		body.Expire = ExpiryFrom(a.now(), req.DurationDays).Unix()
	}
	tags := a.cfg.InboundTags
	if len(tags) > 0 {
		body.Inbounds = map[string][]string{}
	}
	for _, proto := range a.cfg.Protocols {
		body.Proxies[proto] = map[string]interface{}{}
		if len(tags) > 0 {
			body.Inbounds[proto] = tags
		}
	}
	if len(body.Proxies) == 0 {
		body.Proxies["vless"] = map[string]interface{}{}
	}
	return body
}

func (a *marzbanAdapter) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	var user marzbanUser
	err := a.call(ctx, apiRequest{
		op:     "createAccount",
		method: http.MethodPost,
		path:   "/api/user",
		body:   a.buildCreate(req),
	}, &user)
	if err != nil {
		return nil, err
	}
	return a.toAccount(user), nil
}

func (a *marzbanAdapter) DeleteAccount(ctx context.Context, username string) error {
	err := a.call(ctx, apiRequest{
		op:     "deleteAccount",
		method: http.MethodDelete,
		path:   "/api/user/" + url.PathEscape(username),
	}, nil)
	if IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

func (a *marzbanAdapter) FetchAccount(ctx context.Context, username string) (*Account, error) {
	var user marzbanUser
	err := a.call(ctx, apiRequest{
		op:     "fetchAccount",
		method: http.MethodGet,
		path:   "/api/user/" + url.PathEscape(username),
	}, &user)
	if err != nil {
		return nil, err
	}
	return a.toAccount(user), nil
}

type marzbanSystem struct {
	Version           string  `json:"version"`
	MemTotal          int64   `json:"mem_total"`
	MemUsed           int64   `json:"mem_used"`
	CPUUsage          float64 `json:"cpu_usage"`
	TotalUser         int64   `json:"total_user"`
	UsersActive       int64   `json:"users_active"`
	IncomingBandwidth int64   `json:"incoming_bandwidth"`
	OutgoingBandwidth int64   `json:"outgoing_bandwidth"`
}

type marzbanNodesUsage struct {
	Usages []struct {
		NodeName string `json:"node_name"`
		Uplink   int64  `json:"uplink"`
		Downlink int64  `json:"downlink"`
	} `json:"usages"`
}

func (a *marzbanAdapter) FetchSystemStats(ctx context.Context, r DateRange) (*SystemStats, error) {
	var sys marzbanSystem
	if err := a.call(ctx, apiRequest{op: "fetchSystemStats", method: http.MethodGet, path: "/api/system"}, &sys); err != nil {
		return nil, err
	}
	stats := &SystemStats{
		Version:       sys.Version,
		TotalUsers:    sys.TotalUser,
		ActiveUsers:   sys.UsersActive,
		MemTotal:      sys.MemTotal,
		MemUsed:       sys.MemUsed,
		CPUUsage:      sys.CPUUsage,
		IncomingBytes: sys.IncomingBandwidth,
		OutgoingBytes: sys.OutgoingBandwidth,
	}

	if r.Start.IsZero() && r.End.IsZero() {
		return stats, nil
	}
	q := url.Values{}
	if !r.Start.IsZero() {
		q.Set("start", r.Start.UTC().Format(marzbanTimeLayout))
	}
	if !r.End.IsZero() {
		q.Set("end", r.End.UTC().Format(marzbanTimeLayout))
	}
	var usage marzbanNodesUsage
	if err := a.call(ctx, apiRequest{op: "fetchSystemStats", method: http.MethodGet, path: "/api/nodes/usage", query: q}, &usage); err != nil {
		return nil, err
	}
	for _, u := range usage.Usages {
		stats.RangeUsage += u.Uplink + u.Downlink
	}
	return stats, nil
}

// CountAccounts returns the total user count reported by the panel.
func (a *marzbanAdapter) CountAccounts(ctx context.Context) (int64, error) {
	var page struct {
		Users []marzbanUser `json:"users"`
		Total int64         `json:"total"`
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(1))
	if err := a.call(ctx, apiRequest{op: "countAccounts", method: http.MethodGet, path: "/api/users", query: q}, &page); err != nil {
		return 0, err
	}
	return page.Total, nil
}

func (a *marzbanAdapter) toAccount(u marzbanUser) *Account {
	acc := &Account{
		Username:        u.Username,
		Status:          u.Status,
		SubscriptionURL: a.absoluteURL(u.SubscriptionURL),
		UsedBytes:       u.UsedTraffic,
	}
	if acc.SubscriptionURL == "" && len(u.Links) > 0 {
		acc.SubscriptionURL = u.Links[0]
	}
	if u.DataLimit != nil {
		acc.DataLimitBytes = *u.DataLimit
	}
	if u.Expire != nil && *u.Expire > 0 {
		t := time.Unix(*u.Expire, 0).UTC()
		acc.ExpiresAt = &t
	}
	return acc
}
