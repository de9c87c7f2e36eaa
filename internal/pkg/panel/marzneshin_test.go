package panel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMarzneshin(t *testing.T, fp *fakePanel) Adapter {
	t.Helper()
	cfg := fp.config()
	cfg.ServiceIDs = []int{1, 3}
	a, err := NewMarzneshin(cfg, NewTokenCache(time.Hour), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return a
}

func TestMarzneshinCreateAccountUsesFixedDate(t *testing.T) {
	fp := newFakePanel(t, FamilyMarzneshin)
	a := newTestMarzneshin(t, fp)

	acc, err := a.CreateAccount(context.Background(), CreateAccountRequest{Username: "sub42", QuotaGB: 10, DurationDays: 30})
	require.NoError(t, err)

	wantExpiry := time.Unix(fixedNow.Unix()+2592000, 0).UTC()
	assert.Equal(t, "fixed_date", fp.body()["expire_strategy"])
	assert.Equal(t, wantExpiry.Format(time.RFC3339), fp.body()["expire_date"])
	assert.Equal(t, float64(10737418240), fp.body()["data_limit"])
	assert.Equal(t, []interface{}{float64(1), float64(3)}, fp.body()["service_ids"])
	assert.Equal(t, "password", fp.form()["grant_type"])

	assert.Equal(t, "active", acc.Status)
	assert.Equal(t, int64(10737418240), acc.DataLimitBytes)
	require.NotNil(t, acc.ExpiresAt)
	assert.True(t, wantExpiry.Equal(*acc.ExpiresAt))
	assert.Equal(t, fp.server.URL+"/sub/sub42/token", acc.SubscriptionURL)
}

func TestMarzneshinNeverExpiringAccount(t *testing.T) {
	fp := newFakePanel(t, FamilyMarzneshin)
	a := newTestMarzneshin(t, fp)

	acc, err := a.CreateAccount(context.Background(), CreateAccountRequest{Username: "sub1", QuotaGB: 5})
	require.NoError(t, err)
	assert.Equal(t, "never", fp.body()["expire_strategy"])
	assert.NotContains(t, fp.body(), "expire_date")
	assert.Nil(t, acc.ExpiresAt)
}

func TestMarzneshinSystemStatsNotImplemented(t *testing.T) {
	fp := newFakePanel(t, FamilyMarzneshin)
	a := newTestMarzneshin(t, fp)

	_, err := a.FetchSystemStats(context.Background(), DateRange{})
	require.Error(t, err)
	assert.Equal(t, KindNotImplemented, KindOf(err))
	assert.True(t, IsConfigurationFault(err))
	assert.EqualValues(t, 0, fp.logins.Load())
	assert.EqualValues(t, 0, fp.requests.Load())
}

func TestMarzneshinFetchAndDelete(t *testing.T) {
	fp := newFakePanel(t, FamilyMarzneshin)
	a := newTestMarzneshin(t, fp)
	ctx := context.Background()

	_, err := a.FetchAccount(ctx, "sub1")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "User not found", err.Error())

	_, err = a.CreateAccount(ctx, CreateAccountRequest{Username: "sub1", QuotaGB: 1, DurationDays: 1})
	require.NoError(t, err)

	acc, err := a.FetchAccount(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, "sub1", acc.Username)

	require.NoError(t, a.DeleteAccount(ctx, "sub1"))
	require.NoError(t, a.DeleteAccount(ctx, "sub1"), "second delete hits 404 and still succeeds")
}

func TestMarzneshinCountAccountsReadsItemsEnvelope(t *testing.T) {
	fp := newFakePanel(t, FamilyMarzneshin)
	a := newTestMarzneshin(t, fp)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := a.CreateAccount(ctx, CreateAccountRequest{Username: name, QuotaGB: 1, DurationDays: 1})
		require.NoError(t, err)
	}
	n, err := a.CountAccounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestMarzneshinAccountStatus(t *testing.T) {
	a := &marzneshinAdapter{httpClient: &httpClient{cfg: Config{BaseURL: "https://panel.example.com"}}}
	limit := int64(100)
	date := "2025-04-01T00:00:00"

	acc := a.toAccount(marzneshinUser{Username: "x", Enabled: true, Expired: true, DataLimit: &limit, ExpireDate: &date})
	assert.Equal(t, "expired", acc.Status)
	assert.Equal(t, int64(100), acc.DataLimitBytes)
	require.NotNil(t, acc.ExpiresAt)
	assert.Equal(t, 2025, acc.ExpiresAt.Year())

	acc = a.toAccount(marzneshinUser{Username: "x", Enabled: false})
	assert.Equal(t, "disabled", acc.Status)

	acc = a.toAccount(marzneshinUser{Username: "x", Enabled: true, DataLimitReached: true, SubscriptionURL: "https://cdn.example.com/s/x"})
	assert.Equal(t, "limited", acc.Status)
	assert.Equal(t, "https://cdn.example.com/s/x", acc.SubscriptionURL)
}
