package panel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is how long a bearer token is reused before a fresh login.
const DefaultTokenTTL = 30 * time.Minute

// LoginFunc performs a family specific admin login and returns a bearer token.
type LoginFunc func(ctx context.Context) (string, error)

type cachedToken struct {
	value    string
	issuedAt time.Time
}

// TokenCache holds one bearer token per panel. Concurrent misses for the same
// panel share a single login, which outlives the caller that started it.
type TokenCache struct {
	mu           sync.RWMutex
	tokens       map[uint]cachedToken
	ttl          time.Duration
	loginTimeout time.Duration
	now          func() time.Time
	group        singleflight.Group
}

// NewTokenCache creates a token cache. ttl <= 0 selects DefaultTokenTTL.
func NewTokenCache(ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCache{
		tokens:       make(map[uint]cachedToken),
		ttl:          ttl,
		loginTimeout: DefaultHTTPTimeout,
		now:          time.Now,
	}
}

func (c *TokenCache) lookup(panelID uint) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[panelID]
	if !ok || c.now().Sub(tok.issuedAt) >= c.ttl {
		return "", false
	}
	return tok.value, true
}

// Token returns a cached token for panelID or logs in through login. The shared
// login is detached from ctx and bounded by the login timeout; a cancelled caller
// stops waiting without failing the others.
func (c *TokenCache) Token(ctx context.Context, panelID uint, login LoginFunc) (string, error) {
	if tok, ok := c.lookup(panelID); ok {
		return tok, nil
	}

	key := strconv.FormatUint(uint64(panelID), 10)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// another caller may have refreshed while we waited for the group
		if tok, ok := c.lookup(panelID); ok {
			return tok, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loginTimeout)
		defer cancel()
		tok, err := login(loginCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.tokens[panelID] = cachedToken{value: tok, issuedAt: c.now()}
		c.mu.Unlock()
		log.Debugf("[TokenCache] Refreshed token for panel %d", panelID)
		return tok, nil
	})

	select {
	case <-ctx.Done():
		kind := KindTransport
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTransportTimeout
		}
		return "", &Error{Kind: kind, Op: "login", PanelID: panelID, Message: ctx.Err().Error(), Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			log.Debugf("[TokenCache] Shared login result for panel %d", panelID)
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the token for panelID.
func (c *TokenCache) Invalidate(panelID uint) {
	c.mu.Lock()
	delete(c.tokens, panelID)
	c.mu.Unlock()
}

// InvalidateIfCurrent drops the token only when it still equals stale, so a
// burst of 401s on one stale token triggers a single re-login.
func (c *TokenCache) InvalidateIfCurrent(panelID uint, stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[panelID]; ok && tok.value == stale {
		delete(c.tokens, panelID)
	}
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}
