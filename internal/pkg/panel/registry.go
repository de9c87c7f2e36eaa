package panel

import (
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
)

// New builds the adapter for cfg.Family. It is the only place that switches on family.
func New(cfg Config, tokens *TokenCache, opts ...Option) (Adapter, error) {
	switch cfg.Family {
	case FamilyMarzban:
		return NewMarzban(cfg, tokens, opts...)
	case FamilyMarzneshin:
		return NewMarzneshin(cfg, tokens, opts...)
	default:
		return nil, newError(KindInvalidConfig, "configure", cfg.PanelID, fmt.Sprintf("unsupported panel family %q", cfg.Family))
	}
}

type registryEntry struct {
	adapter   Adapter
	updatedAt time.Time
}

// Registry turns panel rows into ready adapters and keeps them for reuse.
type Registry struct {
	tokens *TokenCache
	box    *security.SecretBox
	opts   []Option

	mu      sync.Mutex
	entries map[uint]registryEntry
}

// NewRegistry creates a registry. box decrypts stored admin passwords.
func NewRegistry(tokens *TokenCache, box *security.SecretBox, opts ...Option) *Registry {
	if tokens == nil {
		tokens = NewTokenCache(DefaultTokenTTL)
	}
	return &Registry{
		tokens:  tokens,
		box:     box,
		opts:    opts,
		entries: make(map[uint]registryEntry),
	}
}

// Tokens exposes the shared token cache.
func (r *Registry) Tokens() *TokenCache {
	return r.tokens
}

// ConfigFor decrypts the panel row into an adapter configuration.
func (r *Registry) ConfigFor(p *models.Panel) (Config, error) {
	if p == nil {
		return Config{}, NewError(KindInvalidConfig, "configure", "nil panel is invalid")
	}
	if r.box == nil {
		return Config{}, newError(KindInvalidConfig, "configure", p.ID, "panel credential key is not configured")
	}
	password, err := r.box.Open(p.AdminPassword)
	if err != nil {
		return Config{}, &Error{Kind: KindInvalidConfig, Op: "configure", PanelID: p.ID,
			Message: fmt.Sprintf("cannot decrypt credentials of panel %s: %v", p.Name, err), Err: err}
	}
	return Config{
		PanelID:     p.ID,
		Name:        p.Name,
		BaseURL:     p.BaseURL,
		Username:    p.AdminUsername,
		Password:    password,
		Family:      Family(p.Family),
		Protocols:   p.ProtocolList(),
		InboundTags: p.InboundTagList(),
		ServiceIDs:  p.ServiceIDList(),
	}, nil
}

// Adapter returns the adapter for p, rebuilding it when the row changed.
func (r *Registry) Adapter(p *models.Panel) (Adapter, error) {
	if p == nil {
		return nil, NewError(KindInvalidConfig, "configure", "nil panel is invalid")
	}

	r.mu.Lock()
	entry, ok := r.entries[p.ID]
	r.mu.Unlock()
	if ok && entry.updatedAt.Equal(p.UpdatedAt) {
		return entry.adapter, nil
	}

	cfg, err := r.ConfigFor(p)
	if err != nil {
		return nil, err
	}
	adapter, err := New(cfg, r.tokens, r.opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if ok {
		// credentials may have changed with the row
		r.tokens.Invalidate(p.ID)
	}
	r.entries[p.ID] = registryEntry{adapter: adapter, updatedAt: p.UpdatedAt}
	r.mu.Unlock()
	return adapter, nil
}

// Forget drops the cached adapter and token of a panel.
func (r *Registry) Forget(panelID uint) {
	r.mu.Lock()
	delete(r.entries, panelID)
	r.mu.Unlock()
	r.tokens.Invalidate(panelID)
}
