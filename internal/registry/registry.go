// Package registry holds the provider records the routing engine selects
// upstreams from. Records are owned by the registry; every read hands out a
// copy so callers never observe a half-applied mutation and in-flight
// requests keep the record they were routed with.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provider is one configured upstream backend.
type Provider struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	BaseURL string   `json:"api_base_url"`
	APIKey  string   `json:"api_key"`
	Models  []string `json:"models"`
	Enabled bool     `json:"enabled"`

	// Format names the wire schema the upstream speaks. Empty means
	// OpenAI-compatible, which most hosted backends are.
	Format string `json:"format,omitempty"`

	// MaxTokensLimit caps max_tokens on requests routed here. Zero means
	// no cap.
	MaxTokensLimit int `json:"max_tokens_limit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultFormat is assumed for providers that do not declare one.
const DefaultFormat = "openai"

func (p *Provider) Clone() *Provider {
	cp := *p
	cp.Models = append([]string(nil), p.Models...)
	return &cp
}

// WireFormat returns the declared format, or DefaultFormat.
func (p *Provider) WireFormat() string {
	if p.Format == "" {
		return DefaultFormat
	}
	return p.Format
}

// Redacted returns a copy safe to expose outward. Enough of the key is kept
// to recognize which credential is configured.
func (p *Provider) Redacted() *Provider {
	cp := p.Clone()
	cp.APIKey = maskKey(p.APIKey)
	return cp
}

func maskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func (p *Provider) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return newValidationError("name", "is required")
	}
	if p.BaseURL == "" {
		return newValidationError("api_base_url", "is required")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return newValidationError("api_base_url", "%q is not a valid http(s) URL", p.BaseURL)
	}
	if p.APIKey == "" {
		return newValidationError("api_key", "is required")
	}
	if len(p.Models) == 0 {
		return newValidationError("models", "at least one model is required")
	}
	for _, m := range p.Models {
		if strings.TrimSpace(m) == "" {
			return newValidationError("models", "model names must be non-empty")
		}
	}
	if p.MaxTokensLimit < 0 {
		return newValidationError("max_tokens_limit", "must not be negative")
	}
	return nil
}

// Update is a partial patch; nil fields are left untouched.
type Update struct {
	Name           *string   `json:"name"`
	BaseURL        *string   `json:"api_base_url"`
	APIKey         *string   `json:"api_key"`
	Models         *[]string `json:"models"`
	Enabled        *bool     `json:"enabled"`
	Format         *string   `json:"format"`
	MaxTokensLimit *int      `json:"max_tokens_limit"`
}

func (u Update) apply(p *Provider) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.BaseURL != nil {
		p.BaseURL = *u.BaseURL
	}
	if u.APIKey != nil {
		p.APIKey = *u.APIKey
	}
	if u.Models != nil {
		p.Models = append([]string(nil), (*u.Models)...)
	}
	if u.Enabled != nil {
		p.Enabled = *u.Enabled
	}
	if u.Format != nil {
		p.Format = *u.Format
	}
	if u.MaxTokensLimit != nil {
		p.MaxTokensLimit = *u.MaxTokensLimit
	}
}

// Registry keeps providers in insertion order, which is also the routing
// tie-break order. Mutations write through to the store before the in-memory
// state changes, so a failed write leaves the registry as it was.
type Registry struct {
	mu    sync.RWMutex
	store Store
	items []*Provider
	byID  map[string]*Provider
}

// New returns an empty registry. A nil store keeps records in memory only.
func New(store Store) *Registry {
	return &Registry{store: store, byID: make(map[string]*Provider)}
}

// Load replaces the registry contents with the store's records. A record
// that fails validation makes Load fail; serving a partial provider set
// would route requests against a config the operator never wrote.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}

	items := make([]*Provider, 0, len(records))
	byID := make(map[string]*Provider, len(records))
	for i, rec := range records {
		p := rec.Clone()
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if err := p.validate(); err != nil {
			return fmt.Errorf("provider %d (%q): %w", i, p.Name, err)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("provider %d (%q): duplicate id %q", i, p.Name, p.ID)
		}
		items = append(items, p)
		byID[p.ID] = p
	}

	r.mu.Lock()
	r.items = items
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Create validates the record, assigns a fresh id, and appends it.
func (r *Registry) Create(ctx context.Context, p *Provider) (*Provider, error) {
	rec := p.Clone()
	rec.ID = uuid.New().String()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := rec.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Insert(ctx, rec.Clone()); err != nil {
			return nil, fmt.Errorf("persist provider: %w", err)
		}
	}
	r.items = append(r.items, rec)
	r.byID[rec.ID] = rec
	return rec.Clone(), nil
}

// Get returns a copy of the record, or ErrNotFound.
func (r *Registry) Get(id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// FindByName returns a copy of the first record with the given name, or
// ErrNotFound. Names are not unique keys; first match in insertion order
// wins, same as routing.
func (r *Registry) FindByName(name string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.items {
		if p.Name == name {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// List returns copies of all records in insertion order.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, len(r.items))
	for i, p := range r.items {
		out[i] = p.Clone()
	}
	return out
}

// Update applies a partial patch and returns the updated record.
func (r *Registry) Update(ctx context.Context, id string, patch Update) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	patch.apply(next)
	next.UpdatedAt = time.Now().UTC()
	if err := next.validate(); err != nil {
		return nil, err
	}

	if r.store != nil {
		if err := r.store.Update(ctx, next.Clone()); err != nil {
			return nil, fmt.Errorf("persist provider: %w", err)
		}
	}
	*cur = *next
	return cur.Clone(), nil
}

// Delete removes the record. Requests already holding a copy finish
// untouched; only future routing stops matching it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete provider: %w", err)
		}
	}
	delete(r.byID, id)
	for i, p := range r.items {
		if p.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			break
		}
	}
	return nil
}

// Toggle sets enabled to the given value, or flips it when enabled is nil.
func (r *Registry) Toggle(ctx context.Context, id string, enabled *bool) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if enabled != nil {
		next.Enabled = *enabled
	} else {
		next.Enabled = !next.Enabled
	}
	next.UpdatedAt = time.Now().UTC()

	if r.store != nil {
		if err := r.store.Update(ctx, next.Clone()); err != nil {
			return nil, fmt.Errorf("persist provider: %w", err)
		}
	}
	*cur = *next
	return cur.Clone(), nil
}

// ResolveModel picks the provider for a requested model and returns it with
// the model name to send upstream. A "provider,model" value pins the request
// to the named provider and strips the prefix; otherwise the first enabled
// provider listing the model wins, in insertion order.
func (r *Registry) ResolveModel(model string) (*Provider, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, rest, ok := strings.Cut(model, ","); ok {
		name = strings.TrimSpace(name)
		rest = strings.TrimSpace(rest)
		if name == "" || rest == "" {
			return nil, "", false
		}
		for _, p := range r.items {
			if p.Enabled && p.Name == name {
				return p.Clone(), rest, true
			}
		}
		return nil, "", false
	}

	for _, p := range r.items {
		if !p.Enabled {
			continue
		}
		for _, m := range p.Models {
			if m == model {
				return p.Clone(), model, true
			}
		}
	}
	return nil, "", false
}
