// Package session keeps the per-page state every tool call works against:
// the ref epoch, the diff baseline and the page's cache slot.
package session

import (
	"context"
	"sort"
	"sync"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/refs"
	"ubrowser-mcp-server/internal/snapshot"

	"go.uber.org/zap"
)

// Session is the context object for one page.
type Session struct {
	ID       string
	Name     string
	Page     browser.Page
	Refs     *refs.Manager
	Baseline *snapshot.Baseline

	cache *snapshot.Cache
	mu    sync.Mutex
}

// Lock serialises tool calls against the page.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// ResetEpoch starts a new ref epoch and drops the baseline and cache slot.
func (s *Session) ResetEpoch() {
	s.Refs.Clear()
	s.Baseline.Clear()
	if s.cache != nil {
		s.cache.Invalidate(s.ID)
	}
}

// Registry is the page-id keyed arena of sessions.
type Registry struct {
	manager *browser.Manager
	cache   *snapshot.Cache
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry and subscribes it to the manager's page events.
func NewRegistry(manager *browser.Manager, cache *snapshot.Cache, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		manager:  manager,
		cache:    cache,
		logger:   logger.With(zap.String("component", "session")),
		sessions: make(map[string]*Session),
	}
	manager.SetListener(r)
	return r
}

// Manager exposes the underlying page manager.
func (r *Registry) Manager() *browser.Manager { return r.manager }

// Current returns the session of the current page, opening it on first use.
func (r *Registry) Current(ctx context.Context) (*Session, error) {
	info, page, err := r.manager.Current(ctx)
	if err != nil {
		return nil, err
	}
	return r.attach(info, page), nil
}

// Create opens the named page, creating it when missing, and makes it current.
func (r *Registry) Create(ctx context.Context, name string) (*Session, error) {
	return r.open(ctx, name)
}

// Switch makes the named page current. Like Create it opens a missing page.
func (r *Registry) Switch(ctx context.Context, name string) (*Session, error) {
	return r.open(ctx, name)
}

func (r *Registry) open(ctx context.Context, name string) (*Session, error) {
	info, page, err := r.manager.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	s := r.attach(info, page)
	s.ResetEpoch()
	return s, nil
}

// Close closes the named page and returns the page current afterwards.
func (r *Registry) Close(ctx context.Context, name string) (string, error) {
	return r.manager.Close(ctx, name)
}

// List returns open page names in creation order.
func (r *Registry) List() []string {
	return r.manager.List()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the live sessions ordered by name.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) attach(info browser.PageInfo, page browser.Page) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[info.ID]; ok {
		return s
	}
	s := &Session{
		ID:       info.ID,
		Name:     info.Name,
		Page:     page,
		Refs:     refs.NewManager(),
		Baseline: &snapshot.Baseline{},
		cache:    r.cache,
	}
	r.sessions[info.ID] = s
	r.logger.Debug("session attached", zap.String("name", info.Name), zap.String("page_id", info.ID))
	return s
}

// PageNavigated invalidates the page's cache slot and drops the ref
// positions measured on the previous document. Refs stay resolvable through
// their selectors.
func (r *Registry) PageNavigated(pageID, url string) {
	if r.cache != nil {
		r.cache.Invalidate(pageID)
	}
	r.mu.Lock()
	s, ok := r.sessions[pageID]
	r.mu.Unlock()
	if ok {
		s.Refs.SetPositions(nil)
	}
}

// PageClosed evicts the page's session and cache slot.
func (r *Registry) PageClosed(pageID string) {
	r.mu.Lock()
	delete(r.sessions, pageID)
	r.mu.Unlock()
	if r.cache != nil {
		r.cache.Remove(pageID)
	}
	r.logger.Debug("session evicted", zap.String("page_id", pageID))
}
