package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ubrowser-mcp-server/internal/config"
	"ubrowser-mcp-server/internal/facts"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageName is the page every session starts on.
const DefaultPageName = "default"

// maxConsoleMessages bounds the per-page console ring.
const maxConsoleMessages = 200

// ErrUnknownPage reports a page name that is not open.
var ErrUnknownPage = errors.New("page not found")

// Driver opens pages on a real or fake browser.
type Driver interface {
	Start(ctx context.Context) error
	NewPage(ctx context.Context, id string, hooks Hooks) (Page, error)
	Close() error
}

// Hooks are the per-page callbacks a Driver invokes from its event stream.
type Hooks struct {
	// Navigated fires when the main frame commits a navigation.
	Navigated func(url string)
	// Console fires for every console API call.
	Console func(level, text string)
}

// Listener is told about page lifecycle events. The session registry
// implements it to keep per-page state in sync.
type Listener interface {
	PageNavigated(pageID, url string)
	PageClosed(pageID string)
}

// PageInfo describes the public metadata for a named page.
type PageInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// ConsoleMessage is one captured console call.
type ConsoleMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type pageRecord struct {
	meta    PageInfo
	page    Page
	console []ConsoleMessage
}

// Manager owns the browser and the named pages opened on it.
type Manager struct {
	cfg    config.BrowserConfig
	driver Driver
	sink   facts.Sink
	logger *zap.Logger

	mu       sync.RWMutex
	started  bool
	listener Listener
	pages    map[string]*pageRecord
	order    []string
	current  string
	stored   map[string]PageInfo
}

// NewManager wires a manager over driver. sink may be nil.
func NewManager(cfg config.BrowserConfig, driver Driver, sink facts.Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		driver:  driver,
		sink:    sink,
		logger:  logger.With(zap.String("component", "browser")),
		pages:   make(map[string]*pageRecord),
		current: DefaultPageName,
		stored:  make(map[string]PageInfo),
	}
}

// SetListener registers the lifecycle listener.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Start connects the driver and restores persisted page metadata. Calling it
// on a started manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) error {
	if m.started {
		return nil
	}
	if err := m.loadStore(); err != nil {
		m.logger.Warn("page store unreadable", zap.String("path", m.cfg.PageStore), zap.Error(err))
	}
	if err := m.driver.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	m.started = true
	m.logger.Info("browser started")
	return nil
}

// IsStarted reports whether the driver is connected.
func (m *Manager) IsStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Current returns the current page, opening it on first use.
func (m *Manager) Current(ctx context.Context) (PageInfo, Page, error) {
	m.mu.RLock()
	name := m.current
	m.mu.RUnlock()
	return m.Open(ctx, name)
}

// Open returns the named page and makes it current. A missing or closed page
// is created; a name known only from the page store is reopened at its last URL.
func (m *Manager) Open(ctx context.Context, name string) (PageInfo, Page, error) {
	if name == "" {
		return PageInfo{}, nil, errors.New("page name required")
	}

	m.mu.Lock()
	if err := m.startLocked(ctx); err != nil {
		m.mu.Unlock()
		return PageInfo{}, nil, err
	}
	if rec, ok := m.pages[name]; ok && !rec.page.IsClosed() {
		m.current = name
		rec.meta.LastActive = time.Now()
		meta, page := rec.meta, rec.page
		m.mu.Unlock()
		return meta, page, nil
	}
	staleID := ""
	if rec, ok := m.pages[name]; ok {
		m.dropLocked(name)
		staleID = rec.meta.ID
	}

	id := uuid.NewString()
	page, err := m.driver.NewPage(ctx, id, m.hooksFor(id))
	if err != nil {
		m.mu.Unlock()
		if staleID != "" {
			m.notifyClosed(staleID)
		}
		return PageInfo{}, nil, fmt.Errorf("open page %q: %w", name, err)
	}
	now := time.Now()
	rec := &pageRecord{
		meta: PageInfo{ID: id, Name: name, Status: "active", CreatedAt: now, LastActive: now},
		page: page,
	}
	restoreURL := ""
	if prev, ok := m.stored[name]; ok {
		restoreURL = prev.URL
		rec.meta.CreatedAt = prev.CreatedAt
		delete(m.stored, name)
	}
	m.pages[name] = rec
	m.order = append(m.order, name)
	m.current = name
	m.mu.Unlock()

	if staleID != "" {
		m.notifyClosed(staleID)
	}
	m.logger.Debug("page opened", zap.String("name", name), zap.String("page_id", id))

	if restoreURL != "" {
		navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout())
		if err := page.Navigate(navCtx, restoreURL, WaitLoad); err != nil {
			m.logger.Warn("restore navigation failed", zap.String("name", name), zap.String("url", restoreURL), zap.Error(err))
		}
		cancel()
	}
	m.persist()

	m.mu.RLock()
	meta := rec.meta
	m.mu.RUnlock()
	return meta, page, nil
}

// Close closes the named page. Closing the current page switches to the first
// remaining page, or opens a fresh default page when none remain. It returns
// the name of the page that is current afterwards.
func (m *Manager) Close(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	rec, ok := m.pages[name]
	if !ok || rec.page.IsClosed() {
		if _, stored := m.stored[name]; stored {
			delete(m.stored, name)
			current := m.current
			m.mu.Unlock()
			m.persist()
			return current, nil
		}
		m.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", ErrUnknownPage, name)
	}
	m.dropLocked(name)
	wasCurrent := m.current == name
	next := ""
	if wasCurrent {
		for _, n := range m.order {
			if r := m.pages[n]; r != nil && !r.page.IsClosed() {
				next = n
				break
			}
		}
		if next != "" {
			m.current = next
		}
	}
	m.mu.Unlock()

	if err := rec.page.Close(); err != nil {
		m.logger.Warn("page close failed", zap.String("name", name), zap.Error(err))
	}
	m.notifyClosed(rec.meta.ID)

	if wasCurrent && next == "" {
		if _, _, err := m.Open(ctx, DefaultPageName); err != nil {
			return "", err
		}
		return DefaultPageName, nil
	}
	m.persist()
	return m.CurrentName(), nil
}

func (m *Manager) dropLocked(name string) {
	delete(m.pages, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// List returns open page names in creation order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, n := range m.order {
		if rec := m.pages[n]; rec != nil && !rec.page.IsClosed() {
			out = append(out, n)
		}
	}
	return out
}

// Detached lists page store entries not yet reopened in this run.
func (m *Manager) Detached() []PageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PageInfo, 0, len(m.stored))
	for _, info := range m.stored {
		out = append(out, info)
	}
	return out
}

// CurrentName returns the current page name.
func (m *Manager) CurrentName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Info returns metadata for an open page.
func (m *Manager) Info(name string) (PageInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.pages[name]
	if !ok {
		return PageInfo{}, false
	}
	return rec.meta, true
}

// Console returns up to limit recent console messages of the named page,
// newest last. An empty or "all" level matches every type; limit <= 0 means no
// limit.
func (m *Manager) Console(name, level string, limit int) []ConsoleMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.pages[name]
	if !ok {
		return []ConsoleMessage{}
	}
	out := make([]ConsoleMessage, 0, len(rec.console))
	for _, msg := range rec.console {
		if level == "" || level == "all" || msg.Type == level {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearConsole empties the console buffer of the named page.
func (m *Manager) ClearConsole(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.pages[name]; ok {
		rec.console = nil
	}
}

// Shutdown closes every page and the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.persist()

	m.mu.Lock()
	records := make([]*pageRecord, 0, len(m.pages))
	for _, rec := range m.pages {
		records = append(records, rec)
	}
	m.pages = make(map[string]*pageRecord)
	m.order = nil
	m.current = DefaultPageName
	started := m.started
	m.started = false
	m.mu.Unlock()

	for _, rec := range records {
		_ = rec.page.Close()
		m.notifyClosed(rec.meta.ID)
	}
	if !started {
		return nil
	}
	err := m.driver.Close()
	m.logger.Info("browser shutdown complete")
	return err
}

func (m *Manager) hooksFor(pageID string) Hooks {
	return Hooks{
		Navigated: func(url string) {
			now := time.Now()
			m.mu.Lock()
			var listener Listener
			for _, rec := range m.pages {
				if rec.meta.ID == pageID {
					rec.meta.URL = url
					rec.meta.LastActive = now
					listener = m.listener
					break
				}
			}
			m.mu.Unlock()

			if err := facts.Emit(context.Background(), m.sink, facts.NavigationEvent(pageID, url, now)); err != nil {
				m.logger.Warn("navigation fact error", zap.String("page_id", pageID), zap.Error(err))
			}
			if listener != nil {
				listener.PageNavigated(pageID, url)
			}
		},
		Console: func(level, text string) {
			now := time.Now()
			m.mu.Lock()
			for _, rec := range m.pages {
				if rec.meta.ID == pageID {
					rec.console = append(rec.console, ConsoleMessage{Type: level, Text: text, Timestamp: now})
					if len(rec.console) > maxConsoleMessages {
						rec.console = rec.console[len(rec.console)-maxConsoleMessages:]
					}
					break
				}
			}
			m.mu.Unlock()

			if err := facts.Emit(context.Background(), m.sink, facts.ConsoleEvent(pageID, level, text, now)); err != nil {
				m.logger.Warn("console fact error", zap.String("page_id", pageID), zap.Error(err))
			}
		},
	}
}

func (m *Manager) notifyClosed(pageID string) {
	m.mu.RLock()
	listener := m.listener
	m.mu.RUnlock()
	if listener != nil {
		listener.PageClosed(pageID)
	}
}

// persist writes page metadata to disk for continuity across restarts.
func (m *Manager) persist() {
	if m.cfg.PageStore == "" {
		return
	}

	m.mu.RLock()
	pages := make([]PageInfo, 0, len(m.pages)+len(m.stored))
	for _, n := range m.order {
		if rec := m.pages[n]; rec != nil {
			pages = append(pages, rec.meta)
		}
	}
	for _, info := range m.stored {
		pages = append(pages, info)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(pages, "", "  ")
	if err == nil {
		err = os.MkdirAll(filepath.Dir(m.cfg.PageStore), 0o755)
	}
	if err == nil {
		err = os.WriteFile(m.cfg.PageStore, data, 0o644)
	}
	if err != nil {
		m.logger.Warn("persist pages failed", zap.String("path", m.cfg.PageStore), zap.Error(err))
	}
}

// loadStore loads persisted metadata. Entries stay detached until reopened.
func (m *Manager) loadStore() error {
	if m.cfg.PageStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.PageStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var pages []PageInfo
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	for _, p := range pages {
		p.Status = "detached"
		m.stored[p.Name] = p
	}
	return nil
}
