package browsertest

import (
	"context"
	"sync"

	"ubrowser-mcp-server/internal/browser"
)

// Driver hands out Pages. Routes registered on the driver are copied into
// every page it opens.
type Driver struct {
	mu       sync.Mutex
	routes   map[string]string
	pages    []*Page
	started  int
	closed   bool
	StartErr error
}

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	return &Driver{routes: make(map[string]string)}
}

// Route serves src for url on every page opened after the call.
func (d *Driver) Route(url, src string) {
	d.mu.Lock()
	d.routes[url] = src
	d.mu.Unlock()
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return d.StartErr
	}
	d.started++
	return nil
}

func (d *Driver) NewPage(ctx context.Context, id string, hooks browser.Hooks) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := NewPage(id)
	p.hooks = hooks

	d.mu.Lock()
	for url, src := range d.routes {
		p.routes[url] = src
	}
	d.pages = append(d.pages, p)
	d.mu.Unlock()
	return p, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Pages returns every page opened so far, closed ones included.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// Last returns the most recently opened page.
func (d *Driver) Last() *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil
	}
	return d.pages[len(d.pages)-1]
}

// Starts counts successful Start calls.
func (d *Driver) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
