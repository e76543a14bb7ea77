// Package refs hands out short, stable element ids ("e1", "e2", ...) keyed by
// selector, and remembers where each element was last seen on screen.
package refs

import (
	"regexp"
	"sort"
	"strconv"
	"sync"
)

var refIDPattern = regexp.MustCompile(`^e\d+$`)

// IsRefID reports whether s is a ref id rather than a CSS selector.
func IsRefID(s string) bool {
	return refIDPattern.MatchString(s)
}

// Ref is the public description of one extracted element.
type Ref struct {
	ID         string            `json:"id"`
	Selector   string            `json:"selector"`
	Role       string            `json:"role"`
	Name       string            `json:"name"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Position is the screen centre of an element at its last extraction.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Manager owns one ref epoch. Within an epoch the same selector always maps
// to the same id; Clear starts a new epoch and restarts numbering at e1.
//
// When two distinct elements produce the same selector the later extraction
// overwrites the descriptive fields of the shared ref.
type Manager struct {
	mu         sync.RWMutex
	byID       map[string]*Ref
	bySelector map[string]string
	positions  map[string]Position
	counter    int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		byID:       make(map[string]*Ref),
		bySelector: make(map[string]string),
		positions:  make(map[string]Position),
	}
}

// GetOrCreate returns the id registered for selector, refreshing its role,
// name, tag and attributes, or allocates the next id.
func (m *Manager) GetOrCreate(selector, role, name, tag string, attrs map[string]string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.bySelector[selector]; ok {
		ref := m.byID[id]
		ref.Role = role
		ref.Name = name
		ref.Tag = tag
		ref.Attributes = attrs
		return id
	}

	m.counter++
	id := "e" + strconv.Itoa(m.counter)
	m.byID[id] = &Ref{
		ID:         id,
		Selector:   selector,
		Role:       role,
		Name:       name,
		Tag:        tag,
		Attributes: attrs,
	}
	m.bySelector[selector] = id
	return id
}

// Resolve looks up a ref by id.
func (m *Manager) Resolve(id string) (Ref, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.byID[id]
	if !ok {
		return Ref{}, false
	}
	return *ref, true
}

// All returns every live ref ordered by id number.
func (m *Manager) All() []Ref {
	m.mu.RLock()
	out := make([]Ref, 0, len(m.byID))
	for _, ref := range m.byID {
		out = append(out, *ref)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return idNumber(out[i].ID) < idNumber(out[j].ID)
	})
	return out
}

// Remove drops the given ids and their selector and position entries.
// Unknown ids are ignored.
func (m *Manager) Remove(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		ref, ok := m.byID[id]
		if !ok {
			continue
		}
		delete(m.bySelector, ref.Selector)
		delete(m.byID, id)
		delete(m.positions, id)
	}
}

// Count returns the number of live refs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Clear starts a new epoch.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID = make(map[string]*Ref)
	m.bySelector = make(map[string]string)
	m.positions = make(map[string]Position)
	m.counter = 0
}

// SetPositions replaces the position map wholesale. Ids absent from positions
// have no usable coordinates until the next extraction.
func (m *Manager) SetPositions(positions map[string]Position) {
	next := make(map[string]Position, len(positions))
	for id, p := range positions {
		next[id] = p
	}

	m.mu.Lock()
	m.positions = next
	m.mu.Unlock()
}

// Position returns the cached screen centre for id.
func (m *Manager) Position(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	return p, ok
}

// HasPositions reports whether any position is cached.
func (m *Manager) HasPositions() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions) > 0
}

func idNumber(id string) int {
	n, _ := strconv.Atoi(id[1:])
	return n
}
