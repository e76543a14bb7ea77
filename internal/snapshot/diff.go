package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"ubrowser-mcp-server/internal/refs"
)

// Pruned is a rendered snapshot kept as the differ's baseline.
type Pruned struct {
	URL       string
	Title     string
	Elements  []refs.Ref
	Hash      string
	Timestamp time.Time
}

// Baseline holds the last full or diff render of one page.
type Baseline struct {
	mu   sync.Mutex
	last *Pruned
}

func (b *Baseline) Get() *Pruned {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *Baseline) Set(p *Pruned) {
	b.mu.Lock()
	b.last = p
	b.mu.Unlock()
}

func (b *Baseline) Clear() { b.Set(nil) }

// Modified is one element whose name or role changed.
type Modified struct {
	ID      string `json:"id"`
	Changes string `json:"changes"`
}

// Diff partitions the union of two snapshots' ref ids.
type Diff struct {
	Added     []refs.Ref `json:"added"`
	Removed   []string   `json:"removed"`
	Modified  []Modified `json:"modified"`
	Unchanged int        `json:"unchanged"`
}

// Degenerate reports a diff with nothing to compare against: no baseline, or
// every element new.
func (d Diff) Degenerate() bool {
	return d.Unchanged == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Compare diffs cur against prev by ref id. A nil prev makes every element
// added. Rows sharing an id count once, compared by the last of them.
func Compare(prev *Pruned, cur []refs.Ref) Diff {
	d := Diff{Added: []refs.Ref{}, Removed: []string{}, Modified: []Modified{}}
	cur = lastByID(cur)
	if prev == nil {
		d.Added = append(d.Added, cur...)
		return d
	}

	prevElements := lastByID(prev.Elements)
	prevByID := make(map[string]refs.Ref, len(prevElements))
	for _, el := range prevElements {
		prevByID[el.ID] = el
	}
	curIDs := make(map[string]bool, len(cur))

	for _, el := range cur {
		curIDs[el.ID] = true
		old, ok := prevByID[el.ID]
		if !ok {
			d.Added = append(d.Added, el)
			continue
		}
		var changes []string
		if old.Name != el.Name {
			changes = append(changes, `name: "`+el.Name+`"`)
		}
		if old.Role != el.Role {
			changes = append(changes, "role: "+el.Role)
		}
		if len(changes) == 0 {
			d.Unchanged++
			continue
		}
		d.Modified = append(d.Modified, Modified{ID: el.ID, Changes: strings.Join(changes, ", ")})
	}

	for _, el := range prevElements {
		if !curIDs[el.ID] {
			d.Removed = append(d.Removed, el.ID)
		}
	}
	return d
}

// lastByID keeps one row per id, in first-appearance order, holding the
// fields of the id's last row.
func lastByID(elements []refs.Ref) []refs.Ref {
	index := make(map[string]int, len(elements))
	out := make([]refs.Ref, 0, len(elements))
	for _, el := range elements {
		if i, ok := index[el.ID]; ok {
			out[i] = el
			continue
		}
		index[el.ID] = len(out)
		out = append(out, el)
	}
	return out
}

// Hash fingerprints a ref list: the first 8 hex chars of the md5 of
// id:role:name:selector joined with "|".
func Hash(elements []refs.Ref) string {
	parts := make([]string, len(elements))
	for i, e := range elements {
		parts[i] = e.ID + ":" + e.Role + ":" + e.Name + ":" + e.Selector
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:8]
}
