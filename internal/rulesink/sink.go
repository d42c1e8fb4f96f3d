// Package rulesink holds the installed redirect rule set. The set is an
// immutable table swapped with atomic.Pointer, so lookups on the serving
// path never take a lock and always see a batch either fully applied or
// not at all.
package rulesink

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/keithlinneman/capserve/internal/xerrors"
)

// ResourceType classifies what a rule may answer.
type ResourceType string

const (
	ResourceDocument ResourceType = "document"
	ResourceScript   ResourceType = "script"
	ResourceStyle    ResourceType = "style"
	ResourceImage    ResourceType = "image"
	ResourceFont     ResourceType = "font"
	ResourceMedia    ResourceType = "media"
)

// AllResourceTypes is attached to every rule capserve installs.
var AllResourceTypes = []ResourceType{
	ResourceDocument, ResourceScript, ResourceStyle, ResourceImage, ResourceFont, ResourceMedia,
}

// Rule redirects one exact URL to a data URI.
type Rule struct {
	ID            int64          `json:"id"`
	Priority      int            `json:"priority"`
	URLPattern    string         `json:"urlPattern"`
	DataURI       string         `json:"dataUri"`
	ResourceTypes []ResourceType `json:"resourceTypes"`
	PackageID     string         `json:"packageId"`
}

// Batch removes then adds rules as one unit.
type Batch struct {
	Remove []int64
	Add    []Rule
}

// Sink is the rule installation surface the route compiler talks to.
type Sink interface {
	Apply(ctx context.Context, b Batch) error
	Lookup(url string) (Rule, bool)
	Rules() []Rule
}

// table is an immutable snapshot of the installed rules.
type table struct {
	byID  map[int64]Rule
	byURL map[string]int64
}

// Memory is the in-process Sink. Writers are serialized; readers load the
// current table without locking.
type Memory struct {
	mu     sync.Mutex
	active atomic.Pointer[table]
}

var _ Sink = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{}
	m.active.Store(&table{byID: map[int64]Rule{}, byURL: map[string]int64{}})
	return m
}

// Apply validates b against the current table and swaps in the result.
// On error nothing changes. Removing unknown ids is not an error.
func (m *Memory) Apply(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.active.Load()
	next := &table{
		byID:  make(map[int64]Rule, len(cur.byID)+len(b.Add)),
		byURL: make(map[string]int64, len(cur.byURL)+len(b.Add)),
	}
	for id, r := range cur.byID {
		next.byID[id] = r
		next.byURL[r.URLPattern] = id
	}
	for _, id := range b.Remove {
		if r, ok := next.byID[id]; ok {
			delete(next.byID, id)
			delete(next.byURL, r.URLPattern)
		}
	}
	for _, r := range b.Add {
		if _, dup := next.byID[r.ID]; dup {
			return xerrors.Newf("rulesink: rule id %d already installed", r.ID)
		}
		if owner, dup := next.byURL[r.URLPattern]; dup {
			return xerrors.Newf("rulesink: url %s already claimed by rule %d", r.URLPattern, owner)
		}
		r.ResourceTypes = slices.Clone(r.ResourceTypes)
		next.byID[r.ID] = r
		next.byURL[r.URLPattern] = r.ID
	}

	m.active.Store(next)
	return nil
}

// Lookup finds the rule whose pattern equals url exactly.
func (m *Memory) Lookup(url string) (Rule, bool) {
	t := m.active.Load()
	id, ok := t.byURL[url]
	if !ok {
		return Rule{}, false
	}
	return t.byID[id], true
}

// Rules returns the installed rules ordered by id.
func (m *Memory) Rules() []Rule {
	t := m.active.Load()
	out := make([]Rule, 0, len(t.byID))
	for _, r := range t.byID {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Rule) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of installed rules.
func (m *Memory) Len() int { return len(m.active.Load().byID) }
