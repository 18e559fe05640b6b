package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps file identities to their tracking entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*FileEntry
	limits  Limits
}

func New(lim Limits) *Registry {
	return &Registry{
		entries: make(map[string]*FileEntry),
		limits:  lim,
	}
}

// GetOrCreate returns the entry for identity, creating an empty one on first
// use. created reports whether a new entry was made.
func (r *Registry) GetOrCreate(identity string) (entry *FileEntry, created bool) {
	r.mu.RLock()
	e, ok := r.entries[identity]
	r.mu.RUnlock()
	if ok {
		return e, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[identity]; ok {
		return e, false
	}
	e = newFileEntry(identity, r.limits)
	r.entries[identity] = e
	return e, true
}

func (r *Registry) Lookup(identity string) (*FileEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[identity]
	return e, ok
}

// Remove drops the entry for identity and reports whether it existed.
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[identity]; !ok {
		return false
	}
	delete(r.entries, identity)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns all entries in ascending identity order.
func (r *Registry) Entries() []*FileEntry {
	r.mu.RLock()
	out := make([]*FileEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ForEach calls fn for every entry in ascending identity order until fn
// returns false. The directory lock is not held while fn runs, so fn may
// call back into the registry. Entries added during the walk are not
// visited.
func (r *Registry) ForEach(fn func(*FileEntry) bool) {
	for _, e := range r.Entries() {
		if !fn(e) {
			return
		}
	}
}

// Match returns the entries whose identity contains substr, sorted.
func (r *Registry) Match(substr string) []*FileEntry {
	var out []*FileEntry
	for _, e := range r.Entries() {
		if strings.Contains(e.Identity, substr) {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) ResetRead(identity string) bool {
	return r.with(identity, (*FileEntry).ResetRead)
}

func (r *Registry) ResetWrite(identity string) bool {
	return r.with(identity, (*FileEntry).ResetWrite)
}

// ResetBoth clears every access table of one file.
func (r *Registry) ResetBoth(identity string) bool {
	return r.with(identity, (*FileEntry).ResetAll)
}

func (r *Registry) ResetAllRead() {
	r.ForEach(func(e *FileEntry) bool { e.ResetRead(); return true })
}

func (r *Registry) ResetAllWrite() {
	r.ForEach(func(e *FileEntry) bool { e.ResetWrite(); return true })
}

// ResetAll clears every access table of every file. Placement maps are kept.
func (r *Registry) ResetAll() {
	r.ForEach(func(e *FileEntry) bool { e.ResetAll(); return true })
}

func (r *Registry) with(identity string, fn func(*FileEntry)) bool {
	e, ok := r.Lookup(identity)
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Scope selects which access tables a reset clears.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeBoth  Scope = "both"
)

func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeRead, ScopeWrite, ScopeBoth:
		return sc, nil
	case "":
		return ScopeBoth, nil
	}
	return "", fmt.Errorf("unknown reset scope %q", s)
}

// Reset clears the tables selected by scope for one file.
func (r *Registry) Reset(identity string, scope Scope) bool {
	switch scope {
	case ScopeRead:
		return r.ResetRead(identity)
	case ScopeWrite:
		return r.ResetWrite(identity)
	}
	return r.ResetBoth(identity)
}

// ResetEvery clears the tables selected by scope for every file.
func (r *Registry) ResetEvery(scope Scope) {
	switch scope {
	case ScopeRead:
		r.ResetAllRead()
	case ScopeWrite:
		r.ResetAllWrite()
	default:
		r.ResetAll()
	}
}
