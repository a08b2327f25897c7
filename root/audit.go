package root

import (
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Entry records one resolution outcome under a path: enough to answer
// "was this path ever the subject of a safety-violation or an escape
// attempt", without keeping every successful resolution (which would
// grow unbounded).
type Entry struct {
	Path     string
	Kind     string // "safety-violation" or "not-found-via-symlink"
	Detail   string
	Recorded time.Time
}

// auditLog is a radix tree indexed by path, guarded by an embedded
// mutex plus copy-on-write Insert that reassigns the tree pointer under
// lock. A path here accumulates a bounded history rather than a single
// overwritten entry, since an attacker may probe the same path
// repeatedly.
type auditLog struct {
	sync.RWMutex
	tree *iradix.Tree
}

// maxEntriesPerPath bounds the per-path history so a repeated probe of
// the same path cannot grow the tree without limit.
const maxEntriesPerPath = 16

func newAuditLog() *auditLog {
	return &auditLog{tree: iradix.New()}
}

// record appends an Entry under path's key, trimming the oldest entries
// once maxEntriesPerPath is exceeded.
func (a *auditLog) record(e Entry) {
	a.Lock()
	defer a.Unlock()

	key := []byte(e.Path)
	var entries []Entry
	if raw, ok := a.tree.Get(key); ok {
		entries = raw.([]Entry)
	}
	entries = append(entries, e)
	if len(entries) > maxEntriesPerPath {
		entries = entries[len(entries)-maxEntriesPerPath:]
	}

	tree, _, _ := a.tree.Insert(key, entries)
	a.tree = tree
}

// lookup returns the recorded history for path, if any.
func (a *auditLog) lookup(path string) ([]Entry, bool) {
	a.RLock()
	defer a.RUnlock()

	raw, ok := a.tree.Get([]byte(path))
	if !ok {
		return nil, false
	}
	return raw.([]Entry), true
}

// snapshot returns every recorded entry, path order from the tree's
// natural (lexical-byte) walk, for Root.Stats.
func (a *auditLog) snapshot() []Entry {
	a.RLock()
	defer a.RUnlock()

	var out []Entry
	a.tree.Root().Walk(func(key []byte, raw interface{}) bool {
		out = append(out, raw.([]Entry)...)
		return false
	})
	return out
}
