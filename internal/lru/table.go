// Package lru tracks cache entries in recency order.
//
// Entries live in an arena of nodes linked by index, with a map from key to
// arena slot. The list runs from least recently used (head) to most recently
// used (tail). Every touch stamps the entry with the next value of a global
// sequence counter, so recency never depends on wall-clock time.
package lru

// Entry is the metadata of one cached key.
type Entry struct {
	Key    string
	File   string // internal file name inside the cache directory
	Size   int64
	Seq    uint64 // recency sequence at last access or commit
	Digest string
	Dirty  bool
}

const nilIndex = -1

type node struct {
	entry Entry
	prev  int32
	next  int32
}

// Table is an LRU-ordered set of clean entries plus the pending (dirty)
// writes that have not been committed yet. It is not safe for concurrent use.
type Table struct {
	nodes   []node
	free    []int32
	index   map[string]int32
	pending map[string]*Entry
	head    int32
	tail    int32
	used    int64
	seq     uint64
}

// New returns an empty table.
func New() *Table {
	return &Table{
		index:   make(map[string]int32),
		pending: make(map[string]*Entry),
		head:    nilIndex,
		tail:    nilIndex,
	}
}

// Len returns the number of clean entries.
func (t *Table) Len() int {
	return len(t.index)
}

// Used returns the summed size of all clean entries.
func (t *Table) Used() int64 {
	return t.used
}

// Seq returns the last sequence value handed out.
func (t *Table) Seq() uint64 {
	return t.seq
}

// Get returns a copy of the clean entry for key.
func (t *Table) Get(key string) (Entry, bool) {
	i, ok := t.index[key]
	if !ok {
		return Entry{}, false
	}
	return t.nodes[i].entry, true
}

// Touch marks key as most recently used and returns the updated entry.
func (t *Table) Touch(key string) (Entry, bool) {
	i, ok := t.index[key]
	if !ok {
		return Entry{}, false
	}
	t.unlink(i)
	t.pushBack(i)
	t.seq++
	t.nodes[i].entry.Seq = t.seq
	return t.nodes[i].entry, true
}

// Add inserts a clean entry as most recently used. An existing entry for the
// same key is replaced and returned so the caller can release its file.
func (t *Table) Add(e Entry) (replaced Entry, ok bool) {
	replaced, ok = t.Remove(e.Key)
	t.seq++
	e.Seq = t.seq
	e.Dirty = false
	i := t.alloc(e)
	t.index[e.Key] = i
	t.pushBack(i)
	t.used += e.Size
	return replaced, ok
}

// Remove deletes the clean entry for key and returns it.
func (t *Table) Remove(key string) (Entry, bool) {
	i, ok := t.index[key]
	if !ok {
		return Entry{}, false
	}
	e := t.nodes[i].entry
	t.unlink(i)
	delete(t.index, key)
	t.used -= e.Size
	t.nodes[i] = node{prev: nilIndex, next: nilIndex}
	t.free = append(t.free, i)
	return e, true
}

// Oldest returns the least recently used clean entry.
func (t *Table) Oldest() (Entry, bool) {
	if t.head == nilIndex {
		return Entry{}, false
	}
	return t.nodes[t.head].entry, true
}

// Begin registers a pending write of key into file. A previous pending write
// for the same key is replaced and returned.
func (t *Table) Begin(key, file string) (Entry, bool) {
	prev, ok := t.pending[key]
	t.pending[key] = &Entry{Key: key, File: file, Dirty: true}
	if ok {
		return *prev, true
	}
	return Entry{}, false
}

// PendingFile returns the file of the pending write for key.
func (t *Table) PendingFile(key string) (string, bool) {
	p, ok := t.pending[key]
	if !ok {
		return "", false
	}
	return p.File, true
}

// Commit turns the pending write for key into a clean, most recently used
// entry. It reports false when no pending write for key and file exists.
func (t *Table) Commit(key, file string, size int64, digest string) (committed, replaced Entry, hadPrev, ok bool) {
	p, found := t.pending[key]
	if !found || p.File != file {
		return Entry{}, Entry{}, false, false
	}
	delete(t.pending, key)
	e := Entry{Key: key, File: file, Size: size, Digest: digest}
	replaced, hadPrev = t.Add(e)
	committed, _ = t.Get(key)
	return committed, replaced, hadPrev, true
}

// Abort drops the pending write for key.
func (t *Table) Abort(key string) (Entry, bool) {
	p, ok := t.pending[key]
	if !ok {
		return Entry{}, false
	}
	delete(t.pending, key)
	return *p, true
}

// Pending returns all pending writes.
func (t *Table) Pending() []Entry {
	out := make([]Entry, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}

// Entries returns the clean entries ordered from least to most recently used.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.index))
	for i := t.head; i != nilIndex; i = t.nodes[i].next {
		out = append(out, t.nodes[i].entry)
	}
	return out
}

// Keys returns the clean keys in no particular order.
func (t *Table) Keys() []string {
	out := make([]string, 0, len(t.index))
	for k := range t.index {
		out = append(out, k)
	}
	return out
}

// Reset drops every entry and pending write. The sequence counter keeps
// running so later entries still order after earlier ones.
func (t *Table) Reset() {
	t.nodes = t.nodes[:0]
	t.free = t.free[:0]
	t.index = make(map[string]int32)
	t.pending = make(map[string]*Entry)
	t.head, t.tail = nilIndex, nilIndex
	t.used = 0
}

func (t *Table) alloc(e Entry) int32 {
	n := node{entry: e, prev: nilIndex, next: nilIndex}
	if k := len(t.free); k > 0 {
		i := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[i] = n
		return i
	}
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1) //nolint:gosec // arena size is bounded by entry count
}

func (t *Table) pushBack(i int32) {
	n := &t.nodes[i]
	n.prev = t.tail
	n.next = nilIndex
	if t.tail != nilIndex {
		t.nodes[t.tail].next = i
	} else {
		t.head = i
	}
	t.tail = i
}

func (t *Table) unlink(i int32) {
	n := &t.nodes[i]
	if n.prev != nilIndex {
		t.nodes[n.prev].next = n.next
	} else {
		t.head = n.next
	}
	if n.next != nilIndex {
		t.nodes[n.next].prev = n.prev
	} else {
		t.tail = n.prev
	}
	n.prev, n.next = nilIndex, nilIndex
}
