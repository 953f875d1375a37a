// Package topic implements the topic directory and the per-topic value
// store.
//
// The directory maps names to Topics. Each Topic owns its own lock, so
// writes to different topics never contend, and the name map is split into
// shards so that creates and lookups of unrelated names proceed in
// parallel.
//
// # Lifetime
//
// Topic ids come from a counter and are never reused, so a stale id can
// never alias a newer topic. Holders of a topic (local handles, remote
// publishers, client announcements) take a reference with Acquire and give
// it back with Release; a topic leaves the directory once it has no
// references, no publishers, and no retained value.
package topic

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/nettable/internal/errs"
)

const shardCount = 16

type shard struct {
	mu     sync.RWMutex
	byName map[string]*Topic
}

// Directory is the name -> topic mapping of one instance.
//
// Thread-safety: all methods are safe for concurrent use.
type Directory struct {
	shards [shardCount]shard

	idMu sync.RWMutex
	byID map[int64]*Topic

	nextID atomic.Int64
	count  atomic.Int64
	limit  int64

	localWinsTies atomic.Bool
}

// Option configures a Directory.
type Option func(*Directory)

// WithMaxTopics bounds the number of live topics. Creates beyond the bound
// fail with RESOURCE_EXHAUSTED; existing topics are unaffected.
func WithMaxTopics(n int) Option {
	return func(d *Directory) {
		d.limit = int64(n)
	}
}

// NewDirectory creates an empty directory.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{byID: make(map[int64]*Topic)}
	for i := range d.shards {
		d.shards[i].byName = make(map[string]*Topic)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLocalWinsTies selects the tie rule applied by Topic.Write. The server
// role enables it: a remote write carrying the same timestamp as the
// current local write is dropped.
func (d *Directory) SetLocalWinsTies(v bool) { d.localWinsTies.Store(v) }

// LocalWinsTies reports the current tie rule.
func (d *Directory) LocalWinsTies() bool { return d.localWinsTies.Load() }

// NormalizeName returns the canonical (NFC) form of a topic name, so that
// visually identical names from different peers map to one topic.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

func (d *Directory) shardFor(name string) *shard {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &d.shards[h.Sum32()%shardCount]
}

// getOrCreateLocked returns the topic for name, creating it if necessary;
// callers hold s.mu for writing.
func (d *Directory) getOrCreateLocked(s *shard, name string) (*Topic, bool, error) {
	if t, ok := s.byName[name]; ok {
		return t, false, nil
	}
	if d.limit > 0 && d.count.Load() >= d.limit {
		return nil, false, errs.New(errs.CodeResourceExhausted, "topic directory is full (%d)", d.limit)
	}
	t := &Topic{
		id:    d.nextID.Add(1),
		name:  name,
		dir:   d,
		props: Properties{},
	}
	s.byName[name] = t
	d.count.Add(1)

	d.idMu.Lock()
	d.byID[t.id] = t
	d.idMu.Unlock()
	return t, true, nil
}

// GetOrCreate returns the topic for name, creating it if it does not exist.
// Concurrent calls with the same name observe the same topic; exactly one
// of them reports created.
func (d *Directory) GetOrCreate(name string) (*Topic, bool, error) {
	if name == "" {
		return nil, false, errs.New(errs.CodeInvalidArgument, "topic name is empty")
	}
	name = NormalizeName(name)
	s := d.shardFor(name)

	s.mu.RLock()
	t, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		return t, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return d.getOrCreateLocked(s, name)
}

// Acquire is GetOrCreate plus a reference, taken atomically with respect to
// Release so a topic is never removed between lookup and reference.
func (d *Directory) Acquire(name string) (*Topic, bool, error) {
	if name == "" {
		return nil, false, errs.New(errs.CodeInvalidArgument, "topic name is empty")
	}
	name = NormalizeName(name)
	s := d.shardFor(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, created, err := d.getOrCreateLocked(s, name)
	if err != nil {
		return nil, false, err
	}
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
	return t, created, nil
}

// AcquireTopic takes an additional reference on an existing topic. Fails
// with UNKNOWN_HANDLE if the topic has already been removed.
func (d *Directory) AcquireTopic(t *Topic) error {
	s := d.shardFor(t.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return errs.New(errs.CodeUnknownHandle, "topic %q was removed", t.name)
	}
	t.refs++
	return nil
}

// Release drops one reference and removes the topic if nothing keeps it
// alive any more. Returns true if the topic was removed.
func (d *Directory) Release(t *Topic) bool {
	s := d.shardFor(t.name)
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	if t.refs > 0 {
		t.refs--
	}
	remove := !t.removed && t.removableLocked()
	if remove {
		t.removed = true
	}
	t.mu.Unlock()

	if remove {
		d.dropLocked(s, t)
	}
	return remove
}

// Collect removes t if nothing keeps it alive, without touching the
// reference count. Used after a publisher or announcement goes away.
func (d *Directory) Collect(t *Topic) bool {
	s := d.shardFor(t.name)
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	remove := !t.removed && t.removableLocked()
	if remove {
		t.removed = true
	}
	t.mu.Unlock()

	if remove {
		d.dropLocked(s, t)
	}
	return remove
}

// Remove deletes the topic with the given id. Only legal when no handle,
// publisher, or announcement references it; otherwise TOPIC_IN_USE.
func (d *Directory) Remove(id int64) error {
	t, ok := d.ByID(id)
	if !ok {
		return errs.New(errs.CodeUnknownHandle, "no topic with id %d", id)
	}
	s := d.shardFor(t.name)
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return errs.New(errs.CodeUnknownHandle, "no topic with id %d", id)
	}
	if t.refs > 0 || t.publishers > 0 || t.announced {
		t.mu.Unlock()
		return &errs.Error{Code: errs.CodeTopicInUse, Message: "topic is still referenced", Topic: t.name}
	}
	t.removed = true
	t.mu.Unlock()

	d.dropLocked(s, t)
	return nil
}

// dropLocked unlinks a topic already marked removed; callers hold s.mu.
func (d *Directory) dropLocked(s *shard, t *Topic) {
	delete(s.byName, t.name)
	d.count.Add(-1)
	d.idMu.Lock()
	delete(d.byID, t.id)
	d.idMu.Unlock()
}

// Lookup returns the topic for name without creating it.
func (d *Directory) Lookup(name string) (*Topic, bool) {
	name = NormalizeName(name)
	s := d.shardFor(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byName[name]
	return t, ok
}

// ByID returns the topic with the given id.
func (d *Directory) ByID(id int64) (*Topic, bool) {
	d.idMu.RLock()
	defer d.idMu.RUnlock()
	t, ok := d.byID[id]
	return t, ok
}

// Len returns the number of live topics.
func (d *Directory) Len() int {
	return int(d.count.Load())
}

// All returns every live topic ordered by id.
func (d *Directory) All() []*Topic {
	d.idMu.RLock()
	out := make([]*Topic, 0, len(d.byID))
	for _, t := range d.byID {
		out = append(out, t)
	}
	d.idMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Match returns the live topics whose names start with any of prefixes,
// ordered by id. An empty prefix matches everything.
func (d *Directory) Match(prefixes []string) []*Topic {
	var out []*Topic
	for _, t := range d.All() {
		if MatchesAny(t.name, prefixes, true) {
			out = append(out, t)
		}
	}
	return out
}

// MatchesAny reports whether name matches any pattern. With prefix set the
// patterns are prefixes, otherwise exact names.
func MatchesAny(name string, patterns []string, prefix bool) bool {
	for _, p := range patterns {
		if prefix && strings.HasPrefix(name, p) {
			return true
		}
		if !prefix && name == p {
			return true
		}
	}
	return false
}
