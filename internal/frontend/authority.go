package frontend

import (
	"sync"
	"time"

	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/metrics"
	"github.com/jsiwek/repkv/internal/wire"
)

// Publisher receives publications emitted by an Authority on every
// mutation. internal/backend attaches one implementation per subscribed
// publish connection to relay publications to that subscriber.
type Publisher interface {
	Publish(wire.Publication)
}

// Authority is the canonical store for one topic (spec §4.2). It answers
// queries synchronously, emits exactly one publication per mutation, and
// can be attached to any number of Publishers (one per subscribed publish
// connection).
type Authority struct {
	topic string

	mu    sync.Mutex
	store map[string]int64
	seq   uint64

	publishers map[Publisher]struct{}

	metrics *metrics.AuthorityMetrics
	log     interface {
		Infof(string, ...interface{})
		Debugf(string, ...interface{})
	}
}

// NewAuthority creates an empty Authority for topic at sequence 0.
func NewAuthority(topic string) *Authority {
	return &Authority{
		topic:      topic,
		store:      make(map[string]int64),
		publishers: make(map[Publisher]struct{}),
		metrics:    metrics.NewAuthorityMetrics(topic),
		log:        log.Get("frontend"),
	}
}

// Topic returns the topic this Authority owns.
func (a *Authority) Topic() string { return a.topic }

// Attach registers p to receive every publication this Authority emits from
// now on. Safe to call concurrently with mutations.
func (a *Authority) Attach(p Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishers[p] = struct{}{}
}

// Detach unregisters p.
func (a *Authority) Detach(p Publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.publishers, p)
}

// publishLocked emits pub to every attached publisher. Caller must hold a.mu.
func (a *Authority) publishLocked(pub wire.Publication) {
	a.metrics.Publications.Inc()
	for p := range a.publishers {
		p.Publish(pub)
	}
}

// --------------------------------------------------------------------------
// Mutators (spec §4.2)
// --------------------------------------------------------------------------

// Insert sets key to value, always succeeds, and emits a ValUpdate
// publication carrying the new value.
func (a *Authority) Insert(key string, value int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[key] = value
	a.seq++
	a.metrics.Mutations.Inc()
	a.publishLocked(wire.Publication{
		Topic: a.topic, Kind: wire.PubValUpdate, Seq: a.seq,
		Key: []byte(key), Value: value, ValuePresent: true,
	})
	return nil
}

// Remove deletes key. If the key was absent, it returns false and emits no
// publication (spec §4.2, §8 scenario 3).
func (a *Authority) Remove(key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.store[key]; !ok {
		return false, nil
	}
	delete(a.store, key)
	a.seq++
	a.metrics.Mutations.Inc()
	a.publishLocked(wire.Publication{
		Topic: a.topic, Kind: wire.PubValUpdate, Seq: a.seq,
		Key: []byte(key), ValuePresent: false,
	})
	return true, nil
}

// Increment adds delta to the value stored at key and publishes the
// resulting value (not the delta — spec §4.2, §8 scenario 2). It fails
// silently (returns ok=false, no publication) if the key is absent.
func (a *Authority) Increment(key string, delta int64) (newValue int64, ok bool, err error) {
	return a.addDelta(key, delta)
}

// Decrement subtracts delta from the value stored at key. Same semantics as
// Increment.
func (a *Authority) Decrement(key string, delta int64) (newValue int64, ok bool, err error) {
	return a.addDelta(key, -delta)
}

func (a *Authority) addDelta(key string, delta int64) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, exists := a.store[key]
	if !exists {
		return 0, false, nil
	}
	next := cur + delta
	a.store[key] = next
	a.seq++
	a.metrics.Mutations.Inc()
	a.publishLocked(wire.Publication{
		Topic: a.topic, Kind: wire.PubValUpdate, Seq: a.seq,
		Key: []byte(key), Value: next, ValuePresent: true,
	})
	return next, true, nil
}

// Clear empties the store. The sequence is incremented unconditionally,
// even when the store was already empty — this preserves the source
// program's behavior (see DESIGN.md, internal/frontend).
func (a *Authority) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store = make(map[string]int64)
	a.seq++
	a.metrics.Mutations.Inc()
	a.publishLocked(wire.Publication{Topic: a.topic, Kind: wire.PubClear, Seq: a.seq})
	return nil
}

// --------------------------------------------------------------------------
// Queries (spec §4.2)
// --------------------------------------------------------------------------

func (a *Authority) Lookup(key string) (int64, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.store[key]
	return v, ok, nil
}

func (a *Authority) HasKey(key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.store[key]
	return ok, nil
}

func (a *Authority) Size() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.store)), nil
}

// LookupAsync, HasKeyAsync and SizeAsync invoke cb immediately and
// synchronously, so application code can be written against one uniform
// async API regardless of whether it runs against an Authority or a
// Replica (spec §4.2). timeout is accepted for interface symmetry and
// ignored: an authority never waits on anything.
func (a *Authority) LookupAsync(key string, _ time.Duration, cb LookupCallback) {
	v, ok, _ := a.Lookup(key)
	cb(v, ok, nil)
}

func (a *Authority) HasKeyAsync(key string, _ time.Duration, cb HasKeyCallback) {
	ok, _ := a.HasKey(key)
	cb(ok, nil)
}

func (a *Authority) SizeAsync(_ time.Duration, cb SizeCallback) {
	n, _ := a.Size()
	cb(n, nil)
}

// Snapshot returns a copy of the current store together with the current
// sequence (spec §4.2, I2).
func (a *Authority) Snapshot() wire.Response {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]wire.Entry, 0, len(a.store))
	for k, v := range a.store {
		entries = append(entries, wire.Entry{Key: []byte(k), Value: v})
	}
	return wire.Response{Kind: wire.RespSnapshot, SnapshotSeq: a.seq, SnapshotEntries: entries}
}

// Respond produces the Response for req by consulting this Authority (spec
// §4.1: "a request knows how to produce a response on the authority side").
func (a *Authority) Respond(req wire.Request) wire.Response {
	a.metrics.Requests.Inc()
	switch req.Kind {
	case wire.ReqLookup:
		v, ok, _ := a.Lookup(string(req.Key))
		return wire.Response{Kind: wire.RespLookup, LookupValue: v, LookupLoaded: ok}
	case wire.ReqHasKey:
		ok, _ := a.HasKey(string(req.Key))
		return wire.Response{Kind: wire.RespHasKey, HasKey: ok}
	case wire.ReqSize:
		n, _ := a.Size()
		return wire.Response{Kind: wire.RespSize, Size: n}
	case wire.ReqSnapshot:
		return a.Snapshot()
	default:
		a.metrics.InvalidReqs.Inc()
		return wire.Response{Kind: wire.RespInvalid, InvalidReason: wire.ReasonUnknownType}
	}
}
