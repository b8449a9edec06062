package frontend

import (
	"sync"
	"time"

	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/metrics"
	"github.com/jsiwek/repkv/internal/repkverr"
	"github.com/jsiwek/repkv/internal/wire"
)

// Backend is the non-owning transport handle a Replica forwards mutations
// and queries through. internal/backend.ReplicaBackend implements it.
type Backend interface {
	// PushUpdate enqueues a fire-and-forget mutation for delivery to the
	// authority.
	PushUpdate(wire.Update)

	// SubmitRequest enqueues a synchronous query. onResult is invoked
	// exactly once: with (response, nil) on a matching-kind reply, or with
	// a zero Response and a non-nil *repkverr.Error on timeout, kind
	// mismatch, or an InvalidRequest reply. timeout == 0 means the
	// request never expires (only legal for wire.ReqSnapshot).
	SubmitRequest(req wire.Request, timeout time.Duration, onResult func(wire.Response, *repkverr.Error))
}

// Replica maintains a best-effort cache of one topic, kept in sync with its
// authority via publications, and via snapshots requested on Pair and
// after a detected gap (spec §4.3).
type Replica struct {
	topic string

	mu           sync.Mutex
	backend      Backend
	store        map[string]int64
	seq          uint64
	synchronized bool
	backlog      []wire.Publication

	metrics *metrics.ReplicaMetrics
	log     interface {
		Infof(string, ...interface{})
		Warningf(string, ...interface{})
		Debugf(string, ...interface{})
	}
}

// NewReplica creates an unpaired, unsynchronized Replica for topic.
func NewReplica(topic string) *Replica {
	return &Replica{
		topic:   topic,
		store:   make(map[string]int64),
		metrics: metrics.NewReplicaMetrics(topic),
		log:     log.Get("frontend"),
	}
}

func (r *Replica) Topic() string { return r.topic }

// Pair attaches b as this Replica's backend and issues the initial Snapshot
// request. b must already be connected and subscribed to this topic's
// publications before Pair is called — spec §4.3's pairing protocol relies
// on the subscription predating the snapshot request so that every
// publication newer than the snapshot is buffered, not missed.
func (r *Replica) Pair(b Backend) {
	r.mu.Lock()
	r.backend = b
	r.synchronized = false
	r.backlog = nil
	r.mu.Unlock()

	r.requestSnapshot()
}

// Unpair detaches the current backend. Requests already submitted through
// it are not retracted (spec §5): they still fire with whatever outcome the
// transport yields.
func (r *Replica) Unpair() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend = nil
}

func (r *Replica) requestSnapshot() {
	r.mu.Lock()
	b := r.backend
	topic := r.topic
	r.mu.Unlock()
	if b == nil {
		return
	}
	req := wire.Request{Topic: topic, Kind: wire.ReqSnapshot}
	b.SubmitRequest(req, 0, func(resp wire.Response, err *repkverr.Error) {
		if err != nil {
			r.log.Warningf("topic %s: snapshot request failed: %v", topic, err)
			return
		}
		if resp.Kind != wire.RespSnapshot {
			r.log.Warningf("topic %s: snapshot request got kind %v", topic, resp.Kind)
			return
		}
		r.applySnapshot(resp)
	})
}

// --------------------------------------------------------------------------
// Reconciliation (spec §4.3)
// --------------------------------------------------------------------------

// applySnapshot installs resp as the new store baseline, then drains the
// backlog in arrival order, applying each publication contiguous with the
// new sequence and dropping any already reflected in the snapshot. It stops
// at the first gap; entries after a gap remain buffered and are
// re-evaluated by the next publication or resync (SPEC_FULL.md §5).
func (r *Replica) applySnapshot(resp wire.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	store := make(map[string]int64, len(resp.SnapshotEntries))
	for _, e := range resp.SnapshotEntries {
		store[string(e.Key)] = e.Value
	}
	r.store = store
	r.seq = resp.SnapshotSeq

	backlog := r.backlog
	r.backlog = nil
	r.synchronized = true

	for _, pub := range backlog {
		if pub.Seq <= r.seq {
			continue // already reflected in snapshot
		}
		if pub.Seq != r.seq+1 {
			// gap after the snapshot baseline: stop, keep the rest buffered
			r.synchronized = false
			r.backlog = append(r.backlog, pub)
			continue
		}
		r.applyLocked(pub)
	}
}

// ProcessPublication is called by the paired backend for every publication
// addressed to this topic (spec §4.3).
func (r *Replica) ProcessPublication(pub wire.Publication) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.synchronized {
		r.backlog = append(r.backlog, pub)
		r.metrics.Buffered.Inc()
		return
	}

	if pub.Seq == r.seq+1 {
		r.applyLocked(pub)
		return
	}

	// Gap detected (I4 violation): resync.
	r.metrics.Resyncs.Inc()
	r.backlog = nil
	r.synchronized = false
	b := r.backend
	r.mu.Unlock()
	if b != nil {
		r.requestSnapshot()
	}
	r.mu.Lock()
}

// applyLocked applies one contiguous publication. Caller must hold r.mu.
func (r *Replica) applyLocked(pub wire.Publication) {
	switch pub.Kind {
	case wire.PubValUpdate:
		if pub.ValuePresent {
			r.store[string(pub.Key)] = pub.Value
		} else {
			delete(r.store, string(pub.Key))
		}
	case wire.PubClear:
		r.store = make(map[string]int64)
	}
	r.seq = pub.Seq
	r.metrics.Applied.Inc()
}

// --------------------------------------------------------------------------
// Mutators (spec §4.3) — forward to the authority, local state changes only
// when the resulting publication arrives.
// --------------------------------------------------------------------------

func (r *Replica) push(u wire.Update) error {
	r.mu.Lock()
	b := r.backend
	r.mu.Unlock()
	if b == nil {
		return repkverr.New(repkverr.CodeUnknownTopic, "replica is not paired with a backend")
	}
	u.Topic = r.topic
	b.PushUpdate(u)
	return nil
}

func (r *Replica) Insert(key string, value int64) error {
	return r.push(wire.Update{Kind: wire.UpdInsert, Key: []byte(key), Value: value})
}

// Remove forwards a removal. The boolean return is always false: whether
// the key actually existed is known only to the authority, and arrives
// later as a publication, not as a result of this call.
func (r *Replica) Remove(key string) (bool, error) {
	err := r.push(wire.Update{Kind: wire.UpdRemove, Key: []byte(key)})
	return false, err
}

func (r *Replica) Increment(key string, delta int64) (int64, bool, error) {
	err := r.push(wire.Update{Kind: wire.UpdIncrement, Key: []byte(key), Delta: delta})
	return 0, false, err
}

func (r *Replica) Decrement(key string, delta int64) (int64, bool, error) {
	err := r.push(wire.Update{Kind: wire.UpdDecrement, Key: []byte(key), Delta: delta})
	return 0, false, err
}

func (r *Replica) Clear() error {
	return r.push(wire.Update{Kind: wire.UpdClear})
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// Lookup, HasKey and Size read the local cache directly, without
// round-tripping to the authority. They may be stale: publications not yet
// received, or buffered while the replica is unsynchronized, are not
// reflected.
func (r *Replica) Lookup(key string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.store[key]
	return v, ok, nil
}

func (r *Replica) HasKey(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.store[key]
	return ok, nil
}

func (r *Replica) Size() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.store)), nil
}

// countAsyncError attributes a failed LookupAsync/HasKeyAsync/SizeAsync
// round trip to the right counter: a timeout is expected under load and
// counted separately from an invalid or mismatched reply.
func (r *Replica) countAsyncError(err *repkverr.Error) {
	if err.Code == repkverr.CodeTimeout {
		r.metrics.Timeouts.Inc()
		return
	}
	r.metrics.InvalidRsp.Inc()
}

// LookupAsync, HasKeyAsync and SizeAsync issue a Request against the
// authority and complete via cb once a matching response arrives, times
// out, or comes back invalid (spec §4.3, §4.1).
func (r *Replica) LookupAsync(key string, timeout time.Duration, cb LookupCallback) {
	r.mu.Lock()
	b := r.backend
	topic := r.topic
	r.mu.Unlock()
	if b == nil {
		cb(0, false, repkverr.New(repkverr.CodeUnknownTopic, "replica is not paired with a backend"))
		return
	}
	req := wire.Request{Topic: topic, Kind: wire.ReqLookup, Key: []byte(key)}
	b.SubmitRequest(req, timeout, func(resp wire.Response, err *repkverr.Error) {
		if err != nil {
			r.countAsyncError(err)
			cb(0, false, err)
			return
		}
		if resp.Kind != wire.RespLookup {
			r.metrics.InvalidRsp.Inc()
			cb(0, false, repkverr.New(repkverr.CodeInvalidResponse, "expected LOOKUP response"))
			return
		}
		cb(resp.LookupValue, resp.LookupLoaded, nil)
	})
}

func (r *Replica) HasKeyAsync(key string, timeout time.Duration, cb HasKeyCallback) {
	r.mu.Lock()
	b := r.backend
	topic := r.topic
	r.mu.Unlock()
	if b == nil {
		cb(false, repkverr.New(repkverr.CodeUnknownTopic, "replica is not paired with a backend"))
		return
	}
	req := wire.Request{Topic: topic, Kind: wire.ReqHasKey, Key: []byte(key)}
	b.SubmitRequest(req, timeout, func(resp wire.Response, err *repkverr.Error) {
		if err != nil {
			r.countAsyncError(err)
			cb(false, err)
			return
		}
		if resp.Kind != wire.RespHasKey {
			r.metrics.InvalidRsp.Inc()
			cb(false, repkverr.New(repkverr.CodeInvalidResponse, "expected HASKEY response"))
			return
		}
		cb(resp.HasKey, nil)
	})
}

func (r *Replica) SizeAsync(timeout time.Duration, cb SizeCallback) {
	r.mu.Lock()
	b := r.backend
	topic := r.topic
	r.mu.Unlock()
	if b == nil {
		cb(0, repkverr.New(repkverr.CodeUnknownTopic, "replica is not paired with a backend"))
		return
	}
	req := wire.Request{Topic: topic, Kind: wire.ReqSize}
	b.SubmitRequest(req, timeout, func(resp wire.Response, err *repkverr.Error) {
		if err != nil {
			r.countAsyncError(err)
			cb(0, err)
			return
		}
		if resp.Kind != wire.RespSize {
			r.metrics.InvalidRsp.Inc()
			cb(0, repkverr.New(repkverr.CodeInvalidResponse, "expected SIZE response"))
			return
		}
		cb(resp.Size, nil)
	})
}

// Synchronized reports whether the replica currently believes its cache is
// contiguous with the authority's publication stream (I4).
func (r *Replica) Synchronized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synchronized
}

// Sequence returns the replica's locally-applied sequence number.
func (r *Replica) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
