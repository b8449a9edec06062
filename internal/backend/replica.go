package backend

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/repkverr"
	"github.com/jsiwek/repkv/internal/transport"
	"github.com/jsiwek/repkv/internal/wire"
)

// requestQueueDepth bounds how many queries may be queued waiting for
// their turn on the reply channel (I3: at most one unacknowledged
// request at a time).
const requestQueueDepth = 256

type requestJob struct {
	req     wire.Request
	timeout time.Duration
	cb      func(wire.Response, *repkverr.Error)
}

// ReplicaBackend is the non-blocking I/O driver for the three-channel
// client side (spec §4.5): request (req/rep), subscribe (pub/sub) and
// push (pull/push), each its own connection to the same authority. The
// authority reads only the first subscribe frame on a publish connection,
// so publications reach only the first Replica paired with this backend.
type ReplicaBackend struct {
	reqAddr  string // host:port for reqConn, kept for reconnectReq
	reqConn  net.Conn
	subConn  net.Conn
	pushConn net.Conn

	// writeMu guards both reqConn itself (it is replaced wholesale by
	// reconnectReq) and writes on it. reqGen is bumped on every replacement
	// so answerLoop can tell an intentional reconnect from a real failure.
	writeMu sync.Mutex
	reqGen  uint64

	queue   chan requestJob
	pending chan wire.Response // set while a request awaits its reply

	mu       sync.Mutex
	replicas map[string]*frontend.Replica

	closed chan struct{}
	log    namedLogger
}

var _ frontend.Backend = (*ReplicaBackend)(nil)

// Dial connects the three channels to an authority listening on
// host:port, host:port+1 and host:port+2 (spec §6.1/§6.3: "a node uses
// three consecutive ports by convention").
func Dial(addr string) (*ReplicaBackend, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid port in %q: %w", addr, err)
	}

	reqConn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	subConn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port+1)))
	if err != nil {
		reqConn.Close()
		return nil, err
	}
	pushConn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port+2)))
	if err != nil {
		reqConn.Close()
		subConn.Close()
		return nil, err
	}

	b := &ReplicaBackend{
		reqAddr:  net.JoinHostPort(host, strconv.Itoa(port)),
		reqConn:  reqConn,
		subConn:  subConn,
		pushConn: pushConn,
		queue:    make(chan requestJob, requestQueueDepth),
		replicas: make(map[string]*frontend.Replica),
		closed:   make(chan struct{}),
		log:      log.Get("backend"),
	}
	go b.answerLoop(reqConn, 0)
	go b.dispatchLoop()
	go b.subscribeLoop()
	return b, nil
}

// Pair subscribes to r's topic and attaches r to this backend. The
// subscribe frame is sent before r.Pair runs its snapshot request. The
// authority attaches the subscriber on its own goroutine, so a publication
// emitted before that attach is not delivered; the replica then sees a gap
// at the next publication and resyncs (see frontend.Replica.Pair).
func (b *ReplicaBackend) Pair(r *frontend.Replica) error {
	b.mu.Lock()
	b.replicas[r.Topic()] = r
	b.mu.Unlock()

	if err := transport.WriteFrame(b.subConn, []byte(r.Topic())); err != nil {
		return err
	}
	r.Pair(b)
	return nil
}

// PushUpdate implements frontend.Backend: fire-and-forget, the push
// channel has no reply.
func (b *ReplicaBackend) PushUpdate(u wire.Update) {
	if err := transport.WriteFrame(b.pushConn, wire.PrepareUpdate(u)); err != nil {
		b.log.Debugf("update for topic %s dropped: %v", u.Topic, err)
	}
}

// SubmitRequest implements frontend.Backend: enqueues req for the
// dispatch loop, which enforces I3 by never writing the next request
// before the current one's response (or timeout) resolves.
func (b *ReplicaBackend) SubmitRequest(req wire.Request, timeout time.Duration, cb func(wire.Response, *repkverr.Error)) {
	job := requestJob{req: req, timeout: timeout, cb: cb}
	select {
	case b.queue <- job:
	case <-b.closed:
		cb(wire.Response{}, repkverr.New(repkverr.CodeTransportFatal, "backend closed"))
	}
}

// dispatchLoop is the single goroutine that owns the reply channel: it
// writes one request, waits for its answer or timeout, then moves on to
// the next queued job.
func (b *ReplicaBackend) dispatchLoop() {
	for {
		var job requestJob
		select {
		case job = <-b.queue:
		case <-b.closed:
			for {
				select {
				case job = <-b.queue:
					job.cb(wire.Response{}, repkverr.New(repkverr.CodeTransportFatal, "backend closed"))
				default:
					return
				}
			}
		}
		b.runJob(job)
	}
}

func (b *ReplicaBackend) runJob(job requestJob) {
	answer := make(chan wire.Response, 1)
	b.mu.Lock()
	b.pending = answer
	b.mu.Unlock()

	b.writeMu.Lock()
	err := transport.WriteFrame(b.reqConn, wire.PrepareRequest(job.req))
	b.writeMu.Unlock()
	if err != nil {
		b.clearPending()
		job.cb(wire.Response{}, repkverr.New(repkverr.CodeTransportFatal, err.Error()))
		return
	}

	var timeoutCh <-chan time.Time
	if job.timeout > 0 {
		timer := time.NewTimer(job.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-answer:
		b.completeJob(job, resp)
	case <-timeoutCh:
		b.clearPending()
		// The authority may still answer this abandoned request after we
		// move on. The wire grammar carries no request-correlation ID, so
		// a late reply arriving on this connection could otherwise be
		// handed to the next job's answer channel and mistaken for its
		// response (undetectably so, when both share a ResponseKind).
		// Redialing before the next job is dispatched discards it instead.
		b.reconnectReq()
		job.cb(wire.Response{}, repkverr.New(repkverr.CodeTimeout, "request timed out"))
	case <-b.closed:
		b.clearPending()
		job.cb(wire.Response{}, repkverr.New(repkverr.CodeTransportFatal, "backend closed"))
	}
}

func (b *ReplicaBackend) completeJob(job requestJob, resp wire.Response) {
	if resp.Kind == wire.RespInvalid {
		job.cb(wire.Response{}, repkverr.New(repkverr.CodeInvalidRequest, resp.InvalidReason))
		return
	}
	if !responseMatchesRequest(job.req.Kind, resp.Kind) {
		// A kind mismatch on a strictly lock-stepped connection means this
		// reply almost certainly belongs to some earlier, already-abandoned
		// request rather than this one. Reconnect so a further stale reply
		// behind it cannot land on a future job.
		b.reconnectReq()
		job.cb(wire.Response{}, repkverr.New(repkverr.CodeInvalidResponse, "response kind does not match request"))
		return
	}
	job.cb(resp, nil)
}

// reconnectReq replaces reqConn with a fresh connection to the same
// authority, so any reply still in flight for a request this backend has
// already given up on (timeout, kind mismatch) cannot be delivered to a
// later request's pending slot (see runJob/completeJob). The superseded
// connection's answerLoop notices its generation is stale and exits
// quietly instead of tearing down the whole backend.
func (b *ReplicaBackend) reconnectReq() {
	newConn, err := net.Dial("tcp", b.reqAddr)
	if err != nil {
		b.log.Warningf("reconnect to %s failed: %v", b.reqAddr, err)
		b.teardown()
		return
	}

	b.writeMu.Lock()
	old := b.reqConn
	b.reqConn = newConn
	b.reqGen++
	gen := b.reqGen
	b.writeMu.Unlock()

	old.Close()
	go b.answerLoop(newConn, gen)
}

func responseMatchesRequest(rk wire.RequestKind, sk wire.ResponseKind) bool {
	switch rk {
	case wire.ReqLookup:
		return sk == wire.RespLookup
	case wire.ReqHasKey:
		return sk == wire.RespHasKey
	case wire.ReqSize:
		return sk == wire.RespSize
	case wire.ReqSnapshot:
		return sk == wire.RespSnapshot
	default:
		return false
	}
}

func (b *ReplicaBackend) clearPending() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// answerLoop reads responses off one generation of the request connection
// and hands each to whichever job is currently waiting. It never touches
// frontend state directly. gen identifies which reqConn this loop was
// started for: reconnectReq bumps the generation and closes the old
// connection out from under a still-running answerLoop, so a read error
// only means the backend itself has failed when gen is still current.
func (b *ReplicaBackend) answerLoop(conn net.Conn, gen uint64) {
	var buf []byte
	for {
		raw, err := transport.ReadFrame(conn, buf)
		if err != nil {
			b.writeMu.Lock()
			superseded := gen != b.reqGen
			b.writeMu.Unlock()
			if !superseded {
				b.teardown()
			}
			return
		}
		buf = raw

		resp, perr := wire.ParseResponse(raw)
		if perr != nil {
			resp = wire.Response{Kind: wire.RespInvalid, InvalidReason: wire.ReasonMalformed}
		}

		b.mu.Lock()
		answer := b.pending
		b.pending = nil
		b.mu.Unlock()
		if answer != nil {
			answer <- resp
		}
	}
}

// subscribeLoop reads publications off the subscribe connection for as
// long as it stays open, routing each to its topic's replica.
func (b *ReplicaBackend) subscribeLoop() {
	var buf []byte
	for {
		raw, err := transport.ReadFrame(b.subConn, buf)
		if err != nil {
			return
		}
		buf = raw

		pub, perr := wire.ParsePublication(raw)
		if perr != nil {
			b.log.Warningf("malformed publication dropped: %v", perr)
			continue
		}
		b.mu.Lock()
		r := b.replicas[pub.Topic]
		b.mu.Unlock()
		if r == nil {
			b.log.Warningf("publication for unpaired topic %q dropped", pub.Topic)
			continue
		}
		r.ProcessPublication(pub)
	}
}

func (b *ReplicaBackend) teardown() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
}

// Close tears down all three connections. Requests already queued
// complete with CodeTransportFatal.
func (b *ReplicaBackend) Close() error {
	b.teardown()
	b.writeMu.Lock()
	reqConn := b.reqConn
	b.writeMu.Unlock()
	reqConn.Close()
	b.subConn.Close()
	b.pushConn.Close()
	return nil
}
