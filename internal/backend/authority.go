package backend

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/metrics"
	"github.com/jsiwek/repkv/internal/transport"
	"github.com/jsiwek/repkv/internal/wire"
	"github.com/puzpuzpuz/xsync/v3"
)

// defaultPublishQueueDepth bounds each subscriber's outstanding-publication
// queue when NewAuthorityBackend is called without an override. A
// subscriber that cannot keep up loses its connection rather than making
// the authority block (SPEC_FULL.md §5).
const defaultPublishQueueDepth = 1024

type namedLogger interface {
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
	Debugf(string, ...interface{})
}

// AuthorityBackend is the non-blocking I/O driver for the three-channel
// server side (spec §4.4): reply (req/rep), publish (pub/sub) and pull
// (pull/push), each bound on its own listener. Every topic this process
// is authoritative for is served off the same three listeners.
type AuthorityBackend struct {
	authorities       *xsync.MapOf[string, *frontend.Authority]
	publishQueueDepth int
	log               namedLogger
}

// NewAuthorityBackend creates a backend with no topics registered, using
// defaultPublishQueueDepth for every subscriber. Call Register for each
// topic this process is authoritative for before Serve starts accepting
// connections.
func NewAuthorityBackend() *AuthorityBackend {
	return NewAuthorityBackendWithQueueDepth(defaultPublishQueueDepth)
}

// NewAuthorityBackendWithQueueDepth is NewAuthorityBackend with an explicit
// per-subscriber publish queue depth (cmd's --publish-queue-depth flag).
func NewAuthorityBackendWithQueueDepth(depth int) *AuthorityBackend {
	return &AuthorityBackend{
		authorities:       xsync.NewMapOf[string, *frontend.Authority](),
		publishQueueDepth: depth,
		log:               log.Get("backend"),
	}
}

// Register makes a the authority served for a.Topic().
func (b *AuthorityBackend) Register(a *frontend.Authority) {
	b.authorities.Store(a.Topic(), a)
}

// Serve runs the reply, publish and pull accept loops concurrently. It
// returns the first fatal error from any of the three, or nil if ctx is
// canceled first (spec §4.4: "any other socket error is fatal").
func (b *AuthorityBackend) Serve(ctx context.Context, replyLn, publishLn, pullLn net.Listener) error {
	errCh := make(chan error, 3)
	go func() { errCh <- b.acceptLoop(ctx, replyLn, b.handleReply) }()
	go func() { errCh <- b.acceptLoop(ctx, publishLn, b.handlePublish) }()
	go func() { errCh <- b.acceptLoop(ctx, pullLn, b.handlePull) }()

	select {
	case <-ctx.Done():
		replyLn.Close()
		publishLn.Close()
		pullLn.Close()
		return nil
	case err := <-errCh:
		replyLn.Close()
		publishLn.Close()
		pullLn.Close()
		return err
	}
}

func (b *AuthorityBackend) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go handle(conn)
	}
}

// handleReply drives one reply (request/response) connection. Strict
// lock-step on a single connection already gives I3 for free: the peer
// never sends a second request before this loop writes the first's
// response.
func (b *AuthorityBackend) handleReply(conn net.Conn) {
	defer conn.Close()
	var buf []byte
	for {
		raw, err := transport.ReadFrame(conn, buf)
		if err != nil {
			return
		}
		buf = raw

		resp, ok := b.respond(raw)
		if !ok {
			// Unknown topic: drop silently, requester times out (spec §4.4).
			continue
		}
		if err := transport.WriteFrame(conn, wire.PrepareResponse(resp)); err != nil {
			return
		}
	}
}

// respond parses one request line and produces its response. ok is false
// only when the topic is unknown, in which case no response should be
// sent at all.
func (b *AuthorityBackend) respond(raw []byte) (resp wire.Response, ok bool) {
	req, err := wire.ParseRequest(raw)
	if err != nil {
		reason := wire.ReasonMalformed
		if pe, isParseErr := err.(*wire.ParseError); isParseErr {
			reason = pe.Reason
		}
		return wire.Response{Kind: wire.RespInvalid, InvalidReason: reason}, true
	}
	auth, found := b.authorities.Load(req.Topic)
	if !found {
		metrics.IncAuthorityUnknownTopic()
		return wire.Response{}, false
	}
	return auth.Respond(req), true
}

// handlePublish drives one publish (pub/sub) connection. The peer's
// first and only inbound frame names the topic it subscribes to; every
// frame after that flows authority -> replica.
func (b *AuthorityBackend) handlePublish(conn net.Conn) {
	topicRaw, err := transport.ReadFrame(conn, nil)
	if err != nil {
		conn.Close()
		return
	}
	topic := string(topicRaw)
	auth, ok := b.authorities.Load(topic)
	if !ok {
		metrics.IncAuthorityUnknownTopic()
		b.log.Warningf("subscribe for unknown topic %q rejected", topic)
		conn.Close()
		return
	}

	pub := newConnPublisher(conn, auth, b.publishQueueDepth)
	auth.Attach(pub)
	defer func() {
		auth.Detach(pub)
		conn.Close()
	}()
	pub.drain()
}

// handlePull drives one pull (push/pull) connection. Every frame is a
// fire-and-forget Update; there is never a reply on this channel.
func (b *AuthorityBackend) handlePull(conn net.Conn) {
	defer conn.Close()
	var buf []byte
	for {
		raw, err := transport.ReadFrame(conn, buf)
		if err != nil {
			return
		}
		buf = raw

		u, perr := wire.ParseUpdate(raw)
		if perr != nil {
			b.log.Warningf("malformed update dropped: %v", perr)
			continue
		}
		auth, found := b.authorities.Load(u.Topic)
		if !found {
			metrics.IncAuthorityUnknownTopic()
			b.log.Warningf("update for unknown topic %q dropped", u.Topic)
			continue
		}
		applyUpdate(auth, u)
	}
}

func applyUpdate(auth *frontend.Authority, u wire.Update) {
	switch u.Kind {
	case wire.UpdInsert:
		auth.Insert(string(u.Key), u.Value)
	case wire.UpdRemove:
		auth.Remove(string(u.Key))
	case wire.UpdIncrement:
		auth.Increment(string(u.Key), u.Delta)
	case wire.UpdDecrement:
		auth.Decrement(string(u.Key), u.Delta)
	case wire.UpdClear:
		auth.Clear()
	}
}

// connPublisher adapts one subscribed publish connection to
// frontend.Publisher: a bounded queue drained by a dedicated goroutine,
// so a slow subscriber cannot make Authority.Publish block.
type connPublisher struct {
	conn   net.Conn
	auth   *frontend.Authority
	queue  chan wire.Publication
	closed atomic.Bool
}

func newConnPublisher(conn net.Conn, auth *frontend.Authority, depth int) *connPublisher {
	return &connPublisher{conn: conn, auth: auth, queue: make(chan wire.Publication, depth)}
}

func (p *connPublisher) Publish(pub wire.Publication) {
	if p.closed.Load() {
		return
	}
	select {
	case p.queue <- pub:
	default:
		// Fell behind: this subscriber's cache can no longer be trusted
		// to stay contiguous (I4). Close its queue so drain() exits and
		// the connection is torn down; the replica reconnects and
		// resyncs from a fresh snapshot.
		if p.closed.CompareAndSwap(false, true) {
			close(p.queue)
		}
	}
}

// drain writes queued publications until the queue is closed (by
// Publish, on overflow) or a write fails (peer gone).
func (p *connPublisher) drain() {
	for pub := range p.queue {
		if err := transport.WriteFrame(p.conn, wire.PreparePublication(pub)); err != nil {
			return
		}
	}
}
