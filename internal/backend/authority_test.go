package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/transport"
	"github.com/jsiwek/repkv/internal/wire"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	return ln
}

func startAuthorityBackend(t *testing.T, topics ...string) (*AuthorityBackend, string, string, string, func()) {
	t.Helper()
	ab := NewAuthorityBackend()
	for _, topic := range topics {
		ab.Register(frontend.NewAuthority(topic))
	}

	replyLn := listenLoopback(t)
	publishLn := listenLoopback(t)
	pullLn := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ab.Serve(ctx, replyLn, publishLn, pullLn)
		close(done)
	}()

	stop := func() {
		cancel()
		<-done
	}
	return ab, replyLn.Addr().String(), publishLn.Addr().String(), pullLn.Addr().String(), stop
}

func TestHandleReplyRoundTrip(t *testing.T) {
	_, replyAddr, _, _, stop := startAuthorityBackend(t, "t")
	defer stop()

	conn, err := net.Dial("tcp", replyAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := wire.Request{Topic: "t", Kind: wire.ReqSize}
	if err := transport.WriteFrame(conn, wire.PrepareRequest(req)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw, err := transport.ReadFrame(conn, nil)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	resp, err := wire.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Kind != wire.RespSize || resp.Size != 0 {
		t.Fatalf("got %+v, want SIZE 0", resp)
	}
}

func TestHandleReplyUnknownTopicDropsSilently(t *testing.T) {
	_, replyAddr, _, _, stop := startAuthorityBackend(t, "t")
	defer stop()

	conn, err := net.Dial("tcp", replyAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := wire.Request{Topic: "nonexistent", Kind: wire.ReqSize}
	if err := transport.WriteFrame(conn, wire.PrepareRequest(req)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := transport.ReadFrame(conn, nil); err == nil {
		t.Fatal("expected read deadline exceeded, got a response for an unknown topic")
	}
}

func TestHandleReplyMalformedRequestIsInvalid(t *testing.T) {
	_, replyAddr, _, _, stop := startAuthorityBackend(t, "t")
	defer stop()

	conn, err := net.Dial("tcp", replyAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := transport.WriteFrame(conn, []byte("t UNKNOWN foo")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw, err := transport.ReadFrame(conn, nil)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	resp, err := wire.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Kind != wire.RespInvalid || resp.InvalidReason != wire.ReasonMalformed {
		t.Fatalf("got %+v, want INVALID malformed", resp)
	}
}

func TestHandlePullAppliesUpdate(t *testing.T) {
	_, replyAddr, _, pullAddr, stop := startAuthorityBackend(t, "t")
	defer stop()

	pullConn, err := net.Dial("tcp", pullAddr)
	if err != nil {
		t.Fatalf("Dial pull: %v", err)
	}
	defer pullConn.Close()

	u := wire.Update{Topic: "t", Kind: wire.UpdInsert, Key: []byte("a"), Value: 7}
	if err := transport.WriteFrame(pullConn, wire.PrepareUpdate(u)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// Poll via the reply channel until the update lands, bounded by a
	// generous timeout.
	deadline := time.Now().Add(2 * time.Second)
	for {
		replyConn, err := net.Dial("tcp", replyAddr)
		if err != nil {
			t.Fatalf("Dial reply: %v", err)
		}
		req := wire.Request{Topic: "t", Kind: wire.ReqLookup, Key: []byte("a")}
		if err := transport.WriteFrame(replyConn, wire.PrepareRequest(req)); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		raw, err := transport.ReadFrame(replyConn, nil)
		replyConn.Close()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		resp, err := wire.ParseResponse(raw)
		if err != nil {
			t.Fatalf("ParseResponse: %v", err)
		}
		if resp.Kind == wire.RespLookup && resp.LookupLoaded && resp.LookupValue == 7 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("update never applied, last response: %+v", resp)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlePublishFanout(t *testing.T) {
	_, _, publishAddr, pullAddr, stop := startAuthorityBackend(t, "t")
	defer stop()

	subConn, err := net.Dial("tcp", publishAddr)
	if err != nil {
		t.Fatalf("Dial publish: %v", err)
	}
	defer subConn.Close()
	if err := transport.WriteFrame(subConn, []byte("t")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give handlePublish a moment to register the subscriber before the
	// mutation that should be fanned out to it arrives.
	time.Sleep(50 * time.Millisecond)

	pullConn, err := net.Dial("tcp", pullAddr)
	if err != nil {
		t.Fatalf("Dial pull: %v", err)
	}
	defer pullConn.Close()
	u := wire.Update{Topic: "t", Kind: wire.UpdInsert, Key: []byte("a"), Value: 42}
	if err := transport.WriteFrame(pullConn, wire.PrepareUpdate(u)); err != nil {
		t.Fatalf("WriteFrame update: %v", err)
	}

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := transport.ReadFrame(subConn, nil)
	if err != nil {
		t.Fatalf("ReadFrame publication: %v", err)
	}
	pub, err := wire.ParsePublication(raw)
	if err != nil {
		t.Fatalf("ParsePublication: %v", err)
	}
	if pub.Kind != wire.PubValUpdate || string(pub.Key) != "a" || pub.Value != 42 {
		t.Fatalf("got %+v, want ValUpdate a=42", pub)
	}
}

func TestConnPublisherDropsSubscriberOnOverflow(t *testing.T) {
	auth := frontend.NewAuthority("t")
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newConnPublisher(server, auth, 2)
	for i := 0; i < 5; i++ {
		p.Publish(wire.Publication{Topic: "t", Kind: wire.PubValUpdate, Seq: uint64(i)})
	}
	if !p.closed.Load() {
		t.Fatal("connPublisher did not close its queue after overflow")
	}
	// Publishing after closure must not panic.
	p.Publish(wire.Publication{Topic: "t", Kind: wire.PubValUpdate, Seq: 99})
}
