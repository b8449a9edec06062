package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/log"
	"github.com/jsiwek/repkv/internal/repkverr"
	"github.com/jsiwek/repkv/internal/transport"
	"github.com/jsiwek/repkv/internal/wire"
)

// dialReplicaBackend is Dial without the consecutive-port convention, so
// tests can point each channel at an independently-chosen ephemeral
// listener address.
func dialReplicaBackend(t *testing.T, reqAddr, subAddr, pushAddr string) *ReplicaBackend {
	t.Helper()
	reqConn, err := net.Dial("tcp", reqAddr)
	if err != nil {
		t.Fatalf("dial req: %v", err)
	}
	subConn, err := net.Dial("tcp", subAddr)
	if err != nil {
		t.Fatalf("dial sub: %v", err)
	}
	pushConn, err := net.Dial("tcp", pushAddr)
	if err != nil {
		t.Fatalf("dial push: %v", err)
	}
	b := &ReplicaBackend{
		reqAddr:  reqAddr,
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
	return b
}

func TestReplicaBackendEndToEnd(t *testing.T) {
	auth := frontend.NewAuthority("t")
	ab := NewAuthorityBackend()
	ab.Register(auth)
	_, replyAddr, publishAddr, pullAddr, stop := startAuthorityBackendFrom(t, ab)
	defer stop()

	rb := dialReplicaBackend(t, replyAddr, publishAddr, pullAddr)
	defer rb.Close()

	r := frontend.NewReplica("t")
	if err := rb.Pair(r); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if err := auth.Insert("a", 9); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok, _ := r.Lookup("a"); ok && v == 9 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replica never observed the authority's insert")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := r.Insert("b", 3); err != nil {
		t.Fatalf("replica.Insert: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		if v, ok, _ := auth.Lookup("b"); ok && v == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("authority never observed the replica's push")
		}
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	var gotSize uint64
	r.SizeAsync(time.Second, func(size uint64, err *repkverr.Error) {
		if err != nil {
			t.Errorf("SizeAsync: %v", err)
		}
		gotSize = size
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SizeAsync callback never fired")
	}
	if gotSize != 2 {
		t.Fatalf("SizeAsync = %d, want 2", gotSize)
	}
}

// startAuthorityBackendFrom is startAuthorityBackend for a backend that
// already has its topics registered.
func startAuthorityBackendFrom(t *testing.T, ab *AuthorityBackend) (*AuthorityBackend, string, string, string, func()) {
	t.Helper()
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

func TestReplicaBackendInvalidResponseKindMismatch(t *testing.T) {
	reqServer, reqClient := net.Pipe()
	subServer, subClient := net.Pipe()
	pushServer, pushClient := net.Pipe()
	defer reqServer.Close()
	defer subServer.Close()
	defer pushServer.Close()

	b := &ReplicaBackend{
		reqConn:  reqClient,
		subConn:  subClient,
		pushConn: pushClient,
		queue:    make(chan requestJob, requestQueueDepth),
		replicas: make(map[string]*frontend.Replica),
		closed:   make(chan struct{}),
		log:      log.Get("backend"),
	}
	go b.answerLoop(reqClient, 0)
	go b.dispatchLoop()
	defer b.Close()

	go func() {
		if _, err := transport.ReadFrame(reqServer, nil); err != nil {
			return
		}
		transport.WriteFrame(reqServer, wire.PrepareResponse(wire.Response{Kind: wire.RespSize, Size: 1}))
	}()

	done := make(chan struct{})
	var gotErr *repkverr.Error
	b.SubmitRequest(wire.Request{Topic: "t", Kind: wire.ReqLookup, Key: []byte("a")}, time.Second,
		func(resp wire.Response, err *repkverr.Error) {
			gotErr = err
			close(done)
		})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	if gotErr == nil || gotErr.Code != repkverr.CodeInvalidResponse {
		t.Fatalf("got %v, want CodeInvalidResponse", gotErr)
	}
}

func TestReplicaBackendI3SerializesRequests(t *testing.T) {
	reqServer, reqClient := net.Pipe()
	subServer, subClient := net.Pipe()
	pushServer, pushClient := net.Pipe()
	defer reqServer.Close()
	defer subServer.Close()
	defer pushServer.Close()

	b := &ReplicaBackend{
		reqConn:  reqClient,
		subConn:  subClient,
		pushConn: pushClient,
		queue:    make(chan requestJob, requestQueueDepth),
		replicas: make(map[string]*frontend.Replica),
		closed:   make(chan struct{}),
		log:      log.Get("backend"),
	}
	go b.answerLoop(reqClient, 0)
	go b.dispatchLoop()
	defer b.Close()

	var order []string
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		raw, err := transport.ReadFrame(reqServer, nil)
		if err != nil {
			return
		}
		req, _ := wire.ParseRequest(raw)
		order = append(order, string(req.Key))
		time.Sleep(50 * time.Millisecond) // hold the second request back
		transport.WriteFrame(reqServer, wire.PrepareResponse(wire.Response{Kind: wire.RespHasKey, HasKey: true}))

		raw, err = transport.ReadFrame(reqServer, nil)
		if err != nil {
			return
		}
		req, _ = wire.ParseRequest(raw)
		order = append(order, string(req.Key))
		transport.WriteFrame(reqServer, wire.PrepareResponse(wire.Response{Kind: wire.RespHasKey, HasKey: false}))
	}()

	cb := make(chan struct{}, 2)
	b.SubmitRequest(wire.Request{Topic: "t", Kind: wire.ReqHasKey, Key: []byte("first")}, time.Second,
		func(wire.Response, *repkverr.Error) { cb <- struct{}{} })
	b.SubmitRequest(wire.Request{Topic: "t", Kind: wire.ReqHasKey, Key: []byte("second")}, time.Second,
		func(wire.Response, *repkverr.Error) { cb <- struct{}{} })

	for i := 0; i < 2; i++ {
		select {
		case <-cb:
		case <-time.After(2 * time.Second):
			t.Fatal("a callback never fired")
		}
	}
	<-serverDone

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("requests observed out of order: %v", order)
	}
}

// TestReplicaBackendRedialsAfterTimeoutDiscardsStaleReply reproduces the
// hazard the wire grammar's lack of a request-correlation ID creates: the
// authority answers an abandoned (timed-out) request only after the
// backend has already moved on to the next one. Without a reconnect, that
// stale reply lands in the next job's pending slot and — since both
// requests here share a ResponseKind — responseMatchesRequest cannot tell
// the difference.
func TestReplicaBackendRedialsAfterTimeoutDiscardsStaleReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverErrs := make(chan error, 1)
	go func() {
		conn1, err := ln.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		defer conn1.Close()
		if _, err := transport.ReadFrame(conn1, nil); err != nil {
			serverErrs <- err
			return
		}

		// Give the client's short timeout time to fire and reconnect
		// before this (now stale) reply is sent.
		time.Sleep(200 * time.Millisecond)
		transport.WriteFrame(conn1, wire.PrepareResponse(wire.Response{
			Kind: wire.RespLookup, LookupValue: 111, LookupLoaded: true,
		}))

		conn2, err := ln.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		defer conn2.Close()
		if _, err := transport.ReadFrame(conn2, nil); err != nil {
			serverErrs <- err
			return
		}
		if err := transport.WriteFrame(conn2, wire.PrepareResponse(wire.Response{
			Kind: wire.RespLookup, LookupValue: 222, LookupLoaded: true,
		})); err != nil {
			serverErrs <- err
			return
		}
		serverErrs <- nil
	}()

	reqConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	subServer, subClient := net.Pipe()
	pushServer, pushClient := net.Pipe()
	defer subServer.Close()
	defer pushServer.Close()

	b := &ReplicaBackend{
		reqAddr:  ln.Addr().String(),
		reqConn:  reqConn,
		subConn:  subClient,
		pushConn: pushClient,
		queue:    make(chan requestJob, requestQueueDepth),
		replicas: make(map[string]*frontend.Replica),
		closed:   make(chan struct{}),
		log:      log.Get("backend"),
	}
	go b.answerLoop(reqConn, 0)
	go b.dispatchLoop()
	defer b.Close()

	firstDone := make(chan *repkverr.Error, 1)
	b.SubmitRequest(wire.Request{Topic: "t", Kind: wire.ReqLookup, Key: []byte("a")}, 30*time.Millisecond,
		func(_ wire.Response, err *repkverr.Error) { firstDone <- err })

	select {
	case err := <-firstDone:
		if err == nil || err.Code != repkverr.CodeTimeout {
			t.Fatalf("first request: got %v, want CodeTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request's callback never fired")
	}

	type secondResult struct {
		resp wire.Response
		err  *repkverr.Error
	}
	secondDone := make(chan secondResult, 1)
	b.SubmitRequest(wire.Request{Topic: "t", Kind: wire.ReqLookup, Key: []byte("b")}, time.Second,
		func(resp wire.Response, err *repkverr.Error) { secondDone <- secondResult{resp, err} })

	select {
	case got := <-secondDone:
		if got.err != nil {
			t.Fatalf("second request: unexpected error %v", got.err)
		}
		if got.resp.LookupValue != 222 {
			t.Fatalf("second request got value %d, want 222 (the first request's stale reply must be discarded by the reconnect)", got.resp.LookupValue)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second request's callback never fired")
	}

	select {
	case err := <-serverErrs:
		if err != nil {
			t.Fatalf("server goroutine: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine never finished")
	}
}

func TestReplicaBackendTimeoutFiresOnce(t *testing.T) {
	reqServer, reqClient := net.Pipe()
	subServer, subClient := net.Pipe()
	pushServer, pushClient := net.Pipe()
	defer reqServer.Close()
	defer subServer.Close()
	defer pushServer.Close()

	b := &ReplicaBackend{
		reqConn:  reqClient,
		subConn:  subClient,
		pushConn: pushClient,
		queue:    make(chan requestJob, requestQueueDepth),
		replicas: make(map[string]*frontend.Replica),
		closed:   make(chan struct{}),
		log:      log.Get("backend"),
	}
	go b.answerLoop(reqClient, 0)
	go b.dispatchLoop()
	defer b.Close()

	// Server reads the request but never answers it.
	go func() {
		transport.ReadFrame(reqServer, nil)
	}()

	callCount := 0
	done := make(chan struct{})
	b.SubmitRequest(wire.Request{Topic: "t", Kind: wire.ReqSize}, 20*time.Millisecond,
		func(resp wire.Response, err *repkverr.Error) {
			callCount++
			if err == nil || err.Code != repkverr.CodeTimeout {
				t.Errorf("got %v, want CodeTimeout", err)
			}
			close(done)
		})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
	// Give a stray late write every chance to misfire the callback again.
	time.Sleep(100 * time.Millisecond)
	if callCount != 1 {
		t.Fatalf("callback fired %d times, want 1", callCount)
	}
}
