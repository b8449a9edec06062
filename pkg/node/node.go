// Package node assembles frontends and backends into a runnable process:
// the topics it is authoritative for, and the topics it replicates from
// elsewhere (spec §3: "authority and replica are qualities of a topic,
// not of a node" — a single process may be both at once).
package node

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/jsiwek/repkv/internal/backend"
	"github.com/jsiwek/repkv/internal/frontend"
	"github.com/jsiwek/repkv/internal/log"
)

// Node owns at most one authority listener triple and any number of
// replica connections.
//
// Every backend drives its own I/O on dedicated reader/writer goroutines
// once it is attached (AuthorityBackend.Serve spawns three accept loops;
// backend.Dial spawns a replica's three channel goroutines) — see
// SPEC_FULL.md §2. Run's only remaining job is to start the authority
// listener, if any, and block until told to stop.
type Node struct {
	authBack  *backend.AuthorityBackend
	replyLn   net.Listener
	publishLn net.Listener
	pullLn    net.Listener

	repBacks []*backend.ReplicaBackend

	log interface {
		Infof(string, ...interface{})
		Errorf(string, ...interface{})
	}
}

// New creates an empty Node. Use ServeAuthority and Replicate to attach
// topics before calling Run.
func New() *Node {
	return &Node{log: log.Get("node")}
}

// ServeAuthority binds the reply, publish and pull listeners on
// 127.0.0.1 starting at basePort (spec §6.3: "-p sets the first of
// three consecutive TCP ports") and makes this Node authoritative for
// every topic registered on ab.
func (n *Node) ServeAuthority(basePort int, ab *backend.AuthorityBackend) error {
	replyLn, err := listenLocal(basePort)
	if err != nil {
		return err
	}
	publishLn, err := listenLocal(basePort + 1)
	if err != nil {
		replyLn.Close()
		return err
	}
	pullLn, err := listenLocal(basePort + 2)
	if err != nil {
		replyLn.Close()
		publishLn.Close()
		return err
	}

	n.authBack = ab
	n.replyLn = replyLn
	n.publishLn = publishLn
	n.pullLn = pullLn
	return nil
}

func listenLocal(port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// Replicate dials the authority at 127.0.0.1:basePort (and its two
// sibling ports) and pairs r with the resulting backend.
func (n *Node) Replicate(basePort int, r *frontend.Replica) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(basePort))
	rb, err := backend.Dial(addr)
	if err != nil {
		return err
	}
	if err := rb.Pair(r); err != nil {
		rb.Close()
		return err
	}
	n.repBacks = append(n.repBacks, rb)
	return nil
}

// Run starts the authority listener (if any) and blocks until ctx is
// canceled or the authority backend reports a fatal transport error
// (spec §4.4: "any other socket error is fatal and aborts the process").
func (n *Node) Run(ctx context.Context) error {
	if n.authBack == nil {
		<-ctx.Done()
		n.shutdown()
		return ctx.Err()
	}

	n.log.Infof("serving authority topics on 127.0.0.1:%s (reply/publish/pull)", portOf(n.replyLn))
	err := n.authBack.Serve(ctx, n.replyLn, n.publishLn, n.pullLn)
	n.shutdown()
	if err != nil {
		n.log.Errorf("authority backend failed: %v", err)
		return fmt.Errorf("node: %w", err)
	}
	return ctx.Err()
}

func portOf(ln net.Listener) string {
	if ln == nil {
		return "?"
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return port
}

func (n *Node) shutdown() {
	for _, rb := range n.repBacks {
		rb.Close()
	}
}
