// Package replication implements the master-side attached-replica registry
// and write-propagation fan-out (C5), and the replica-side handshake driver
// (C6).
package replication

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"tinyredis/internal/protocol"
)

// Role is the server's position in a replication topology.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave" // the wire protocol spells it "slave"
)

// Replica is an attached replica connection: one that has issued REPLCONF
// listening-port and therefore receives every subsequent write command.
//
// mu serializes writes to Writer, mirroring the teacher's per-replica guard
// (internal/replication/replication.go ReplicaInfo.mu): Writer is a
// *bufio.Writer, and a concurrent Write/Flush pair from two goroutines would
// race on its internal buffer and corrupt the replica's byte stream.
type Replica struct {
	ID     string
	Conn   net.Conn
	Writer *bufio.Writer

	mu sync.Mutex
}

// Manager owns the set of attached replicas on a master, and fans out
// propagated write commands to all of them.
type Manager struct {
	log *logrus.Logger

	mu       sync.Mutex
	replicas map[string]*Replica

	propagateCh chan propagateRequest
}

// propagateRequest is one Propagate call handed off to the owning
// propagation goroutine (see run).
type propagateRequest struct {
	frame []byte
	reply chan error
}

// NewManager creates an empty replica registry and starts its single
// propagation-owner goroutine (see run).
func NewManager(log *logrus.Logger) *Manager {
	m := &Manager{
		log:         log,
		replicas:    make(map[string]*Replica),
		propagateCh: make(chan propagateRequest),
	}
	go m.run()
	return m
}

// run is the sole goroutine that ever fans a command out to replicas. The
// teacher funnels propagation through exactly one goroutine reading a
// commandChan (propagateCommands/PropagateCommand in replication.go) so
// that replicas see writes in the master's dispatch order even though many
// client connections call PropagateCommand concurrently; this does the
// same, as a request/reply channel rather than the teacher's fire-and-forget
// queue, so Propagate can still report a failure synchronously to its
// caller.
func (m *Manager) run() {
	for req := range m.propagateCh {
		req.reply <- m.propagateToReplicas(req.frame)
	}
}

// Register attaches conn as a replica writer. Registration is idempotent
// with respect to the underlying connection: calling Register twice for the
// same net.Conn returns the existing entry rather than doubling up writes.
func (m *Manager) Register(conn net.Conn) *Replica {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.replicas {
		if r.Conn == conn {
			return r
		}
	}

	r := &Replica{
		ID:     uuid.NewString(),
		Conn:   conn,
		Writer: bufio.NewWriter(conn),
	}
	m.replicas[r.ID] = r
	m.log.WithField("replica", r.ID).WithField("addr", conn.RemoteAddr()).Info("replica attached")
	return r
}

// Remove detaches a replica, e.g. after a failed propagation write.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replicas[id]; ok {
		delete(m.replicas, id)
		m.log.WithField("replica", id).Info("replica detached")
	}
}

// Propagate writes the RESP-array encoding of tokens, with their case kept
// exactly as given, to every attached replica and flushes. The server passes
// the decoded command, whose verb is already lowercased: only the arguments
// keep the case the client sent. It hands the frame to the single owning propagation goroutine
// (run) so that concurrent Propagate calls from different client
// connections still reach each replica in the master's dispatch order, per
// spec.md §5 ("Propagation preserves per-master dispatch order to each
// replica (FIFO writer)"). A write or flush failure to one replica does not
// abort propagation to the others; the failed replica is removed from the
// registry and its error is folded into the returned multierror so the
// caller can observe partial failure without the client-facing dispatch
// path ever seeing it (per the spec's error-handling design, a replica
// write failure must never surface as a client-visible error).
func (m *Manager) Propagate(tokens []string) error {
	frame := protocol.EncodeArray(tokens)
	reply := make(chan error, 1)
	m.propagateCh <- propagateRequest{frame: frame, reply: reply}
	return <-reply
}

// propagateToReplicas performs one fan-out round to every currently
// attached replica. It must only ever be called from run: that is what
// makes concurrent Propagate calls observe one global propagation order
// instead of racing each other onto the wire.
func (m *Manager) propagateToReplicas(frame []byte) error {
	m.mu.Lock()
	replicas := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		replicas = append(replicas, r)
	}
	m.mu.Unlock()

	var errs *multierror.Error
	for _, r := range replicas {
		r.mu.Lock()
		_, err := r.Writer.Write(frame)
		if err == nil {
			err = r.Writer.Flush()
		}
		r.mu.Unlock()

		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("replica %s: %w", r.ID, err))
			m.Remove(r.ID)
		}
	}
	return errs.ErrorOrNil()
}

// Count reports the number of currently attached replicas.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// GenerateReplID returns a fresh 40-character lowercase-hex replication ID.
//
// google/uuid is used elsewhere in this package for replica identities, but
// a UUID renders as 32 hex digits (36 with hyphens) and cannot satisfy the
// wire format's fixed 40-character replid, so this keeps the teacher's
// crypto/rand-based generator for that one value (see DESIGN.md).
func GenerateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; degrade to a fixed-width zero id rather than panic.
		return fmt.Sprintf("%040x", 0)
	}
	return fmt.Sprintf("%x", b)
}

// FixedFullResyncReplID is the hardcoded replid PSYNC reports in its
// FULLRESYNC reply. It deliberately does not match the replid INFO reports
// (see spec.md §9 / DESIGN.md): this divergence is preserved verbatim.
const FixedFullResyncReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"
