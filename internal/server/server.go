// Package server implements the per-connection read/parse/dispatch loop
// (C3) and the command dispatcher (C4), and wires the keyspace and
// replication manager together into a running process.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tinyredis/internal/protocol"
	"tinyredis/internal/replication"
	"tinyredis/internal/store"
)

const readChunkSize = 4096

// Server is one running tinyredis process: its listener, its keyspace, and
// (when it has attached replicas) its propagation fan-out.
type Server struct {
	cfg *Config
	log *logrus.Logger

	store   *store.Store
	replMgr *replication.Manager
	role    replication.Role

	listener      net.Listener
	connIDCounter atomic.Int64
	conns         sync.Map // connID -> net.Conn, for forced close on shutdown

	wg         sync.WaitGroup
	shutdownCh chan struct{}
	mu         sync.Mutex
	closed     bool
}

// New builds a server from cfg. It does not yet listen or connect to a
// master; call Start for that.
func New(cfg *Config, log *logrus.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	role := replication.RoleMaster
	if cfg.Role == string(replication.RoleSlave) {
		role = replication.RoleSlave
	}
	return &Server{
		cfg:        cfg,
		log:        log,
		store:      store.New(),
		replMgr:    replication.NewManager(log),
		role:       role,
		shutdownCh: make(chan struct{}),
	}
}

// Start opens the listener, and if configured as a replica, launches the
// handshake driver as a concurrent peer task (per the concurrency model,
// the handshake runs alongside the accept loop, not before it). It blocks
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = listener
	s.log.WithField("addr", addr).Info("listening")

	go s.acceptLoop()

	if s.role == replication.RoleSlave {
		go s.runReplicaOf()
	}

	<-ctx.Done()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				s.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			connID := s.connIDCounter.Add(1)
			s.conns.Store(connID, conn)
			defer s.conns.Delete(connID)
			s.connLoop(conn, bufio.NewReader(conn), &connState{conn: conn}, connID)
		}()
	}
}

// runReplicaOf performs the handshake against the configured master and,
// on success, hands the connection to connLoop in replica-inbound mode.
// A handshake failure is fatal for the process (per the CLI contract's
// nonzero exit code on handshake failure).
func (s *Server) runReplicaOf() {
	conn, reader, err := replication.Handshake(s.log, s.cfg.MasterHost, s.cfg.MasterPort, s.cfg.Port, s.cfg.HandshakeDialTimeout)
	if err != nil {
		s.log.WithError(err).Fatal("replica handshake failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.connLoop(conn, reader, &connState{conn: conn, replicaInbound: true}, s.connIDCounter.Add(1))
}

// connLoop owns one socket end to end: it grows a byte buffer from chunked
// reads, decodes whole RESP frames out of it, dispatches each in arrival
// order, and — in replica-inbound mode — tracks the replication offset.
func (s *Server) connLoop(conn net.Conn, reader *bufio.Reader, state *connState, connID int64) {
	defer conn.Close()
	defer func() {
		if state.replicaID != "" {
			s.replMgr.Remove(state.replicaID)
		}
	}()

	writer := bufio.NewWriter(conn)
	var offset int64
	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, readErr := reader.Read(chunk)
		if n == 0 {
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			cmds, consumed, derr := protocol.Decode(buf)
			for _, cmd := range cmds {
				state.offsetBeforeCmd = offset
				s.handleCommand(state, writer, cmd)
				if state.replicaInbound {
					offset += int64(cmd.ConsumedBytes)
				}
			}
			buf = buf[consumed:]

			if derr == nil {
				break
			}
			if errors.Is(derr, protocol.ErrIncomplete) {
				break
			}
			s.log.WithError(derr).WithField("conn", connID).Warn("malformed frame, closing connection")
			return
		}

		if readErr != nil {
			return
		}
	}
}

func (s *Server) handleCommand(state *connState, writer *bufio.Writer, cmd protocol.Command) {
	reply, propagate := s.dispatch(state, cmd)

	// In replica-inbound mode every reply is suppressed except the ACK to
	// REPLCONF GETACK; everything else applies silently to the keyspace.
	suppressed := state.replicaInbound && !isGetAck(cmd)
	if !suppressed && reply != nil {
		if _, err := writer.Write(reply); err == nil {
			writer.Flush()
		}
	}

	if propagate && !state.replicaInbound {
		if err := s.replMgr.Propagate(cmd.Tokens); err != nil {
			s.log.WithError(err).Warn("propagation to one or more replicas failed")
		}
	}
}

func isGetAck(cmd protocol.Command) bool {
	return len(cmd.Tokens) >= 2 && cmd.Tokens[0] == "replconf" && strings.EqualFold(cmd.Tokens[1], "getack")
}

// Shutdown closes the listener and waits (up to a grace period) for every
// connection loop to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdownCh)
	if s.listener != nil {
		s.listener.Close()
	}

	s.conns.Range(func(_, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all connections closed")
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown grace period elapsed, forcing exit")
	}
}
