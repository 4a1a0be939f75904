package server

import (
	"net"
	"strconv"
	"strings"
	"time"

	"tinyredis/internal/protocol"
	"tinyredis/internal/replication"
)

// connState carries the per-connection bookkeeping the dispatcher needs:
// whether this connection has registered as an attached replica, and
// whether it is the replica-inbound stream from this process's own master
// (set only on the connection the handshake driver opened).
type connState struct {
	conn            net.Conn
	replicaID       string
	replicaInbound  bool
	offsetBeforeCmd int64
}

// dispatch pattern-matches cmd by its lowercased verb and produces the reply
// frame to write back (nil means no reply at all), plus whether the command
// mutated the keyspace and should be propagated to attached replicas.
func (s *Server) dispatch(state *connState, cmd protocol.Command) (reply []byte, propagate bool) {
	tokens := cmd.Tokens
	if len(tokens) == 0 {
		return nil, false
	}

	switch tokens[0] {
	case "ping":
		return protocol.EncodeSimpleString("PONG"), false

	case "echo":
		if len(tokens) < 2 {
			return nil, false
		}
		return protocol.EncodeBulkString(tokens[1]), false

	case "set":
		return s.dispatchSet(tokens)

	case "get":
		if len(tokens) < 2 {
			return nil, false
		}
		value, found := s.store.Get(tokens[1])
		if !found {
			return protocol.EncodeNullBulkString(), false
		}
		return protocol.EncodeBulkString(string(value)), false

	case "del":
		if len(tokens) < 2 {
			return nil, false
		}
		existed := s.store.Del(tokens[1])
		n := 0
		if existed {
			n = 1
		}
		return protocol.EncodeInteger(n), existed

	case "info":
		return s.dispatchInfo(tokens), false

	case "replconf":
		return s.dispatchReplconf(state, tokens), false

	case "psync":
		return s.dispatchPsync(), false
	}

	// Unknown command: silently ignored, no reply, per the protocol's
	// documented (if surprising) error-handling design.
	return nil, false
}

func (s *Server) dispatchSet(tokens []string) (reply []byte, propagate bool) {
	if len(tokens) < 3 {
		return nil, false
	}
	key, value := tokens[1], tokens[2]

	var expiresAt *time.Time
	if len(tokens) >= 5 && strings.EqualFold(tokens[3], "px") {
		// A non-numeric ttl_ms is left as a no-expiry SET rather than
		// rejected: the spec is silent on malformed PX values, and this
		// keeps SET's no-reply-on-error-free-path simple (no -ERR frames
		// exist anywhere else in the dispatcher either, see spec.md §7).
		ms, err := strconv.Atoi(tokens[4])
		if err == nil {
			t := time.Now().Add(time.Duration(ms) * time.Millisecond)
			expiresAt = &t
		}
	}

	stored := s.store.Set(key, []byte(value), expiresAt)
	if !stored {
		return nil, false
	}
	return protocol.EncodeBulkString("OK"), true
}

func (s *Server) dispatchInfo(tokens []string) []byte {
	if len(tokens) < 2 || !strings.EqualFold(tokens[1], "replication") {
		return protocol.EncodeBulkString("")
	}
	lines := []string{
		"role:" + string(s.role),
		"master_replid:" + replication.GenerateReplID(),
		"master_repl_offset:0",
	}
	return protocol.EncodeBulkString(strings.Join(lines, "\r\n"))
}

func (s *Server) dispatchReplconf(state *connState, tokens []string) []byte {
	if len(tokens) < 2 {
		return nil
	}
	switch strings.ToLower(tokens[1]) {
	case "listening-port":
		r := s.replMgr.Register(state.conn)
		state.replicaID = r.ID
		return protocol.EncodeSimpleString("OK")

	case "capa":
		return protocol.EncodeSimpleString("OK")

	case "getack":
		if !state.replicaInbound {
			return nil
		}
		offset := strconv.FormatInt(state.offsetBeforeCmd, 10)
		return protocol.EncodeArray([]string{"REPLCONF", "ACK", offset})
	}
	return nil
}

func (s *Server) dispatchPsync() []byte {
	reply := protocol.EncodeSimpleString("FULLRESYNC " + replication.FixedFullResyncReplID + " 0")
	reply = append(reply, protocol.EncodeEmptyRDBFrame()...)
	return reply
}
