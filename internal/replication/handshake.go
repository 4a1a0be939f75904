package replication

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tinyredis/internal/protocol"
)

// HandshakeError is a fatal replica-side handshake failure: the master could
// not be dialed, a read or write on the connection failed, or an expected
// reply from the master differed from the literal bytes the protocol
// requires. Per spec.md §7 this terminates the replica process.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("replication: handshake failed at %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Handshake drives the fixed four-step replica handshake against a master
// and leaves the connection positioned right after the RDB payload, ready
// to be handed to the connection loop in replica-inbound mode.
//
// Unlike the teacher (internal/replication/replica.go ConnectToMaster /
// performHandshake), which reads and discards the FULLRESYNC+RDB reply with
// a single bounded Read, this implementation parses the RDB bulk-string
// length header and consumes exactly that many bytes — the correction
// spec.md §9 calls for.
func Handshake(log *logrus.Logger, masterHost string, masterPort int, ownPort int, dialTimeout time.Duration) (net.Conn, *bufio.Reader, error) {
	addr := net.JoinHostPort(masterHost, strconv.Itoa(masterPort))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, nil, &HandshakeError{Step: "dial", Err: err}
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if err := step(writer, reader, "PING", protocol.EncodeArray([]string{"PING"}), "+PONG"); err != nil {
		conn.Close()
		return nil, nil, err
	}
	log.Info("handshake: PING ok")

	portStr := strconv.Itoa(ownPort)
	if err := step(writer, reader, "REPLCONF listening-port",
		protocol.EncodeArray([]string{"REPLCONF", "listening-port", portStr}), "+OK"); err != nil {
		conn.Close()
		return nil, nil, err
	}
	log.Info("handshake: REPLCONF listening-port ok")

	if err := step(writer, reader, "REPLCONF capa",
		protocol.EncodeArray([]string{"REPLCONF", "capa", "npsync2"}), "+OK"); err != nil {
		conn.Close()
		return nil, nil, err
	}
	log.Info("handshake: REPLCONF capa ok")

	if _, err := writer.Write(protocol.EncodeArray([]string{"PSYNC", "?", "-1"})); err != nil {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "PSYNC", Err: err}
	}
	if err := writer.Flush(); err != nil {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "PSYNC", Err: err}
	}

	fullresync, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "PSYNC reply", Err: err}
	}
	fullresync = strings.TrimRight(fullresync, "\r\n")
	if !strings.HasPrefix(fullresync, "+FULLRESYNC") {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "PSYNC reply", Err: fmt.Errorf("unexpected reply %q", fullresync)}
	}
	log.WithField("reply", fullresync).Info("handshake: PSYNC ok, receiving RDB")

	rdbHeader, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "RDB header", Err: err}
	}
	rdbHeader = strings.TrimRight(rdbHeader, "\r\n")
	if !strings.HasPrefix(rdbHeader, "$") {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "RDB header", Err: fmt.Errorf("expected bulk length, got %q", rdbHeader)}
	}
	rdbLen, err := strconv.Atoi(rdbHeader[1:])
	if err != nil || rdbLen < 0 {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "RDB header", Err: fmt.Errorf("invalid RDB length %q", rdbHeader[1:])}
	}

	// The RDB payload has no trailing CRLF (per the wire contract in
	// spec.md §6): read exactly rdbLen bytes and stop.
	rdb := make([]byte, rdbLen)
	if _, err := io.ReadFull(reader, rdb); err != nil {
		conn.Close()
		return nil, nil, &HandshakeError{Step: "RDB payload", Err: err}
	}
	log.WithField("bytes", rdbLen).Info("handshake: RDB received, entering replica-inbound mode")

	return conn, reader, nil
}

func step(writer *bufio.Writer, reader *bufio.Reader, name string, frame []byte, wantPrefix string) error {
	if _, err := writer.Write(frame); err != nil {
		return &HandshakeError{Step: name, Err: err}
	}
	if err := writer.Flush(); err != nil {
		return &HandshakeError{Step: name, Err: err}
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return &HandshakeError{Step: name, Err: err}
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, wantPrefix) {
		return &HandshakeError{Step: name, Err: fmt.Errorf("expected %q, got %q", wantPrefix, line)}
	}
	return nil
}

