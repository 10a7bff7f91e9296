// Package feed publishes session totals to local consumers over an IPC
// endpoint: a unix socket on POSIX systems, a named pipe on Windows. Overlay
// and UI processes connect, receive the latest totals immediately, and then a
// frame per update. A consumer that stops reading is dropped without
// affecting the others or the publisher.
package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// writeTimeout bounds a single frame write per consumer.
const writeTimeout = 2 * time.Second

// consumerBuffer is the number of pending frames a consumer may fall behind
// before it is dropped.
const consumerBuffer = 8

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Server is the feed publisher. Create with [Listen], push with
// [Server.Publish], shut down with [Server.Close].
type Server struct {
	ln net.Listener

	mu     sync.Mutex
	conns  map[int]*consumer
	nextID int
	latest []byte
	closed bool

	wg sync.WaitGroup
}

// consumer is one connected reader.
type consumer struct {
	conn net.Conn
	out  chan []byte
}

// Listen starts the feed on the platform endpoint: a socket path on POSIX, a
// pipe name on Windows.
func Listen(endpoint string) (*Server, error) {
	ln, err := listen(endpoint)
	if err != nil {
		return nil, fmt.Errorf("listening on feed endpoint %s: %w", endpoint, err)
	}

	s := &Server{
		ln:    ln,
		conns: make(map[int]*consumer),
	}
	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("feed listening", "endpoint", endpoint)
	return s, nil
}

// Publish marshals v as JSON and pushes it to every connected consumer. The
// payload is retained so late joiners receive the current totals on connect.
func (s *Server) Publish(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling feed payload: %w", err)
	}
	frame, err := EncodeFrame(OpTotals, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("feed closed")
	}
	s.latest = frame

	for id, c := range s.conns {
		select {
		case c.out <- frame:
		default:
			// Consumer stopped reading; cut it loose rather than block
			// everyone else.
			slog.Info("dropping slow feed consumer", "id", id)
			s.dropLocked(id)
		}
	}
	return nil
}

// Consumers returns the number of connected consumers.
func (s *Server) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, notifies consumers, and waits for the writer
// goroutines to drain. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	if frame, err := EncodeFrame(OpClose, nil); err == nil {
		for _, c := range s.conns {
			select {
			case c.out <- frame:
			default:
			}
		}
	}
	for id := range s.conns {
		s.dropLocked(id)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

// ///////////////////////////////////////////////
// Connection Handling
// ///////////////////////////////////////////////

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown, or a transient accept error;
			// either way there is nothing to retry on a local endpoint.
			return
		}
		s.register(conn)
	}
}

func (s *Server) register(conn net.Conn) {
	c := &consumer{
		conn: conn,
		out:  make(chan []byte, consumerBuffer),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	id := s.nextID
	s.nextID++
	s.conns[id] = c
	if s.latest != nil {
		c.out <- s.latest
	}
	s.mu.Unlock()

	slog.Debug("feed consumer connected", "id", id)
	s.wg.Add(1)
	go s.writeLoop(id, c)
}

// writeLoop drains one consumer's queue. A write error or timeout drops the
// consumer.
func (s *Server) writeLoop(id int, c *consumer) {
	defer s.wg.Done()
	for frame := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(frame); err != nil {
			slog.Debug("feed consumer write failed", "id", id, "error", err)
			s.drop(id)
			return
		}
	}
}

// drop removes and closes a consumer.
func (s *Server) drop(id int) {
	s.mu.Lock()
	s.dropLocked(id)
	s.mu.Unlock()
}

// dropLocked removes and closes a consumer. The caller holds the mutex.
// Closing the out channel ends the writer goroutine; Publish never sends to a
// dropped consumer because sends also happen under the mutex.
func (s *Server) dropLocked(id int) {
	c, ok := s.conns[id]
	if !ok {
		return
	}
	delete(s.conns, id)
	c.conn.Close()
	close(c.out)
}
