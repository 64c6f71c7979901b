// Package socket exposes the Request Handler over a Unix domain socket
// so agent subprocesses can submit terminal requests without going
// through the CLI. One line of JSON in, one line of JSON back.
package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/j-tyler/ken/internal/handler"
	"github.com/j-tyler/ken/internal/logger"
)

// Server listens on a Unix domain socket and forwards each line it
// receives to a handler.Handler, writing back the JSON response.
type Server struct {
	path    string
	handler *handler.Handler
	log     *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
}

// New builds a Server bound to path once Start is called.
func New(path string, h *handler.Handler, log *logger.Logger) *Server {
	return &Server{path: path, handler: h, log: log.WithFields(zap.String("component", "socket"))}
}

// Start removes any stale socket file, binds a new listener, and
// begins accepting connections in a background goroutine. It returns
// once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for in-flight connections to
// finish, then removes the socket file.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
	return os.Remove(s.path)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// serveConn handles every line on conn sequentially, so requests on one
// connection are answered in order. The Request Handler holds no
// per-session lock: requests arriving on different connections are
// ordered only by the store, whose single writer connection runs one
// transaction at a time and rejects illegal status transitions.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handler.Handle(ctx, append([]byte(nil), line...))
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("failed to write response", zap.Error(err))
			return
		}
	}
}
