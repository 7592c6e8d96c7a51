package ipc

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const connTimeout = 5 * time.Second

// Handler carries out the commands the server accepts.
type Handler interface {
	Status() StatusData
	// Reload re-reads the configuration and applies it.
	Reload() error
	// Shutdown asks the daemon to exit. It must not block.
	Shutdown()
}

// Server handles IPC requests from clients
type Server struct {
	socketPath   string
	listener     net.Listener
	handler      Handler
	logger       *slog.Logger
	shuttingDown bool
	shutdownMu   sync.Mutex
	wg           sync.WaitGroup
}

// NewServer creates a new IPC server on socketPath.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start begins listening for IPC connections
func (s *Server) Start() error {
	// Remove a socket left by a previous run; the pid file guarantees no
	// live daemon owns it.
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create IPC socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.Info("IPC server listening", "socket", s.socketPath)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.shutdownMu.Lock()
			stopping := s.shuttingDown
			s.shutdownMu.Unlock()
			if stopping {
				return
			}
			s.logger.Warn("IPC accept error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single IPC connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReader(conn)

	// Read the request (expect JSON on a single line)
	data, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		s.logger.Warn("IPC read error", "error", err)
		return
	}

	req, err := ParseRequest(data)
	if err != nil {
		s.sendError(conn, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	resp, after := s.handleCommand(req)

	respData, err := resp.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal IPC response", "error", err)
		return
	}

	respData = append(respData, '\n')
	if _, err := conn.Write(respData); err != nil {
		s.logger.Warn("failed to send IPC response", "error", err)
	}

	if after != nil {
		after()
	}
}

// handleCommand processes an IPC command. The returned func, if any, runs
// after the response has been written.
func (s *Server) handleCommand(req *Request) (*Response, func()) {
	switch req.Command {
	case CommandGetStatus:
		return s.handleGetStatus(), nil
	case CommandReload:
		return s.handleReload(), nil
	case CommandShutdown:
		s.logger.Info("IPC: received SHUTDOWN")
		resp, _ := NewOKResponse(nil)
		return resp, s.handler.Shutdown
	default:
		return NewErrorResponse(fmt.Sprintf("Unknown command: %s", req.Command)), nil
	}
}

func (s *Server) handleReload() *Response {
	s.logger.Info("IPC: received RELOAD")
	if err := s.handler.Reload(); err != nil {
		return NewErrorResponse(fmt.Sprintf("Failed to reload config: %v", err))
	}
	resp, _ := NewOKResponse(nil)
	return resp
}

func (s *Server) handleGetStatus() *Response {
	resp, err := NewOKResponse(s.handler.Status())
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return resp
}

// sendError sends an error response
func (s *Server) sendError(conn net.Conn, errMsg string) {
	resp := NewErrorResponse(errMsg)
	data, _ := resp.Marshal()
	data = append(data, '\n')
	conn.Write(data)
}

// Stop gracefully shuts down the IPC server
func (s *Server) Stop() {
	s.shutdownMu.Lock()
	if s.shuttingDown {
		s.shutdownMu.Unlock()
		return
	}
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	if s.listener != nil {
		s.listener.Close()
		s.wg.Wait()
	}
	os.Remove(s.socketPath)
}
