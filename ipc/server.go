package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

// responseMarginDivisor reserves a tenth of the exchange budget for
// writing the response.
const responseMarginDivisor = 10

// ServerOptions configures the socket server.
type ServerOptions struct {
	SocketPath string
	// Secret must be presented by every request. Empty disables the check.
	Secret string
	// Timeout bounds one request/response exchange.
	Timeout time.Duration
	Logger  common.Logger
}

// Server serves bridge commands over a unix socket.
type Server struct {
	opts       ServerOptions
	dispatcher Dispatcher
	log        common.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a server for dispatcher.
func NewServer(dispatcher Dispatcher, opts ServerOptions) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = common.IPCTimeout
	}
	if opts.Logger == nil {
		opts.Logger = common.Named("ipc")
	}
	return &Server{opts: opts, dispatcher: dispatcher, log: opts.Logger}
}

// Listen binds the socket, replacing a stale one. Only the owner may
// connect.
func (s *Server) Listen() error {
	sock := s.opts.SocketPath
	if err := os.MkdirAll(filepath.Dir(sock), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if info, err := os.Lstat(sock); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("refusing to replace %s: not a socket", sock)
		}
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			return fmt.Errorf("listen %s: another daemon is running", sock)
		}
		os.Remove(sock)
	}

	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	if err := os.Chmod(sock, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", sock, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	if s.opts.Secret == "" {
		s.log.Warn("IPC secret not set, requests are not authenticated")
	}
	s.log.Info("Listening on %s", sock)
	return nil
}

// Serve accepts connections until ctx is done, then waits for in-flight
// requests and removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	defer func() {
		s.wg.Wait()
		os.Remove(s.opts.SocketPath)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Run listens and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.opts.Timeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Debug("Rejecting malformed request: %v", err)
		s.write(conn, Response{Error: &ErrorBody{Code: CodeBadRequest, Message: "invalid request: " + err.Error()}})
		return
	}

	if !s.authorized(req.Secret) {
		s.log.Warn("Rejecting unauthorized %q request", req.Command)
		s.write(conn, Response{ID: req.ID, Error: &ErrorBody{Code: CodeUnauthorized, Message: common.ErrUnauthorized.Error()}})
		return
	}

	// Commands must finish early enough for the response to reach a
	// client that shares the same exchange budget.
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout-s.opts.Timeout/responseMarginDivisor)
	defer cancel()

	s.log.Debug("Request %s: %s", req.ID, req.Command)

	data, err := s.dispatcher.Dispatch(ctx, bridge.Command{Name: req.Command, Args: req.Args})
	if err != nil {
		s.write(conn, errorResponse(req.ID, err))
		return
	}
	s.write(conn, Response{ID: req.ID, OK: true, Data: data})
}

func (s *Server) authorized(secret string) bool {
	if s.opts.Secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.opts.Secret)) == 1
}

func (s *Server) write(conn net.Conn, resp Response) {
	conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout / responseMarginDivisor))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug("Failed to write response: %v", err)
	}
}
